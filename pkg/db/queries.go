package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// ErrZeroSize guards the append-only snapshot table against zero-size rows.
var ErrZeroSize = errors.New("zero-size position snapshot rejected")

// ----------------------------------------
// Strategy config
// ----------------------------------------

// SaveStrategyConfig upserts a strategy configuration by name.
func (s *Store) SaveStrategyConfig(ctx context.Context, cfg StrategyConfig) error {
	params, err := json.Marshal(cfg.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	pairs, err := json.Marshal(cfg.Pairs)
	if err != nil {
		return fmt.Errorf("marshal pairs: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO strategy_configs (name, venue, pair, pairs, engine_type, params, enabled, owner, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			venue = excluded.venue,
			pair = excluded.pair,
			pairs = excluded.pairs,
			engine_type = excluded.engine_type,
			params = excluded.params,
			enabled = excluded.enabled,
			owner = excluded.owner,
			updated_at = CURRENT_TIMESTAMP
	`, cfg.Name, cfg.Venue, cfg.Pair, string(pairs), cfg.EngineType, string(params), boolToInt(cfg.Enabled), cfg.Owner)
	if err != nil {
		return fmt.Errorf("save strategy config %s: %w", cfg.Name, err)
	}
	return nil
}

// GetStrategyConfig returns a config by name, including disabled ones.
func (s *Store) GetStrategyConfig(ctx context.Context, name string) (*StrategyConfig, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT name, venue, pair, COALESCE(pairs, 'null'), engine_type, params, enabled, owner, created_at, updated_at
		FROM strategy_configs
		WHERE name = ?
	`, name)

	cfg, err := scanStrategyConfig(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load strategy config %s: %w", name, err)
	}
	return cfg, nil
}

// ListStrategyConfigs returns configs, optionally restricted to enabled ones,
// in creation order.
func (s *Store) ListStrategyConfigs(ctx context.Context, onlyEnabled bool) ([]StrategyConfig, error) {
	query := `
		SELECT name, venue, pair, COALESCE(pairs, 'null'), engine_type, params, enabled, owner, created_at, updated_at
		FROM strategy_configs
	`
	if onlyEnabled {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY created_at, name"

	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list strategy configs: %w", err)
	}
	defer rows.Close()

	var out []StrategyConfig
	for rows.Next() {
		cfg, err := scanStrategyConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan strategy config: %w", err)
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

// DisableStrategyConfig marks a persisted config disabled without deleting
// its history.
func (s *Store) DisableStrategyConfig(ctx context.Context, name string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE strategy_configs SET enabled = 0, updated_at = CURRENT_TIMESTAMP WHERE name = ?
	`, name)
	if err != nil {
		return fmt.Errorf("disable strategy config %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategyConfig(r rowScanner) (*StrategyConfig, error) {
	var (
		cfg                 StrategyConfig
		pairsJSON, paramsJS string
		enabled             int
	)
	if err := r.Scan(&cfg.Name, &cfg.Venue, &cfg.Pair, &pairsJSON, &cfg.EngineType,
		&paramsJS, &enabled, &cfg.Owner, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return nil, err
	}
	cfg.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(paramsJS), &cfg.Params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	if err := json.Unmarshal([]byte(pairsJSON), &cfg.Pairs); err != nil {
		return nil, fmt.Errorf("unmarshal pairs: %w", err)
	}
	return &cfg, nil
}

// ----------------------------------------
// Position snapshots (append-only)
// ----------------------------------------

// InsertPositionSnapshot appends one snapshot row. Rows are never updated in
// place; zero-size rows are rejected.
func (s *Store) InsertPositionSnapshot(ctx context.Context, rec PositionRecord) error {
	if rec.Size == 0 {
		return ErrZeroSize
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO position_snapshots
			(account, connector, pair, side, size, entry_price, mark_price, unrealized_pnl, leverage, strategy, reconciled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Account, rec.Connector, rec.Pair, rec.Side, rec.Size, rec.EntryPrice,
		rec.MarkPrice, rec.UnrealizedPnL, rec.Leverage, rec.Strategy, boolToInt(rec.Reconciled))
	if err != nil {
		return fmt.Errorf("insert position snapshot: %w", err)
	}
	return nil
}

// InsertPositionSnapshots appends a batch of snapshot rows in one
// transaction so a sync cycle lands atomically. Zero-size rows reject the
// whole batch.
func (s *Store) InsertPositionSnapshots(ctx context.Context, recs []PositionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	for _, rec := range recs {
		if rec.Size == 0 {
			return ErrZeroSize
		}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot batch: %w", err)
	}
	for _, rec := range recs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO position_snapshots
				(account, connector, pair, side, size, entry_price, mark_price, unrealized_pnl, leverage, strategy, reconciled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.Account, rec.Connector, rec.Pair, rec.Side, rec.Size, rec.EntryPrice,
			rec.MarkPrice, rec.UnrealizedPnL, rec.Leverage, rec.Strategy, boolToInt(rec.Reconciled))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert snapshot batch: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot batch: %w", err)
	}
	return nil
}

const currentSnapshotQuery = `
	SELECT p.id, p.account, p.connector, p.pair, p.side, p.size, p.entry_price,
	       p.mark_price, p.unrealized_pnl, p.leverage, p.strategy, p.reconciled, p.recorded_at
	FROM position_snapshots p
	JOIN (
		SELECT account, pair, MAX(id) AS max_id
		FROM position_snapshots
		GROUP BY account, pair
	) latest ON p.id = latest.max_id
	WHERE p.size != 0
`

// CurrentPositions returns the latest non-expired snapshot per (account,
// pair). maxAge <= 0 disables the age filter.
func (s *Store) CurrentPositions(ctx context.Context, maxAge time.Duration) ([]PositionRecord, error) {
	query := currentSnapshotQuery
	args := []any{}
	if maxAge > 0 {
		query += ` AND p.recorded_at >= datetime('now', ?)`
		args = append(args, fmt.Sprintf("-%d seconds", int(maxAge.Seconds())))
	}
	query += ` ORDER BY p.pair`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query current positions: %w", err)
	}
	defer rows.Close()
	return scanPositionRecords(rows)
}

// LatestPositionsForPairs returns the latest snapshot per (account, pair)
// restricted to the given pairs, ignoring age. Used as the persisted fallback
// when the connector has no authoritative view.
func (s *Store) LatestPositionsForPairs(ctx context.Context, pairs []string) ([]PositionRecord, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	query := currentSnapshotQuery + ` AND p.pair IN (?` // at least one pair
	args := []any{pairs[0]}
	for _, p := range pairs[1:] {
		query += `, ?`
		args = append(args, p)
	}
	query += `)`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions for pairs: %w", err)
	}
	defer rows.Close()
	return scanPositionRecords(rows)
}

func scanPositionRecords(rows *sql.Rows) ([]PositionRecord, error) {
	var out []PositionRecord
	for rows.Next() {
		var (
			rec        PositionRecord
			reconciled int
		)
		if err := rows.Scan(&rec.ID, &rec.Account, &rec.Connector, &rec.Pair, &rec.Side,
			&rec.Size, &rec.EntryPrice, &rec.MarkPrice, &rec.UnrealizedPnL,
			&rec.Leverage, &rec.Strategy, &reconciled, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan position snapshot: %w", err)
		}
		rec.Reconciled = reconciled == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeSnapshotsOlderThan deletes snapshot rows older than ttl.
func (s *Store) PurgeSnapshotsOlderThan(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM position_snapshots WHERE recorded_at < datetime('now', ?)
	`, fmt.Sprintf("-%d seconds", int(ttl.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("purge stale snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeZeroSizeSnapshots removes any exactly-zero rows that predate the
// insert-time guard.
func (s *Store) PurgeZeroSizeSnapshots(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM position_snapshots WHERE size = 0`)
	if err != nil {
		return 0, fmt.Errorf("purge zero-size snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ----------------------------------------
// Runtime mirror
// ----------------------------------------

// UpsertRuntime mirrors one strategy's live counters.
func (s *Store) UpsertRuntime(ctx context.Context, row RuntimeRow) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO strategy_runtime
			(name, is_running, started_at, actions, successes, failures, last_action_at, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			is_running = excluded.is_running,
			started_at = excluded.started_at,
			actions = excluded.actions,
			successes = excluded.successes,
			failures = excluded.failures,
			last_action_at = excluded.last_action_at,
			last_error = excluded.last_error,
			updated_at = CURRENT_TIMESTAMP
	`, row.Name, boolToInt(row.IsRunning), nullableTime(row.StartedAt), row.Actions,
		row.Successes, row.Failures, nullableTime(row.LastActionAt), row.LastError)
	if err != nil {
		return fmt.Errorf("upsert runtime %s: %w", row.Name, err)
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
