package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS strategy_configs (
    name TEXT PRIMARY KEY,
    venue TEXT NOT NULL,
    pair TEXT NOT NULL,
    pairs TEXT,
    engine_type TEXT NOT NULL DEFAULT 'observer',
    params TEXT NOT NULL DEFAULT '{}',
    enabled INTEGER NOT NULL DEFAULT 1,
    owner TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS position_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account TEXT NOT NULL,
    connector TEXT NOT NULL,
    pair TEXT NOT NULL,
    side TEXT NOT NULL,
    size REAL NOT NULL,
    entry_price REAL DEFAULT 0,
    mark_price REAL DEFAULT 0,
    unrealized_pnl REAL DEFAULT 0,
    leverage REAL DEFAULT 1,
    strategy TEXT NOT NULL DEFAULT 'Unknown',
    reconciled INTEGER NOT NULL DEFAULT 0,
    recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_snapshots_pair_time
    ON position_snapshots(account, pair, recorded_at DESC);

CREATE TABLE IF NOT EXISTS strategy_runtime (
    name TEXT PRIMARY KEY,
    is_running INTEGER NOT NULL DEFAULT 0,
    started_at DATETIME,
    actions INTEGER NOT NULL DEFAULT 0,
    successes INTEGER NOT NULL DEFAULT 0,
    failures INTEGER NOT NULL DEFAULT 0,
    last_action_at DATETIME,
    last_error TEXT NOT NULL DEFAULT '',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// applyMigrations bootstraps the schema; keep lightweight for fast startup.
func (s *Store) applyMigrations() error {
	if s == nil || s.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := s.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(s.DB, "strategy_configs", "engine_type", "TEXT NOT NULL DEFAULT 'observer'"); err != nil {
		return err
	}
	if err := ensureColumn(s.DB, "strategy_configs", "owner", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(s.DB, "position_snapshots", "reconciled", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
