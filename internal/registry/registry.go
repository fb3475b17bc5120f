// Package registry manages the strategy set: configuration, engine
// lifecycle, and runtime counters. All mutations happen while the
// coordination loop keeps running.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"strategy-orchestrator/internal/connector"
	"strategy-orchestrator/internal/engine"
	"strategy-orchestrator/internal/events"
	"strategy-orchestrator/pkg/db"
	"strategy-orchestrator/pkg/exchange"
)

var (
	// ErrDuplicate is returned when a strategy name is already registered.
	ErrDuplicate = errors.New("strategy name already registered")
	// ErrNotFound is returned when no strategy matches the name.
	ErrNotFound = errors.New("strategy not found")
	// ErrLimitExceeded is returned when the configured strategy cap is hit.
	ErrLimitExceeded = errors.New("maximum strategy count reached")
	// ErrInvalidConfig is returned for configs that fail validation.
	ErrInvalidConfig = errors.New("invalid strategy config")
)

// runtime couples a strategy config with its live engine and counters.
type runtime struct {
	cfg    db.StrategyConfig
	eng    engine.Engine
	stats  RuntimeStats
	paused bool
}

// RuntimeStats are the live counters of one strategy.
type RuntimeStats struct {
	StartedAt    time.Time `json:"started_at"`
	LastActionAt time.Time `json:"last_action_at"`
	Actions      uint64    `json:"actions"`
	Successes    uint64    `json:"successes"`
	Failures     uint64    `json:"failures"`
	LastError    string    `json:"last_error,omitempty"`
	Degraded     bool      `json:"degraded"`
}

// StrategyView is the read-only listing shape returned to callers.
type StrategyView struct {
	Config db.StrategyConfig `json:"config"`
	Stats  RuntimeStats      `json:"stats"`
}

// Registry owns strategy lifecycle. Insertion order is preserved and is the
// dispatch order of the coordination loop.
type Registry struct {
	store   *db.Store
	conn    *connector.Manager
	bus     *events.Bus
	log     *zap.Logger
	deps    engine.Deps
	maxSize int

	mu      sync.RWMutex
	order   []string
	entries map[string]*runtime
}

// New creates an empty registry.
func New(store *db.Store, conn *connector.Manager, bus *events.Bus, deps engine.Deps, maxSize int, log *zap.Logger) *Registry {
	return &Registry{
		store:   store,
		conn:    conn,
		bus:     bus,
		log:     log,
		deps:    deps,
		maxSize: maxSize,
		entries: make(map[string]*runtime),
	}
}

func validate(cfg db.StrategyConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if cfg.Pair == "" {
		return fmt.Errorf("%w: pair is required", ErrInvalidConfig)
	}
	if cfg.EngineType == "" {
		return fmt.Errorf("%w: engine_type is required", ErrInvalidConfig)
	}
	if cfg.RefreshInterval() <= 0 {
		return fmt.Errorf("%w: %s must be a positive number of seconds", ErrInvalidConfig, db.ParamRefreshInterval)
	}
	return nil
}

// Add registers a new strategy: extends the venue subscription set, builds
// the engine, persists the config, and schedules the strategy from the
// current instant. The first tick happens one refresh interval after Add.
func (r *Registry) Add(ctx context.Context, cfg db.StrategyConfig) error {
	if err := validate(cfg); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.entries[cfg.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, cfg.Name)
	}
	if r.maxSize > 0 && len(r.entries) >= r.maxSize {
		r.mu.Unlock()
		return fmt.Errorf("%w (%d)", ErrLimitExceeded, r.maxSize)
	}
	r.mu.Unlock()

	for _, pair := range cfg.AllPairs() {
		if err := r.conn.EnsurePairSupported(ctx, pair); err != nil {
			return fmt.Errorf("strategy %s: %w", cfg.Name, err)
		}
	}

	cfg.Enabled = true
	eng, err := engine.New(cfg, r.deps)
	if err != nil {
		return fmt.Errorf("strategy %s: %w", cfg.Name, err)
	}

	now := time.Now()
	rt := &runtime{
		cfg: cfg,
		eng: eng,
		stats: RuntimeStats{
			StartedAt:    now,
			LastActionAt: now,
		},
	}

	r.mu.Lock()
	if _, exists := r.entries[cfg.Name]; exists {
		r.mu.Unlock()
		eng.Stop(ctx)
		return fmt.Errorf("%w: %s", ErrDuplicate, cfg.Name)
	}
	r.entries[cfg.Name] = rt
	r.order = append(r.order, cfg.Name)
	r.mu.Unlock()

	if err := r.store.SaveStrategyConfig(ctx, cfg); err != nil {
		r.mu.Lock()
		delete(r.entries, cfg.Name)
		r.order = removeName(r.order, cfg.Name)
		r.mu.Unlock()
		eng.Stop(ctx)
		return fmt.Errorf("persist strategy %s: %w", cfg.Name, err)
	}

	r.bus.Publish(events.EventStrategyAdded, cfg)
	r.log.Info("strategy added",
		zap.String("name", cfg.Name),
		zap.String("pair", cfg.Pair),
		zap.String("engine", cfg.EngineType),
		zap.String("owner", cfg.Owner))
	return nil
}

// Update applies new parameters to a running strategy. When the engine
// reports a restart requirement the strategy keeps running on its previous
// parameters, flagged degraded, and the caller is told via the returned
// flag. The persisted config always reflects the requested parameters.
func (r *Registry) Update(ctx context.Context, name string, params map[string]float64) (degraded bool, err error) {
	r.mu.Lock()
	rt, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	next := rt.cfg
	next.Params = params
	r.mu.Unlock()

	if err := validate(next); err != nil {
		return false, err
	}

	applyErr := rt.eng.ApplyParams(params)
	switch {
	case applyErr == nil:
	case errors.Is(applyErr, engine.ErrRestartRequired):
		degraded = true
		r.log.Warn("parameter change requires restart, strategy keeps previous parameters",
			zap.String("name", name))
	default:
		return false, fmt.Errorf("apply params to %s: %w", name, applyErr)
	}

	r.mu.Lock()
	rt.cfg.Params = params
	rt.stats.Degraded = degraded
	r.mu.Unlock()

	if err := r.store.SaveStrategyConfig(ctx, next); err != nil {
		return degraded, fmt.Errorf("persist strategy %s: %w", name, err)
	}

	r.bus.Publish(events.EventStrategyUpdated, next)
	r.log.Info("strategy updated", zap.String("name", name), zap.Bool("degraded", degraded))
	return degraded, nil
}

// Get returns a single strategy view.
func (r *Registry) Get(name string) (StrategyView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.entries[name]
	if !ok {
		return StrategyView{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return StrategyView{Config: rt.cfg, Stats: rt.stats}, nil
}

// ActiveOrders lists a strategy's resting venue orders through its engine
// contract. Engine internals beyond this stay opaque to callers.
func (r *Registry) ActiveOrders(ctx context.Context, name string) ([]exchange.OpenOrder, error) {
	r.mu.RLock()
	rt, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return rt.eng.ActiveOrders(ctx), nil
}

// Owner returns the owner of a strategy, for access checks.
func (r *Registry) Owner(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.entries[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return rt.cfg.Owner, nil
}

// List returns strategies in insertion order. A non-empty owner restricts
// the result to that owner's strategies.
func (r *Registry) List(owner string) []StrategyView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StrategyView, 0, len(r.order))
	for _, name := range r.order {
		rt := r.entries[name]
		if owner != "" && rt.cfg.Owner != owner {
			continue
		}
		out = append(out, StrategyView{Config: rt.cfg, Stats: rt.stats})
	}
	return out
}

// Count returns the number of registered strategies.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// RequiredPairs returns the union of every strategy's pairs, insertion
// ordered and deduplicated.
func (r *Registry) RequiredPairs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, name := range r.order {
		for _, pair := range r.entries[name].cfg.AllPairs() {
			if _, ok := seen[pair]; ok {
				continue
			}
			seen[pair] = struct{}{}
			out = append(out, pair)
		}
	}
	return out
}

// Dispatch is one strategy due for a tick.
type Dispatch struct {
	Name   string
	Pair   string
	Engine engine.Engine
}

// DueDispatches returns strategies whose refresh interval has elapsed since
// their last action, marking them actioned at now. A strategy whose elapsed
// time exactly equals its interval fires.
func (r *Registry) DueDispatches(now time.Time) []Dispatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Dispatch
	for _, name := range r.order {
		rt := r.entries[name]
		if rt.paused {
			continue
		}
		interval := rt.cfg.RefreshInterval()
		if interval <= 0 {
			continue
		}
		if now.Sub(rt.stats.LastActionAt) < interval {
			continue
		}
		rt.stats.LastActionAt = now
		rt.stats.Actions++
		out = append(out, Dispatch{Name: name, Pair: rt.cfg.Pair, Engine: rt.eng})
	}
	return out
}

// RecordResult updates a strategy's success/failure counters after a tick.
func (r *Registry) RecordResult(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.entries[name]
	if !ok {
		return
	}
	if err != nil {
		rt.stats.Failures++
		rt.stats.LastError = err.Error()
		return
	}
	rt.stats.Successes++
	rt.stats.LastError = ""
}

// RuntimeRows exports per-strategy counters for the persistence mirror.
func (r *Registry) RuntimeRows() []db.RuntimeRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]db.RuntimeRow, 0, len(r.order))
	for _, name := range r.order {
		rt := r.entries[name]
		out = append(out, db.RuntimeRow{
			Name:         name,
			IsRunning:    !rt.paused,
			StartedAt:    rt.stats.StartedAt,
			Actions:      rt.stats.Actions,
			Successes:    rt.stats.Successes,
			Failures:     rt.stats.Failures,
			LastActionAt: rt.stats.LastActionAt,
			LastError:    rt.stats.LastError,
		})
	}
	return out
}

// RestoreFromStore loads enabled strategies persisted by a previous run.
// Individual failures are logged and skipped so one bad row cannot prevent
// startup.
func (r *Registry) RestoreFromStore(ctx context.Context) error {
	configs, err := r.store.ListStrategyConfigs(ctx, true)
	if err != nil {
		return fmt.Errorf("load persisted strategies: %w", err)
	}
	for _, cfg := range configs {
		if err := r.Add(ctx, cfg); err != nil {
			r.log.Warn("skipping persisted strategy",
				zap.String("name", cfg.Name), zap.Error(err))
		}
	}
	return nil
}

func removeName(order []string, name string) []string {
	for i, n := range order {
		if n == name {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
