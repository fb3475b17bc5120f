// Package engine defines the strategy engine contract and the built-in
// engine implementations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"strategy-orchestrator/internal/events"
	"strategy-orchestrator/internal/monitor"
	"strategy-orchestrator/pkg/db"
	"strategy-orchestrator/pkg/exchange"
)

// ErrRestartRequired signals that a parameter change cannot be applied to a
// running engine. The strategy keeps running on its previous parameters.
var ErrRestartRequired = errors.New("parameter change requires engine restart")

// ErrUnknownEngineType is returned when no factory matches the engine type.
var ErrUnknownEngineType = errors.New("unknown engine type")

// OrderGateway is the execution surface an engine is allowed to touch.
// The connector manager satisfies it.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error)
	CancelOpenOrders(ctx context.Context, pair string) (int, error)
	OpenOrders(ctx context.Context, pair string) ([]exchange.OpenOrder, error)
	CanTrade() bool
}

// OrderCandidate describes an order an engine wants to place, in terms the
// risk gate can evaluate before any venue call happens.
type OrderCandidate struct {
	Pair     string
	Side     exchange.Side
	Qty      float64
	Price    float64
	Notional float64
}

// RiskGate decides whether a candidate order may proceed. A non-empty reason
// accompanies every block.
type RiskGate interface {
	ShouldBlockOrder(candidate OrderCandidate, strategy string) (bool, string)
}

// Engine drives a single strategy. Tick is invoked by the coordination loop
// with a fresh market snapshot; implementations must not block beyond the
// context deadline.
type Engine interface {
	Name() string
	Tick(ctx context.Context, snap *exchange.Snapshot) error
	// ApplyParams updates parameters on a running engine. Returning
	// ErrRestartRequired means the engine keeps its previous parameters.
	ApplyParams(params map[string]float64) error
	// ActiveOrders lists the engine's resting venue orders. Callers must
	// not introspect engine state beyond this.
	ActiveOrders(ctx context.Context) []exchange.OpenOrder
	// Stop releases engine resources. Cleanup of venue state is the
	// registry's responsibility, not the engine's.
	Stop(ctx context.Context)
}

// Deps carries the shared infrastructure handed to every engine.
type Deps struct {
	Orders     OrderGateway
	Risk       RiskGate
	Bus        *events.Bus
	Metrics    *monitor.Metrics
	Log        *zap.Logger
	RemoteAddr string
}

// Factory builds an engine for one strategy configuration.
type Factory func(cfg db.StrategyConfig, deps Deps) (Engine, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory installs a factory for an engine type. Later registrations
// with the same name win, which tests use to inject fakes.
func RegisterFactory(engineType string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[engineType] = f
}

// New builds an engine of the requested type.
func New(cfg db.StrategyConfig, deps Deps) (Engine, error) {
	factoryMu.RLock()
	f, ok := factories[cfg.EngineType]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngineType, cfg.EngineType)
	}
	return f(cfg, deps)
}

// Types lists registered engine types, sorted.
func Types() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	out := make([]string, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func init() {
	RegisterFactory(TypeSpread, newSpreadEngine)
	RegisterFactory(TypeObserver, newObserverEngine)
	RegisterFactory(TypeRemote, newRemoteEngine)
}
