// Package strategy hosts trading strategies and fans market data out to them.
//
// A Strategy is a passive object: the host owns the goroutine, delivers bars
// and fills in order, and publishes whatever signals come back. Strategies are
// isolated from each other; a panic in one moves it to ERROR and the rest keep
// running.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"tradecore/pkg/types"
)

// Config is the per-instance strategy configuration.
type Config struct {
	ID        string
	Symbols   []types.Symbol
	Timeframe types.Timeframe
	Params    map[string]float64
}

// Strategy is the capability set every hosted strategy implements. All calls
// on one instance come from a single host goroutine, so implementations need
// no locking of their own.
type Strategy interface {
	// Initialize is called once before any event delivery.
	Initialize(cfg Config) error

	// OnMarketData evaluates one bar and returns zero or more signals.
	// The host fills in Signal.ID and StrategyID.
	OnMarketData(bar types.MarketBar) ([]types.Signal, error)

	// OnFill notifies the strategy of an execution on a symbol it trades.
	OnFill(fill types.Fill)

	// OnPortfolioUpdate delivers the post-fill portfolio snapshot.
	OnPortfolioUpdate(snapshot types.Portfolio)

	// Shutdown releases strategy resources. Called exactly once.
	Shutdown()
}

// Factory constructs a fresh strategy instance.
type Factory func() Strategy

var (
	registryMu sync.Mutex
	registry   = make(map[string]Factory)
)

// RegisterFactory makes a strategy type available by name. Typically called
// from init in the implementing file.
func RegisterFactory(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("strategy: factory %q registered twice", name))
	}
	registry[name] = f
}

// NewByName constructs a registered strategy type.
func NewByName(name string) (Strategy, error) {
	registryMu.Lock()
	f, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("strategy: unknown type %q (have %v)", name, FactoryNames())
	}
	return f(), nil
}

// FactoryNames lists the registered strategy types, sorted.
func FactoryNames() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
