// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading runtime: sides, order
// types, the order status machine, market bars, signals, fills, positions and
// portfolio snapshots. It has no dependencies on internal packages, so it can
// be imported by any layer.
//
// All prices, quantities and cash amounts are decimal.Decimal. Floating point
// is accepted only at the provider boundary and converted on normalization.
package types

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol identifies an instrument (e.g. a ticker). Symbols are opaque and
// serve as the sharding key for per-symbol ordering guarantees.
type Symbol string

// Side is the direction of a signal or order.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
	HOLD Side = "HOLD" // valid on signals only, never on orders
)

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	Market    OrderType = "MARKET"
	Limit     OrderType = "LIMIT"
	Stop      OrderType = "STOP"
	StopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

// Timeframe is the bar aggregation interval a strategy subscribes to.
type Timeframe string

const (
	TF1Min  Timeframe = "1m"
	TF5Min  Timeframe = "5m"
	TF15Min Timeframe = "15m"
	TF1Hour Timeframe = "1h"
	TF1Day  Timeframe = "1d"
)

// MarketBar is a normalized OHLCV aggregate for one symbol. Produced by the
// market-data ingress only and never mutated afterwards.
type MarketBar struct {
	Symbol    Symbol
	Timestamp time.Time // UTC bar close time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Validate checks the OHLC invariants: low <= open,close <= high, volume >= 0.
func (b MarketBar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar: empty symbol")
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("bar %s: zero timestamp", b.Symbol)
	}
	if b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close) {
		return fmt.Errorf("bar %s: low %s above open/close", b.Symbol, b.Low)
	}
	if b.High.LessThan(b.Open) || b.High.LessThan(b.Close) {
		return fmt.Errorf("bar %s: high %s below open/close", b.Symbol, b.High)
	}
	if b.Volume.IsNegative() {
		return fmt.Errorf("bar %s: negative volume %s", b.Symbol, b.Volume)
	}
	return nil
}

// ExecAlgo selects the execution algorithm for an order.
type ExecAlgo string

const (
	AlgoImmediate ExecAlgo = "IMMEDIATE" // single order, no slicing
	AlgoTWAP      ExecAlgo = "TWAP"      // equal slices over the horizon
	AlgoVWAP      ExecAlgo = "VWAP"      // slices weighted by a volume curve
	AlgoPOV       ExecAlgo = "POV"       // participation-rate sized slices
	AlgoIS        ExecAlgo = "IS"        // implementation shortfall
)

// ExecDirective requests a non-immediate execution for a signal. Nil means
// immediate.
type ExecDirective struct {
	Algo       ExecAlgo
	Horizon    time.Duration // total execution window
	Slices     int           // TWAP slice count (0 = derived from horizon)
	TargetRate float64       // POV participation rate in (0, 1]
	Urgency    float64       // IS immediate fraction in [0, 1]
}

// Signal is a strategy's directional intent, not yet sized or validated.
// ID is deterministic per (strategy, symbol, bar, side) so duplicate emissions
// on adjacent evaluations collapse to a single order.
type Signal struct {
	ID             string
	StrategyID     string
	Symbol         Symbol
	Side           Side
	Confidence     float64 // [0, 1]
	ReferencePrice decimal.Decimal
	Timestamp      time.Time
	Exec           *ExecDirective    // nil = immediate market execution
	Metadata       map[string]string // strategy-local conventions, passed through opaquely
}

// SignalID computes the deterministic idempotency key for a signal.
func SignalID(strategyID string, symbol Symbol, barTime time.Time, side Side) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%s", strategyID, symbol, barTime.UnixNano(), side)
	return fmt.Sprintf("%016x", h.Sum64())
}

// StrategyState tracks a hosted strategy instance through its lifecycle.
type StrategyState string

const (
	StrategyCreated StrategyState = "CREATED"
	StrategyRunning StrategyState = "RUNNING"
	StrategyPaused  StrategyState = "PAUSED"
	StrategyError   StrategyState = "ERROR"
	StrategyStopped StrategyState = "STOPPED"
)

// StrategyLifecycleEvent is published on the strategy_lifecycle topic whenever
// a hosted strategy changes state.
type StrategyLifecycleEvent struct {
	StrategyID string
	State      StrategyState
	Reason     string
	Timestamp  time.Time
}

// AlertSeverity grades system_alert events.
type AlertSeverity string

const (
	AlertInfo    AlertSeverity = "INFO"
	AlertWarning AlertSeverity = "WARNING"
	AlertError   AlertSeverity = "ERROR"
	AlertFatal   AlertSeverity = "FATAL" // latches the emergency stop
)

// Alert is the system_alert payload: emergency-stop transitions, broker state
// changes, backpressure drops, timeouts and invariant violations.
type Alert struct {
	Severity  AlertSeverity
	Kind      string // stable machine-readable tag, e.g. "broker_critical"
	Message   string
	Fields    map[string]string
	Timestamp time.Time
}
