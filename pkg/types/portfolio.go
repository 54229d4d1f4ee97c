package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the holding in a single symbol. Quantity is signed: negative
// means short. A position whose quantity reaches zero is removed from the
// portfolio map entirely.
type Position struct {
	Symbol        Symbol
	Quantity      decimal.Decimal
	AvgCost       decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	MarketValue   decimal.Decimal
	LastUpdated   time.Time
}

// Portfolio is an immutable point-in-time snapshot of cash plus positions.
// TotalEquity = Cash + sum of position market values.
type Portfolio struct {
	Cash        decimal.Decimal
	Positions   map[Symbol]Position
	TotalEquity decimal.Decimal
	AsOf        time.Time
}

// Clone returns a deep copy. Snapshots handed to readers must not alias the
// writer's map.
func (p Portfolio) Clone() Portfolio {
	out := p
	out.Positions = make(map[Symbol]Position, len(p.Positions))
	for sym, pos := range p.Positions {
		out.Positions[sym] = pos
	}
	return out
}

// GrossExposure returns the sum of absolute position market values.
func (p Portfolio) GrossExposure() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		total = total.Add(pos.MarketValue.Abs())
	}
	return total
}

// RiskLimits is the read-only pre-trade limit configuration.
type RiskLimits struct {
	MaxPositionFraction      decimal.Decimal            // per-symbol cap as fraction of equity
	MaxGrossExposureFraction decimal.Decimal            // gross exposure cap as fraction of equity
	MaxDailyLossFraction     decimal.Decimal            // loss cap as fraction of start-of-day equity
	MaxLeverage              decimal.Decimal            // gross exposure / equity ceiling
	PerSymbolCaps            map[Symbol]decimal.Decimal // optional absolute notional caps
	AllowShort               bool
	ScaleByConfidence        bool // linearly scale sized quantity by signal confidence
}

// BrokerHealth is the per-broker health record maintained by the broker
// manager. Latency is an EMA; counters only grow.
type BrokerHealth struct {
	BrokerName          string
	Healthy             bool
	ConsecutiveFailures int
	SuccessCount        int64
	ErrorCount          int64
	AvgResponseTime     time.Duration // EMA
	LastErrorAt         time.Time
	LastSuccessAt       time.Time
}

// SuccessRate returns successes / (successes + errors), or 1 with no samples.
func (h BrokerHealth) SuccessRate() float64 {
	total := h.SuccessCount + h.ErrorCount
	if total == 0 {
		return 1
	}
	return float64(h.SuccessCount) / float64(total)
}

// AccountInfo is the broker port's account summary, used by health probes and
// reconciliation.
type AccountInfo struct {
	BrokerName  string
	Cash        decimal.Decimal
	Equity      decimal.Decimal
	BuyingPower decimal.Decimal
	AsOf        time.Time
}
