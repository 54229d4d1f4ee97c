// Package risk performs pre-trade validation: every signal is checked against
// a portfolio snapshot and the configured limits before it may become an
// order. The engine holds no locks on the portfolio; it works entirely on the
// immutable snapshot the caller passes in.
//
// The package also owns the EmergencyStop latch shared across components.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// Decision is the outcome of Validate.
type Decision string

const (
	Accept Decision = "ACCEPT"
	Reject Decision = "REJECT"
)

// Result carries the decision, the sized quantity on accept, and the reason
// on reject. SizedQuantity is a whole number of units.
type Result struct {
	Decision      Decision
	SizedQuantity decimal.Decimal
	Reason        string
}

func reject(format string, args ...any) Result {
	return Result{Decision: Reject, Reason: fmt.Sprintf(format, args...)}
}

// Engine validates signals against limits. Checks run in a fixed order and
// the first failure wins; the per-symbol and gross-exposure caps size the
// order down to fit before rejecting outright.
type Engine struct {
	limits types.RiskLimits
	stop   *EmergencyStop
	logger *slog.Logger

	// snapshotFn supplies the portfolio for the daily equity anchor.
	snapshotFn func() types.Portfolio

	mu               sync.Mutex
	startOfDayEquity decimal.Decimal

	cron *cron.Cron
}

// NewEngine creates the risk engine. snapshotFn is called at startup and at
// every UTC midnight to anchor the daily loss limit.
func NewEngine(limits types.RiskLimits, stop *EmergencyStop, snapshotFn func() types.Portfolio, logger *slog.Logger) *Engine {
	e := &Engine{
		limits:     limits,
		stop:       stop,
		logger:     logger.With("component", "risk"),
		snapshotFn: snapshotFn,
		cron:       cron.New(cron.WithLocation(time.UTC)),
	}
	e.cron.AddFunc("0 0 * * *", e.resetDay)
	return e
}

// Start anchors start-of-day equity and begins the midnight reset schedule.
func (e *Engine) Start() {
	e.resetDay()
	e.cron.Start()
}

// Stop halts the reset schedule.
func (e *Engine) Stop() {
	e.cron.Stop()
}

func (e *Engine) resetDay() {
	equity := e.snapshotFn().TotalEquity
	e.mu.Lock()
	e.startOfDayEquity = equity
	e.mu.Unlock()
	e.logger.Info("daily equity anchor reset", "equity", equity)
}

// startOfDay returns the anchor, lazily initializing it from the given equity
// when Start has not run yet.
func (e *Engine) startOfDay(equity decimal.Decimal) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startOfDayEquity.IsZero() {
		e.startOfDayEquity = equity
	}
	return e.startOfDayEquity
}

// Validate runs the ordered checks against the snapshot and returns the
// decision with the sized quantity.
func (e *Engine) Validate(sig types.Signal, snap types.Portfolio) Result {
	// 1. Emergency stop.
	if e.stop.Active() {
		return reject("emergency stop active: %s", e.stop.Reason())
	}

	equity := snap.TotalEquity
	if !equity.IsPositive() {
		return reject("non-positive equity %s", equity)
	}

	// 2. Daily loss.
	anchor := e.startOfDay(equity)
	loss := anchor.Sub(equity)
	if maxLoss := e.limits.MaxDailyLossFraction.Mul(anchor); loss.GreaterThanOrEqual(maxLoss) && maxLoss.IsPositive() {
		return reject("daily loss %s at limit %s", loss, maxLoss)
	}

	if sig.Side != types.BUY && sig.Side != types.SELL {
		return reject("side %s is not tradable", sig.Side)
	}
	price := sig.ReferencePrice
	if !price.IsPositive() {
		return reject("reference price %s must be > 0", price)
	}

	// Base sizing: floor(min(maxPositionFraction x equity, perSymbolCap) / price),
	// optionally scaled linearly by confidence.
	allowedNotional := e.limits.MaxPositionFraction.Mul(equity)
	if cap, ok := e.limits.PerSymbolCaps[sig.Symbol]; ok && cap.LessThan(allowedNotional) {
		allowedNotional = cap
	}
	qty := allowedNotional.Div(price).Floor()
	if e.limits.ScaleByConfidence {
		qty = qty.Mul(decimal.NewFromFloat(sig.Confidence)).Floor()
	}
	if !qty.IsPositive() {
		return reject("sized quantity is zero")
	}

	pos := snap.Positions[sig.Symbol]
	oldQty := pos.Quantity
	signed := func(q decimal.Decimal) decimal.Decimal {
		if sig.Side == types.SELL {
			return q.Neg()
		}
		return q
	}

	// 3. Per-symbol position cap, sized down to fit.
	maxAbs := allowedNotional.Div(price).Floor()
	newAbs := oldQty.Add(signed(qty)).Abs()
	if newAbs.GreaterThan(maxAbs) && newAbs.GreaterThan(oldQty.Abs()) {
		qty = qty.Sub(newAbs.Sub(maxAbs))
		if !qty.IsPositive() {
			return reject("symbol %s at position cap %s", sig.Symbol, allowedNotional)
		}
		newAbs = oldQty.Add(signed(qty)).Abs()
	}

	// 4. Gross exposure cap, sized down to fit.
	gross := snap.GrossExposure()
	grossAfter := gross.Sub(pos.MarketValue.Abs()).Add(newAbs.Mul(price))
	maxGross := e.limits.MaxGrossExposureFraction.Mul(equity)
	if grossAfter.GreaterThan(maxGross) && grossAfter.GreaterThan(gross) {
		headroom := maxGross.Sub(gross.Sub(pos.MarketValue.Abs()))
		maxAbsGross := headroom.Div(price).Floor()
		if maxAbsGross.LessThan(newAbs) {
			qty = qty.Sub(newAbs.Sub(maxAbsGross))
			if !qty.IsPositive() {
				return reject("gross exposure at cap %s", maxGross)
			}
			newAbs = oldQty.Add(signed(qty)).Abs()
			grossAfter = gross.Sub(pos.MarketValue.Abs()).Add(newAbs.Mul(price))
		}
	}

	// 5. Leverage cap: reject, never size down.
	if grossAfter.GreaterThan(e.limits.MaxLeverage.Mul(equity)) {
		return reject("leverage %s exceeds cap %s",
			grossAfter.Div(equity).Round(4), e.limits.MaxLeverage)
	}

	// 6. Short selling.
	if sig.Side == types.SELL && !e.limits.AllowShort && qty.GreaterThan(oldQty) {
		return reject("insufficient long position %s to sell %s and shorting disabled", oldQty, qty)
	}

	return Result{Decision: Accept, SizedQuantity: qty}
}
