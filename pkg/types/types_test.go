package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMarketBarValidate(t *testing.T) {
	t.Parallel()

	good := MarketBar{
		Symbol: "AAPL", Timestamp: time.Now(),
		Open: d("100"), High: d("105"), Low: d("99"), Close: d("104"), Volume: d("1000"),
	}
	if err := good.Validate(); err != nil {
		t.Errorf("valid bar rejected: %v", err)
	}

	bad := good
	bad.Low = d("101") // above open
	if err := bad.Validate(); err == nil {
		t.Error("low above open should fail validation")
	}

	bad = good
	bad.Volume = d("-1")
	if err := bad.Validate(); err == nil {
		t.Error("negative volume should fail validation")
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to OrderStatus }{
		{StatusPending, StatusSubmitted},
		{StatusPending, StatusRejected},
		{StatusSubmitted, StatusPartiallyFilled},
		{StatusSubmitted, StatusFilled},
		{StatusPartiallyFilled, StatusFilled},
		{StatusPartiallyFilled, StatusCancelled},
		{StatusPartiallyFilled, StatusPartiallyFilled},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransition(tr.to) {
			t.Errorf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}

	denied := []struct{ from, to OrderStatus }{
		{StatusFilled, StatusCancelled},
		{StatusCancelled, StatusSubmitted},
		{StatusPartiallyFilled, StatusSubmitted}, // backwards edge
		{StatusSubmitted, StatusPending},
		{StatusRejected, StatusFilled},
	}
	for _, tr := range denied {
		if tr.from.CanTransition(tr.to) {
			t.Errorf("%s -> %s should be denied", tr.from, tr.to)
		}
	}
}

func TestOrderValidate(t *testing.T) {
	t.Parallel()

	o := Order{ID: "o1", Side: BUY, Type: Limit, Quantity: d("10"), LimitPrice: d("50")}
	if err := o.Validate(); err != nil {
		t.Errorf("valid limit order rejected: %v", err)
	}

	o.LimitPrice = decimal.Zero
	if err := o.Validate(); err == nil {
		t.Error("LIMIT without limit price should fail")
	}

	o = Order{ID: "o2", Side: SELL, Type: Stop, Quantity: d("10")}
	if err := o.Validate(); err == nil {
		t.Error("STOP without stop price should fail")
	}

	o = Order{ID: "o3", Side: HOLD, Type: Market, Quantity: d("10")}
	if err := o.Validate(); err == nil {
		t.Error("HOLD side on an order should fail")
	}
}

func TestSignalIDDeterministic(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 6, 2, 15, 30, 0, 0, time.UTC)
	a := SignalID("sma", "AAPL", ts, BUY)
	b := SignalID("sma", "AAPL", ts, BUY)
	if a != b {
		t.Errorf("same inputs must hash equal: %s vs %s", a, b)
	}
	if SignalID("sma", "AAPL", ts, SELL) == a {
		t.Error("different side must hash different")
	}
	if SignalID("sma", "MSFT", ts, BUY) == a {
		t.Error("different symbol must hash different")
	}
}

func TestPortfolioClone(t *testing.T) {
	t.Parallel()

	p := Portfolio{
		Cash: d("1000"),
		Positions: map[Symbol]Position{
			"AAPL": {Symbol: "AAPL", Quantity: d("10"), AvgCost: d("100"), MarketValue: d("1000")},
		},
	}
	c := p.Clone()
	c.Positions["AAPL"] = Position{Symbol: "AAPL", Quantity: d("999")}

	if !p.Positions["AAPL"].Quantity.Equal(d("10")) {
		t.Error("mutating clone leaked into original")
	}
	if !p.GrossExposure().Equal(d("1000")) {
		t.Errorf("gross exposure = %s, want 1000", p.GrossExposure())
	}
}
