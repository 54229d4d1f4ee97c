package portfolio

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/bus"
	"tradecore/internal/config"
	"tradecore/internal/risk"
	"tradecore/internal/store"
	"tradecore/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	core *Core
	bus  *bus.Bus
	stop *risk.EmergencyStop
	repo store.Repository
}

func startCore(t *testing.T, repo store.Repository) *harness {
	t.Helper()
	b := bus.New(config.BusConfig{QueueDepth: 64, BackpressureTimeout: time.Second}, testLogger())
	stop := risk.NewEmergencyStop()
	core := New(dec("100000"), 1000, b, repo, stop, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	if err := core.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start core: %v", err)
	}
	t.Cleanup(func() {
		core.Stop()
		cancel()
		b.Close(context.Background())
	})
	return &harness{core: core, bus: b, stop: stop, repo: repo}
}

func (h *harness) publishFill(t *testing.T, f types.Fill) {
	t.Helper()
	if err := h.bus.Publish(bus.TopicFill, f); err != nil {
		t.Fatalf("publish fill: %v", err)
	}
}

// waitFor polls until cond passes or the deadline hits.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func fill(id, orderID string, side types.Side, qty, price, commission string) types.Fill {
	return types.Fill{
		ID:         id,
		OrderID:    orderID,
		Symbol:     "A",
		Side:       side,
		Quantity:   dec(qty),
		Price:      dec(price),
		Commission: dec(commission),
		Venue:      "paper",
		Timestamp:  time.Now().UTC(),
	}
}

func approxEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(dec("0.0001"))
}

// Runs the S1 -> S2 -> S3 -> S4 accounting sequence.
func TestFillAccountingSequence(t *testing.T) {
	t.Parallel()
	h := startCore(t, store.NewMemory())

	// S1: BUY 100 @ 150, commission 1.
	h.publishFill(t, fill("f1", "O1", types.BUY, "100", "150", "1"))
	waitFor(t, "S1 applied", func() bool {
		return h.core.Snapshot().Cash.Equal(dec("84999"))
	})
	snap := h.core.Snapshot()
	pos := snap.Positions["A"]
	if !pos.Quantity.Equal(dec("100")) || !pos.AvgCost.Equal(dec("150")) || !pos.RealizedPnL.IsZero() {
		t.Fatalf("after S1: %+v", pos)
	}
	// Equity = 84999 + 100x150 = 99999 (initial cash minus commission).
	if !snap.TotalEquity.Equal(dec("99999")) {
		t.Errorf("equity after S1 = %s, want 99999", snap.TotalEquity)
	}

	// S2: BUY 50 @ 160, commission 1.
	h.publishFill(t, fill("f2", "O2", types.BUY, "50", "160", "1"))
	waitFor(t, "S2 applied", func() bool {
		return h.core.Snapshot().Cash.Equal(dec("76998"))
	})
	pos = h.core.Snapshot().Positions["A"]
	if !pos.Quantity.Equal(dec("150")) || !approxEqual(pos.AvgCost, dec("153.3333333333333333")) {
		t.Fatalf("after S2: qty %s avg %s", pos.Quantity, pos.AvgCost)
	}

	// S3: SELL 80 @ 170, commission 1.
	h.publishFill(t, fill("f3", "O3", types.SELL, "80", "170", "1"))
	waitFor(t, "S3 applied", func() bool {
		return h.core.Snapshot().Cash.Equal(dec("90597"))
	})
	pos = h.core.Snapshot().Positions["A"]
	if !pos.Quantity.Equal(dec("70")) {
		t.Fatalf("after S3: qty %s, want 70", pos.Quantity)
	}
	// 80 x (170 - 153.333...) = 1333.33...
	if !approxEqual(pos.RealizedPnL, dec("1333.3333333333333")) {
		t.Errorf("realized = %s, want ~1333.33", pos.RealizedPnL)
	}

	// S4: duplicate of f3 is a no-op.
	before := h.core.Snapshot()
	h.publishFill(t, fill("f3", "O3", types.SELL, "80", "170", "1"))
	time.Sleep(100 * time.Millisecond)
	after := h.core.Snapshot()
	if !after.Cash.Equal(before.Cash) ||
		!after.Positions["A"].Quantity.Equal(before.Positions["A"].Quantity) ||
		!after.Positions["A"].RealizedPnL.Equal(before.Positions["A"].RealizedPnL) {
		t.Errorf("duplicate fill changed state: before %+v, after %+v", before, after)
	}
}

func TestSellToFlatRemovesPosition(t *testing.T) {
	t.Parallel()
	h := startCore(t, store.NewMemory())

	h.publishFill(t, fill("fa", "O1", types.BUY, "100", "150", "0"))
	h.publishFill(t, fill("fb", "O2", types.SELL, "100", "155", "0"))
	// Positions is empty before any fill applies too, so gate on cash having
	// settled as well to avoid reading the snapshot before the writer runs.
	waitFor(t, "flat", func() bool {
		snap := h.core.Snapshot()
		return len(snap.Positions) == 0 && snap.Cash.Equal(dec("100500"))
	})

	snap := h.core.Snapshot()
	// Realized 100 x 5 = 500 lives in equity through cash once the entry is gone.
	if !snap.Cash.Equal(dec("100500")) || !snap.TotalEquity.Equal(dec("100500")) {
		t.Errorf("cash %s equity %s, want 100500 both", snap.Cash, snap.TotalEquity)
	}
}

func TestSignFlipSplitsAtZero(t *testing.T) {
	t.Parallel()
	h := startCore(t, store.NewMemory())

	h.publishFill(t, fill("fx", "O1", types.BUY, "100", "150", "0"))
	h.publishFill(t, fill("fy", "O2", types.SELL, "150", "160", "0"))
	waitFor(t, "short position", func() bool {
		pos, ok := h.core.Snapshot().Positions["A"]
		return ok && pos.Quantity.IsNegative()
	})

	pos := h.core.Snapshot().Positions["A"]
	if !pos.Quantity.Equal(dec("-50")) {
		t.Fatalf("qty = %s, want -50", pos.Quantity)
	}
	// Closing 100 long at 160 against cost 150 realizes 1000; the short 50
	// opens fresh at 160.
	if !pos.RealizedPnL.Equal(dec("1000")) {
		t.Errorf("realized = %s, want 1000", pos.RealizedPnL)
	}
	if !pos.AvgCost.Equal(dec("160")) {
		t.Errorf("short avg cost = %s, want 160", pos.AvgCost)
	}
}

func TestShortCoverRealizesInverse(t *testing.T) {
	t.Parallel()
	h := startCore(t, store.NewMemory())

	h.publishFill(t, fill("fs", "O1", types.SELL, "50", "200", "0"))
	h.publishFill(t, fill("fc", "O2", types.BUY, "50", "180", "0"))
	// As above: wait for cash to settle, not just the trivially-empty map.
	waitFor(t, "flat after cover", func() bool {
		snap := h.core.Snapshot()
		return len(snap.Positions) == 0 && snap.Cash.Equal(dec("101000"))
	})

	// Short 50 @ 200 covered @ 180: +20/unit.
	snap := h.core.Snapshot()
	if !snap.Cash.Equal(dec("101000")) {
		t.Errorf("cash = %s, want 101000", snap.Cash)
	}
}

func TestMarkToMarketMovesEquityOnly(t *testing.T) {
	t.Parallel()
	h := startCore(t, store.NewMemory())

	h.publishFill(t, fill("fm", "O1", types.BUY, "100", "150", "0"))
	waitFor(t, "fill applied", func() bool {
		return h.core.Snapshot().Cash.Equal(dec("85000"))
	})

	if err := h.bus.Publish(bus.TopicMarketData, types.MarketBar{
		Symbol: "A", Timestamp: time.Now().UTC(),
		Open: dec("150"), High: dec("156"), Low: dec("150"),
		Close: dec("155"), Volume: dec("1000"),
	}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "mark applied", func() bool {
		return h.core.Snapshot().TotalEquity.Equal(dec("100500"))
	})
	pos := h.core.Snapshot().Positions["A"]
	if !pos.UnrealizedPnL.Equal(dec("500")) || !pos.MarketValue.Equal(dec("15500")) {
		t.Errorf("unrealized %s market value %s", pos.UnrealizedPnL, pos.MarketValue)
	}
	if !h.core.Snapshot().Cash.Equal(dec("85000")) {
		t.Error("mark move changed cash")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()
	h := startCore(t, store.NewMemory())

	h.publishFill(t, fill("fi", "O1", types.BUY, "10", "100", "0"))
	waitFor(t, "fill applied", func() bool {
		return len(h.core.Snapshot().Positions) == 1
	})

	snap := h.core.Snapshot()
	snap.Positions["A"] = types.Position{Symbol: "A", Quantity: dec("9999")}
	if h.core.Snapshot().Positions["A"].Quantity.Equal(dec("9999")) {
		t.Error("mutating a snapshot leaked into the core")
	}
}

func TestRestoreFromRepository(t *testing.T) {
	t.Parallel()
	repo := store.NewMemory()
	persisted := types.Portfolio{
		Cash: dec("50000"),
		Positions: map[types.Symbol]types.Position{
			"A": {Symbol: "A", Quantity: dec("100"), AvgCost: dec("150"), MarketValue: dec("15500")},
		},
		TotalEquity: dec("65500"),
		AsOf:        time.Now().UTC(),
	}
	if err := repo.SnapshotPortfolio(context.Background(), persisted); err != nil {
		t.Fatal(err)
	}

	h := startCore(t, repo)
	snap := h.core.Snapshot()
	if !snap.Cash.Equal(dec("50000")) || !snap.Positions["A"].Quantity.Equal(dec("100")) {
		t.Fatalf("restore failed: %+v", snap)
	}
}

// brokenRepo fails every RecordFill.
type brokenRepo struct {
	*store.Memory
}

func (b *brokenRepo) RecordFill(context.Context, types.Fill) error {
	return errors.New("disk unavailable")
}

func TestPersistFailureLatchesEmergencyStop(t *testing.T) {
	t.Parallel()
	h := startCore(t, &brokenRepo{store.NewMemory()})

	h.publishFill(t, fill("ff", "O1", types.BUY, "10", "100", "0"))
	waitFor(t, "emergency stop", func() bool {
		return h.stop.Active()
	})

	// State must be untouched.
	snap := h.core.Snapshot()
	if !snap.Cash.Equal(dec("100000")) || len(snap.Positions) != 0 {
		t.Errorf("state mutated despite persist failure: %+v", snap)
	}
}

func TestPortfolioUpdateFollowsFill(t *testing.T) {
	t.Parallel()
	b := bus.New(config.BusConfig{QueueDepth: 64, BackpressureTimeout: time.Second}, testLogger())
	stop := risk.NewEmergencyStop()
	core := New(dec("100000"), 1000, b, store.NewMemory(), stop, testLogger())

	updates := make(chan types.Portfolio, 8)
	if _, err := b.Subscribe(bus.TopicPortfolioUpdate, "test", func(_ context.Context, evt bus.Event) error {
		updates <- evt.Payload.(types.Portfolio)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := core.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		core.Stop()
		cancel()
		b.Close(context.Background())
	})

	if err := b.Publish(bus.TopicFill, fill("fp", "O1", types.BUY, "100", "150", "1")); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-updates:
		// The update reflects the applied fill, never an intermediate state.
		if !got.Cash.Equal(dec("84999")) {
			t.Errorf("update cash = %s, want 84999", got.Cash)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no portfolio_update received")
	}
}
