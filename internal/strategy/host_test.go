package strategy

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/bus"
	"tradecore/internal/config"
	"tradecore/internal/risk"
	"tradecore/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scripted is a controllable strategy for host tests.
type scripted struct {
	mu        sync.Mutex
	bars      []types.MarketBar
	fills     []types.Fill
	snapshots int
	panicAt   int // panic on the nth delivered bar (1-based), 0 = never
	emit      func(bar types.MarketBar) []types.Signal
}

func (s *scripted) Initialize(Config) error { return nil }

func (s *scripted) OnMarketData(bar types.MarketBar) ([]types.Signal, error) {
	s.mu.Lock()
	s.bars = append(s.bars, bar)
	n := len(s.bars)
	s.mu.Unlock()
	if s.panicAt > 0 && n >= s.panicAt {
		panic("scripted failure")
	}
	if s.emit != nil {
		return s.emit(bar), nil
	}
	return nil, nil
}

func (s *scripted) OnFill(f types.Fill) {
	s.mu.Lock()
	s.fills = append(s.fills, f)
	s.mu.Unlock()
}

func (s *scripted) OnPortfolioUpdate(types.Portfolio) {
	s.mu.Lock()
	s.snapshots++
	s.mu.Unlock()
}

func (s *scripted) Shutdown() {}

func (s *scripted) barCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bars)
}

func (s *scripted) barCopy() []types.MarketBar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.MarketBar(nil), s.bars...)
}

type hostHarness struct {
	host    *Host
	bus     *bus.Bus
	stop    *risk.EmergencyStop
	sigMu   sync.Mutex
	signals []types.Signal
}

func startHost(t *testing.T, register func(h *Host)) *hostHarness {
	t.Helper()
	b := bus.New(config.BusConfig{QueueDepth: 64, BackpressureTimeout: time.Second}, testLogger())
	stop := risk.NewEmergencyStop()
	host := NewHost(b, stop, 64, testLogger())
	register(host)

	hh := &hostHarness{host: host, bus: b, stop: stop}
	if _, err := b.Subscribe(bus.TopicSignal, "test", func(_ context.Context, evt bus.Event) error {
		hh.sigMu.Lock()
		hh.signals = append(hh.signals, evt.Payload.(types.Signal))
		hh.sigMu.Unlock()
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := host.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start host: %v", err)
	}
	t.Cleanup(func() {
		host.Stop()
		cancel()
		b.Close(context.Background())
	})
	return hh
}

func (hh *hostHarness) signalCopy() []types.Signal {
	hh.sigMu.Lock()
	defer hh.sigMu.Unlock()
	return append([]types.Signal(nil), hh.signals...)
}

func (hh *hostHarness) publishBar(t *testing.T, symbol string, ts time.Time, close string) {
	t.Helper()
	c := decimal.RequireFromString(close)
	if err := hh.bus.Publish(bus.TopicMarketData, types.MarketBar{
		Symbol: types.Symbol(symbol), Timestamp: ts,
		Open: c, High: c, Low: c, Close: c, Volume: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatal(err)
	}
}

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

func TestHostDeliversBySymbol(t *testing.T) {
	t.Parallel()
	a := &scripted{}
	b := &scripted{}
	hh := startHost(t, func(h *Host) {
		if err := h.Register(a, Config{ID: "a", Symbols: []types.Symbol{"AAPL"}}); err != nil {
			t.Fatal(err)
		}
		if err := h.Register(b, Config{ID: "b", Symbols: []types.Symbol{"MSFT"}}); err != nil {
			t.Fatal(err)
		}
	})

	ts := time.Now().UTC()
	hh.publishBar(t, "AAPL", ts, "100")
	hh.publishBar(t, "MSFT", ts, "300")
	hh.publishBar(t, "AAPL", ts.Add(time.Minute), "101")

	waitFor(t, "deliveries", func() bool { return a.barCount() == 2 && b.barCount() == 1 })
	for _, bar := range a.barCopy() {
		if bar.Symbol != "AAPL" {
			t.Errorf("strategy a got bar for %s", bar.Symbol)
		}
	}
}

func TestHostEnforcesBarOrderPerSymbol(t *testing.T) {
	t.Parallel()
	s := &scripted{}
	hh := startHost(t, func(h *Host) {
		if err := h.Register(s, Config{ID: "s", Symbols: []types.Symbol{"AAPL"}}); err != nil {
			t.Fatal(err)
		}
	})

	base := time.Now().UTC()
	hh.publishBar(t, "AAPL", base, "100")
	hh.publishBar(t, "AAPL", base.Add(-time.Minute), "99") // stale
	hh.publishBar(t, "AAPL", base, "100")                  // duplicate
	hh.publishBar(t, "AAPL", base.Add(time.Minute), "101")

	waitFor(t, "two ordered bars", func() bool { return s.barCount() == 2 })
	time.Sleep(50 * time.Millisecond)
	bars := s.barCopy()
	if len(bars) != 2 {
		t.Fatalf("delivered %d bars, want 2", len(bars))
	}
	if !bars[1].Timestamp.After(bars[0].Timestamp) {
		t.Error("bars delivered out of timestamp order")
	}
}

func TestHostAssignsSignalIdentity(t *testing.T) {
	t.Parallel()
	s := &scripted{emit: func(bar types.MarketBar) []types.Signal {
		return []types.Signal{{Side: types.BUY, Confidence: 0.8}}
	}}
	hh := startHost(t, func(h *Host) {
		if err := h.Register(s, Config{ID: "momo", Symbols: []types.Symbol{"AAPL"}}); err != nil {
			t.Fatal(err)
		}
	})

	ts := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	hh.publishBar(t, "AAPL", ts, "187.52")

	waitFor(t, "signal", func() bool { return len(hh.signalCopy()) == 1 })
	sig := hh.signalCopy()[0]
	if sig.StrategyID != "momo" || sig.Symbol != "AAPL" {
		t.Errorf("identity not assigned: %+v", sig)
	}
	if want := types.SignalID("momo", "AAPL", ts, types.BUY); sig.ID != want {
		t.Errorf("signal id = %s, want %s", sig.ID, want)
	}
	if sig.ReferencePrice.String() != "187.52" {
		t.Errorf("reference price = %s", sig.ReferencePrice)
	}
}

func TestHostSuppressesHoldSignals(t *testing.T) {
	t.Parallel()
	s := &scripted{emit: func(types.MarketBar) []types.Signal {
		return []types.Signal{{Side: types.HOLD}}
	}}
	hh := startHost(t, func(h *Host) {
		if err := h.Register(s, Config{ID: "s", Symbols: []types.Symbol{"AAPL"}}); err != nil {
			t.Fatal(err)
		}
	})

	hh.publishBar(t, "AAPL", time.Now().UTC(), "100")
	waitFor(t, "bar delivered", func() bool { return s.barCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(hh.signalCopy()); n != 0 {
		t.Errorf("published %d signals for HOLD, want 0", n)
	}
}

func TestHostPanicIsolation(t *testing.T) {
	t.Parallel()
	bad := &scripted{panicAt: 1}
	good := &scripted{}
	var lifecycle []types.StrategyLifecycleEvent
	var lcMu sync.Mutex

	hh := startHost(t, func(h *Host) {
		if err := h.Register(bad, Config{ID: "bad", Symbols: []types.Symbol{"AAPL"}}); err != nil {
			t.Fatal(err)
		}
		if err := h.Register(good, Config{ID: "good", Symbols: []types.Symbol{"AAPL"}}); err != nil {
			t.Fatal(err)
		}
	})
	if _, err := hh.bus.Subscribe(bus.TopicStrategyLifecycle, "test", func(_ context.Context, evt bus.Event) error {
		lcMu.Lock()
		lifecycle = append(lifecycle, evt.Payload.(types.StrategyLifecycleEvent))
		lcMu.Unlock()
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	base := time.Now().UTC()
	hh.publishBar(t, "AAPL", base, "100")

	waitFor(t, "error state", func() bool {
		return hh.host.States()["bad"] == types.StrategyError
	})

	// The survivor keeps receiving.
	hh.publishBar(t, "AAPL", base.Add(time.Minute), "101")
	waitFor(t, "good strategy delivery", func() bool { return good.barCount() == 2 })
	if bad.barCount() != 1 {
		t.Errorf("dead strategy received %d bars, want 1", bad.barCount())
	}

	waitFor(t, "lifecycle event", func() bool {
		lcMu.Lock()
		defer lcMu.Unlock()
		for _, evt := range lifecycle {
			if evt.StrategyID == "bad" && evt.State == types.StrategyError {
				return true
			}
		}
		return false
	})
}

func TestHostEmergencyStopMutesSignals(t *testing.T) {
	t.Parallel()
	s := &scripted{emit: func(types.MarketBar) []types.Signal {
		return []types.Signal{{Side: types.BUY, Confidence: 1}}
	}}
	hh := startHost(t, func(h *Host) {
		if err := h.Register(s, Config{ID: "s", Symbols: []types.Symbol{"AAPL"}}); err != nil {
			t.Fatal(err)
		}
	})

	hh.stop.Engage("test")
	base := time.Now().UTC()
	hh.publishBar(t, "AAPL", base, "100")
	waitFor(t, "bar still delivered", func() bool { return s.barCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(hh.signalCopy()); n != 0 {
		t.Fatalf("published %d signals under emergency stop", n)
	}

	hh.stop.Clear()
	hh.publishBar(t, "AAPL", base.Add(time.Minute), "101")
	waitFor(t, "signal after clear", func() bool { return len(hh.signalCopy()) == 1 })
}

func TestHostRoutesFillsAndPortfolio(t *testing.T) {
	t.Parallel()
	s := &scripted{}
	hh := startHost(t, func(h *Host) {
		if err := h.Register(s, Config{ID: "s", Symbols: []types.Symbol{"AAPL"}}); err != nil {
			t.Fatal(err)
		}
	})

	if err := hh.bus.Publish(bus.TopicFill, types.Fill{
		ID: "f1", OrderID: "o1", Symbol: "AAPL", Side: types.BUY,
		Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(100),
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := hh.bus.Publish(bus.TopicPortfolioUpdate, types.Portfolio{
		Cash:      decimal.NewFromInt(1000),
		Positions: map[types.Symbol]types.Position{},
		AsOf:      time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "fill and snapshot", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.fills) == 1 && s.snapshots == 1
	})
}
