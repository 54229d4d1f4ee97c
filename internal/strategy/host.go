package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradecore/internal/bus"
	"tradecore/internal/risk"
	"tradecore/pkg/types"
)

// hostEvent is one item in a strategy's inbox.
type hostEvent struct {
	bar       *types.MarketBar
	fill      *types.Fill
	portfolio *types.Portfolio
}

// instance wraps one hosted strategy with its inbox and lifecycle state.
type instance struct {
	cfg     Config
	strat   Strategy
	symbols map[types.Symbol]bool

	mu    sync.Mutex
	state types.StrategyState

	// lastBarTime enforces bar-timestamp order per symbol.
	lastBarTime map[types.Symbol]time.Time

	inbox chan hostEvent
	done  chan struct{}
}

func (inst *instance) getState() types.StrategyState {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

func (inst *instance) setState(s types.StrategyState) {
	inst.mu.Lock()
	inst.state = s
	inst.mu.Unlock()
}

// Host runs registered strategy instances, each on its own goroutine with a
// bounded inbox. A slow strategy loses its own oldest bars rather than
// stalling the bus.
type Host struct {
	bus        *bus.Bus
	stop       *risk.EmergencyStop
	inboxDepth int
	logger     *slog.Logger

	mu        sync.Mutex
	instances map[string]*instance
	started   bool

	subs []*bus.Subscription
	wg   sync.WaitGroup
}

// NewHost creates an empty host. inboxDepth bounds each strategy's queue.
func NewHost(b *bus.Bus, stop *risk.EmergencyStop, inboxDepth int, logger *slog.Logger) *Host {
	if inboxDepth <= 0 {
		inboxDepth = 256
	}
	return &Host{
		bus:        b,
		stop:       stop,
		inboxDepth: inboxDepth,
		logger:     logger.With("component", "strategy_host"),
		instances:  make(map[string]*instance),
	}
}

// Register initializes a strategy instance under cfg.ID. Must be called
// before Start.
func (h *Host) Register(strat Strategy, cfg Config) error {
	if cfg.ID == "" {
		return fmt.Errorf("strategy: empty instance id")
	}
	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("strategy %s: no symbols", cfg.ID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return fmt.Errorf("strategy %s: host already started", cfg.ID)
	}
	if _, dup := h.instances[cfg.ID]; dup {
		return fmt.Errorf("strategy %s: already registered", cfg.ID)
	}

	if err := strat.Initialize(cfg); err != nil {
		return fmt.Errorf("strategy %s: initialize: %w", cfg.ID, err)
	}

	symbols := make(map[types.Symbol]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[s] = true
	}
	h.instances[cfg.ID] = &instance{
		cfg:         cfg,
		strat:       strat,
		symbols:     symbols,
		state:       types.StrategyCreated,
		lastBarTime: make(map[types.Symbol]time.Time),
		inbox:       make(chan hostEvent, h.inboxDepth),
		done:        make(chan struct{}),
	}
	return nil
}

// Symbols returns the union of all registered strategies' symbols, for the
// market-data subscription.
func (h *Host) Symbols() []types.Symbol {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := make(map[types.Symbol]bool)
	for _, inst := range h.instances {
		for s := range inst.symbols {
			set[s] = true
		}
	}
	out := make([]types.Symbol, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// States reports each instance's lifecycle state.
func (h *Host) States() map[string]types.StrategyState {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]types.StrategyState, len(h.instances))
	for id, inst := range h.instances {
		out[id] = inst.getState()
	}
	return out
}

// Start subscribes to the bus and launches one goroutine per instance.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return fmt.Errorf("strategy: host already started")
	}
	h.started = true
	instances := make([]*instance, 0, len(h.instances))
	for _, inst := range h.instances {
		instances = append(instances, inst)
	}
	h.mu.Unlock()

	type sub struct {
		topic   bus.Topic
		handler bus.Handler
	}
	for _, s := range []sub{
		{bus.TopicMarketData, func(_ context.Context, evt bus.Event) error {
			bar := evt.Payload.(types.MarketBar)
			h.fanOut(hostEvent{bar: &bar}, bar.Symbol)
			return nil
		}},
		{bus.TopicFill, func(_ context.Context, evt bus.Event) error {
			fill := evt.Payload.(types.Fill)
			h.fanOut(hostEvent{fill: &fill}, fill.Symbol)
			return nil
		}},
		{bus.TopicPortfolioUpdate, func(_ context.Context, evt bus.Event) error {
			p := evt.Payload.(types.Portfolio)
			h.fanOut(hostEvent{portfolio: &p}, "")
			return nil
		}},
	} {
		subscription, err := h.bus.Subscribe(s.topic, "strategy_host", s.handler)
		if err != nil {
			return err
		}
		h.subs = append(h.subs, subscription)
	}

	for _, inst := range instances {
		inst.setState(types.StrategyRunning)
		h.publishLifecycle(inst, "started")
		h.wg.Add(1)
		go h.runInstance(ctx, inst)
	}
	return nil
}

// Stop shuts every strategy down and detaches from the bus.
func (h *Host) Stop() {
	for _, s := range h.subs {
		h.bus.Unsubscribe(s)
	}

	h.mu.Lock()
	instances := make([]*instance, 0, len(h.instances))
	for _, inst := range h.instances {
		instances = append(instances, inst)
	}
	h.mu.Unlock()

	for _, inst := range instances {
		close(inst.done)
	}
	h.wg.Wait()

	for _, inst := range instances {
		if inst.getState() != types.StrategyError {
			inst.setState(types.StrategyStopped)
			h.publishLifecycle(inst, "stopped")
		}
	}
}

// fanOut offers the event to every instance trading the symbol. An empty
// symbol broadcasts. A full inbox drops that strategy's oldest event.
func (h *Host) fanOut(evt hostEvent, symbol types.Symbol) {
	h.mu.Lock()
	instances := make([]*instance, 0, len(h.instances))
	for _, inst := range h.instances {
		instances = append(instances, inst)
	}
	h.mu.Unlock()

	for _, inst := range instances {
		if symbol != "" && !inst.symbols[symbol] {
			continue
		}
		if inst.getState() != types.StrategyRunning {
			continue
		}
		h.offer(inst, evt)
	}
}

func (h *Host) offer(inst *instance, evt hostEvent) {
	for {
		select {
		case inst.inbox <- evt:
			return
		default:
		}
		select {
		case dropped := <-inst.inbox:
			if dropped.bar != nil {
				h.logger.Warn("strategy inbox full, dropping oldest bar",
					"strategy", inst.cfg.ID, "symbol", dropped.bar.Symbol)
				h.alert(types.AlertWarning, "strategy_inbox_drop",
					fmt.Sprintf("strategy %s dropped a bar for %s", inst.cfg.ID, dropped.bar.Symbol),
					map[string]string{"strategy": inst.cfg.ID})
			}
		default:
		}
	}
}

func (h *Host) runInstance(ctx context.Context, inst *instance) {
	defer h.wg.Done()
	defer h.shutdownStrategy(inst)

	for {
		select {
		case <-ctx.Done():
			return
		case <-inst.done:
			return
		case evt := <-inst.inbox:
			if !h.dispatch(inst, evt) {
				return // strategy moved to ERROR
			}
		}
	}
}

// dispatch delivers one event with panic containment. Returns false when the
// strategy is dead.
func (h *Host) dispatch(inst *instance, evt hostEvent) (alive bool) {
	defer func() {
		if r := recover(); r != nil {
			alive = false
			inst.setState(types.StrategyError)
			h.logger.Error("strategy panicked", "strategy", inst.cfg.ID, "panic", r)
			h.publishLifecycle(inst, fmt.Sprintf("panic: %v", r))
			h.alert(types.AlertError, "strategy_panic",
				fmt.Sprintf("strategy %s panicked: %v", inst.cfg.ID, r),
				map[string]string{"strategy": inst.cfg.ID})
		}
	}()

	switch {
	case evt.bar != nil:
		bar := *evt.bar
		if last, ok := inst.lastBarTime[bar.Symbol]; ok && !bar.Timestamp.After(last) {
			return true
		}
		inst.lastBarTime[bar.Symbol] = bar.Timestamp

		signals, err := inst.strat.OnMarketData(bar)
		if err != nil {
			h.logger.Warn("strategy evaluation error",
				"strategy", inst.cfg.ID, "symbol", bar.Symbol, "error", err)
			return true
		}
		h.emit(inst, bar, signals)

	case evt.fill != nil:
		inst.strat.OnFill(*evt.fill)

	case evt.portfolio != nil:
		inst.strat.OnPortfolioUpdate(*evt.portfolio)
	}
	return true
}

// emit publishes signals with host-assigned identity. While the emergency
// stop is engaged strategies keep receiving data but nothing is emitted.
func (h *Host) emit(inst *instance, bar types.MarketBar, signals []types.Signal) {
	if len(signals) == 0 || h.stop.Active() {
		return
	}
	for _, sig := range signals {
		if sig.Side == types.HOLD {
			continue
		}
		sig.StrategyID = inst.cfg.ID
		if sig.Symbol == "" {
			sig.Symbol = bar.Symbol
		}
		if sig.Timestamp.IsZero() {
			sig.Timestamp = bar.Timestamp
		}
		if sig.ReferencePrice.IsZero() {
			sig.ReferencePrice = bar.Close
		}
		sig.ID = types.SignalID(sig.StrategyID, sig.Symbol, bar.Timestamp, sig.Side)

		if err := h.bus.Publish(bus.TopicSignal, sig); err != nil {
			h.logger.Warn("signal publish failed",
				"strategy", inst.cfg.ID, "signal", sig.ID, "error", err)
		}
	}
}

func (h *Host) shutdownStrategy(inst *instance) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("strategy shutdown panicked", "strategy", inst.cfg.ID, "panic", r)
		}
	}()
	inst.strat.Shutdown()
}

func (h *Host) publishLifecycle(inst *instance, reason string) {
	h.bus.Publish(bus.TopicStrategyLifecycle, types.StrategyLifecycleEvent{
		StrategyID: inst.cfg.ID,
		State:      inst.getState(),
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	})
}

func (h *Host) alert(sev types.AlertSeverity, kind, msg string, fields map[string]string) {
	h.bus.Publish(bus.TopicSystemAlert, types.Alert{
		Severity:  sev,
		Kind:      kind,
		Message:   msg,
		Fields:    fields,
		Timestamp: time.Now().UTC(),
	})
}
