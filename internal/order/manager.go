// Package order turns risk-validated signals into broker submissions and
// drives every order's state machine from broker status and fill events.
//
// The manager is single-writer: one run goroutine owns the order records,
// idempotency caches, rate windows and execution-algorithm schedules. Bus
// handlers, timers and the broker submit worker communicate with it only
// through its command channel. Submissions and cancels, which block on the
// network, never run on the run goroutine.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"tradecore/internal/bus"
	"tradecore/internal/config"
	"tradecore/internal/risk"
	"tradecore/internal/store"
	"tradecore/pkg/types"
)

var (
	ErrDuplicateSignal = errors.New("order: duplicate signal")
	ErrRateLimited     = errors.New("order: rate limited")
	ErrUnknownOrder    = errors.New("order: unknown order")
)

const (
	persistAttempts = 5
	persistBackoff  = 100 * time.Millisecond
	volumeEMAAlpha  = 0.3

	defaultAlgoSlices  = 10
	defaultAlgoHorizon = 10 * time.Minute
)

// Pool is the slice of the broker manager the order manager depends on.
type Pool interface {
	Submit(ctx context.Context, o types.Order) (brokerOrderID, brokerName string, err error)
	Cancel(ctx context.Context, orderID, brokerOrderID string) error
	Bind(orderID, brokerName string) error
	Release(orderID string)
}

type cancelReq struct {
	id     string
	reason string
	reply  chan error
}

type submitResult struct {
	orderID       string
	brokerOrderID string
	brokerName    string
	err           error
}

type command struct {
	signal     *types.Signal
	status     *types.OrderStatusUpdate
	fill       *types.Fill
	bar        *types.MarketBar
	submitRes  *submitResult
	cancel     *cancelReq
	timeoutID  string
	algoTickID string
	cancelAll  string // engage reason
	drain      bool
	resetDaily bool
}

// algoRun is the scheduling state for one execution-algorithm parent.
type algoRun struct {
	parentID string
	plan     []sliceSpec // static plans; nil for participation-rate
	next     int

	// participation-rate only
	pov      bool
	rate     float64
	interval time.Duration
	deadline time.Time

	timer *time.Timer
}

// Manager is the order manager. Create with New, then Start.
type Manager struct {
	cfg        config.OrderConfig
	bus        *bus.Bus
	repo       store.Repository
	riskEngine *risk.Engine
	pool       Pool
	stop       *risk.EmergencyStop
	snapshotFn func() types.Portfolio
	logger     *slog.Logger

	cmdCh    chan command
	submitCh chan types.Order
	quit     chan struct{}
	runDone  chan struct{}
	submitWG sync.WaitGroup
	subs     []*bus.Subscription
	sigSub   *bus.Subscription
	cron     *cron.Cron

	active atomic.Int64 // non-terminal order count

	// Everything below is owned by the run goroutine.
	orders          map[string]*types.Order
	children        map[string][]string // parentID -> child order IDs
	algos           map[string]*algoRun
	timers          map[string]*time.Timer
	sigDedup        *lruSet
	fillDedup       *lruSet
	window          *slidingWindow
	queue           []types.Signal
	dailyCount      int
	dailyCapAlerted bool
	volumes         map[types.Symbol]decimal.Decimal
}

// New wires the manager. snapshotFn must return a consistent portfolio
// snapshot for risk validation.
func New(cfg config.OrderConfig, b *bus.Bus, repo store.Repository, engine *risk.Engine,
	pool Pool, stop *risk.EmergencyStop, snapshotFn func() types.Portfolio, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		bus:        b,
		repo:       repo,
		riskEngine: engine,
		pool:       pool,
		stop:       stop,
		snapshotFn: snapshotFn,
		logger:     logger.With("component", "order_manager"),
		cmdCh:      make(chan command, 256),
		submitCh:   make(chan types.Order, 1024),
		quit:       make(chan struct{}),
		runDone:    make(chan struct{}),
		cron:       cron.New(cron.WithLocation(time.UTC)),
		orders:     make(map[string]*types.Order),
		children:   make(map[string][]string),
		algos:      make(map[string]*algoRun),
		timers:     make(map[string]*time.Timer),
		sigDedup:   newLRUSet(cfg.DedupCacheSize),
		fillDedup:  newLRUSet(cfg.DedupCacheSize),
		window:     newSlidingWindow(cfg.MaxOrdersPerMinute, time.Minute),
		volumes:    make(map[types.Symbol]decimal.Decimal),
	}
}

// Start recovers active orders, arms their timers, subscribes to the bus and
// launches the run loop and the submit worker.
func (m *Manager) Start(ctx context.Context) error {
	recovered, err := m.repo.LoadActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("load active orders: %w", err)
	}
	for i := range recovered {
		o := recovered[i]
		m.orders[o.ID] = &o
		m.active.Add(1)
		m.sigDedup.Add(o.SignalID)
		if o.ParentID != "" {
			m.children[o.ParentID] = append(m.children[o.ParentID], o.ID)
		}
		if o.BrokerName != "" {
			if err := m.pool.Bind(o.ID, o.BrokerName); err != nil {
				m.logger.Warn("affinity rebind failed", "order", o.ID, "error", err)
			}
		}
		m.armTimeout(o.ID, o.CreatedAt)
	}
	for id := range m.orders {
		o := m.orders[id]
		if o.Exec != nil && o.Exec.Algo != types.AlgoImmediate && o.ParentID == "" {
			m.resumeAlgo(o)
		}
	}
	if len(recovered) > 0 {
		m.logger.Info("recovered active orders", "count", len(recovered))
	}

	if _, err := m.cron.AddFunc("0 0 * * *", func() {
		m.enqueue(command{resetDaily: true})
	}); err != nil {
		return fmt.Errorf("schedule daily reset: %w", err)
	}

	subscriptions := []struct {
		topic   bus.Topic
		handler bus.Handler
	}{
		{bus.TopicSignal, func(_ context.Context, evt bus.Event) error {
			sig := evt.Payload.(types.Signal)
			return m.enqueue(command{signal: &sig})
		}},
		{bus.TopicOrderStatus, func(_ context.Context, evt bus.Event) error {
			u := evt.Payload.(types.OrderStatusUpdate)
			return m.enqueue(command{status: &u})
		}},
		{bus.TopicFill, func(_ context.Context, evt bus.Event) error {
			f := evt.Payload.(types.Fill)
			return m.enqueue(command{fill: &f})
		}},
		{bus.TopicMarketData, func(_ context.Context, evt bus.Event) error {
			bar := evt.Payload.(types.MarketBar)
			return m.enqueue(command{bar: &bar})
		}},
	}
	for _, s := range subscriptions {
		sub, err := m.bus.Subscribe(s.topic, "order_manager", s.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", s.topic, err)
		}
		m.subs = append(m.subs, sub)
		if s.topic == bus.TopicSignal {
			m.sigSub = sub
		}
	}

	m.stop.OnEngage(func(reason string) {
		m.enqueue(command{cancelAll: reason})
	})

	m.submitWG.Add(1)
	go m.submitWorker(ctx)
	go m.run(ctx)
	if m.cfg.QueueOnRateLimit {
		go m.drainTicker()
	}
	m.cron.Start()
	return nil
}

// Stop quiesces the manager: intake stops first, outstanding orders get until
// ctx expires to reach terminal, then the run loop shuts down.
func (m *Manager) Stop(ctx context.Context) {
	if m.sigSub != nil {
		m.bus.Unsubscribe(m.sigSub)
	}

	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
drain:
	for m.active.Load() > 0 {
		select {
		case <-ctx.Done():
			m.logger.Warn("stopping with orders outstanding", "count", m.active.Load())
			break drain
		case <-tick.C:
		}
	}

	m.cron.Stop()
	for _, sub := range m.subs {
		if sub != m.sigSub {
			m.bus.Unsubscribe(sub)
		}
	}
	close(m.quit)
	<-m.runDone
	close(m.submitCh)
	m.submitWG.Wait()
}

// ActiveCount reports the number of non-terminal orders.
func (m *Manager) ActiveCount() int { return int(m.active.Load()) }

// Cancel requests cancellation of one order. Terminal orders are a no-op.
func (m *Manager) Cancel(orderID string) error {
	reply := make(chan error, 1)
	if err := m.enqueue(command{cancel: &cancelReq{id: orderID, reason: "cancelled by request", reply: reply}}); err != nil {
		return err
	}
	return <-reply
}

func (m *Manager) enqueue(cmd command) error {
	select {
	case m.cmdCh <- cmd:
		return nil
	case <-m.runDone:
		return errors.New("order: manager stopped")
	}
}

func (m *Manager) drainTicker() {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-tick.C:
			m.enqueue(command{drain: true})
		}
	}
}

func (m *Manager) submitWorker(ctx context.Context) {
	defer m.submitWG.Done()
	for o := range m.submitCh {
		brokerOrderID, brokerName, err := m.pool.Submit(ctx, o)
		m.enqueue(command{submitRes: &submitResult{
			orderID:       o.ID,
			brokerOrderID: brokerOrderID,
			brokerName:    brokerName,
			err:           err,
		}})
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.runDone)
	for {
		select {
		case cmd := <-m.cmdCh:
			m.process(ctx, cmd)
		case <-m.quit:
			for {
				select {
				case cmd := <-m.cmdCh:
					m.process(ctx, cmd)
				default:
					for _, t := range m.timers {
						t.Stop()
					}
					for _, run := range m.algos {
						if run.timer != nil {
							run.timer.Stop()
						}
					}
					return
				}
			}
		}
	}
}

func (m *Manager) process(ctx context.Context, cmd command) {
	switch {
	case cmd.signal != nil:
		m.handleSignal(ctx, *cmd.signal)
	case cmd.status != nil:
		m.handleStatus(ctx, *cmd.status)
	case cmd.fill != nil:
		m.handleFill(ctx, *cmd.fill)
	case cmd.bar != nil:
		m.trackVolume(*cmd.bar)
	case cmd.submitRes != nil:
		m.handleSubmitResult(ctx, *cmd.submitRes)
	case cmd.cancel != nil:
		cmd.cancel.reply <- m.handleCancelRequest(ctx, cmd.cancel)
	case cmd.timeoutID != "":
		m.handleTimeout(ctx, cmd.timeoutID)
	case cmd.algoTickID != "":
		m.handleAlgoTick(ctx, cmd.algoTickID)
	case cmd.cancelAll != "":
		m.handleCancelAll(ctx, cmd.cancelAll)
	case cmd.drain:
		m.drainQueue(ctx)
	case cmd.resetDaily:
		m.dailyCount = 0
		m.dailyCapAlerted = false
	}
}

// --- signal intake ---

func (m *Manager) handleSignal(ctx context.Context, sig types.Signal) {
	if m.stop.Active() || sig.Side == types.HOLD {
		return
	}
	if m.sigDedup.Contains(sig.ID) {
		m.logger.Debug("duplicate signal dropped", "signal", sig.ID, "error", ErrDuplicateSignal)
		return
	}
	if m.dailyCount >= m.cfg.MaxDailyOrders {
		m.logger.Warn("daily order cap reached, signal dropped", "signal", sig.ID)
		if !m.dailyCapAlerted {
			m.dailyCapAlerted = true
			m.alert(types.AlertWarning, "daily_order_cap",
				fmt.Sprintf("daily order cap %d reached, rejecting signals until UTC midnight", m.cfg.MaxDailyOrders),
				map[string]string{"strategy": sig.StrategyID})
		}
		return
	}
	now := time.Now().UTC()
	if !m.window.Allow(now) {
		if m.cfg.QueueOnRateLimit && len(m.queue) < 2*m.cfg.MaxOrdersPerMinute {
			m.queue = append(m.queue, sig)
			return
		}
		m.logger.Warn("rate window full, signal dropped", "signal", sig.ID, "error", ErrRateLimited)
		m.alert(types.AlertWarning, "order_rate_limited",
			fmt.Sprintf("signal %s dropped: %d orders/min window full", sig.ID, m.cfg.MaxOrdersPerMinute),
			map[string]string{"strategy": sig.StrategyID, "symbol": string(sig.Symbol)})
		return
	}
	m.createOrder(ctx, sig, now)
}

func (m *Manager) drainQueue(ctx context.Context) {
	for len(m.queue) > 0 {
		now := time.Now().UTC()
		if !m.window.Allow(now) || m.dailyCount >= m.cfg.MaxDailyOrders {
			return
		}
		sig := m.queue[0]
		m.queue = append(m.queue[:0], m.queue[1:]...)
		if m.sigDedup.Contains(sig.ID) {
			continue
		}
		m.createOrder(ctx, sig, now)
	}
}

func (m *Manager) createOrder(ctx context.Context, sig types.Signal, now time.Time) {
	m.sigDedup.Add(sig.ID)

	o := types.Order{
		ID:          uuid.NewString(),
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		Type:        types.Market,
		TimeInForce: types.TIFDay,
		StrategyID:  sig.StrategyID,
		SignalID:    sig.ID,
		Status:      types.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Exec:        sig.Exec,
	}

	res := m.riskEngine.Validate(sig, m.snapshotFn())
	if res.Decision == risk.Reject || !res.SizedQuantity.IsPositive() {
		reason := res.Reason
		if reason == "" {
			reason = "sized to zero"
		}
		o.Status = types.StatusRejected
		o.Quantity = res.SizedQuantity
		m.logger.Info("signal rejected", "signal", sig.ID, "symbol", sig.Symbol, "reason", reason)
		if m.persistOrder(ctx, o) {
			m.publishStatus(o, reason)
		}
		return
	}
	o.Quantity = res.SizedQuantity

	if !m.persistOrder(ctx, o) {
		return
	}
	m.orders[o.ID] = &o
	m.active.Add(1)
	m.window.Record(now)
	m.dailyCount++
	m.armTimeout(o.ID, now)

	m.bus.Publish(bus.TopicOrderIntent, o)
	m.logger.Info("order created",
		"order", o.ID, "symbol", o.Symbol, "side", o.Side, "qty", o.Quantity)

	if o.Exec != nil && o.Exec.Algo != types.AlgoImmediate {
		m.startAlgo(ctx, &o)
		return
	}
	m.submit(o)
}

func (m *Manager) submit(o types.Order) {
	select {
	case m.submitCh <- o:
	default:
		m.logger.Error("submit queue full, rejecting order", "order", o.ID)
		m.transition(context.Background(), m.orders[o.ID], types.StatusRejected, "submit queue full")
	}
}

// --- broker results and events ---

func (m *Manager) handleSubmitResult(ctx context.Context, r submitResult) {
	o, ok := m.orders[r.orderID]
	if !ok {
		// Cancelled or timed out while the submission was in flight.
		if r.err == nil && r.brokerOrderID != "" {
			go m.pool.Cancel(ctx, r.orderID, r.brokerOrderID)
		}
		return
	}
	if r.err != nil {
		m.transition(ctx, o, types.StatusRejected, fmt.Sprintf("broker submission failed: %v", r.err))
		return
	}
	o.BrokerOrderID = r.brokerOrderID
	o.BrokerName = r.brokerName
	if o.Status == types.StatusPending {
		m.transition(ctx, o, types.StatusSubmitted, "")
	} else if err := m.repo.SaveOrder(ctx, *o); err != nil {
		m.logger.Error("order persist failed", "order", o.ID, "error", err)
	}
}

func (m *Manager) handleStatus(ctx context.Context, u types.OrderStatusUpdate) {
	o, ok := m.orders[u.OrderID]
	if !ok {
		return
	}
	if u.Status == o.Status || o.Status.Terminal() {
		return
	}
	if !o.Status.CanTransition(u.Status) {
		m.logger.Debug("regressive status dropped",
			"order", o.ID, "current", o.Status, "incoming", u.Status)
		return
	}
	if u.BrokerOrderID != "" {
		o.BrokerOrderID = u.BrokerOrderID
	}
	if u.BrokerName != "" {
		o.BrokerName = u.BrokerName
	}
	o.Status = u.Status
	o.UpdatedAt = time.Now().UTC()
	if err := m.repo.UpdateOrderStatus(ctx, types.OrderStatusUpdate{
		OrderID:       o.ID,
		BrokerOrderID: o.BrokerOrderID,
		BrokerName:    o.BrokerName,
		Status:        o.Status,
		Reason:        u.Reason,
		Timestamp:     o.UpdatedAt,
	}); err != nil {
		m.logger.Error("status persist failed", "order", o.ID, "error", err)
	}
	if o.Status.Terminal() {
		m.finalize(ctx, o)
	}
}

func (m *Manager) handleFill(ctx context.Context, f types.Fill) {
	o, ok := m.orders[f.OrderID]
	if !ok {
		m.logger.Debug("fill for unknown or terminal order dropped", "fill", f.ID, "order", f.OrderID)
		return
	}
	if o.Status.Terminal() {
		m.logger.Warn("fill for terminal order dropped", "fill", f.ID, "order", o.ID)
		return
	}
	if m.fillDedup.Contains(f.ID) {
		return
	}
	m.fillDedup.Add(f.ID)

	// A fill implies the venue accepted the order even if the SUBMITTED
	// confirmation has not arrived yet.
	if o.Status == types.StatusPending {
		o.Status = types.StatusSubmitted
	}
	m.applyFill(ctx, o, f.Quantity, f.Price, f.Commission)

	if o.ParentID != "" {
		if parent, ok := m.orders[o.ParentID]; ok && !parent.Status.Terminal() {
			if parent.Status == types.StatusPending {
				parent.Status = types.StatusSubmitted
			}
			m.applyFill(ctx, parent, f.Quantity, f.Price, f.Commission)
		}
	}
}

// applyFill folds one execution into an order's fill accounting and derives
// the resulting status transition.
func (m *Manager) applyFill(ctx context.Context, o *types.Order, qty, price, commission decimal.Decimal) {
	remaining := o.Remaining()
	if qty.GreaterThan(remaining) {
		m.logger.Warn("overfill clipped", "order", o.ID, "qty", qty, "remaining", remaining)
		qty = remaining
	}
	if !qty.IsPositive() {
		return
	}

	notional := o.AvgFillPrice.Mul(o.FilledQty).Add(price.Mul(qty))
	o.FilledQty = o.FilledQty.Add(qty)
	o.AvgFillPrice = notional.Div(o.FilledQty)
	o.Commission = o.Commission.Add(commission)

	next := types.StatusPartiallyFilled
	if o.FilledQty.GreaterThanOrEqual(o.Quantity) {
		next = types.StatusFilled
	}
	m.transition(ctx, o, next, "")
}

// transition moves an order along the DAG, persists the full record and
// publishes the resulting status event.
func (m *Manager) transition(ctx context.Context, o *types.Order, next types.OrderStatus, reason string) {
	if o == nil || !o.Status.CanTransition(next) {
		return
	}
	o.Status = next
	o.UpdatedAt = time.Now().UTC()
	if err := m.repo.SaveOrder(ctx, *o); err != nil {
		m.logger.Error("order persist failed", "order", o.ID, "status", next, "error", err)
	}
	m.publishStatus(*o, reason)
	if next.Terminal() {
		m.finalize(ctx, o)
	}
}

func (m *Manager) publishStatus(o types.Order, reason string) {
	m.bus.Publish(bus.TopicOrderStatus, types.OrderStatusUpdate{
		OrderID:       o.ID,
		BrokerOrderID: o.BrokerOrderID,
		BrokerName:    o.BrokerName,
		Status:        o.Status,
		Reason:        reason,
		Timestamp:     o.UpdatedAt,
	})
}

// finalize releases everything held for a now-terminal order.
func (m *Manager) finalize(ctx context.Context, o *types.Order) {
	if t, ok := m.timers[o.ID]; ok {
		t.Stop()
		delete(m.timers, o.ID)
	}
	if run, ok := m.algos[o.ID]; ok {
		if run.timer != nil {
			run.timer.Stop()
		}
		delete(m.algos, o.ID)
	}
	m.pool.Release(o.ID)
	delete(m.orders, o.ID)
	m.active.Add(-1)
	delete(m.children, o.ID)
}

// --- cancellation and timeouts ---

func (m *Manager) handleCancelRequest(ctx context.Context, req *cancelReq) error {
	o, ok := m.orders[req.id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, req.id)
	}
	if o.Status.Terminal() {
		return nil
	}
	m.cancelOrder(ctx, o, req.reason)
	return nil
}

func (m *Manager) cancelOrder(ctx context.Context, o *types.Order, reason string) {
	if o.Status.Terminal() {
		return
	}
	// Parent first: stop the schedule, then sweep outstanding children.
	if run, ok := m.algos[o.ID]; ok {
		if run.timer != nil {
			run.timer.Stop()
		}
		delete(m.algos, o.ID)
	}
	for _, childID := range m.children[o.ID] {
		if child, ok := m.orders[childID]; ok && !child.Status.Terminal() {
			m.cancelOrder(ctx, child, reason)
		}
	}
	if o.BrokerOrderID != "" {
		orderID, brokerOrderID := o.ID, o.BrokerOrderID
		go func() {
			if err := m.pool.Cancel(ctx, orderID, brokerOrderID); err != nil {
				m.logger.Warn("broker cancel failed", "order", orderID, "error", err)
			}
		}()
	}
	m.transition(ctx, o, types.StatusCancelled, reason)
}

func (m *Manager) handleTimeout(ctx context.Context, orderID string) {
	o, ok := m.orders[orderID]
	if !ok || o.Status.Terminal() {
		return
	}
	m.logger.Warn("order timed out", "order", o.ID, "age", time.Since(o.CreatedAt))
	m.cancelOrder(ctx, o, "order timeout")
}

func (m *Manager) handleCancelAll(ctx context.Context, reason string) {
	m.queue = m.queue[:0]
	ids := make([]string, 0, len(m.orders))
	for id := range m.orders {
		ids = append(ids, id)
	}
	cancelled := 0
	for _, id := range ids {
		if o, ok := m.orders[id]; ok && !o.Status.Terminal() {
			m.cancelOrder(ctx, o, "emergency stop: "+reason)
			cancelled++
		}
	}
	if cancelled > 0 {
		m.logger.Warn("emergency stop cancelled live orders", "count", cancelled, "reason", reason)
	}
}

// armTimeout starts (or re-arms after recovery) the order's cancel-on-expiry
// timer. The clock runs from creation, not last update.
func (m *Manager) armTimeout(orderID string, createdAt time.Time) {
	remaining := m.cfg.OrderTimeout - time.Since(createdAt)
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}
	m.timers[orderID] = time.AfterFunc(remaining, func() {
		m.enqueue(command{timeoutID: orderID})
	})
}

// --- execution algorithms ---

func (m *Manager) startAlgo(ctx context.Context, parent *types.Order) {
	exec := *parent.Exec
	n := exec.Slices
	if n <= 0 {
		n = defaultAlgoSlices
	}
	horizon := exec.Horizon
	if horizon <= 0 {
		horizon = defaultAlgoHorizon
	}

	run := &algoRun{parentID: parent.ID}
	switch exec.Algo {
	case types.AlgoTWAP:
		run.plan = twapSlices(parent.Quantity, n, horizon)
	case types.AlgoVWAP:
		run.plan = vwapSlices(parent.Quantity, n, horizon)
	case types.AlgoIS:
		run.plan = isSlices(parent.Quantity, exec.Urgency, n, horizon)
	case types.AlgoPOV:
		run.pov = true
		run.rate = exec.TargetRate
		run.interval = horizon / time.Duration(n)
		run.deadline = time.Now().Add(horizon)
	default:
		m.submit(*parent)
		return
	}

	m.algos[parent.ID] = run
	m.transition(ctx, parent, types.StatusSubmitted, "")
	m.logger.Info("execution schedule started",
		"order", parent.ID, "algo", exec.Algo, "slices", n, "horizon", horizon)

	if run.pov {
		m.armAlgoTick(run, run.interval)
		return
	}
	if len(run.plan) == 0 {
		delete(m.algos, parent.ID)
		return
	}
	m.armAlgoTick(run, run.plan[0].delay)
}

// resumeAlgo reschedules a recovered algorithm parent: whatever quantity is
// neither filled nor covered by a surviving child is spread on a TWAP over
// the rest of the horizon.
func (m *Manager) resumeAlgo(parent *types.Order) {
	outstanding := decimal.Zero
	for _, childID := range m.children[parent.ID] {
		if child, ok := m.orders[childID]; ok && !child.Status.Terminal() {
			outstanding = outstanding.Add(child.Remaining())
		}
	}
	unscheduled := parent.Remaining().Sub(outstanding)
	if !unscheduled.IsPositive() {
		return
	}

	exec := *parent.Exec
	horizon := exec.Horizon
	if horizon <= 0 {
		horizon = defaultAlgoHorizon
	}
	left := time.Until(parent.CreatedAt.Add(horizon))
	run := &algoRun{parentID: parent.ID}
	if left <= 0 {
		run.plan = []sliceSpec{{delay: 0, qty: unscheduled}}
	} else {
		n := exec.Slices
		if n <= 0 {
			n = defaultAlgoSlices
		}
		run.plan = twapSlices(unscheduled, n, left)
	}
	if len(run.plan) == 0 {
		return
	}
	m.algos[parent.ID] = run
	m.armAlgoTick(run, run.plan[0].delay)
	m.logger.Info("execution schedule resumed",
		"order", parent.ID, "algo", exec.Algo, "unscheduled", unscheduled)
}

func (m *Manager) armAlgoTick(run *algoRun, delay time.Duration) {
	parentID := run.parentID
	run.timer = time.AfterFunc(delay, func() {
		m.enqueue(command{algoTickID: parentID})
	})
}

func (m *Manager) handleAlgoTick(ctx context.Context, parentID string) {
	run, ok := m.algos[parentID]
	if !ok {
		return
	}
	parent, ok := m.orders[parentID]
	if !ok || parent.Status.Terminal() {
		delete(m.algos, parentID)
		return
	}
	if m.stop.Active() {
		return // cancelAll is already in flight
	}

	if run.pov {
		m.povTick(ctx, run, parent)
		return
	}

	sl := run.plan[run.next]
	run.next++
	m.spawnChild(ctx, parent, sl.qty)
	if run.next < len(run.plan) {
		m.armAlgoTick(run, run.plan[run.next].delay-sl.delay)
	} else {
		delete(m.algos, parentID)
	}
}

func (m *Manager) povTick(ctx context.Context, run *algoRun, parent *types.Order) {
	outstanding := decimal.Zero
	for _, childID := range m.children[parent.ID] {
		if child, ok := m.orders[childID]; ok && !child.Status.Terminal() {
			outstanding = outstanding.Add(child.Remaining())
		}
	}
	remaining := parent.Remaining().Sub(outstanding)
	if !remaining.IsPositive() {
		delete(m.algos, parent.ID)
		return
	}
	if time.Now().After(run.deadline) {
		// Horizon expired: flush the remainder rather than leave the parent
		// dangling forever.
		m.spawnChild(ctx, parent, remaining)
		delete(m.algos, parent.ID)
		return
	}
	if qty := povChildQty(remaining, m.volumes[parent.Symbol], run.rate); qty.IsPositive() {
		m.spawnChild(ctx, parent, qty)
	}
	m.armAlgoTick(run, run.interval)
}

func (m *Manager) spawnChild(ctx context.Context, parent *types.Order, qty decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	now := time.Now().UTC()
	child := types.Order{
		ID:          uuid.NewString(),
		Symbol:      parent.Symbol,
		Side:        parent.Side,
		Type:        types.Market,
		Quantity:    qty,
		TimeInForce: types.TIFDay,
		StrategyID:  parent.StrategyID,
		SignalID:    parent.SignalID,
		Status:      types.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ParentID:    parent.ID,
	}
	if !m.persistOrder(ctx, child) {
		return
	}
	m.orders[child.ID] = &child
	m.active.Add(1)
	m.children[parent.ID] = append(m.children[parent.ID], child.ID)
	m.armTimeout(child.ID, now)
	m.bus.Publish(bus.TopicOrderIntent, child)
	m.submit(child)
}

// --- support ---

func (m *Manager) trackVolume(bar types.MarketBar) {
	prev, ok := m.volumes[bar.Symbol]
	if !ok {
		m.volumes[bar.Symbol] = bar.Volume
		return
	}
	alpha := decimal.NewFromFloat(volumeEMAAlpha)
	m.volumes[bar.Symbol] = alpha.Mul(bar.Volume).Add(decimal.NewFromInt(1).Sub(alpha).Mul(prev))
}

// persistOrder writes the order with bounded retry. Exhaustion is a durability
// failure: it latches the emergency stop.
func (m *Manager) persistOrder(ctx context.Context, o types.Order) bool {
	backoff := persistBackoff
	var err error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if err = m.repo.SaveOrder(ctx, o); err == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	m.logger.Error("order persist retries exhausted", "order", o.ID, "error", err)
	m.alert(types.AlertFatal, "order_persist_failed",
		fmt.Sprintf("order %s could not be persisted: %v", o.ID, err),
		map[string]string{"order": o.ID})
	m.stop.Engage("order persistence failure")
	return false
}

func (m *Manager) alert(sev types.AlertSeverity, kind, msg string, fields map[string]string) {
	m.bus.Publish(bus.TopicSystemAlert, types.Alert{
		Severity:  sev,
		Kind:      kind,
		Message:   msg,
		Fields:    fields,
		Timestamp: time.Now().UTC(),
	})
}
