package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tradecore/internal/bus"
	"tradecore/internal/config"
	"tradecore/pkg/types"
)

const (
	latencyEMAAlpha      = 0.3
	criticalConsecFails  = 3
	criticalSuccessRate  = 0.5
	healthLatencyWeightK = 0.001 // health_based: successRate - k x avgMs
	probeTimeout         = 5 * time.Second
)

// brokerState couples an adapter with its health record and rate bucket.
type brokerState struct {
	broker  Broker
	limiter *TokenBucket

	mu          sync.Mutex
	health      types.BrokerHealth
	probePasses int
}

func (bs *brokerState) name() string { return bs.broker.Name() }

func (bs *brokerState) snapshot() types.BrokerHealth {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.health
}

func (bs *brokerState) critical() bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.criticalLocked()
}

func (bs *brokerState) criticalLocked() bool {
	return bs.health.ConsecutiveFailures >= criticalConsecFails ||
		bs.health.SuccessRate() < criticalSuccessRate ||
		!bs.health.Healthy
}

// recordResult folds one call outcome into the health record and reports
// whether the broker just crossed into critical.
func (bs *brokerState) recordResult(ok bool, latency time.Duration) (becameCritical bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	wasCritical := bs.criticalLocked()
	if bs.health.AvgResponseTime == 0 {
		bs.health.AvgResponseTime = latency
	} else {
		bs.health.AvgResponseTime = time.Duration(
			latencyEMAAlpha*float64(latency) + (1-latencyEMAAlpha)*float64(bs.health.AvgResponseTime))
	}

	now := time.Now().UTC()
	if ok {
		bs.health.SuccessCount++
		bs.health.ConsecutiveFailures = 0
		bs.health.LastSuccessAt = now
	} else {
		bs.health.ErrorCount++
		bs.health.ConsecutiveFailures++
		bs.health.LastErrorAt = now
	}
	return !wasCritical && bs.criticalLocked()
}

// Manager is the broker pool. Add adapters before Start.
type Manager struct {
	cfg    config.BrokerConfig
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	pool     []*brokerState
	rrCursor int
	affinity map[string]*brokerState // orderID -> broker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates an empty pool.
func NewManager(cfg config.BrokerConfig, b *bus.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		bus:      b,
		logger:   logger.With("component", "broker_manager"),
		affinity: make(map[string]*brokerState),
	}
}

// Add registers an adapter. Must be called before Start.
func (m *Manager) Add(br Broker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool = append(m.pool, &brokerState{
		broker:  br,
		limiter: perMinuteBucket(m.cfg.MaxOrdersPerMinute),
		health:  types.BrokerHealth{BrokerName: br.Name(), Healthy: true},
	})
	sort.SliceStable(m.pool, func(i, j int) bool {
		return m.pool[i].broker.Priority() < m.pool[j].broker.Priority()
	})
}

// Start connects every adapter and launches the update pumps and the health
// prober. An adapter that fails to connect starts critical and is left to the
// prober to readmit.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.mu.Lock()
	pool := append([]*brokerState(nil), m.pool...)
	m.mu.Unlock()
	if len(pool) == 0 {
		cancel()
		return fmt.Errorf("broker: empty pool")
	}

	for _, bs := range pool {
		if err := bs.broker.Connect(runCtx); err != nil {
			m.logger.Warn("broker connect failed", "broker", bs.name(), "error", err)
			bs.mu.Lock()
			bs.health.Healthy = false
			bs.mu.Unlock()
		}
		m.wg.Add(1)
		go m.pump(runCtx, bs)
	}

	m.wg.Add(1)
	go m.probeLoop(runCtx)
	return nil
}

// Stop halts the pumps and prober and disconnects the adapters.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	pool := append([]*brokerState(nil), m.pool...)
	m.mu.Unlock()
	for _, bs := range pool {
		bs.broker.Disconnect()
	}
}

// Submit routes the order per the failover algorithm: select, try, update
// health, move on. Returns the venue order ID and the broker that took it.
func (m *Manager) Submit(ctx context.Context, o types.Order) (brokerOrderID, brokerName string, err error) {
	tried := make(map[string]bool)

	for attempt := 0; attempt < m.cfg.MaxFailoverAttempts; attempt++ {
		bs := m.selectBroker(tried)
		if bs == nil {
			break
		}
		tried[bs.name()] = true

		if !bs.limiter.TryAcquire() {
			m.logger.Debug("broker over rate window, skipping", "broker", bs.name())
			continue
		}

		t0 := time.Now()
		id, serr := bs.broker.Submit(ctx, o)
		becameCritical := bs.recordResult(serr == nil, time.Since(t0))
		if becameCritical {
			m.alertCritical(bs, serr)
		}
		if serr == nil {
			m.mu.Lock()
			m.affinity[o.ID] = bs
			m.mu.Unlock()
			return id, bs.name(), nil
		}
		m.logger.Warn("broker submit failed",
			"broker", bs.name(), "order", o.ID, "attempt", attempt+1, "error", serr)
		err = serr
	}

	if err != nil {
		return "", "", fmt.Errorf("%w: order %s: last error: %v", ErrNoBroker, o.ID, err)
	}
	return "", "", fmt.Errorf("%w: order %s", ErrNoBroker, o.ID)
}

// Cancel routes to the broker the order was submitted through.
func (m *Manager) Cancel(ctx context.Context, orderID, brokerOrderID string) error {
	m.mu.Lock()
	bs, ok := m.affinity[orderID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}

	t0 := time.Now()
	err := bs.broker.Cancel(ctx, brokerOrderID)
	if became := bs.recordResult(err == nil, time.Since(t0)); became {
		m.alertCritical(bs, err)
	}
	if err != nil {
		return fmt.Errorf("cancel order %s on %s: %w", orderID, bs.name(), err)
	}
	return nil
}

// Bind restores order-to-broker affinity for recovered orders.
func (m *Manager) Bind(orderID, brokerName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bs := range m.pool {
		if bs.name() == brokerName {
			m.affinity[orderID] = bs
			return nil
		}
	}
	return fmt.Errorf("broker: bind %s: no broker named %q", orderID, brokerName)
}

// Release drops the affinity entry for a terminal order.
func (m *Manager) Release(orderID string) {
	m.mu.Lock()
	delete(m.affinity, orderID)
	m.mu.Unlock()
}

// AccountInfo queries the pool primary (best non-critical broker).
func (m *Manager) AccountInfo(ctx context.Context) (types.AccountInfo, error) {
	bs := m.primary()
	if bs == nil {
		return types.AccountInfo{}, ErrNoBroker
	}
	return bs.broker.AccountInfo(ctx)
}

// Positions queries the pool primary.
func (m *Manager) Positions(ctx context.Context) ([]types.Position, error) {
	bs := m.primary()
	if bs == nil {
		return nil, ErrNoBroker
	}
	return bs.broker.Positions(ctx)
}

// Health reports every broker's current health record.
func (m *Manager) Health() []types.BrokerHealth {
	m.mu.Lock()
	pool := append([]*brokerState(nil), m.pool...)
	m.mu.Unlock()

	out := make([]types.BrokerHealth, 0, len(pool))
	for _, bs := range pool {
		out = append(out, bs.snapshot())
	}
	return out
}

func (m *Manager) primary() *brokerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bs := range m.pool { // pool is priority-sorted
		if !bs.critical() {
			return bs
		}
	}
	return nil
}

// selectBroker applies the configured policy over non-critical brokers not
// yet tried this submission.
func (m *Manager) selectBroker(tried map[string]bool) *brokerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*brokerState
	for _, bs := range m.pool {
		if tried[bs.name()] || bs.critical() {
			continue
		}
		candidates = append(candidates, bs)
	}
	if len(candidates) == 0 {
		return nil
	}

	switch m.cfg.SelectionPolicy {
	case "round_robin":
		bs := candidates[m.rrCursor%len(candidates)]
		m.rrCursor++
		return bs

	case "health_based":
		best := candidates[0]
		bestScore := healthScore(best.snapshot())
		for _, bs := range candidates[1:] {
			if s := healthScore(bs.snapshot()); s > bestScore {
				best, bestScore = bs, s
			}
		}
		return best

	case "performance_based":
		best := candidates[0]
		for _, bs := range candidates[1:] {
			if bs.snapshot().AvgResponseTime < best.snapshot().AvgResponseTime {
				best = bs
			}
		}
		return best

	default: // priority; pool is already priority-sorted
		return candidates[0]
	}
}

func healthScore(h types.BrokerHealth) float64 {
	return h.SuccessRate() - healthLatencyWeightK*float64(h.AvgResponseTime.Milliseconds())
}

// pump republishes one adapter's async updates on the bus.
func (m *Manager) pump(ctx context.Context, bs *brokerState) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-bs.broker.Updates():
			if !ok {
				return
			}
			switch {
			case u.Fill != nil:
				if err := m.bus.Publish(bus.TopicFill, *u.Fill); err != nil {
					m.logger.Error("fill publish failed",
						"broker", bs.name(), "fill", u.Fill.ID, "error", err)
				}
			case u.Status != nil:
				if err := m.bus.Publish(bus.TopicOrderStatus, *u.Status); err != nil {
					m.logger.Error("status publish failed",
						"broker", bs.name(), "order", u.Status.OrderID, "error", err)
				}
			}
		}
	}
}

// probeLoop runs the periodic health probe. Probe outcomes feed the same
// counters as live traffic, so a recovering broker's success rate climbs
// back on its own.
func (m *Manager) probeLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			pool := append([]*brokerState(nil), m.pool...)
			m.mu.Unlock()
			for _, bs := range pool {
				m.probe(ctx, bs)
			}
		}
	}
}

func (m *Manager) probe(ctx context.Context, bs *brokerState) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	t0 := time.Now()
	_, err := bs.broker.AccountInfo(probeCtx)
	latency := time.Since(t0)

	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.health.AvgResponseTime == 0 {
		bs.health.AvgResponseTime = latency
	} else {
		bs.health.AvgResponseTime = time.Duration(
			latencyEMAAlpha*float64(latency) + (1-latencyEMAAlpha)*float64(bs.health.AvgResponseTime))
	}

	now := time.Now().UTC()
	if err != nil {
		bs.probePasses = 0
		bs.health.ErrorCount++
		bs.health.LastErrorAt = now
		if bs.health.Healthy {
			bs.health.Healthy = false
			m.logger.Warn("broker probe failed", "broker", bs.name(), "error", err)
		}
		return
	}

	bs.health.SuccessCount++
	bs.health.LastSuccessAt = now
	if !bs.criticalLocked() {
		return
	}

	bs.probePasses++
	if bs.probePasses >= m.cfg.ReadmitProbes {
		bs.probePasses = 0
		bs.health.Healthy = true
		bs.health.ConsecutiveFailures = 0
		m.logger.Info("broker readmitted", "broker", bs.name())
		m.bus.Publish(bus.TopicSystemAlert, types.Alert{
			Severity:  types.AlertInfo,
			Kind:      "broker_recovered",
			Message:   fmt.Sprintf("broker %s readmitted after %d probe passes", bs.name(), m.cfg.ReadmitProbes),
			Fields:    map[string]string{"broker": bs.name()},
			Timestamp: now,
		})
	}
}

func (m *Manager) alertCritical(bs *brokerState, cause error) {
	msg := fmt.Sprintf("broker %s is critical", bs.name())
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	m.logger.Error("broker critical", "broker", bs.name(), "cause", cause)
	m.bus.Publish(bus.TopicSystemAlert, types.Alert{
		Severity:  types.AlertError,
		Kind:      "broker_critical",
		Message:   msg,
		Fields:    map[string]string{"broker": bs.name()},
		Timestamp: time.Now().UTC(),
	})
}
