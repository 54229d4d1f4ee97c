// Package bus implements the typed in-process event bus that decouples every
// other component of the runtime.
//
// Topics are a closed set, each carrying exactly one payload type. Delivery is
// at-least-once with per-topic FIFO: every (topic, subscriber) pair gets its
// own bounded queue and a dedicated worker goroutine, so a subscriber never
// sees two events concurrently and always sees them in publish order.
//
// Backpressure is per-topic policy: market_data drops the oldest queued event
// when a subscriber queue is full (lossy stream, with a system_alert), all
// other topics block the publisher up to the configured timeout and then fail
// with ErrBackpressureTimeout (lossless).
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/config"
	"tradecore/pkg/types"
)

// Topic is a named channel carrying a single payload type.
type Topic string

const (
	TopicMarketData        Topic = "market_data"        // types.MarketBar
	TopicSignal            Topic = "signal"             // types.Signal
	TopicOrderIntent       Topic = "order_intent"       // types.Order (risk-validated)
	TopicOrderStatus       Topic = "order_status"       // types.OrderStatusUpdate
	TopicFill              Topic = "fill"               // types.Fill
	TopicPortfolioUpdate   Topic = "portfolio_update"   // types.Portfolio
	TopicStrategyLifecycle Topic = "strategy_lifecycle" // types.StrategyLifecycleEvent
	TopicSystemAlert       Topic = "system_alert"       // types.Alert
)

var allTopics = []Topic{
	TopicMarketData, TopicSignal, TopicOrderIntent, TopicOrderStatus,
	TopicFill, TopicPortfolioUpdate, TopicStrategyLifecycle, TopicSystemAlert,
}

var (
	ErrBusClosed           = errors.New("bus: closed")
	ErrUnknownTopic        = errors.New("bus: unknown topic")
	ErrPayloadType         = errors.New("bus: payload type does not match topic")
	ErrBackpressureTimeout = errors.New("bus: backpressure timeout")
)

// Event is the envelope delivered to subscribers. Seq is monotonic per topic.
type Event struct {
	ID        string
	Topic     Topic
	Seq       uint64
	Timestamp time.Time
	Payload   any
}

// Handler processes one event. Returning an error records a system_alert but
// never stops delivery to this or other subscribers. Handlers must be
// idempotent: delivery is at-least-once.
type Handler func(ctx context.Context, evt Event) error

// Subscription is the token returned by Subscribe, used to unsubscribe.
type Subscription struct {
	topic Topic
	name  string
	sub   *subscriber
}

type subscriber struct {
	name    string
	ch      chan Event
	handler Handler
	removed atomic.Bool
}

type topicState struct {
	// mu serializes publishers on this topic: sequence assignment and enqueue
	// happen under it, which is what makes per-topic FIFO hold across all
	// subscriber queues.
	mu    sync.Mutex
	seq   uint64
	subs  []*subscriber
	lossy bool // drop-oldest instead of blocking
}

// Bus is the typed pub/sub broker. Create with New, stop with Close.
type Bus struct {
	cfg    config.BusConfig
	logger *slog.Logger

	// topics is built once in New and never mutated afterwards, so lookups
	// need no lock; closed gates publish/subscribe after Close.
	topics map[Topic]*topicState
	closed atomic.Bool

	wg sync.WaitGroup

	published    atomic.Uint64
	dropped      atomic.Uint64 // lossy-policy drops
	handlerFails atomic.Uint64
}

// New creates the bus with one state per topic. market_data is the only lossy
// topic.
func New(cfg config.BusConfig, logger *slog.Logger) *Bus {
	b := &Bus{
		cfg:    cfg,
		logger: logger.With("component", "bus"),
		topics: make(map[Topic]*topicState, len(allTopics)),
	}
	for _, t := range allTopics {
		b.topics[t] = &topicState{lossy: t == TopicMarketData}
	}
	return b
}

// payloadMatches enforces the closed payload set: one concrete type per topic.
func payloadMatches(t Topic, p any) bool {
	switch t {
	case TopicMarketData:
		_, ok := p.(types.MarketBar)
		return ok
	case TopicSignal:
		_, ok := p.(types.Signal)
		return ok
	case TopicOrderIntent:
		_, ok := p.(types.Order)
		return ok
	case TopicOrderStatus:
		_, ok := p.(types.OrderStatusUpdate)
		return ok
	case TopicFill:
		_, ok := p.(types.Fill)
		return ok
	case TopicPortfolioUpdate:
		_, ok := p.(types.Portfolio)
		return ok
	case TopicStrategyLifecycle:
		_, ok := p.(types.StrategyLifecycleEvent)
		return ok
	case TopicSystemAlert:
		_, ok := p.(types.Alert)
		return ok
	}
	return false
}

// Subscribe registers a handler for a topic. The handler runs on its own
// worker goroutine; events published after registration are delivered in
// order. Late subscribers do not see history.
func (b *Bus) Subscribe(topic Topic, name string, handler Handler) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	ts, ok := b.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	sub := &subscriber{
		name:    name,
		ch:      make(chan Event, b.cfg.QueueDepth),
		handler: handler,
	}

	ts.mu.Lock()
	ts.subs = append(ts.subs, sub)
	ts.mu.Unlock()

	b.wg.Add(1)
	go b.runWorker(topic, sub)

	return &Subscription{topic: topic, name: name, sub: sub}, nil
}

// Unsubscribe removes the subscription. The in-flight delivery (if any)
// completes; queued events for this subscriber are still drained by its
// worker before it exits.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil || !s.sub.removed.CompareAndSwap(false, true) {
		return
	}

	ts := b.topics[s.topic]

	ts.mu.Lock()
	for i, sub := range ts.subs {
		if sub == s.sub {
			ts.subs = append(ts.subs[:i], ts.subs[i+1:]...)
			break
		}
	}
	ts.mu.Unlock()

	close(s.sub.ch)
}

// Publish delivers payload to every current subscriber of topic. Non-blocking
// except under lossless backpressure, where it blocks up to the configured
// timeout and then returns ErrBackpressureTimeout. The event is still
// delivered to the subscribers whose queues accepted it.
func (b *Bus) Publish(topic Topic, payload any) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	ts, ok := b.topics[topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if !payloadMatches(topic, payload) {
		return fmt.Errorf("%w: %s got %T", ErrPayloadType, topic, payload)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.seq++
	evt := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Seq:       ts.seq,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	b.published.Add(1)

	var firstErr error
	for _, sub := range ts.subs {
		if ts.lossy {
			b.enqueueLossy(topic, sub, evt)
			continue
		}
		if err := b.enqueueBlocking(topic, sub, evt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// enqueueLossy drops the oldest queued event to make room, emitting an alert.
func (b *Bus) enqueueLossy(topic Topic, sub *subscriber, evt Event) {
	for {
		select {
		case sub.ch <- evt:
			return
		default:
		}
		select {
		case old := <-sub.ch:
			b.dropped.Add(1)
			b.alert(types.AlertWarning, "bus_drop_oldest",
				fmt.Sprintf("queue full for %s/%s, dropped seq %d", topic, sub.name, old.Seq),
				map[string]string{"topic": string(topic), "subscriber": sub.name})
		default:
			// worker consumed everything between the two selects; retry send
		}
	}
}

// enqueueBlocking blocks until the queue accepts the event or the
// backpressure timeout elapses.
func (b *Bus) enqueueBlocking(topic Topic, sub *subscriber, evt Event) error {
	select {
	case sub.ch <- evt:
		return nil
	default:
	}

	timer := time.NewTimer(b.cfg.BackpressureTimeout)
	defer timer.Stop()

	select {
	case sub.ch <- evt:
		return nil
	case <-timer.C:
		if topic != TopicSystemAlert { // publisher holds the alert topic lock; alert re-locks it
			b.alert(types.AlertError, "bus_backpressure_timeout",
				fmt.Sprintf("subscriber %s/%s did not accept seq %d within %s",
					topic, sub.name, evt.Seq, b.cfg.BackpressureTimeout),
				map[string]string{"topic": string(topic), "subscriber": sub.name})
		}
		return fmt.Errorf("%w: %s/%s", ErrBackpressureTimeout, topic, sub.name)
	}
}

func (b *Bus) runWorker(topic Topic, sub *subscriber) {
	defer b.wg.Done()

	for evt := range sub.ch {
		b.deliver(topic, sub, evt)
	}
}

// deliver invokes the handler with panic containment. A failing handler is
// reported on system_alert; delivery to other subscribers is unaffected.
func (b *Bus) deliver(topic Topic, sub *subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerFails.Add(1)
			b.logger.Error("subscriber panicked",
				"topic", topic, "subscriber", sub.name, "seq", evt.Seq, "panic", r)
			b.alert(types.AlertError, "bus_handler_panic",
				fmt.Sprintf("subscriber %s/%s panicked: %v", topic, sub.name, r),
				map[string]string{"topic": string(topic), "subscriber": sub.name})
		}
	}()

	if err := sub.handler(context.Background(), evt); err != nil {
		b.handlerFails.Add(1)
		if topic != TopicSystemAlert { // avoid alert loops on alert handlers
			b.alert(types.AlertWarning, "bus_handler_error",
				fmt.Sprintf("subscriber %s/%s: %v", topic, sub.name, err),
				map[string]string{"topic": string(topic), "subscriber": sub.name})
		}
	}
}

// alert is the bus's internal best-effort publish to system_alert. It never
// blocks: a full alert queue drops rather than deadlocking a publish path.
func (b *Bus) alert(sev types.AlertSeverity, kind, msg string, fields map[string]string) {
	if b.closed.Load() {
		return
	}
	ts := b.topics[TopicSystemAlert]

	ts.mu.Lock()
	ts.seq++
	evt := Event{
		ID:        uuid.NewString(),
		Topic:     TopicSystemAlert,
		Seq:       ts.seq,
		Timestamp: time.Now().UTC(),
		Payload: types.Alert{
			Severity:  sev,
			Kind:      kind,
			Message:   msg,
			Fields:    fields,
			Timestamp: time.Now().UTC(),
		},
	}
	for _, sub := range ts.subs {
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
	ts.mu.Unlock()
}

// Close stops accepting publishes, closes every subscriber queue and waits
// for the workers to drain, bounded by ctx.
func (b *Bus) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, ts := range b.topics {
		ts.mu.Lock()
		for _, sub := range ts.subs {
			if sub.removed.CompareAndSwap(false, true) {
				close(sub.ch)
			}
		}
		ts.subs = nil
		ts.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus: drain: %w", ctx.Err())
	}
}

// Stats reports counters for observability and tests.
type Stats struct {
	Published    uint64
	Dropped      uint64
	HandlerFails uint64
}

func (b *Bus) Stats() Stats {
	return Stats{
		Published:    b.published.Load(),
		Dropped:      b.dropped.Load(),
		HandlerFails: b.handlerFails.Load(),
	}
}
