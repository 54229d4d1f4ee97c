package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// Paper is an in-process simulated venue. MARKET orders fill at the mark set
// via SetMark, LIMIT orders at their limit price. In immediate mode (default)
// every accepted order fills in full right away; in manual mode orders rest
// until Fill or Cancel, which is what the dry-run supervisor and the order
// manager tests use to exercise partial fills and cancellation.
type Paper struct {
	name     string
	priority int

	mu         sync.Mutex
	connected  bool
	marks      map[types.Symbol]decimal.Decimal
	commission decimal.Decimal
	manual     bool
	failNext   int
	open       map[string]types.Order // brokerOrderID -> order

	updates chan Update
}

// NewPaper creates a disconnected paper venue.
func NewPaper(name string, priority int) *Paper {
	return &Paper{
		name:     name,
		priority: priority,
		marks:    make(map[types.Symbol]decimal.Decimal),
		open:     make(map[string]types.Order),
		updates:  make(chan Update, 1024),
	}
}

func (p *Paper) Name() string  { return p.name }
func (p *Paper) Priority() int { return p.priority }

// SetMark sets the price MARKET and STOP orders fill at.
func (p *Paper) SetMark(sym types.Symbol, price decimal.Decimal) {
	p.mu.Lock()
	p.marks[sym] = price
	p.mu.Unlock()
}

// SetCommission sets the flat per-fill commission.
func (p *Paper) SetCommission(c decimal.Decimal) {
	p.mu.Lock()
	p.commission = c
	p.mu.Unlock()
}

// SetManualFill switches between immediate full fills and resting orders.
func (p *Paper) SetManualFill(manual bool) {
	p.mu.Lock()
	p.manual = manual
	p.mu.Unlock()
}

// FailNext makes the next n Submit calls fail. Used to exercise failover.
func (p *Paper) FailNext(n int) {
	p.mu.Lock()
	p.failNext = n
	p.mu.Unlock()
}

func (p *Paper) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return nil
}

func (p *Paper) Disconnect() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

func (p *Paper) Updates() <-chan Update { return p.updates }

func (p *Paper) Submit(ctx context.Context, o types.Order) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return "", fmt.Errorf("paper %s: not connected", p.name)
	}
	if p.failNext > 0 {
		p.failNext--
		return "", fmt.Errorf("paper %s: injected submit failure", p.name)
	}

	price, err := p.fillPriceLocked(o)
	if err != nil {
		return "", err
	}

	brokerOrderID := uuid.NewString()
	p.emit(Update{Status: &types.OrderStatusUpdate{
		OrderID:       o.ID,
		BrokerOrderID: brokerOrderID,
		BrokerName:    p.name,
		Status:        types.StatusSubmitted,
		Timestamp:     time.Now().UTC(),
	}})

	if p.manual {
		o.BrokerOrderID = brokerOrderID
		p.open[brokerOrderID] = o
		return brokerOrderID, nil
	}

	p.emitFillLocked(o, brokerOrderID, o.Quantity, price)
	return brokerOrderID, nil
}

// Fill executes qty of a resting order (manual mode). The order is removed
// once fully filled.
func (p *Paper) Fill(brokerOrderID string, qty decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.open[brokerOrderID]
	if !ok {
		return fmt.Errorf("paper %s: no resting order %s", p.name, brokerOrderID)
	}
	remaining := o.Quantity.Sub(o.FilledQty)
	if qty.GreaterThan(remaining) {
		qty = remaining
	}
	price, err := p.fillPriceLocked(o)
	if err != nil {
		return err
	}

	p.emitFillLocked(o, brokerOrderID, qty, price)
	o.FilledQty = o.FilledQty.Add(qty)
	if o.FilledQty.GreaterThanOrEqual(o.Quantity) {
		delete(p.open, brokerOrderID)
	} else {
		p.open[brokerOrderID] = o
	}
	return nil
}

func (p *Paper) Cancel(ctx context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.open[brokerOrderID]
	if !ok {
		return fmt.Errorf("paper %s: cancel %s: unknown or terminal order", p.name, brokerOrderID)
	}
	delete(p.open, brokerOrderID)
	p.emit(Update{Status: &types.OrderStatusUpdate{
		OrderID:       o.ID,
		BrokerOrderID: brokerOrderID,
		BrokerName:    p.name,
		Status:        types.StatusCancelled,
		Reason:        "cancelled by request",
		Timestamp:     time.Now().UTC(),
	}})
	return nil
}

func (p *Paper) AccountInfo(ctx context.Context) (types.AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return types.AccountInfo{}, fmt.Errorf("paper %s: not connected", p.name)
	}
	eq := decimal.NewFromInt(1_000_000)
	return types.AccountInfo{
		BrokerName:  p.name,
		Cash:        eq,
		Equity:      eq,
		BuyingPower: eq,
		AsOf:        time.Now().UTC(),
	}, nil
}

func (p *Paper) Positions(ctx context.Context) ([]types.Position, error) {
	return nil, nil
}

// fillPriceLocked picks the execution price: the limit for LIMIT orders, the
// mark otherwise. A MARKET order with no mark is rejected.
func (p *Paper) fillPriceLocked(o types.Order) (decimal.Decimal, error) {
	switch o.Type {
	case types.Limit, types.StopLimit:
		return o.LimitPrice, nil
	}
	mark, ok := p.marks[o.Symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("paper %s: no mark for %s", p.name, o.Symbol)
	}
	return mark, nil
}

func (p *Paper) emitFillLocked(o types.Order, brokerOrderID string, qty, price decimal.Decimal) {
	now := time.Now().UTC()
	p.emit(Update{Fill: &types.Fill{
		ID:         uuid.NewString(),
		OrderID:    o.ID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Quantity:   qty,
		Price:      price,
		Commission: p.commission,
		Venue:      p.name,
		Timestamp:  now,
		Liquidity:  "TAKER",
	}})
	if o.FilledQty.Add(qty).GreaterThanOrEqual(o.Quantity) {
		p.emit(Update{Status: &types.OrderStatusUpdate{
			OrderID:       o.ID,
			BrokerOrderID: brokerOrderID,
			BrokerName:    p.name,
			Status:        types.StatusFilled,
			Timestamp:     now,
		}})
	}
}

func (p *Paper) emit(u Update) {
	select {
	case p.updates <- u:
	default:
		// A full buffer means nothing is pumping; drop rather than deadlock
		// under the venue lock.
	}
}
