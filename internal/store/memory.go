package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tradecore/pkg/types"
)

// Memory is the in-memory Repository adapter used for tests and dry runs.
// It mirrors the SQLite adapter's semantics, including fill idempotency.
type Memory struct {
	mu        sync.Mutex
	orders    map[string]types.Order
	fills     map[string]types.Fill
	portfolio *types.Portfolio
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		orders: make(map[string]types.Order),
		fills:  make(map[string]types.Fill),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) SaveOrder(_ context.Context, o types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.Exec != nil {
		exec := *o.Exec
		o.Exec = &exec
	}
	m.orders[o.ID] = o
	return nil
}

func (m *Memory) UpdateOrderStatus(_ context.Context, u types.OrderStatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[u.OrderID]
	if !ok {
		return fmt.Errorf("update order %s: %w", u.OrderID, ErrNotFound)
	}
	o.Status = u.Status
	o.UpdatedAt = u.Timestamp
	if u.BrokerName != "" {
		o.BrokerName = u.BrokerName
	}
	if u.BrokerOrderID != "" {
		o.BrokerOrderID = u.BrokerOrderID
	}
	m.orders[u.OrderID] = o
	return nil
}

func (m *Memory) LoadOrder(_ context.Context, id string) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return types.Order{}, fmt.Errorf("load order %s: %w", id, ErrNotFound)
	}
	return o, nil
}

func (m *Memory) LoadActiveOrders(_ context.Context) ([]types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var orders []types.Order
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

func (m *Memory) RecordFill(_ context.Context, f types.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fills[f.ID]; ok {
		return nil
	}
	m.fills[f.ID] = f
	return nil
}

func (m *Memory) SnapshotPortfolio(_ context.Context, p types.Portfolio) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := p.Clone()
	m.portfolio = &snap
	return nil
}

func (m *Memory) LoadPortfolio(_ context.Context) (types.Portfolio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.portfolio == nil {
		return types.Portfolio{}, ErrNotFound
	}
	return m.portfolio.Clone(), nil
}

// FillCount reports the number of distinct recorded fills.
func (m *Memory) FillCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fills)
}
