package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is one node in the order state machine:
//
//	PENDING -> SUBMITTED -> PARTIALLY_FILLED -> FILLED
//	                   \-> CANCELLED
//	                   \-> REJECTED
//	PARTIALLY_FILLED -> CANCELLED
//	PENDING -> REJECTED   (pre-submit validation failure)
//	PENDING -> CANCELLED  (emergency stop before submission)
//
// FILLED, CANCELLED and REJECTED are terminal.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// transitions is the adjacency set of the status DAG. A full fill straight
// from SUBMITTED skips PARTIALLY_FILLED, which still walks the DAG forward.
var transitions = map[OrderStatus]map[OrderStatus]bool{
	StatusPending: {
		StatusSubmitted: true,
		StatusRejected:  true,
		StatusCancelled: true,
	},
	StatusSubmitted: {
		StatusPartiallyFilled: true,
		StatusFilled:          true,
		StatusCancelled:       true,
		StatusRejected:        true,
	},
	StatusPartiallyFilled: {
		StatusPartiallyFilled: true, // further partial fills
		StatusFilled:          true,
		StatusCancelled:       true,
	},
}

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// CanTransition reports whether moving from s to next walks the DAG forward.
// Out-of-order broker status messages that would regress are dropped by the
// order manager using this check.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	return transitions[s][next]
}

// Order is the order manager's authoritative record. The order manager is the
// only component that mutates an Order; everyone else receives copies via
// events.
type Order struct {
	ID            string
	Symbol        Symbol
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal // required when Type is LIMIT or STOP_LIMIT
	StopPrice     decimal.Decimal // required when Type is STOP or STOP_LIMIT
	TimeInForce   TimeInForce
	StrategyID    string
	SignalID      string // idempotency key that created this order
	Status        OrderStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal // volume-weighted mean of applied fills
	Commission    decimal.Decimal
	BrokerName    string // set on submission (order-to-broker affinity)
	BrokerOrderID string
	ParentID      string         // non-empty for execution-algorithm children
	Exec          *ExecDirective // non-nil on algorithm parent orders
}

// Validate checks the structural order invariants.
func (o Order) Validate() error {
	if o.Side != BUY && o.Side != SELL {
		return fmt.Errorf("order %s: invalid side %q", o.ID, o.Side)
	}
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("order %s: quantity %s must be > 0", o.ID, o.Quantity)
	}
	if o.FilledQty.IsNegative() || o.FilledQty.GreaterThan(o.Quantity) {
		return fmt.Errorf("order %s: filled %s outside [0, %s]", o.ID, o.FilledQty, o.Quantity)
	}
	switch o.Type {
	case Limit, StopLimit:
		if !o.LimitPrice.IsPositive() {
			return fmt.Errorf("order %s: %s requires limit price > 0", o.ID, o.Type)
		}
	}
	switch o.Type {
	case Stop, StopLimit:
		if !o.StopPrice.IsPositive() {
			return fmt.Errorf("order %s: %s requires stop price > 0", o.ID, o.Type)
		}
	}
	return nil
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Fill is a confirmed execution of some quantity of an order. Immutable once
// recorded; FillID is globally unique and duplicates must be dropped.
type Fill struct {
	ID         string
	OrderID    string
	Symbol     Symbol
	Side       Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Commission decimal.Decimal
	Venue      string
	Timestamp  time.Time
	Liquidity  string // "MAKER" or "TAKER" where the venue reports it
}

// Validate checks quantity > 0 and price > 0.
func (f Fill) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("fill for order %s: empty fill id", f.OrderID)
	}
	if !f.Quantity.IsPositive() {
		return fmt.Errorf("fill %s: quantity %s must be > 0", f.ID, f.Quantity)
	}
	if !f.Price.IsPositive() {
		return fmt.Errorf("fill %s: price %s must be > 0", f.ID, f.Price)
	}
	return nil
}

// OrderStatusUpdate is the order_status topic payload, produced by broker
// adapters (via the broker manager) and by the order manager itself.
type OrderStatusUpdate struct {
	OrderID       string
	BrokerOrderID string
	BrokerName    string
	Status        OrderStatus
	Reason        string // populated on REJECTED / CANCELLED
	Timestamp     time.Time
}
