// Package broker routes order submissions across a pool of venue adapters.
//
// Adapters sit behind the Broker port. The Manager picks one per submission
// using the configured selection policy, fails over on errors, tracks health
// (consecutive failures, success rate, latency EMA) and pumps each adapter's
// asynchronous update stream onto the bus. Once an order lands on a broker it
// stays bound to it: live orders are never migrated across venues.
package broker

import (
	"context"
	"errors"

	"tradecore/pkg/types"
)

var (
	// ErrNoBroker means no non-critical broker accepted the order within the
	// failover budget.
	ErrNoBroker = errors.New("broker: no broker available")

	// ErrUnknownOrder means the order has no recorded broker affinity.
	ErrUnknownOrder = errors.New("broker: unknown order")
)

// Update is one message from an adapter's asynchronous stream. Exactly one
// field is set.
type Update struct {
	Status *types.OrderStatusUpdate
	Fill   *types.Fill
}

// Broker is the venue adapter port. Submit returns the venue's order ID.
// Adapters translate their own status vocabulary to the canonical one before
// emitting on Updates.
type Broker interface {
	Name() string
	Priority() int // lower number = preferred under the priority policy

	Connect(ctx context.Context) error
	Disconnect() error

	Submit(ctx context.Context, o types.Order) (brokerOrderID string, err error)
	Cancel(ctx context.Context, brokerOrderID string) error

	AccountInfo(ctx context.Context) (types.AccountInfo, error)
	Positions(ctx context.Context) ([]types.Position, error)

	Updates() <-chan Update
}
