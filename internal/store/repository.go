// Package store persists orders, fills and portfolio snapshots.
//
// The Repository port is the only persistence surface the rest of the system
// sees. Two adapters exist: SQLite for live runs and an in-memory map for
// tests and dry runs. All write operations are idempotent by natural key, so
// retrying after a crash cannot double-record anything.
package store

import (
	"context"
	"errors"

	"tradecore/pkg/types"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("store: not found")

// Repository is the persistence port.
//
// SaveOrder upserts the full order row keyed by order ID, so callers persist
// the authoritative record before publishing any event derived from it.
// RecordFill is keyed by fill ID and silently ignores duplicates.
type Repository interface {
	SaveOrder(ctx context.Context, o types.Order) error
	UpdateOrderStatus(ctx context.Context, update types.OrderStatusUpdate) error
	LoadOrder(ctx context.Context, id string) (types.Order, error)

	// LoadActiveOrders returns every order in a non-terminal status, for
	// crash recovery at startup.
	LoadActiveOrders(ctx context.Context) ([]types.Order, error)

	RecordFill(ctx context.Context, f types.Fill) error

	SnapshotPortfolio(ctx context.Context, p types.Portfolio) error

	// LoadPortfolio returns the latest snapshot, or ErrNotFound when the
	// store has never seen one (fresh start).
	LoadPortfolio(ctx context.Context) (types.Portfolio, error)

	Close() error
}
