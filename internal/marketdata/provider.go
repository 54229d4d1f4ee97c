// Package marketdata ingests bars from upstream providers, normalizes them,
// and publishes MarketBar events on the bus.
//
// Providers sit behind the Provider port. The ingress owns failover: the
// highest-priority healthy provider is active; missed heartbeats, consecutive
// errors or a disconnect rotate to the next healthy provider. Unhealthy
// providers rejoin after a cool-down and a successful ping probe.
package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// RawBar is the provider-boundary bar: float fields as upstream feeds deliver
// them. The ingress converts to decimal on normalization and never lets a
// float past this package.
type RawBar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Normalize converts a RawBar to the canonical MarketBar.
func (r RawBar) Normalize() types.MarketBar {
	return types.MarketBar{
		Symbol:    types.Symbol(r.Symbol),
		Timestamp: r.Timestamp.UTC(),
		Open:      decimal.NewFromFloat(r.Open),
		High:      decimal.NewFromFloat(r.High),
		Low:       decimal.NewFromFloat(r.Low),
		Close:     decimal.NewFromFloat(r.Close),
		Volume:    decimal.NewFromFloat(r.Volume),
	}
}

// Provider is the upstream market-data port. Implementations must deliver
// bars on Bars() and operational failures on Errs(); closing Bars() signals a
// disconnect. Connect may be called again after Disconnect.
type Provider interface {
	Name() string
	Priority() int // lower number = preferred

	Connect(ctx context.Context) error
	Disconnect() error

	Subscribe(ctx context.Context, symbols []types.Symbol) error
	Unsubscribe(ctx context.Context, symbols []types.Symbol) error

	Bars() <-chan RawBar
	Errs() <-chan error

	// Ping is the cheap health probe used to readmit a provider after
	// cool-down.
	Ping(ctx context.Context) error
}
