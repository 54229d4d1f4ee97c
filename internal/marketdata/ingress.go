package marketdata

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

// providerState tracks one provider's standing in the failover rotation.
type providerState struct {
	provider    Provider
	consecErrs  int
	healthy     bool
	unhealthyAt time.Time // start of cool-down
}

// Ingress consumes the active provider's bar stream, normalizes and validates
// each bar, enforces the per-symbol timestamp watermark, and publishes
// market_data events. It runs as a single goroutine started by Run.
type Ingress struct {
	cfg    config.MarketDataConfig
	bus    *bus.Bus
	logger *slog.Logger

	mu        sync.Mutex
	providers []*providerState // sorted by priority
	active    int              // index into providers, -1 = none
	symbols   map[types.Symbol]bool

	// watermarks holds the last accepted bar timestamp per symbol; bars at or
	// behind the watermark are dropped.
	watermarks map[types.Symbol]time.Time

	// lastBars holds wall-clock arrival time per subscribed symbol. The
	// heartbeat watchdog fails over when any one symbol goes silent, so an
	// actively streaming symbol cannot mask a stalled one.
	lastBars map[types.Symbol]time.Time
}

// NewIngress creates the ingress over the given providers. At least one
// provider is required.
func NewIngress(cfg config.MarketDataConfig, b *bus.Bus, providers []Provider, logger *slog.Logger) (*Ingress, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("marketdata: at least one provider required")
	}
	states := make([]*providerState, len(providers))
	for i, p := range providers {
		states[i] = &providerState{provider: p, healthy: true}
	}
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].provider.Priority() < states[j].provider.Priority()
	})
	return &Ingress{
		cfg:        cfg,
		bus:        b,
		logger:     logger.With("component", "ingress"),
		providers:  states,
		active:     -1,
		symbols:    make(map[types.Symbol]bool),
		watermarks: make(map[types.Symbol]time.Time),
		lastBars:   make(map[types.Symbol]time.Time),
	}, nil
}

// Subscribe adds symbols to the tracked set and forwards the subscription to
// the active provider.
func (in *Ingress) Subscribe(ctx context.Context, symbols []types.Symbol) error {
	in.mu.Lock()
	added := make([]types.Symbol, 0, len(symbols))
	for _, s := range symbols {
		if !in.symbols[s] {
			in.symbols[s] = true
			in.lastBars[s] = time.Now() // grace window starts at subscribe
			added = append(added, s)
		}
	}
	state := in.activeLocked()
	in.mu.Unlock()

	if state == nil || len(added) == 0 {
		return nil
	}
	return state.provider.Subscribe(ctx, added)
}

// Unsubscribe removes symbols from the tracked set.
func (in *Ingress) Unsubscribe(ctx context.Context, symbols []types.Symbol) error {
	in.mu.Lock()
	for _, s := range symbols {
		delete(in.symbols, s)
		delete(in.watermarks, s)
		delete(in.lastBars, s)
	}
	state := in.activeLocked()
	in.mu.Unlock()

	if state == nil {
		return nil
	}
	return state.provider.Unsubscribe(ctx, symbols)
}

func (in *Ingress) activeLocked() *providerState {
	if in.active < 0 || in.active >= len(in.providers) {
		return nil
	}
	return in.providers[in.active]
}

// ActiveProvider returns the name of the currently active provider, or "".
func (in *Ingress) ActiveProvider() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	if s := in.activeLocked(); s != nil {
		return s.provider.Name()
	}
	return ""
}

// Run connects the preferred provider and processes its stream until ctx is
// cancelled. Heartbeat gaps of 3x the configured interval, provider errors
// past the threshold, or a disconnect all rotate to the next healthy provider.
func (in *Ingress) Run(ctx context.Context) error {
	if err := in.failover(ctx, "startup"); err != nil {
		return err
	}
	defer func() {
		in.mu.Lock()
		state := in.activeLocked()
		in.mu.Unlock()
		if state != nil {
			state.provider.Disconnect()
		}
	}()

	heartbeat := time.NewTicker(in.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		in.mu.Lock()
		state := in.activeLocked()
		in.mu.Unlock()
		if state == nil {
			return fmt.Errorf("marketdata: no healthy provider")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case bar, ok := <-state.provider.Bars():
			if !ok {
				// Disconnect: one strike is enough.
				in.markUnhealthy(state, "stream closed")
				if err := in.failover(ctx, "disconnect"); err != nil {
					return err
				}
				continue
			}
			in.handleBar(state, bar)

		case err := <-state.provider.Errs():
			in.mu.Lock()
			state.consecErrs++
			errs := state.consecErrs
			in.mu.Unlock()
			in.logger.Warn("provider error",
				"provider", state.provider.Name(), "consecutive", errs, "error", err)
			if errs >= in.cfg.FailoverErrorCount {
				in.markUnhealthy(state, fmt.Sprintf("%d consecutive errors", errs))
				if err := in.failover(ctx, "errors"); err != nil {
					return err
				}
			}

		case <-heartbeat.C:
			if stale, ok := in.staleSymbol(); ok {
				in.markUnhealthy(state, fmt.Sprintf("no bars for %s", stale))
				if err := in.failover(ctx, "heartbeat"); err != nil {
					return err
				}
			}
		}
	}
}

// staleSymbol reports the first subscribed symbol without a bar for more than
// 3x the heartbeat interval.
func (in *Ingress) staleSymbol() (types.Symbol, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	cutoff := time.Now().Add(-3 * in.cfg.HeartbeatInterval)
	for s := range in.symbols {
		if last, ok := in.lastBars[s]; ok && last.Before(cutoff) {
			return s, true
		}
	}
	return "", false
}

// handleBar normalizes, validates, applies the watermark and publishes.
func (in *Ingress) handleBar(state *providerState, raw RawBar) {
	bar := raw.Normalize()

	in.mu.Lock()
	state.consecErrs = 0
	in.lastBars[bar.Symbol] = time.Now()
	in.mu.Unlock()

	if err := bar.Validate(); err != nil {
		in.logger.Warn("invalid bar dropped", "provider", state.provider.Name(), "error", err)
		in.bus.Publish(bus.TopicSystemAlert, types.Alert{
			Severity:  types.AlertWarning,
			Kind:      "bad_bar",
			Message:   err.Error(),
			Fields:    map[string]string{"provider": state.provider.Name()},
			Timestamp: time.Now().UTC(),
		})
		return
	}

	in.mu.Lock()
	if wm, ok := in.watermarks[bar.Symbol]; ok && !bar.Timestamp.After(wm) {
		in.mu.Unlock()
		// Out-of-order bar for this symbol, drop silently.
		return
	}
	in.watermarks[bar.Symbol] = bar.Timestamp
	in.mu.Unlock()

	if err := in.bus.Publish(bus.TopicMarketData, bar); err != nil {
		in.logger.Error("publish bar failed", "symbol", bar.Symbol, "error", err)
	}
}

func (in *Ingress) markUnhealthy(state *providerState, reason string) {
	in.mu.Lock()
	state.healthy = false
	state.unhealthyAt = time.Now()
	state.consecErrs = 0
	in.mu.Unlock()

	in.logger.Warn("provider unhealthy", "provider", state.provider.Name(), "reason", reason)
	in.bus.Publish(bus.TopicSystemAlert, types.Alert{
		Severity:  types.AlertWarning,
		Kind:      "provider_unhealthy",
		Message:   reason,
		Fields:    map[string]string{"provider": state.provider.Name()},
		Timestamp: time.Now().UTC(),
	})
}

// failover disconnects the current provider and activates the best candidate:
// healthy providers first (by priority), then unhealthy ones whose cool-down
// has elapsed and whose ping probe passes.
func (in *Ingress) failover(ctx context.Context, reason string) error {
	in.mu.Lock()
	if cur := in.activeLocked(); cur != nil {
		cur.provider.Disconnect()
	}
	in.active = -1

	var candidates []*providerState
	for _, s := range in.providers {
		if s.healthy {
			candidates = append(candidates, s)
		}
	}
	for _, s := range in.providers {
		if !s.healthy && time.Since(s.unhealthyAt) >= in.cfg.ProviderCooldown {
			candidates = append(candidates, s)
		}
	}
	symbols := make([]types.Symbol, 0, len(in.symbols))
	for s := range in.symbols {
		symbols = append(symbols, s)
	}
	in.mu.Unlock()

	for _, cand := range candidates {
		if !cand.healthy {
			if err := cand.provider.Ping(ctx); err != nil {
				continue
			}
		}
		if err := cand.provider.Connect(ctx); err != nil {
			in.logger.Warn("provider connect failed",
				"provider", cand.provider.Name(), "error", err)
			continue
		}
		if len(symbols) > 0 {
			if err := cand.provider.Subscribe(ctx, symbols); err != nil {
				cand.provider.Disconnect()
				continue
			}
		}

		in.mu.Lock()
		cand.healthy = true
		cand.consecErrs = 0
		for i, s := range in.providers {
			if s == cand {
				in.active = i
				break
			}
		}
		now := time.Now() // fresh heartbeat window for the new provider
		for s := range in.symbols {
			in.lastBars[s] = now
		}
		in.mu.Unlock()

		in.logger.Info("provider active", "provider", cand.provider.Name(), "reason", reason)
		in.bus.Publish(bus.TopicSystemAlert, types.Alert{
			Severity:  types.AlertInfo,
			Kind:      "provider_failover",
			Message:   fmt.Sprintf("active provider is now %s (%s)", cand.provider.Name(), reason),
			Fields:    map[string]string{"provider": cand.provider.Name(), "reason": reason},
			Timestamp: time.Now().UTC(),
		})
		return nil
	}

	return fmt.Errorf("marketdata: no provider available after failover (%s)", reason)
}
