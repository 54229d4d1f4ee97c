// Package portfolio maintains the authoritative cash and position state.
//
// A single writer goroutine consumes fill events (and market bars for
// mark-to-market) from the bus and applies them one at a time. Readers never
// touch the writer's state: Snapshot returns the last committed copy through
// an atomic pointer swap.
//
// Per fill the sequence is fixed: persist the fill, mutate state, publish
// portfolio_update. Persistence failures retry with bounded backoff and then
// latch the emergency stop, because continuing without a durable fill record
// would desynchronize recovery.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/bus"
	"tradecore/internal/risk"
	"tradecore/internal/store"
	"tradecore/pkg/types"
)

const (
	persistAttempts = 5
	persistBackoff  = 100 * time.Millisecond
)

type command struct {
	fill *types.Fill
	bar  *types.MarketBar
}

// Core is the portfolio writer. Create with New, wire with Start, read with
// Snapshot.
type Core struct {
	initialCash decimal.Decimal
	bus         *bus.Bus
	repo        store.Repository
	stop        *risk.EmergencyStop
	logger      *slog.Logger

	// state and marks belong to the run goroutine exclusively.
	state types.Portfolio
	marks map[types.Symbol]decimal.Decimal

	snap  atomic.Pointer[types.Portfolio]
	dedup *lruSet

	cmdCh   chan command
	quit    chan struct{}
	runDone chan struct{}

	fillSub *bus.Subscription
	barSub  *bus.Subscription
}

// New creates the core. dedupSize bounds the fill idempotency cache.
func New(initialCash decimal.Decimal, dedupSize int, b *bus.Bus, repo store.Repository, stop *risk.EmergencyStop, logger *slog.Logger) *Core {
	return &Core{
		initialCash: initialCash,
		bus:         b,
		repo:        repo,
		stop:        stop,
		logger:      logger.With("component", "portfolio"),
		marks:       make(map[types.Symbol]decimal.Decimal),
		dedup:       newLRUSet(dedupSize),
		cmdCh:       make(chan command, 256),
		quit:        make(chan struct{}),
		runDone:     make(chan struct{}),
	}
}

// Start restores persisted state, subscribes to fills and bars, and launches
// the writer goroutine.
func (c *Core) Start(ctx context.Context) error {
	loaded, err := c.repo.LoadPortfolio(ctx)
	switch {
	case err == nil:
		c.state = loaded.Clone()
		c.logger.Info("portfolio restored",
			"cash", c.state.Cash, "positions", len(c.state.Positions))
	case errors.Is(err, store.ErrNotFound):
		c.state = types.Portfolio{
			Cash:        c.initialCash,
			Positions:   make(map[types.Symbol]types.Position),
			TotalEquity: c.initialCash,
			AsOf:        time.Now().UTC(),
		}
		c.logger.Info("portfolio initialized", "cash", c.initialCash)
	default:
		return fmt.Errorf("load portfolio: %w", err)
	}

	// Rebuild marks from the restored positions.
	for sym, pos := range c.state.Positions {
		if !pos.Quantity.IsZero() && !pos.MarketValue.IsZero() {
			c.marks[sym] = pos.MarketValue.Div(pos.Quantity)
		} else {
			c.marks[sym] = pos.AvgCost
		}
	}
	c.commit()

	c.fillSub, err = c.bus.Subscribe(bus.TopicFill, "portfolio", func(_ context.Context, evt bus.Event) error {
		f := evt.Payload.(types.Fill)
		return c.enqueue(command{fill: &f})
	})
	if err != nil {
		return err
	}
	c.barSub, err = c.bus.Subscribe(bus.TopicMarketData, "portfolio", func(_ context.Context, evt bus.Event) error {
		b := evt.Payload.(types.MarketBar)
		return c.enqueue(command{bar: &b})
	})
	if err != nil {
		c.bus.Unsubscribe(c.fillSub)
		return err
	}

	go c.run(ctx)
	return nil
}

// Stop unsubscribes and waits for the writer to drain queued commands.
func (c *Core) Stop() {
	c.bus.Unsubscribe(c.fillSub)
	c.bus.Unsubscribe(c.barSub)
	close(c.quit)
	<-c.runDone
}

// Snapshot returns the last committed portfolio. The copy is deep; callers
// may hold it indefinitely.
func (c *Core) Snapshot() types.Portfolio {
	return c.snap.Load().Clone()
}

func (c *Core) enqueue(cmd command) error {
	select {
	case c.cmdCh <- cmd:
		return nil
	case <-c.runDone:
		return fmt.Errorf("portfolio: writer stopped")
	}
}

func (c *Core) run(ctx context.Context) {
	defer close(c.runDone)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmdCh:
			c.process(ctx, cmd)
		case <-c.quit:
			// Drain whatever the bus already handed over, then exit.
			for {
				select {
				case cmd := <-c.cmdCh:
					c.process(ctx, cmd)
				default:
					return
				}
			}
		}
	}
}

func (c *Core) process(ctx context.Context, cmd command) {
	if cmd.fill != nil {
		c.applyFill(ctx, *cmd.fill)
	} else if cmd.bar != nil {
		c.markToMarket(*cmd.bar)
	}
}

// applyFill runs the persist -> mutate -> publish sequence for one fill.
func (c *Core) applyFill(ctx context.Context, f types.Fill) {
	if err := f.Validate(); err != nil {
		c.logger.Warn("invalid fill dropped", "fill", f.ID, "error", err)
		c.alert(types.AlertWarning, "bad_fill", err.Error(), map[string]string{"fill_id": f.ID})
		return
	}
	if c.dedup.Contains(f.ID) {
		c.logger.Debug("duplicate fill dropped", "fill", f.ID)
		return
	}

	// (1) Persist. Losing the fill record makes recovery wrong, so exhausting
	// the retries is fatal.
	if err := c.persistFill(ctx, f); err != nil {
		c.logger.Error("fill persistence exhausted retries", "fill", f.ID, "error", err)
		c.alert(types.AlertFatal, "fill_persist_failed", err.Error(), map[string]string{"fill_id": f.ID})
		c.stop.Engage(fmt.Sprintf("fill %s could not be persisted: %v", f.ID, err))
		return
	}

	// (2) Mutate. A panic here means the in-memory state can no longer be
	// trusted; latch the stop and leave the last committed snapshot in place.
	if err := c.mutate(f); err != nil {
		c.logger.Error("portfolio mutation failed", "fill", f.ID, "error", err)
		c.alert(types.AlertFatal, "portfolio_inconsistent", err.Error(), map[string]string{"fill_id": f.ID})
		c.stop.Engage(fmt.Sprintf("portfolio inconsistent after fill %s: %v", f.ID, err))
		return
	}
	c.dedup.Add(f.ID)

	// Best-effort durable snapshot; the fills table is the source of truth.
	if err := c.repo.SnapshotPortfolio(ctx, c.state); err != nil {
		c.logger.Warn("portfolio snapshot persist failed", "error", err)
	}

	// (3) Publish.
	c.commit()
	if err := c.bus.Publish(bus.TopicPortfolioUpdate, c.Snapshot()); err != nil {
		c.logger.Warn("portfolio_update publish failed", "error", err)
	}
}

func (c *Core) persistFill(ctx context.Context, f types.Fill) error {
	backoff := persistBackoff
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = c.repo.RecordFill(ctx, f); err == nil {
			return nil
		}
		c.logger.Warn("fill persist failed, retrying",
			"fill", f.ID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func (c *Core) mutate(f types.Fill) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic applying fill %s: %v", f.ID, r)
		}
	}()

	pos := c.state.Positions[f.Symbol]
	pos.Symbol = f.Symbol
	pos, _ = applyFillToPosition(pos, f)

	notional := f.Quantity.Mul(f.Price)
	if f.Side == types.BUY {
		c.state.Cash = c.state.Cash.Sub(notional).Sub(f.Commission)
	} else {
		c.state.Cash = c.state.Cash.Add(notional).Sub(f.Commission)
	}

	c.marks[f.Symbol] = f.Price
	if pos.Quantity.IsZero() {
		delete(c.state.Positions, f.Symbol)
	} else {
		pos.LastUpdated = f.Timestamp
		c.state.Positions[f.Symbol] = pos
	}
	c.remark()
	return nil
}

// markToMarket updates the mark for a symbol we hold and recomputes equity.
// No portfolio_update is published for pure mark moves.
func (c *Core) markToMarket(bar types.MarketBar) {
	if _, held := c.state.Positions[bar.Symbol]; !held {
		return
	}
	c.marks[bar.Symbol] = bar.Close
	c.remark()
	c.commit()
}

// remark recomputes MarketValue and UnrealizedPnL for every position and the
// total equity from the current marks.
func (c *Core) remark() {
	equity := c.state.Cash
	for sym, pos := range c.state.Positions {
		mark, ok := c.marks[sym]
		if !ok {
			mark = pos.AvgCost
		}
		pos.MarketValue = pos.Quantity.Mul(mark)
		pos.UnrealizedPnL = mark.Sub(pos.AvgCost).Mul(pos.Quantity)
		c.state.Positions[sym] = pos
		equity = equity.Add(pos.MarketValue)
	}
	c.state.TotalEquity = equity
	c.state.AsOf = time.Now().UTC()
}

// commit publishes the writer's state to readers.
func (c *Core) commit() {
	snap := c.state.Clone()
	c.snap.Store(&snap)
}

func (c *Core) alert(sev types.AlertSeverity, kind, msg string, fields map[string]string) {
	c.bus.Publish(bus.TopicSystemAlert, types.Alert{
		Severity:  sev,
		Kind:      kind,
		Message:   msg,
		Fields:    fields,
		Timestamp: time.Now().UTC(),
	})
}

// applyFillToPosition applies one fill to a signed position and returns the
// updated position plus the realized PnL delta. A fill that crosses zero is
// split at the boundary: the closing portion realizes against the old average
// cost, the remainder opens fresh at the fill price.
func applyFillToPosition(pos types.Position, f types.Fill) (types.Position, decimal.Decimal) {
	delta := f.Quantity
	if f.Side == types.SELL {
		delta = delta.Neg()
	}
	old := pos.Quantity
	newQty := old.Add(delta)
	realized := decimal.Zero

	switch {
	case old.IsZero() || old.Sign() == delta.Sign():
		// Opening or extending in the same direction.
		totalCost := pos.AvgCost.Mul(old.Abs()).Add(f.Price.Mul(f.Quantity))
		if !newQty.IsZero() {
			pos.AvgCost = totalCost.Div(newQty.Abs())
		}

	case newQty.Sign() == old.Sign() || newQty.IsZero():
		// Reducing or fully closing without crossing zero.
		realized = f.Price.Sub(pos.AvgCost).Mul(f.Quantity)
		if old.Sign() < 0 {
			realized = realized.Neg()
		}
		if newQty.IsZero() {
			pos.AvgCost = decimal.Zero
		}

	default:
		// Sign flip: close the whole old position, open the rest at fill price.
		realized = f.Price.Sub(pos.AvgCost).Mul(old.Abs())
		if old.Sign() < 0 {
			realized = realized.Neg()
		}
		pos.AvgCost = f.Price
	}

	pos.Quantity = newQty
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	return pos, realized
}
