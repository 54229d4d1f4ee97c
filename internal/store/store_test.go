package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// openRepos returns both adapters so every test runs against each.
func openRepos(t *testing.T) map[string]Repository {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "trade.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Repository{
		"sqlite": sqlite,
		"memory": NewMemory(),
	}
}

func sampleOrder(id string) types.Order {
	now := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	return types.Order{
		ID:           id,
		Symbol:       "AAPL",
		Side:         types.BUY,
		Type:         types.Limit,
		Quantity:     decimal.NewFromInt(100),
		LimitPrice:   decimal.RequireFromString("187.52"),
		TimeInForce:  types.TIFGTC,
		StrategyID:   "sma_cross",
		SignalID:     "aabbccdd00112233",
		Status:       types.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		FilledQty:    decimal.Zero,
		AvgFillPrice: decimal.Zero,
		Commission:   decimal.Zero,
	}
}

func TestOrderRoundTrip(t *testing.T) {
	t.Parallel()
	for name, repo := range openRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleOrder("ord-1")
			want.Exec = &types.ExecDirective{
				Algo:    types.AlgoTWAP,
				Horizon: 10 * time.Minute,
				Slices:  10,
			}
			if err := repo.SaveOrder(ctx, want); err != nil {
				t.Fatalf("save: %v", err)
			}

			got, err := repo.LoadOrder(ctx, "ord-1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if got.Symbol != want.Symbol || got.Side != want.Side || got.Status != want.Status {
				t.Errorf("got %+v, want %+v", got, want)
			}
			if !got.Quantity.Equal(want.Quantity) || !got.LimitPrice.Equal(want.LimitPrice) {
				t.Errorf("decimals did not round-trip: %+v", got)
			}
			if !got.CreatedAt.Equal(want.CreatedAt) {
				t.Errorf("created_at = %v, want %v", got.CreatedAt, want.CreatedAt)
			}
			if got.Exec == nil || got.Exec.Algo != types.AlgoTWAP || got.Exec.Slices != 10 {
				t.Errorf("exec directive did not round-trip: %+v", got.Exec)
			}
		})
	}
}

func TestSaveOrderUpserts(t *testing.T) {
	t.Parallel()
	for name, repo := range openRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := sampleOrder("ord-up")
			if err := repo.SaveOrder(ctx, o); err != nil {
				t.Fatal(err)
			}
			o.Status = types.StatusSubmitted
			o.FilledQty = decimal.NewFromInt(40)
			o.AvgFillPrice = decimal.RequireFromString("187.50")
			if err := repo.SaveOrder(ctx, o); err != nil {
				t.Fatal(err)
			}

			got, err := repo.LoadOrder(ctx, "ord-up")
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != types.StatusSubmitted || !got.FilledQty.Equal(decimal.NewFromInt(40)) {
				t.Errorf("upsert did not apply: %+v", got)
			}
		})
	}
}

func TestUpdateOrderStatus(t *testing.T) {
	t.Parallel()
	for name, repo := range openRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := repo.SaveOrder(ctx, sampleOrder("ord-st")); err != nil {
				t.Fatal(err)
			}

			ts := time.Date(2025, 6, 2, 14, 31, 0, 0, time.UTC)
			err := repo.UpdateOrderStatus(ctx, types.OrderStatusUpdate{
				OrderID:       "ord-st",
				Status:        types.StatusSubmitted,
				BrokerName:    "paper",
				BrokerOrderID: "bk-77",
				Timestamp:     ts,
			})
			if err != nil {
				t.Fatalf("update: %v", err)
			}

			got, err := repo.LoadOrder(ctx, "ord-st")
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != types.StatusSubmitted || got.BrokerName != "paper" || got.BrokerOrderID != "bk-77" {
				t.Errorf("status update not applied: %+v", got)
			}

			// Unknown order surfaces ErrNotFound.
			err = repo.UpdateOrderStatus(ctx, types.OrderStatusUpdate{
				OrderID: "nope", Status: types.StatusCancelled, Timestamp: ts,
			})
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestLoadActiveOrdersSkipsTerminal(t *testing.T) {
	t.Parallel()
	for name, repo := range openRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			open := sampleOrder("ord-open")
			open.Status = types.StatusSubmitted
			partial := sampleOrder("ord-partial")
			partial.Status = types.StatusPartiallyFilled
			partial.CreatedAt = open.CreatedAt.Add(time.Second)
			done := sampleOrder("ord-done")
			done.Status = types.StatusFilled

			for _, o := range []types.Order{open, partial, done} {
				if err := repo.SaveOrder(ctx, o); err != nil {
					t.Fatal(err)
				}
			}

			active, err := repo.LoadActiveOrders(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(active) != 2 {
				t.Fatalf("got %d active orders, want 2", len(active))
			}
			if active[0].ID != "ord-open" || active[1].ID != "ord-partial" {
				t.Errorf("active orders not in creation order: %s, %s", active[0].ID, active[1].ID)
			}
		})
	}
}

func TestRecordFillIdempotent(t *testing.T) {
	t.Parallel()
	for name, repo := range openRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := types.Fill{
				ID:         "fill-1",
				OrderID:    "ord-1",
				Symbol:     "AAPL",
				Side:       types.BUY,
				Quantity:   decimal.NewFromInt(100),
				Price:      decimal.RequireFromString("150"),
				Commission: decimal.NewFromInt(1),
				Venue:      "paper",
				Timestamp:  time.Now().UTC(),
			}
			if err := repo.RecordFill(ctx, f); err != nil {
				t.Fatal(err)
			}
			if err := repo.RecordFill(ctx, f); err != nil {
				t.Errorf("duplicate fill errored: %v", err)
			}
		})
	}
}

func TestPortfolioSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	for name, repo := range openRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := repo.LoadPortfolio(ctx); !errors.Is(err, ErrNotFound) {
				t.Fatalf("fresh store: err = %v, want ErrNotFound", err)
			}

			first := types.Portfolio{
				Cash:        decimal.RequireFromString("100000"),
				Positions:   map[types.Symbol]types.Position{},
				TotalEquity: decimal.RequireFromString("100000"),
				AsOf:        time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC),
			}
			if err := repo.SnapshotPortfolio(ctx, first); err != nil {
				t.Fatal(err)
			}

			second := first
			second.Cash = decimal.RequireFromString("84999")
			second.TotalEquity = decimal.RequireFromString("99999")
			second.AsOf = first.AsOf.Add(time.Minute)
			second.Positions = map[types.Symbol]types.Position{
				"AAPL": {
					Symbol:   "AAPL",
					Quantity: decimal.NewFromInt(100),
					AvgCost:  decimal.RequireFromString("150"),
				},
			}
			if err := repo.SnapshotPortfolio(ctx, second); err != nil {
				t.Fatal(err)
			}

			got, err := repo.LoadPortfolio(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Cash.Equal(second.Cash) || !got.AsOf.Equal(second.AsOf) {
				t.Errorf("latest snapshot not returned: %+v", got)
			}
			pos, ok := got.Positions["AAPL"]
			if !ok || !pos.Quantity.Equal(decimal.NewFromInt(100)) || !pos.AvgCost.Equal(second.Positions["AAPL"].AvgCost) {
				t.Errorf("positions did not round-trip: %+v", got.Positions)
			}
		})
	}
}
