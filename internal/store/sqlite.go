package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"tradecore/pkg/types"
)

// SQLite is the durable Repository adapter. Decimals are stored as TEXT so no
// value ever passes through a float; timestamps are UTC RFC3339Nano.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	version := 0
	s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS orders (
				id              TEXT PRIMARY KEY,
				symbol          TEXT NOT NULL,
				side            TEXT NOT NULL,
				type            TEXT NOT NULL,
				quantity        TEXT NOT NULL,
				limit_price     TEXT NOT NULL,
				stop_price      TEXT NOT NULL,
				time_in_force   TEXT NOT NULL,
				strategy_id     TEXT NOT NULL,
				signal_id       TEXT NOT NULL,
				status          TEXT NOT NULL,
				created_at      TEXT NOT NULL,
				updated_at      TEXT NOT NULL,
				filled_qty      TEXT NOT NULL,
				avg_fill_price  TEXT NOT NULL,
				commission      TEXT NOT NULL,
				broker_name     TEXT NOT NULL DEFAULT '',
				broker_order_id TEXT NOT NULL DEFAULT '',
				parent_id       TEXT NOT NULL DEFAULT '',
				exec_json       TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
			CREATE INDEX IF NOT EXISTS idx_orders_parent ON orders(parent_id);

			CREATE TABLE IF NOT EXISTS fills (
				id         TEXT PRIMARY KEY,
				order_id   TEXT NOT NULL,
				symbol     TEXT NOT NULL,
				side       TEXT NOT NULL,
				quantity   TEXT NOT NULL,
				price      TEXT NOT NULL,
				commission TEXT NOT NULL,
				venue      TEXT NOT NULL,
				timestamp  TEXT NOT NULL,
				liquidity  TEXT NOT NULL DEFAULT ''
			);
			CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);

			CREATE TABLE IF NOT EXISTS portfolio_snapshots (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				as_of          TEXT NOT NULL,
				cash           TEXT NOT NULL,
				total_equity   TEXT NOT NULL,
				positions_json TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_snapshots_as_of ON portfolio_snapshots(as_of);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
	}
	return nil
}

// SaveOrder upserts the full order row.
func (s *SQLite) SaveOrder(ctx context.Context, o types.Order) error {
	var execJSON any
	if o.Exec != nil {
		data, err := json.Marshal(o.Exec)
		if err != nil {
			return fmt.Errorf("marshal exec directive: %w", err)
		}
		execJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, symbol, side, type, quantity, limit_price, stop_price,
			time_in_force, strategy_id, signal_id, status, created_at,
			updated_at, filled_qty, avg_fill_price, commission,
			broker_name, broker_order_id, parent_id, exec_json
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			filled_qty = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price,
			commission = excluded.commission,
			broker_name = excluded.broker_name,
			broker_order_id = excluded.broker_order_id`,
		o.ID, string(o.Symbol), string(o.Side), string(o.Type),
		o.Quantity.String(), o.LimitPrice.String(), o.StopPrice.String(),
		string(o.TimeInForce), o.StrategyID, o.SignalID, string(o.Status),
		fmtTime(o.CreatedAt), fmtTime(o.UpdatedAt),
		o.FilledQty.String(), o.AvgFillPrice.String(), o.Commission.String(),
		o.BrokerName, o.BrokerOrderID, o.ParentID, execJSON)
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrderStatus records a status change without rewriting the whole row.
// Broker identity fields are only overwritten when the update carries them.
func (s *SQLite) UpdateOrderStatus(ctx context.Context, u types.OrderStatusUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			status = ?,
			updated_at = ?,
			broker_name = CASE WHEN ? <> '' THEN ? ELSE broker_name END,
			broker_order_id = CASE WHEN ? <> '' THEN ? ELSE broker_order_id END
		WHERE id = ?`,
		string(u.Status), fmtTime(u.Timestamp),
		u.BrokerName, u.BrokerName,
		u.BrokerOrderID, u.BrokerOrderID,
		u.OrderID)
	if err != nil {
		return fmt.Errorf("update order %s: %w", u.OrderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update order %s: %w", u.OrderID, ErrNotFound)
	}
	return nil
}

// LoadOrder fetches one order by ID.
func (s *SQLite) LoadOrder(ctx context.Context, id string) (types.Order, error) {
	row := s.db.QueryRowContext(ctx, orderSelect+" WHERE id = ?", id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return types.Order{}, fmt.Errorf("load order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.Order{}, fmt.Errorf("load order %s: %w", id, err)
	}
	return o, nil
}

// LoadActiveOrders returns every order in a non-terminal status.
func (s *SQLite) LoadActiveOrders(ctx context.Context) ([]types.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		orderSelect+" WHERE status IN (?,?,?) ORDER BY created_at",
		string(types.StatusPending), string(types.StatusSubmitted),
		string(types.StatusPartiallyFilled))
	if err != nil {
		return nil, fmt.Errorf("load active orders: %w", err)
	}
	defer rows.Close()

	var orders []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("load active orders: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// RecordFill inserts a fill, ignoring duplicates by fill ID.
func (s *SQLite) RecordFill(ctx context.Context, f types.Fill) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills (
			id, order_id, symbol, side, quantity, price,
			commission, venue, timestamp, liquidity
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.OrderID, string(f.Symbol), string(f.Side),
		f.Quantity.String(), f.Price.String(), f.Commission.String(),
		f.Venue, fmtTime(f.Timestamp), f.Liquidity)
	if err != nil {
		return fmt.Errorf("record fill %s: %w", f.ID, err)
	}
	return nil
}

// SnapshotPortfolio appends a snapshot row.
func (s *SQLite) SnapshotPortfolio(ctx context.Context, p types.Portfolio) error {
	positions, err := json.Marshal(p.Positions)
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO portfolio_snapshots (as_of, cash, total_equity, positions_json)
		VALUES (?,?,?,?)`,
		fmtTime(p.AsOf), p.Cash.String(), p.TotalEquity.String(), string(positions))
	if err != nil {
		return fmt.Errorf("snapshot portfolio: %w", err)
	}
	return nil
}

// LoadPortfolio returns the most recent snapshot.
func (s *SQLite) LoadPortfolio(ctx context.Context) (types.Portfolio, error) {
	var (
		asOf, cash, equity, positions string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT as_of, cash, total_equity, positions_json
		FROM portfolio_snapshots ORDER BY id DESC LIMIT 1`).
		Scan(&asOf, &cash, &equity, &positions)
	if err == sql.ErrNoRows {
		return types.Portfolio{}, ErrNotFound
	}
	if err != nil {
		return types.Portfolio{}, fmt.Errorf("load portfolio: %w", err)
	}

	p := types.Portfolio{Positions: make(map[types.Symbol]types.Position)}
	if p.AsOf, err = parseTime(asOf); err != nil {
		return types.Portfolio{}, fmt.Errorf("load portfolio: %w", err)
	}
	if p.Cash, err = decimal.NewFromString(cash); err != nil {
		return types.Portfolio{}, fmt.Errorf("load portfolio cash: %w", err)
	}
	if p.TotalEquity, err = decimal.NewFromString(equity); err != nil {
		return types.Portfolio{}, fmt.Errorf("load portfolio equity: %w", err)
	}
	if err := json.Unmarshal([]byte(positions), &p.Positions); err != nil {
		return types.Portfolio{}, fmt.Errorf("load portfolio positions: %w", err)
	}
	return p, nil
}

const orderSelect = `
	SELECT id, symbol, side, type, quantity, limit_price, stop_price,
		time_in_force, strategy_id, signal_id, status, created_at,
		updated_at, filled_qty, avg_fill_price, commission,
		broker_name, broker_order_id, parent_id, exec_json
	FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (types.Order, error) {
	var (
		o                                    types.Order
		symbol, side, otype, tif, status     string
		qty, limit, stop, filled, avg, comms string
		createdAt, updatedAt                 string
		execJSON                             sql.NullString
	)
	err := row.Scan(&o.ID, &symbol, &side, &otype, &qty, &limit, &stop,
		&tif, &o.StrategyID, &o.SignalID, &status, &createdAt,
		&updatedAt, &filled, &avg, &comms,
		&o.BrokerName, &o.BrokerOrderID, &o.ParentID, &execJSON)
	if err != nil {
		return types.Order{}, err
	}

	o.Symbol = types.Symbol(symbol)
	o.Side = types.Side(side)
	o.Type = types.OrderType(otype)
	o.TimeInForce = types.TimeInForce(tif)
	o.Status = types.OrderStatus(status)

	for _, field := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&o.Quantity, qty}, {&o.LimitPrice, limit}, {&o.StopPrice, stop},
		{&o.FilledQty, filled}, {&o.AvgFillPrice, avg}, {&o.Commission, comms},
	} {
		if *field.dst, err = decimal.NewFromString(field.src); err != nil {
			return types.Order{}, fmt.Errorf("order %s: bad decimal %q: %w", o.ID, field.src, err)
		}
	}

	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return types.Order{}, fmt.Errorf("order %s: %w", o.ID, err)
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return types.Order{}, fmt.Errorf("order %s: %w", o.ID, err)
	}

	if execJSON.Valid && execJSON.String != "" {
		var exec types.ExecDirective
		if err := json.Unmarshal([]byte(execJSON.String), &exec); err != nil {
			return types.Order{}, fmt.Errorf("order %s: bad exec directive: %w", o.ID, err)
		}
		o.Exec = &exec
	}
	return o, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
