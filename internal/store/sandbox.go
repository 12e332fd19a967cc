package store

import (
	"context"
	"database/sql"
	"errors"
)

// SandboxOrder is a simulated order.
type SandboxOrder struct {
	ID             int64   `db:"id" json:"id"`
	OrderID        string  `db:"order_id" json:"order_id"`
	Symbol         string  `db:"symbol" json:"symbol"`
	Exchange       string  `db:"exchange" json:"exchange"`
	Side           string  `db:"side" json:"side"`
	Quantity       int     `db:"quantity" json:"quantity"`
	Price          float64 `db:"price" json:"price"`
	OrderType      string  `db:"order_type" json:"order_type"`
	Product        string  `db:"product" json:"product"`
	Status         string  `db:"status" json:"status"`
	FilledQuantity int     `db:"filled_quantity" json:"filled_quantity"`
	AveragePrice   float64 `db:"average_price" json:"average_price"`
	CreatedAt      string  `db:"created_at" json:"created_at"`
	UpdatedAt      string  `db:"updated_at" json:"updated_at"`
}

// SandboxTrade is one simulated fill.
type SandboxTrade struct {
	ID        int64   `db:"id" json:"id"`
	OrderID   string  `db:"order_id" json:"order_id"`
	TradeID   string  `db:"trade_id" json:"trade_id"`
	Symbol    string  `db:"symbol" json:"symbol"`
	Exchange  string  `db:"exchange" json:"exchange"`
	Side      string  `db:"side" json:"side"`
	Quantity  int     `db:"quantity" json:"quantity"`
	Price     float64 `db:"price" json:"price"`
	CreatedAt string  `db:"created_at" json:"created_at"`
}

// SandboxPosition is the simulated open position per (exchange, symbol,
// product).
type SandboxPosition struct {
	ID           int64   `db:"id" json:"id"`
	Symbol       string  `db:"symbol" json:"symbol"`
	Exchange     string  `db:"exchange" json:"exchange"`
	Product      string  `db:"product" json:"product"`
	Quantity     int     `db:"quantity" json:"quantity"`
	AveragePrice float64 `db:"average_price" json:"average_price"`
	LTP          float64 `db:"ltp" json:"ltp"`
	PnL          float64 `db:"pnl" json:"pnl"`
	UpdatedAt    string  `db:"updated_at" json:"updated_at"`
}

// SandboxHolding is the simulated delivery holding.
type SandboxHolding struct {
	ID           int64   `db:"id" json:"id"`
	Symbol       string  `db:"symbol" json:"symbol"`
	Exchange     string  `db:"exchange" json:"exchange"`
	Quantity     int     `db:"quantity" json:"quantity"`
	AveragePrice float64 `db:"average_price" json:"average_price"`
	LTP          float64 `db:"ltp" json:"ltp"`
	PnL          float64 `db:"pnl" json:"pnl"`
	UpdatedAt    string  `db:"updated_at" json:"updated_at"`
}

// SandboxFunds is the simulated account balance singleton.
type SandboxFunds struct {
	AvailableCash float64 `db:"available_cash" json:"available_cash"`
	UsedMargin    float64 `db:"used_margin" json:"used_margin"`
	TotalValue    float64 `db:"total_value" json:"total_value"`
	UpdatedAt     string  `db:"updated_at" json:"updated_at"`
}

// SandboxDailyPnL is one day of simulated performance.
type SandboxDailyPnL struct {
	ID             int64   `db:"id" json:"id"`
	Date           string  `db:"date" json:"date"`
	RealizedPnL    float64 `db:"realized_pnl" json:"realized_pnl"`
	UnrealizedPnL  float64 `db:"unrealized_pnl" json:"unrealized_pnl"`
	TotalPnL       float64 `db:"total_pnl" json:"total_pnl"`
	PortfolioValue float64 `db:"portfolio_value" json:"portfolio_value"`
}

// InsertSandboxOrder persists a simulated order.
func (s *Store) InsertSandboxOrder(ctx context.Context, o *SandboxOrder) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sandbox_orders (order_id, symbol, exchange, side, quantity, price,
			order_type, product, status, filled_quantity, average_price)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.Symbol, o.Exchange, o.Side, o.Quantity, o.Price,
		o.OrderType, o.Product, o.Status, o.FilledQuantity, o.AveragePrice)
	if err != nil {
		return err
	}
	o.ID, err = res.LastInsertId()
	return err
}

// UpdateSandboxOrder rewrites status and fill figures.
func (s *Store) UpdateSandboxOrder(ctx context.Context, orderID, status string, filledQty int, avgPrice float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sandbox_orders SET status = ?, filled_quantity = ?, average_price = ?,
			updated_at = datetime('now')
		WHERE order_id = ?`, status, filledQty, avgPrice, orderID)
	return err
}

// GetSandboxOrder fetches one simulated order by its public id.
func (s *Store) GetSandboxOrder(ctx context.Context, orderID string) (*SandboxOrder, error) {
	var o SandboxOrder
	err := s.db.GetContext(ctx, &o, `
		SELECT id, order_id, symbol, exchange, side, quantity, price, order_type,
		       product, status, filled_quantity, average_price, created_at, updated_at
		FROM sandbox_orders WHERE order_id = ?`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListSandboxOrders returns every simulated order, newest first.
func (s *Store) ListSandboxOrders(ctx context.Context) ([]SandboxOrder, error) {
	var out []SandboxOrder
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, order_id, symbol, exchange, side, quantity, price, order_type,
		       product, status, filled_quantity, average_price, created_at, updated_at
		FROM sandbox_orders ORDER BY id DESC`)
	return out, err
}

// ListOpenSandboxOrders returns pending simulated orders.
func (s *Store) ListOpenSandboxOrders(ctx context.Context) ([]SandboxOrder, error) {
	var out []SandboxOrder
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, order_id, symbol, exchange, side, quantity, price, order_type,
		       product, status, filled_quantity, average_price, created_at, updated_at
		FROM sandbox_orders WHERE status = 'pending' ORDER BY id`)
	return out, err
}

// InsertSandboxTrade persists one simulated fill.
func (s *Store) InsertSandboxTrade(ctx context.Context, t *SandboxTrade) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sandbox_trades (order_id, trade_id, symbol, exchange, side, quantity, price)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.OrderID, t.TradeID, t.Symbol, t.Exchange, t.Side, t.Quantity, t.Price)
	if err != nil {
		return err
	}
	t.ID, err = res.LastInsertId()
	return err
}

// ListSandboxTrades returns every simulated fill, newest first.
func (s *Store) ListSandboxTrades(ctx context.Context) ([]SandboxTrade, error) {
	var out []SandboxTrade
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, order_id, trade_id, symbol, exchange, side, quantity, price, created_at
		FROM sandbox_trades ORDER BY id DESC`)
	return out, err
}

// GetSandboxPosition fetches the position for one instrument/product.
func (s *Store) GetSandboxPosition(ctx context.Context, exchange, symbol, product string) (*SandboxPosition, error) {
	var p SandboxPosition
	err := s.db.GetContext(ctx, &p, `
		SELECT id, symbol, exchange, product, quantity, average_price, ltp, pnl, updated_at
		FROM sandbox_positions WHERE exchange = ? AND symbol = ? AND product = ?`,
		exchange, symbol, product)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertSandboxPosition rewrites one position row.
func (s *Store) UpsertSandboxPosition(ctx context.Context, p *SandboxPosition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sandbox_positions (symbol, exchange, product, quantity, average_price, ltp, pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exchange, symbol, product) DO UPDATE SET
			quantity = excluded.quantity,
			average_price = excluded.average_price,
			ltp = excluded.ltp,
			pnl = excluded.pnl,
			updated_at = datetime('now')`,
		p.Symbol, p.Exchange, p.Product, p.Quantity, p.AveragePrice, p.LTP, p.PnL)
	return err
}

// ListSandboxPositions returns every simulated position row, including
// flat (zero-quantity) ones.
func (s *Store) ListSandboxPositions(ctx context.Context) ([]SandboxPosition, error) {
	var out []SandboxPosition
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, symbol, exchange, product, quantity, average_price, ltp, pnl, updated_at
		FROM sandbox_positions ORDER BY symbol`)
	return out, err
}

// ListSandboxHoldings returns every simulated holding.
func (s *Store) ListSandboxHoldings(ctx context.Context) ([]SandboxHolding, error) {
	var out []SandboxHolding
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, symbol, exchange, quantity, average_price, ltp, pnl, updated_at
		FROM sandbox_holdings ORDER BY symbol`)
	return out, err
}

// UpsertSandboxHolding rewrites one holding row.
func (s *Store) UpsertSandboxHolding(ctx context.Context, h *SandboxHolding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sandbox_holdings (symbol, exchange, quantity, average_price, ltp, pnl)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(exchange, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			average_price = excluded.average_price,
			ltp = excluded.ltp,
			pnl = excluded.pnl,
			updated_at = datetime('now')`,
		h.Symbol, h.Exchange, h.Quantity, h.AveragePrice, h.LTP, h.PnL)
	return err
}

// GetSandboxFunds reads the simulated balance.
func (s *Store) GetSandboxFunds(ctx context.Context) (*SandboxFunds, error) {
	var f SandboxFunds
	err := s.db.GetContext(ctx, &f, `
		SELECT available_cash, used_margin, total_value, updated_at
		FROM sandbox_funds WHERE id = 1`)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// UpdateSandboxFunds rewrites the simulated balance.
func (s *Store) UpdateSandboxFunds(ctx context.Context, availableCash, usedMargin, totalValue float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sandbox_funds SET available_cash = ?, used_margin = ?, total_value = ?,
			updated_at = datetime('now')
		WHERE id = 1`, availableCash, usedMargin, totalValue)
	return err
}

// UpsertDailyPnL records one day of simulated performance.
func (s *Store) UpsertDailyPnL(ctx context.Context, p *SandboxDailyPnL) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sandbox_daily_pnl (date, realized_pnl, unrealized_pnl, total_pnl, portfolio_value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			realized_pnl = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl,
			total_pnl = excluded.total_pnl,
			portfolio_value = excluded.portfolio_value`,
		p.Date, p.RealizedPnL, p.UnrealizedPnL, p.TotalPnL, p.PortfolioValue)
	return err
}

// ListDailyPnL returns the simulated performance history.
func (s *Store) ListDailyPnL(ctx context.Context, limit int) ([]SandboxDailyPnL, error) {
	if limit <= 0 || limit > 1000 {
		limit = 90
	}
	var out []SandboxDailyPnL
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, date, realized_pnl, unrealized_pnl, total_pnl, portfolio_value
		FROM sandbox_daily_pnl ORDER BY date DESC LIMIT ?`, limit)
	return out, err
}

// ResetSandbox wipes the simulated account back to its starting capital.
func (s *Store) ResetSandbox(ctx context.Context, startingCapital float64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"sandbox_orders", "sandbox_trades", "sandbox_positions", "sandbox_holdings", "sandbox_daily_pnl"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sandbox_funds SET available_cash = ?, used_margin = 0, total_value = ?,
			updated_at = datetime('now')
		WHERE id = 1`, startingCapital, startingCapital); err != nil {
		return err
	}
	return tx.Commit()
}
