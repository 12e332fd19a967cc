package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/GoAlgoDesk/algodesk/internal/broker"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/apperrors"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/logger"
	"github.com/GoAlgoDesk/algodesk/internal/scheduler"
	"github.com/GoAlgoDesk/algodesk/internal/store"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Sandbox is the simulated broker account backing analyzer mode: fills
// are immediate at the reference price and every mutation lands in the
// sandbox tables, never upstream.
type Sandbox struct {
	store           *store.Store
	startingCapital decimal.Decimal
	cron            *cron.Cron
}

func NewSandbox(st *store.Store, startingCapital float64) *Sandbox {
	return &Sandbox{
		store:           st,
		startingCapital: decimal.NewFromFloat(startingCapital),
	}
}

// StartResetSchedule arms the periodic reset in the regulatory zone.
func (sb *Sandbox) StartResetSchedule(spec string) error {
	zone, err := time.LoadLocation(scheduler.RegulatoryZone)
	if err != nil {
		return err
	}
	sb.cron = cron.New(cron.WithLocation(zone))
	if _, err := sb.cron.AddFunc(spec, func() {
		if err := sb.Reset(context.Background()); err != nil {
			logger.Error("Scheduled sandbox reset failed", "error", err)
		} else {
			logger.Info("Sandbox reset on schedule")
		}
	}); err != nil {
		return fmt.Errorf("invalid sandbox reset schedule %q: %w", spec, err)
	}
	sb.cron.Start()
	return nil
}

// StopResetSchedule cancels the periodic reset.
func (sb *Sandbox) StopResetSchedule() {
	if sb.cron != nil {
		sb.cron.Stop()
	}
}

// Reset wipes the simulated account back to its starting capital.
func (sb *Sandbox) Reset(ctx context.Context) error {
	capital, _ := sb.startingCapital.Float64()
	return sb.store.ResetSandbox(ctx, capital)
}

// PlaceOrder fills a simulated order immediately. referencePrice is the
// best price hint available (live LTP when a session exists, else the
// order's own limit price).
func (sb *Sandbox) PlaceOrder(ctx context.Context, req broker.OrderRequest, referencePrice float64) (*broker.OrderResponse, error) {
	price := decimal.NewFromFloat(referencePrice)
	if strings.EqualFold(req.OrderType, "LIMIT") || price.IsZero() {
		price = decimal.NewFromFloat(req.Price)
	}
	if price.IsZero() {
		return nil, apperrors.NewPayloadInvalid("sandbox order needs a price: no reference price available")
	}

	orderID := "SB-" + strings.ToUpper(uuid.New().String()[:8])
	fillPrice, _ := price.Float64()

	order := &store.SandboxOrder{
		OrderID:        orderID,
		Symbol:         req.Symbol,
		Exchange:       req.Exchange,
		Side:           strings.ToUpper(req.Side),
		Quantity:       req.Quantity,
		Price:          fillPrice,
		OrderType:      strings.ToUpper(orDefault(req.OrderType, "MARKET")),
		Product:        strings.ToUpper(orDefault(req.Product, "MIS")),
		Status:         "complete",
		FilledQuantity: req.Quantity,
		AveragePrice:   fillPrice,
	}
	if err := sb.store.InsertSandboxOrder(ctx, order); err != nil {
		return nil, apperrors.Wrap(err)
	}

	trade := &store.SandboxTrade{
		OrderID:  orderID,
		TradeID:  "SBT-" + strings.ToUpper(uuid.New().String()[:8]),
		Symbol:   req.Symbol,
		Exchange: req.Exchange,
		Side:     order.Side,
		Quantity: req.Quantity,
		Price:    fillPrice,
	}
	if err := sb.store.InsertSandboxTrade(ctx, trade); err != nil {
		return nil, apperrors.Wrap(err)
	}

	if err := sb.applyFill(ctx, order, price); err != nil {
		return nil, err
	}
	return &broker.OrderResponse{OrderID: orderID, Message: "simulated fill"}, nil
}

// applyFill updates position, holdings mirror, funds and daily pnl.
func (sb *Sandbox) applyFill(ctx context.Context, order *store.SandboxOrder, price decimal.Decimal) error {
	pos, err := sb.store.GetSandboxPosition(ctx, order.Exchange, order.Symbol, order.Product)
	if err != nil {
		return apperrors.Wrap(err)
	}

	q0 := decimal.Zero
	a0 := decimal.Zero
	if pos != nil {
		q0 = decimal.NewFromInt(int64(pos.Quantity))
		a0 = decimal.NewFromFloat(pos.AveragePrice)
	}

	delta := decimal.NewFromInt(int64(order.Quantity))
	if order.Side == "SELL" {
		delta = delta.Neg()
	}
	q1 := q0.Add(delta)

	realized := decimal.Zero
	var a1 decimal.Decimal
	switch {
	case q0.IsZero() || q0.Sign() == delta.Sign():
		// Opening or adding: volume-weighted average.
		a1 = a0.Mul(q0.Abs()).Add(price.Mul(delta.Abs())).Div(q1.Abs())
	case q1.Sign() == q0.Sign() || q1.IsZero():
		// Reducing toward flat: realize on the closed quantity.
		closed := delta.Abs()
		realized = price.Sub(a0).Mul(closed).Mul(decimal.NewFromInt(int64(q0.Sign())))
		if q1.IsZero() {
			a1 = decimal.Zero
		} else {
			a1 = a0
		}
	default:
		// Crossing zero: realize the whole old position, the remainder
		// opens at the fill price.
		realized = price.Sub(a0).Mul(q0.Abs()).Mul(decimal.NewFromInt(int64(q0.Sign())))
		a1 = price
	}

	avg, _ := a1.Float64()
	ltp, _ := price.Float64()
	qty := int(q1.IntPart())
	unrealized := price.Sub(a1).Mul(q1)
	pnl, _ := unrealized.Float64()

	if err := sb.store.UpsertSandboxPosition(ctx, &store.SandboxPosition{
		Symbol:       order.Symbol,
		Exchange:     order.Exchange,
		Product:      order.Product,
		Quantity:     qty,
		AveragePrice: avg,
		LTP:          ltp,
		PnL:          pnl,
	}); err != nil {
		return apperrors.Wrap(err)
	}

	// Delivery product mirrors into holdings.
	if order.Product == "CNC" {
		if err := sb.store.UpsertSandboxHolding(ctx, &store.SandboxHolding{
			Symbol:       order.Symbol,
			Exchange:     order.Exchange,
			Quantity:     qty,
			AveragePrice: avg,
			LTP:          ltp,
			PnL:          pnl,
		}); err != nil {
			return apperrors.Wrap(err)
		}
	}

	funds, err := sb.store.GetSandboxFunds(ctx)
	if err != nil {
		return apperrors.Wrap(err)
	}
	cash := decimal.NewFromFloat(funds.AvailableCash)
	cashflow := price.Mul(delta) // BUY consumes cash, SELL frees it
	cash = cash.Sub(cashflow)

	positions, err := sb.store.ListSandboxPositions(ctx)
	if err != nil {
		return apperrors.Wrap(err)
	}
	margin := decimal.Zero
	for _, p := range positions {
		margin = margin.Add(decimal.NewFromFloat(p.AveragePrice).Mul(decimal.NewFromInt(int64(p.Quantity))).Abs())
	}

	availableCash, _ := cash.Float64()
	usedMargin, _ := margin.Float64()
	totalValue, _ := cash.Add(margin).Float64()
	if err := sb.store.UpdateSandboxFunds(ctx, availableCash, usedMargin, totalValue); err != nil {
		return apperrors.Wrap(err)
	}

	realizedF, _ := realized.Float64()
	unrealizedF, _ := unrealized.Float64()
	today := time.Now().Format("2006-01-02")
	if err := sb.store.UpsertDailyPnL(ctx, &store.SandboxDailyPnL{
		Date:           today,
		RealizedPnL:    realizedF,
		UnrealizedPnL:  unrealizedF,
		TotalPnL:       realizedF + unrealizedF,
		PortfolioValue: totalValue,
	}); err != nil {
		return apperrors.Wrap(err)
	}
	return nil
}

// CancelOrder cancels a pending simulated order. Fills are immediate, so
// this normally reports the order as already complete.
func (sb *Sandbox) CancelOrder(ctx context.Context, orderID string) error {
	order, err := sb.store.GetSandboxOrder(ctx, orderID)
	if err != nil {
		return apperrors.Wrap(err)
	}
	if order == nil {
		return apperrors.New(apperrors.ErrNotFound, "order not found", nil)
	}
	if order.Status != "pending" {
		return apperrors.NewPayloadInvalid("order is not open")
	}
	if err := sb.store.UpdateSandboxOrder(ctx, orderID, "cancelled", order.FilledQuantity, order.AveragePrice); err != nil {
		return apperrors.Wrap(err)
	}
	return nil
}

// OrderBook maps simulated orders into the uniform model.
func (sb *Sandbox) OrderBook(ctx context.Context) ([]broker.Order, error) {
	rows, err := sb.store.ListSandboxOrders(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	out := make([]broker.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, broker.Order{
			OrderID:        r.OrderID,
			Symbol:         r.Symbol,
			Exchange:       r.Exchange,
			Side:           r.Side,
			Quantity:       r.Quantity,
			FilledQuantity: r.FilledQuantity,
			Price:          r.Price,
			AveragePrice:   r.AveragePrice,
			OrderType:      r.OrderType,
			Product:        r.Product,
			Status:         r.Status,
			Validity:       "DAY",
			OrderTimestamp: r.CreatedAt,
		})
	}
	return out, nil
}

// TradeBook maps simulated fills into the uniform model.
func (sb *Sandbox) TradeBook(ctx context.Context) ([]broker.Order, error) {
	rows, err := sb.store.ListSandboxTrades(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	out := make([]broker.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, broker.Order{
			OrderID:        r.OrderID,
			Symbol:         r.Symbol,
			Exchange:       r.Exchange,
			Side:           r.Side,
			Quantity:       r.Quantity,
			FilledQuantity: r.Quantity,
			AveragePrice:   r.Price,
			Status:         "complete",
			OrderTimestamp: r.CreatedAt,
		})
	}
	return out, nil
}

// Positions maps simulated positions into the uniform model.
func (sb *Sandbox) Positions(ctx context.Context) ([]broker.Position, error) {
	rows, err := sb.store.ListSandboxPositions(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	out := make([]broker.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, broker.Position{
			Symbol:        r.Symbol,
			Exchange:      r.Exchange,
			Product:       r.Product,
			Quantity:      r.Quantity,
			AveragePrice:  r.AveragePrice,
			LTP:           r.LTP,
			PnL:           r.PnL,
			UnrealizedPnL: r.PnL,
		})
	}
	return out, nil
}

// Holdings maps simulated delivery holdings into the uniform model.
func (sb *Sandbox) Holdings(ctx context.Context) ([]broker.Holding, error) {
	rows, err := sb.store.ListSandboxHoldings(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	out := make([]broker.Holding, 0, len(rows))
	for _, r := range rows {
		out = append(out, broker.Holding{
			Symbol:       r.Symbol,
			Exchange:     r.Exchange,
			Quantity:     r.Quantity,
			AveragePrice: r.AveragePrice,
			LTP:          r.LTP,
			PnL:          r.PnL,
			CurrentValue: r.LTP * float64(r.Quantity),
		})
	}
	return out, nil
}

// Funds maps the simulated balance into the uniform model.
func (sb *Sandbox) Funds(ctx context.Context) (*broker.Funds, error) {
	f, err := sb.store.GetSandboxFunds(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	return &broker.Funds{
		AvailableCash: f.AvailableCash,
		UsedMargin:    f.UsedMargin,
		TotalMargin:   f.TotalValue,
	}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
