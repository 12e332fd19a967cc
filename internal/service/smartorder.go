package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/GoAlgoDesk/algodesk/internal/broker"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/apperrors"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/logger"
)

// SmartOrderRequest expresses the desired absolute position, not a
// delta. position_size is signed through the action: BUY targets a long
// of that size, SELL a short.
type SmartOrderRequest struct {
	Symbol       string  `json:"symbol"`
	Exchange     string  `json:"exchange"`
	Action       string  `json:"action"`
	PositionSize int     `json:"position_size"`
	Product      string  `json:"product"`
	PriceType    string  `json:"pricetype"`
	Price        float64 `json:"price"`
}

// SmartOrderResult reports what the delta computation decided.
type SmartOrderResult struct {
	OrderID     string `json:"order_id,omitempty"`
	ActionTaken string `json:"action_taken"` // BUY, SELL or NONE
	Quantity    int    `json:"quantity"`
	Message     string `json:"message"`
}

// SplitOrderRequest chunks a large order.
type SplitOrderRequest struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	Action    string  `json:"action"`
	Quantity  int     `json:"quantity"`
	SplitSize int     `json:"split_size"`
	Product   string  `json:"product"`
	PriceType string  `json:"pricetype"`
	Price     float64 `json:"price"`
}

// SplitOrderResult reports per-chunk outcomes.
type SplitOrderResult struct {
	TotalQuantity int      `json:"total_quantity"`
	SplitSize     int      `json:"split_size"`
	NumOrders     int      `json:"num_orders"`
	OrderIDs      []string `json:"order_ids"`
	FailedOrders  []string `json:"failed_orders"`
}

// smartAction computes the compensating order that moves the current
// position to the target. SELL means the target is a short position.
func smartAction(currentQty, positionSize int, action string) (side string, qty int) {
	target := positionSize
	if action == "SELL" {
		target = -positionSize
	}
	switch {
	case target > currentQty:
		return "BUY", target - currentQty
	case target < currentQty:
		return "SELL", currentQty - target
	default:
		return "NONE", 0
	}
}

// PlaceSmartOrder resolves the per-product open position, computes the
// delta and issues the compensating order. strategyID tags analyzer
// audit rows for webhook-driven orders.
func (s *Services) PlaceSmartOrder(ctx context.Context, req SmartOrderRequest, strategyID *int64) (*SmartOrderResult, error) {
	action := strings.ToUpper(req.Action)
	if action != "BUY" && action != "SELL" {
		return nil, apperrors.NewPayloadInvalid("action must be BUY or SELL")
	}
	if req.PositionSize < 0 {
		return nil, apperrors.NewPayloadInvalid("position_size must not be negative")
	}
	product := strings.ToUpper(orDefault(req.Product, "MIS"))

	// The target is per (symbol, product): an MIS target never nets
	// against a CNC holding.
	currentQty, err := s.OpenPosition(ctx, req.Exchange, req.Symbol, product)
	if err != nil {
		return nil, err
	}

	side, qty := smartAction(currentQty, req.PositionSize, action)
	logger.Info("Smart order computed", "symbol", req.Symbol, "current", currentQty,
		"target", req.PositionSize, "action", action, "side", side, "qty", qty)

	if qty == 0 {
		return &SmartOrderResult{
			ActionTaken: "NONE",
			Message:     fmt.Sprintf("no action needed, current position already %d", currentQty),
		}, nil
	}

	resp, err := s.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:    req.Symbol,
		Exchange:  req.Exchange,
		Side:      side,
		Quantity:  qty,
		OrderType: strings.ToUpper(orDefault(req.PriceType, "MARKET")),
		Product:   product,
		Price:     req.Price,
		Validity:  "DAY",
	}, strategyID)
	if err != nil {
		return nil, err
	}
	return &SmartOrderResult{
		OrderID:     resp.OrderID,
		ActionTaken: side,
		Quantity:    qty,
		Message:     resp.Message,
	}, nil
}

// PlaceSplitOrder breaks quantity into split_size chunks and places them
// sequentially. Failures do not stop later chunks; the caller gets the
// full per-chunk picture.
func (s *Services) PlaceSplitOrder(ctx context.Context, req SplitOrderRequest) (*SplitOrderResult, error) {
	if req.Quantity <= 0 {
		return nil, apperrors.NewPayloadInvalid("quantity must be positive")
	}
	splitSize := req.SplitSize
	if splitSize <= 0 {
		splitSize = 100
	}
	numOrders := (req.Quantity + splitSize - 1) / splitSize

	result := &SplitOrderResult{
		TotalQuantity: req.Quantity,
		SplitSize:     splitSize,
		NumOrders:     numOrders,
	}
	remaining := req.Quantity
	for i := 0; i < numOrders; i++ {
		qty := splitSize
		if remaining < splitSize {
			qty = remaining
		}
		remaining -= qty

		resp, err := s.PlaceOrder(ctx, broker.OrderRequest{
			Symbol:    req.Symbol,
			Exchange:  req.Exchange,
			Side:      strings.ToUpper(req.Action),
			Quantity:  qty,
			OrderType: strings.ToUpper(orDefault(req.PriceType, "MARKET")),
			Product:   strings.ToUpper(orDefault(req.Product, "MIS")),
			Price:     req.Price,
			Validity:  "DAY",
		}, nil)
		if err != nil {
			result.FailedOrders = append(result.FailedOrders, fmt.Sprintf("chunk %d: %v", i+1, err))
			continue
		}
		result.OrderIDs = append(result.OrderIDs, resp.OrderID)
	}
	return result, nil
}

// PlaceBasketOrder places a list of orders, emitting batch order events
// with the last-order marker on the final leg.
func (s *Services) PlaceBasketOrder(ctx context.Context, orders []broker.OrderRequest) ([]broker.OrderResponse, []string, error) {
	if len(orders) == 0 {
		return nil, nil, apperrors.NewPayloadInvalid("basket is empty")
	}
	var out []broker.OrderResponse
	var failed []string
	for i, req := range orders {
		resp, err := s.placeOrderCore(ctx, req, nil)
		if err != nil {
			failed = append(failed, fmt.Sprintf("leg %d (%s): %v", i+1, req.Symbol, err))
			continue
		}
		s.emitOrder(req, resp.OrderID, true, i == len(orders)-1)
		out = append(out, *resp)
	}
	return out, failed, nil
}
