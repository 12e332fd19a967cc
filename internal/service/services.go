// Package service is the uniform business-logic facade over broker
// adapters. The admission gateway and the local IPC surface invoke the
// same operations; nothing below this layer knows which surface a call
// came from.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/GoAlgoDesk/algodesk/internal/broker"
	"github.com/GoAlgoDesk/algodesk/internal/custodian"
	"github.com/GoAlgoDesk/algodesk/internal/history"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/apperrors"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/logger"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/metrics"
	"github.com/GoAlgoDesk/algodesk/internal/store"
)

// Emitter pushes server events to the IPC surface.
type Emitter interface {
	Emit(event string, payload any)
}

type nopEmitter struct{}

func (nopEmitter) Emit(string, any) {}

// Services wires the facade. Timeouts bound every outbound broker call.
type Services struct {
	store     *store.Store
	history   *history.Store
	custodian *custodian.Custodian
	registry  *broker.Registry
	symbols   *SymbolIndex
	sandbox   *Sandbox
	emitter   Emitter

	rpcTimeout      time.Duration
	downloadTimeout time.Duration
}

func New(st *store.Store, hist *history.Store, cust *custodian.Custodian, registry *broker.Registry,
	symbols *SymbolIndex, sandbox *Sandbox, emitter Emitter, rpcTimeout, downloadTimeout time.Duration) *Services {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	if rpcTimeout <= 0 {
		rpcTimeout = 15 * time.Second
	}
	if downloadTimeout <= 0 {
		downloadTimeout = 30 * time.Second
	}
	return &Services{
		store:           st,
		history:         hist,
		custodian:       cust,
		registry:        registry,
		symbols:         symbols,
		sandbox:         sandbox,
		emitter:         emitter,
		rpcTimeout:      rpcTimeout,
		downloadTimeout: downloadTimeout,
	}
}

// Sandbox exposes the simulated account engine.
func (s *Services) Sandbox() *Sandbox { return s.sandbox }

// Symbols exposes the in-memory master index.
func (s *Services) Symbols() *SymbolIndex { return s.symbols }

// Custodian exposes the session custodian for the surfaces.
func (s *Services) Custodian() *custodian.Custodian { return s.custodian }

// Registry exposes the adapter set.
func (s *Services) Registry() *broker.Registry { return s.registry }

// adapterSession resolves the active broker and its decrypted session.
func (s *Services) adapterSession(ctx context.Context) (broker.Adapter, *custodian.Session, error) {
	session, err := s.custodian.LoadActiveSession(ctx)
	if err != nil {
		return nil, nil, err
	}
	if session == nil {
		return nil, nil, apperrors.New(apperrors.ErrNoActiveBroker, "no active broker session", nil)
	}
	adapter, ok := s.registry.Get(session.BrokerID)
	if !ok {
		return nil, nil, apperrors.New(apperrors.ErrNoActiveBroker, "active broker has no adapter: "+session.BrokerID, nil)
	}
	return adapter, session, nil
}

func (s *Services) analyzeMode(ctx context.Context) bool {
	on, err := s.store.GetAnalyzeMode(ctx)
	if err != nil {
		logger.Error("Failed to read analyze mode", "error", err)
		return false
	}
	return on
}

func (s *Services) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.rpcTimeout)
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || apperrors.Is(err, apperrors.ErrTimeout)
}

// readWithRetry runs an idempotent read once, retrying a single time
// with jitter on timeout. Writes never come through here: they are
// at-most-once at this layer and the operator re-issues.
func readWithRetry[T any](ctx context.Context, s *Services, fn func(ctx context.Context) (T, error)) (T, error) {
	callCtx, cancel := s.rpcContext(ctx)
	out, err := fn(callCtx)
	cancel()
	if err == nil || !isTimeout(err) {
		return out, normalizeErr(err)
	}

	jitter := time.Duration(50+rand.Intn(150)) * time.Millisecond
	select {
	case <-ctx.Done():
		return out, apperrors.New(apperrors.ErrTimeout, "broker call timed out", ctx.Err())
	case <-time.After(jitter):
	}

	callCtx, cancel = s.rpcContext(ctx)
	defer cancel()
	out, err = fn(callCtx)
	return out, normalizeErr(err)
}

func normalizeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.New(apperrors.ErrTimeout, "broker call timed out", err)
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperrors.NewUpstream(err.Error(), err)
}

// OrderEvent is the order_event payload pushed to the UI.
type OrderEvent struct {
	Symbol      string `json:"symbol"`
	Action      string `json:"action"`
	OrderID     string `json:"order_id"`
	BatchOrder  bool   `json:"batch_order,omitempty"`
	IsLastOrder bool   `json:"is_last_order,omitempty"`
}

// BrokerLogin authenticates against a broker, persists the encrypted
// session and marks the broker active. Stored API credentials fill any
// blanks in the supplied ones (OAuth flows arrive with only a code).
func (s *Services) BrokerLogin(ctx context.Context, brokerID string, creds broker.Credentials) (*broker.AuthResult, error) {
	adapter, ok := s.registry.Get(brokerID)
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound, "unknown broker: "+brokerID, nil)
	}

	if stored, err := s.custodian.LoadCredential(ctx, brokerID); err == nil && stored != nil {
		if creds.APIKey == "" {
			creds.APIKey = stored.APIKey
		}
		if creds.APISecret == "" && stored.APISecret != nil {
			creds.APISecret = *stored.APISecret
		}
		if creds.ClientID == "" && stored.ClientID != nil {
			creds.ClientID = *stored.ClientID
		}
	}

	callCtx, cancel := s.rpcContext(ctx)
	defer cancel()
	result, err := adapter.Authenticate(callCtx, creds)
	if err != nil {
		return nil, normalizeErr(err)
	}

	var feedToken *string
	if result.FeedToken != "" {
		feedToken = &result.FeedToken
	}
	if err := s.custodian.SaveSession(ctx, brokerID, result.AuthToken, feedToken, nil); err != nil {
		return nil, err
	}
	return result, nil
}

// BrokerLogout revokes locally, then best-effort upstream.
func (s *Services) BrokerLogout(ctx context.Context) error {
	revoked, err := s.custodian.Revoke(ctx)
	if err != nil {
		return err
	}
	if revoked != nil {
		s.InvalidateUpstream(ctx, revoked.BrokerID, revoked.AuthToken)
	}
	return nil
}

// InvalidateUpstream asks the broker to kill a token. Best-effort with a
// bounded deadline and no retry; the local row is already gone.
func (s *Services) InvalidateUpstream(ctx context.Context, brokerID, authToken string) {
	adapter, ok := s.registry.Get(brokerID)
	if !ok {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := adapter.Logout(callCtx, authToken); err != nil {
		logger.Warn("Upstream token invalidation failed", "broker", brokerID, "error", err)
	}
}

// PlaceOrder routes to the sandbox in analyzer mode, otherwise to the
// live adapter. strategyID tags the analyzer audit row when the order
// came through a webhook.
func (s *Services) PlaceOrder(ctx context.Context, req broker.OrderRequest, strategyID *int64) (*broker.OrderResponse, error) {
	resp, err := s.placeOrderCore(ctx, req, strategyID)
	if err != nil {
		return nil, err
	}
	s.emitOrder(req, resp.OrderID, false, false)
	return resp, nil
}

func (s *Services) placeOrderCore(ctx context.Context, req broker.OrderRequest, strategyID *int64) (*broker.OrderResponse, error) {
	req.Side = strings.ToUpper(req.Side)
	if req.Side != "BUY" && req.Side != "SELL" {
		return nil, apperrors.NewPayloadInvalid("action must be BUY or SELL")
	}
	if req.Quantity <= 0 {
		return nil, apperrors.NewPayloadInvalid("quantity must be positive")
	}

	if s.analyzeMode(ctx) {
		return s.placeSandboxOrder(ctx, req, strategyID, "placeorder")
	}

	adapter, session, err := s.adapterSession(ctx)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := s.rpcContext(ctx)
	defer cancel()
	resp, err := adapter.PlaceOrder(callCtx, session.AuthToken, req)
	if err != nil {
		return nil, normalizeErr(err)
	}
	metrics.OrdersTotal.WithLabelValues("live", req.Side).Inc()
	return resp, nil
}

func (s *Services) placeSandboxOrder(ctx context.Context, req broker.OrderRequest, strategyID *int64, operation string) (*broker.OrderResponse, error) {
	ltp := s.referencePrice(ctx, req.Exchange, req.Symbol)
	resp, err := s.sandbox.PlaceOrder(ctx, req, ltp)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(req)
	if err := s.store.LogAnalyzer(ctx, &store.AnalyzerLog{
		StrategyID:     strategyID,
		Operation:      operation,
		RequestPayload: string(payload),
		Decision:       "simulated: " + resp.OrderID,
	}); err != nil {
		logger.Error("Failed to write analyzer log", "error", err)
	}
	metrics.OrdersTotal.WithLabelValues("analyze", req.Side).Inc()
	return resp, nil
}

// referencePrice fetches a live LTP when a session exists; the sandbox
// falls back to the order's own price otherwise.
func (s *Services) referencePrice(ctx context.Context, exchange, symbol string) float64 {
	adapter, session, err := s.adapterSession(ctx)
	if err != nil {
		return 0
	}
	callCtx, cancel := s.rpcContext(ctx)
	defer cancel()
	quotes, err := adapter.GetQuotes(callCtx, session.AuthToken, []broker.SymbolRef{{Exchange: exchange, Symbol: symbol}})
	if err != nil || len(quotes) == 0 {
		return 0
	}
	return quotes[0].LTP
}

func (s *Services) emitOrder(req broker.OrderRequest, orderID string, batch, last bool) {
	s.emitter.Emit("order_event", OrderEvent{
		Symbol:      req.Symbol,
		Action:      req.Side,
		OrderID:     orderID,
		BatchOrder:  batch,
		IsLastOrder: last,
	})
}

// ModifyOrder rewrites an open order. Not simulated: the sandbox fills
// immediately, so analyzer mode rejects it.
func (s *Services) ModifyOrder(ctx context.Context, orderID string, req broker.ModifyOrderRequest) (*broker.OrderResponse, error) {
	if orderID == "" {
		return nil, apperrors.NewPayloadInvalid("order id is required")
	}
	if s.analyzeMode(ctx) {
		return nil, apperrors.NewPayloadInvalid("analyzer mode fills immediately; nothing to modify")
	}
	adapter, session, err := s.adapterSession(ctx)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := s.rpcContext(ctx)
	defer cancel()
	resp, err := adapter.ModifyOrder(callCtx, session.AuthToken, orderID, req)
	return resp, normalizeErr(err)
}

// CancelOrder cancels one order.
func (s *Services) CancelOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return apperrors.NewPayloadInvalid("order id is required")
	}
	if s.analyzeMode(ctx) {
		return s.sandbox.CancelOrder(ctx, orderID)
	}
	adapter, session, err := s.adapterSession(ctx)
	if err != nil {
		return err
	}
	callCtx, cancel := s.rpcContext(ctx)
	defer cancel()
	return normalizeErr(adapter.CancelOrder(callCtx, session.AuthToken, orderID))
}

// CancelAllOrders cancels every open order, reporting per-order results.
func (s *Services) CancelAllOrders(ctx context.Context) (cancelled []string, failed []string, err error) {
	orders, err := s.OrderBook(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, o := range orders {
		status := strings.ToLower(o.Status)
		if status != "open" && status != "pending" && status != "trigger pending" {
			continue
		}
		if err := s.CancelOrder(ctx, o.OrderID); err != nil {
			failed = append(failed, o.OrderID)
		} else {
			cancelled = append(cancelled, o.OrderID)
		}
	}
	return cancelled, failed, nil
}

// ClosePosition flattens one position (or all when symbol is empty) with
// compensating market orders.
func (s *Services) ClosePosition(ctx context.Context, exchange, symbol, product string) ([]broker.OrderResponse, error) {
	positions, err := s.Positions(ctx)
	if err != nil {
		return nil, err
	}
	var out []broker.OrderResponse
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		if symbol != "" && (p.Symbol != symbol || p.Exchange != exchange) {
			continue
		}
		if product != "" && p.Product != product {
			continue
		}
		side := "SELL"
		qty := p.Quantity
		if qty < 0 {
			side = "BUY"
			qty = -qty
		}
		resp, err := s.PlaceOrder(ctx, broker.OrderRequest{
			Symbol:    p.Symbol,
			Exchange:  p.Exchange,
			Side:      side,
			Quantity:  qty,
			OrderType: "MARKET",
			Product:   p.Product,
			Validity:  "DAY",
		}, nil)
		if err != nil {
			return out, err
		}
		out = append(out, *resp)
	}
	return out, nil
}

// OrderBook returns live or simulated orders per mode.
func (s *Services) OrderBook(ctx context.Context) ([]broker.Order, error) {
	if s.analyzeMode(ctx) {
		return s.sandbox.OrderBook(ctx)
	}
	adapter, session, err := s.adapterSession(ctx)
	if err != nil {
		return nil, err
	}
	return readWithRetry(ctx, s, func(ctx context.Context) ([]broker.Order, error) {
		return adapter.GetOrderBook(ctx, session.AuthToken)
	})
}

// TradeBook returns live or simulated fills per mode.
func (s *Services) TradeBook(ctx context.Context) ([]broker.Order, error) {
	if s.analyzeMode(ctx) {
		return s.sandbox.TradeBook(ctx)
	}
	adapter, session, err := s.adapterSession(ctx)
	if err != nil {
		return nil, err
	}
	return readWithRetry(ctx, s, func(ctx context.Context) ([]broker.Order, error) {
		return adapter.GetTradeBook(ctx, session.AuthToken)
	})
}

// Positions returns live or simulated positions per mode.
func (s *Services) Positions(ctx context.Context) ([]broker.Position, error) {
	if s.analyzeMode(ctx) {
		return s.sandbox.Positions(ctx)
	}
	adapter, session, err := s.adapterSession(ctx)
	if err != nil {
		return nil, err
	}
	return readWithRetry(ctx, s, func(ctx context.Context) ([]broker.Position, error) {
		return adapter.GetPositions(ctx, session.AuthToken)
	})
}

// OpenPosition reports the signed net quantity for one instrument and
// product.
func (s *Services) OpenPosition(ctx context.Context, exchange, symbol, product string) (int, error) {
	positions, err := s.Positions(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.Exchange == exchange && p.Symbol == symbol && p.Product == product {
			return p.Quantity, nil
		}
	}
	return 0, nil
}

// Holdings returns live or simulated holdings per mode.
func (s *Services) Holdings(ctx context.Context) ([]broker.Holding, error) {
	if s.analyzeMode(ctx) {
		return s.sandbox.Holdings(ctx)
	}
	adapter, session, err := s.adapterSession(ctx)
	if err != nil {
		return nil, err
	}
	return readWithRetry(ctx, s, func(ctx context.Context) ([]broker.Holding, error) {
		return adapter.GetHoldings(ctx, session.AuthToken)
	})
}

// Funds returns the live or simulated margin summary per mode.
func (s *Services) Funds(ctx context.Context) (*broker.Funds, error) {
	if s.analyzeMode(ctx) {
		return s.sandbox.Funds(ctx)
	}
	adapter, session, err := s.adapterSession(ctx)
	if err != nil {
		return nil, err
	}
	return readWithRetry(ctx, s, func(ctx context.Context) (*broker.Funds, error) {
		return adapter.GetFunds(ctx, session.AuthToken)
	})
}

// Margin estimates the margin required for an order from the live funds
// snapshot and the order value.
func (s *Services) Margin(ctx context.Context, req broker.OrderRequest) (map[string]float64, error) {
	funds, err := s.Funds(ctx)
	if err != nil {
		return nil, err
	}
	price := req.Price
	if price == 0 {
		price = s.referencePrice(ctx, req.Exchange, req.Symbol)
	}
	required := price * float64(req.Quantity)
	return map[string]float64{
		"required_margin": required,
		"available_cash":  funds.AvailableCash,
		"shortfall":       max(0, required-funds.AvailableCash),
	}, nil
}

// Quotes fetches snapshot quotes for a batch of symbols.
func (s *Services) Quotes(ctx context.Context, symbols []broker.SymbolRef) ([]broker.Quote, error) {
	if len(symbols) == 0 {
		return nil, apperrors.NewPayloadInvalid("at least one symbol is required")
	}
	adapter, session, err := s.adapterSession(ctx)
	if err != nil {
		return nil, err
	}
	return readWithRetry(ctx, s, func(ctx context.Context) ([]broker.Quote, error) {
		return adapter.GetQuotes(ctx, session.AuthToken, symbols)
	})
}

// Depth fetches the five-level book for one symbol.
func (s *Services) Depth(ctx context.Context, exchange, symbol string) (*broker.MarketDepth, error) {
	adapter, session, err := s.adapterSession(ctx)
	if err != nil {
		return nil, err
	}
	return readWithRetry(ctx, s, func(ctx context.Context) (*broker.MarketDepth, error) {
		return adapter.GetMarketDepth(ctx, session.AuthToken, exchange, symbol)
	})
}

// RefreshSymbolMaster downloads the master contract, replaces the
// persisted set and swaps the in-memory index.
func (s *Services) RefreshSymbolMaster(ctx context.Context) (int, error) {
	adapter, session, err := s.adapterSession(ctx)
	if err != nil {
		return 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.downloadTimeout)
	defer cancel()
	data, err := adapter.DownloadMasterContract(callCtx, session.AuthToken)
	if err != nil {
		return 0, normalizeErr(err)
	}

	records := make([]store.SymbolRecord, 0, len(data))
	for _, d := range data {
		records = append(records, store.SymbolRecord{
			Symbol:         d.Symbol,
			Token:          d.Token,
			Exchange:       d.Exchange,
			Name:           d.Name,
			LotSize:        d.LotSize,
			TickSize:       d.TickSize,
			InstrumentType: d.InstrumentType,
			Expiry:         d.Expiry,
			Strike:         d.Strike,
			OptionType:     d.OptionType,
		})
	}
	if err := s.store.ReplaceSymbols(ctx, records); err != nil {
		return 0, apperrors.Wrap(err)
	}
	if err := s.symbols.Build(ctx, s.store); err != nil {
		return 0, apperrors.Wrap(err)
	}
	return len(records), nil
}

// SearchSymbols queries the persisted master.
func (s *Services) SearchSymbols(ctx context.Context, query, exchange string, limit int) ([]store.SymbolRecord, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperrors.NewPayloadInvalid("search query is required")
	}
	out, err := s.store.SearchSymbols(ctx, query, exchange, limit)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	return out, nil
}

// Symbol resolves one instrument from the in-memory index.
func (s *Services) Symbol(ctx context.Context, exchange, symbol string) (*store.SymbolRecord, error) {
	if r, ok := s.symbols.Lookup(exchange, symbol); ok {
		return &r, nil
	}
	// The index can lag a fresh install; fall through to the store.
	r, err := s.store.GetSymbol(ctx, exchange, symbol)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	if r == nil {
		return nil, apperrors.New(apperrors.ErrNotFound, "unknown symbol", nil)
	}
	return r, nil
}

// Intervals lists the timeframes the history surface accepts.
func (s *Services) Intervals(ctx context.Context) []string {
	return []string{"1m", "3m", "5m", "10m", "15m", "30m", "1h", "1d"}
}

// Expiry lists option expiries for an underlying.
func (s *Services) Expiry(ctx context.Context, exchange, underlying string) ([]string, error) {
	out, err := s.store.ListExpiries(ctx, exchange, underlying)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	return out, nil
}

// History queries the analytical store.
func (s *Services) History(ctx context.Context, symbol, exchange, timeframe, from, to string) ([]history.Bar, error) {
	bars, err := s.history.Query(ctx, symbol, exchange, timeframe, from, to)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	return bars, nil
}

// IngestHistory upserts bars into the analytical store.
func (s *Services) IngestHistory(ctx context.Context, symbol, exchange, timeframe string, bars []history.Bar) (int, error) {
	n, err := s.history.Insert(ctx, symbol, exchange, timeframe, bars)
	if err != nil {
		return n, apperrors.Wrap(err)
	}
	return n, nil
}

// AnalyzerStatus reports the operating mode and audit volume.
func (s *Services) AnalyzerStatus(ctx context.Context) (map[string]any, error) {
	on, err := s.store.GetAnalyzeMode(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	total, err := s.store.CountAnalyzerLogs(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	mode := "live"
	if on {
		mode = "analyze"
	}
	return map[string]any{"analyze_mode": on, "mode": mode, "total_logs": total}, nil
}

// ToggleAnalyzer switches between live and analyze modes.
func (s *Services) ToggleAnalyzer(ctx context.Context, enable bool) (map[string]any, error) {
	if err := s.store.SetAnalyzeMode(ctx, enable); err != nil {
		return nil, apperrors.Wrap(err)
	}
	logger.Info("Analyzer mode toggled", "enabled", enable)
	return s.AnalyzerStatus(ctx)
}

// OrderStatus looks one order up in the order book.
func (s *Services) OrderStatus(ctx context.Context, orderID string) (*broker.Order, error) {
	orders, err := s.OrderBook(ctx)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].OrderID == orderID {
			return &orders[i], nil
		}
	}
	return nil, apperrors.New(apperrors.ErrNotFound, "order not found", nil)
}
