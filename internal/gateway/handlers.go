package gateway

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/GoAlgoDesk/algodesk/internal/broker"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/apperrors"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/logger"
	"github.com/GoAlgoDesk/algodesk/internal/scheduler"
	"github.com/GoAlgoDesk/algodesk/internal/service"
	"github.com/GoAlgoDesk/algodesk/internal/store"
	"github.com/gin-gonic/gin"
)

func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err)
	}
	c.Error(appErr)
	c.JSON(appErr.HTTPStatus, APIResponse{
		Status:  "error",
		Code:    string(appErr.Type),
		Message: appErr.Message,
	})
}

// bindBody binds JSON and counts a malformed body as an admission
// strike.
func (g *Gateway) bindBody(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		g.strike(c, strikeBadPayload)
		respondError(c, apperrors.NewPayloadInvalid("malformed request body: "+err.Error()))
		return false
	}
	return true
}

func (g *Gateway) mode(c *gin.Context) string {
	status, err := g.services.AnalyzerStatus(c.Request.Context())
	if err != nil {
		return "live"
	}
	return status["mode"].(string)
}

// handleNotFound responds 404 and tracks the miss; unknown webhook
// paths count toward ban escalation.
func (g *Gateway) handleNotFound(c *gin.Context) {
	path := c.Request.URL.Path
	if err := g.store.Track404(c.Request.Context(), c.ClientIP(), path); err != nil {
		logger.Error("Failed to track 404", "error", err)
	}
	if strings.Contains(path, "/webhook/") {
		g.strike(c, strikeSuspicious404)
	}
	c.JSON(http.StatusNotFound, APIResponse{
		Status: "error", Code: string(apperrors.ErrNotFound), Message: "not found",
	})
}

// handleOAuthCallback captures the broker redirect and hands the code
// to the UI, which completes login through the broker_login command.
func (g *Gateway) handleOAuthCallback(c *gin.Context) {
	brokerID := c.Param("broker")
	if _, ok := g.services.Registry().Get(brokerID); !ok {
		g.handleNotFound(c)
		return
	}
	code := c.Query("code")
	if code == "" {
		// Some brokers use request_token instead.
		code = c.Query("request_token")
	}
	state := c.Query("state")

	g.emitter.Emit("oauth_callback", map[string]string{
		"broker_id": brokerID,
		"code":      code,
		"state":     state,
	})
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, "<html><body><h3>Login received.</h3><p>Return to AlgoDesk to continue.</p></body></html>")
}

// handleWebhook is the dynamic strategy entry point. The path parameter
// resolves a Strategy; the payload may be TradingView- or
// Chartink-shaped.
func (g *Gateway) handleWebhook(c *gin.Context) {
	webhookID := c.Param("webhook_id")
	ctx := c.Request.Context()

	strategy, err := g.store.GetStrategyByWebhookID(ctx, webhookID)
	if err != nil {
		respondError(c, apperrors.Wrap(err))
		return
	}
	if strategy == nil {
		logger.Warn("Webhook for unknown strategy", "webhook_id", webhookID, "ip", c.ClientIP())
		if err := g.store.Track404(ctx, c.ClientIP(), c.Request.URL.Path); err != nil {
			logger.Error("Failed to track 404", "error", err)
		}
		g.strike(c, strikeSuspicious404)
		c.JSON(http.StatusNotFound, APIResponse{
			Status: "error", Code: string(apperrors.ErrNotFound), Message: "strategy not found",
		})
		return
	}

	raw, _ := io.ReadAll(c.Request.Body)
	c.Request.Body = io.NopCloser(bytes.NewBuffer(raw))

	if !verifyWebhookSignature(c, g.webhookSecret, raw) {
		g.strike(c, strikeInvalidKey)
		respondError(c, apperrors.New(apperrors.ErrNotAuthenticated, "invalid webhook signature", nil))
		return
	}

	var payload webhookPayload
	if !g.bindBody(c, &payload) {
		return
	}

	// Webhook deliveries authenticate like the REST surface.
	if payload.APIKey == "" {
		g.strike(c, strikeBadPayload)
		respondError(c, apperrors.NewPayloadInvalid("webhook payload must carry an apikey"))
		return
	}
	if _, err := g.store.ValidateAPIKey(ctx, payload.APIKey, g.cipher); err != nil {
		if terr := g.store.TrackInvalidAPIKey(ctx, c.ClientIP()); terr != nil {
			logger.Error("Failed to track invalid key attempt", "error", terr)
		}
		g.strike(c, strikeInvalidKey)
		respondError(c, apperrors.New(apperrors.ErrNotAuthenticated, "invalid API key", nil))
		return
	}

	if !strategy.Enabled {
		respondError(c, apperrors.NewPayloadInvalid("strategy is disabled"))
		return
	}
	if !withinTradingWindow(strategy, time.Now()) {
		respondError(c, apperrors.NewPayloadInvalid("outside the strategy's trading window"))
		return
	}

	action := payload.action()
	if action != "BUY" && action != "SELL" {
		g.strike(c, strikeBadPayload)
		respondError(c, apperrors.NewPayloadInvalid("payload carries no BUY/SELL action"))
		return
	}

	symbols := payload.symbols()
	if len(symbols) == 0 {
		symbols = []string{strategy.Symbol}
	}

	g.emitter.Emit("webhook_alert", map[string]any{
		"strategy_id":   strategy.ID,
		"strategy_name": strategy.Name,
		"webhook_id":    webhookID,
		"action":        action,
		"symbols":       symbols,
	})

	var orderIDs []string
	var legErrors []string
	for _, symbol := range symbols {
		exchange := strategy.Exchange
		product := strategy.Product
		quantity := strategy.Quantity

		// Per-leg overrides for mapped multi-symbol strategies.
		if symbol != strategy.Symbol {
			mapping, err := g.store.GetSymbolMapping(ctx, strategy.ID, symbol)
			if err != nil {
				respondError(c, apperrors.Wrap(err))
				return
			}
			if mapping == nil {
				legErrors = append(legErrors, "symbol not mapped in strategy: "+symbol)
				continue
			}
			exchange = mapping.Exchange
			product = mapping.Product
			quantity = mapping.Quantity
		}
		if payload.Quantity != nil && *payload.Quantity > 0 {
			quantity = int(*payload.Quantity)
		}

		if payload.PositionSize != nil {
			// position_size makes this a smart order: the value is the
			// desired absolute position.
			result, err := g.services.PlaceSmartOrder(ctx, service.SmartOrderRequest{
				Symbol:       symbol,
				Exchange:     exchange,
				Action:       action,
				PositionSize: int(*payload.PositionSize),
				Product:      product,
				PriceType:    payload.PriceType,
				Price:        payload.Price,
			}, &strategy.ID)
			if err != nil {
				legErrors = append(legErrors, symbol+": "+err.Error())
				continue
			}
			if result.OrderID != "" {
				orderIDs = append(orderIDs, result.OrderID)
			}
			continue
		}

		resp, err := g.services.PlaceOrder(ctx, broker.OrderRequest{
			Symbol:    symbol,
			Exchange:  exchange,
			Side:      action,
			Quantity:  quantity,
			OrderType: strings.ToUpper(defaultStr(payload.PriceType, "MARKET")),
			Product:   product,
			Price:     payload.Price,
			Validity:  "DAY",
		}, &strategy.ID)
		if err != nil {
			legErrors = append(legErrors, symbol+": "+err.Error())
			continue
		}
		orderIDs = append(orderIDs, resp.OrderID)
	}

	if len(orderIDs) == 0 && len(legErrors) > 0 {
		respondError(c, apperrors.NewPayloadInvalid(strings.Join(legErrors, "; ")))
		return
	}
	c.JSON(http.StatusOK, APIResponse{
		Status: "success",
		Mode:   g.mode(c),
		Data:   map[string]any{"order_ids": orderIDs, "errors": legErrors},
	})
}

// withinTradingWindow checks the optional HH:MM window in the
// regulatory zone.
func withinTradingWindow(s *store.Strategy, now time.Time) bool {
	if s.WindowStart == nil || s.WindowEnd == nil {
		return true
	}
	zone, err := time.LoadLocation(scheduler.RegulatoryZone)
	if err != nil {
		return true
	}
	local := now.In(zone)
	current := local.Format("15:04")
	return current >= *s.WindowStart && current <= *s.WindowEnd
}

// ---- REST command set ----

func (g *Gateway) handlePlaceOrder(c *gin.Context) {
	var body placeOrderBody
	if !g.bindBody(c, &body) {
		return
	}
	resp, err := g.services.PlaceOrder(c.Request.Context(), body.toOrderRequest(), nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, successOrder(resp.OrderID, g.mode(c)))
}

func (g *Gateway) handlePlaceSmartOrder(c *gin.Context) {
	var body smartOrderBody
	if !g.bindBody(c, &body) {
		return
	}
	result, err := g.services.PlaceSmartOrder(c.Request.Context(), service.SmartOrderRequest{
		Symbol:       body.Symbol,
		Exchange:     body.Exchange,
		Action:       body.Action,
		PositionSize: int(body.PositionSize),
		Product:      body.Product,
		PriceType:    body.PriceType,
		Price:        body.Price,
	}, nil)
	if err != nil {
		respondError(c, err)
		return
	}
	out := APIResponse{Status: "success", OrderID: result.OrderID, Mode: g.mode(c), Data: result}
	c.JSON(http.StatusOK, out)
}

func (g *Gateway) handleModifyOrder(c *gin.Context) {
	var body modifyOrderBody
	if !g.bindBody(c, &body) {
		return
	}
	resp, err := g.services.ModifyOrder(c.Request.Context(), body.OrderID, broker.ModifyOrderRequest{
		Quantity:     body.Quantity,
		Price:        body.Price,
		OrderType:    body.PriceType,
		TriggerPrice: body.TriggerPrice,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, successOrder(resp.OrderID, g.mode(c)))
}

func (g *Gateway) handleCancelOrder(c *gin.Context) {
	var body orderIDBody
	if !g.bindBody(c, &body) {
		return
	}
	if err := g.services.CancelOrder(c.Request.Context(), body.OrderID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, successOrder(body.OrderID, g.mode(c)))
}

func (g *Gateway) handleCancelAllOrders(c *gin.Context) {
	var body apiKeyed
	if !g.bindBody(c, &body) {
		return
	}
	cancelled, failed, err := g.services.CancelAllOrders(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(map[string]any{"cancelled": cancelled, "failed": failed}))
}

func (g *Gateway) handleClosePosition(c *gin.Context) {
	var body positionBody
	if !g.bindBody(c, &body) {
		return
	}
	resps, err := g.services.ClosePosition(c.Request.Context(), body.Exchange, body.Symbol, body.Product)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(resps))
}

func (g *Gateway) handleOpenPosition(c *gin.Context) {
	var body positionBody
	if !g.bindBody(c, &body) {
		return
	}
	qty, err := g.services.OpenPosition(c.Request.Context(), body.Exchange, body.Symbol, body.Product)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(map[string]int{"quantity": qty}))
}

func (g *Gateway) handleOrderStatus(c *gin.Context) {
	var body orderIDBody
	if !g.bindBody(c, &body) {
		return
	}
	order, err := g.services.OrderStatus(c.Request.Context(), body.OrderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(order))
}

func (g *Gateway) handleBasketOrder(c *gin.Context) {
	var body basketBody
	if !g.bindBody(c, &body) {
		return
	}
	orders := make([]broker.OrderRequest, 0, len(body.Orders))
	for _, o := range body.Orders {
		orders = append(orders, o.toOrderRequest())
	}
	placed, failed, err := g.services.PlaceBasketOrder(c.Request.Context(), orders)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(map[string]any{"placed": placed, "failed": failed}))
}

func (g *Gateway) handleSplitOrder(c *gin.Context) {
	var body splitBody
	if !g.bindBody(c, &body) {
		return
	}
	result, err := g.services.PlaceSplitOrder(c.Request.Context(), service.SplitOrderRequest{
		Symbol:    body.Symbol,
		Exchange:  body.Exchange,
		Action:    body.Action,
		Quantity:  int(body.Quantity),
		SplitSize: int(body.SplitSize),
		Product:   body.Product,
		PriceType: body.PriceType,
		Price:     body.Price,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(result))
}

func (g *Gateway) handleOrderBook(c *gin.Context) {
	var body apiKeyed
	if !g.bindBody(c, &body) {
		return
	}
	orders, err := g.services.OrderBook(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(orders))
}

func (g *Gateway) handleTradeBook(c *gin.Context) {
	var body apiKeyed
	if !g.bindBody(c, &body) {
		return
	}
	trades, err := g.services.TradeBook(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(trades))
}

func (g *Gateway) handlePositionBook(c *gin.Context) {
	var body apiKeyed
	if !g.bindBody(c, &body) {
		return
	}
	positions, err := g.services.Positions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(positions))
}

func (g *Gateway) handleHoldings(c *gin.Context) {
	var body apiKeyed
	if !g.bindBody(c, &body) {
		return
	}
	holdings, err := g.services.Holdings(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(holdings))
}

func (g *Gateway) handleFunds(c *gin.Context) {
	var body apiKeyed
	if !g.bindBody(c, &body) {
		return
	}
	funds, err := g.services.Funds(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(funds))
}

func (g *Gateway) handleMargin(c *gin.Context) {
	var body placeOrderBody
	if !g.bindBody(c, &body) {
		return
	}
	out, err := g.services.Margin(c.Request.Context(), body.toOrderRequest())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(out))
}

func (g *Gateway) handleQuotes(c *gin.Context) {
	var body quotesBody
	if !g.bindBody(c, &body) {
		return
	}
	symbols := body.Symbols
	if len(symbols) == 0 && body.Symbol != "" {
		symbols = []broker.SymbolRef{{Exchange: body.Exchange, Symbol: body.Symbol}}
	}
	quotes, err := g.services.Quotes(c.Request.Context(), symbols)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(quotes))
}

func (g *Gateway) handleDepth(c *gin.Context) {
	var body quotesBody
	if !g.bindBody(c, &body) {
		return
	}
	depth, err := g.services.Depth(c.Request.Context(), body.Exchange, body.Symbol)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(depth))
}

func (g *Gateway) handleHistory(c *gin.Context) {
	var body historyBody
	if !g.bindBody(c, &body) {
		return
	}
	bars, err := g.services.History(c.Request.Context(), body.Symbol, body.Exchange, body.Interval, body.StartDate, body.EndDate)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(bars))
}

func (g *Gateway) handleSearch(c *gin.Context) {
	var body searchBody
	if !g.bindBody(c, &body) {
		return
	}
	records, err := g.services.SearchSymbols(c.Request.Context(), body.Query, body.Exchange, body.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(records))
}

func (g *Gateway) handleSymbol(c *gin.Context) {
	var body quotesBody
	if !g.bindBody(c, &body) {
		return
	}
	record, err := g.services.Symbol(c.Request.Context(), body.Exchange, body.Symbol)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(record))
}

func (g *Gateway) handleIntervals(c *gin.Context) {
	var body apiKeyed
	if !g.bindBody(c, &body) {
		return
	}
	c.JSON(http.StatusOK, success(g.services.Intervals(c.Request.Context())))
}

func (g *Gateway) handleExpiry(c *gin.Context) {
	var body expiryBody
	if !g.bindBody(c, &body) {
		return
	}
	expiries, err := g.services.Expiry(c.Request.Context(), body.Exchange, body.Underlying)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(expiries))
}

func (g *Gateway) handleInstruments(c *gin.Context) {
	var body apiKeyed
	if !g.bindBody(c, &body) {
		return
	}
	n, err := g.services.RefreshSymbolMaster(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(map[string]int{"instruments": n}))
}

func (g *Gateway) handleSyntheticFuture(c *gin.Context) {
	var body optionChainBody
	if !g.bindBody(c, &body) {
		return
	}
	out, err := g.services.SyntheticFuture(c.Request.Context(), body.Exchange, body.Underlying, body.Expiry)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(out))
}

func (g *Gateway) handleOptionChain(c *gin.Context) {
	var body optionChainBody
	if !g.bindBody(c, &body) {
		return
	}
	chain, err := g.services.OptionChain(c.Request.Context(), body.Exchange, body.Underlying, body.Expiry, body.Width)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(chain))
}

func (g *Gateway) handleOptionGreeks(c *gin.Context) {
	var body greeksBody
	if !g.bindBody(c, &body) {
		return
	}
	greeks, err := g.services.OptionGreeks(c.Request.Context(), optionLeg(body.optionsLegBody),
		body.Spot, body.Rate, body.Volatility, body.TimeYears)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(greeks))
}

func (g *Gateway) handleOptionSymbol(c *gin.Context) {
	var body optionsOrderBody
	if !g.bindBody(c, &body) {
		return
	}
	record, err := g.services.OptionSymbol(c.Request.Context(), optionLeg(body.optionsLegBody))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(record))
}

func (g *Gateway) handleOptionsOrder(c *gin.Context) {
	var body optionsOrderBody
	if !g.bindBody(c, &body) {
		return
	}
	resp, err := g.services.PlaceOptionsOrder(c.Request.Context(), optionLeg(body.optionsLegBody))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, successOrder(resp.OrderID, g.mode(c)))
}

func (g *Gateway) handleOptionsMultiOrder(c *gin.Context) {
	var body optionsMultiBody
	if !g.bindBody(c, &body) {
		return
	}
	legs := make([]service.OptionLeg, 0, len(body.Legs))
	for _, leg := range body.Legs {
		legs = append(legs, optionLeg(leg))
	}
	placed, failed, err := g.services.PlaceOptionsMultiOrder(c.Request.Context(), legs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(map[string]any{"placed": placed, "failed": failed}))
}

func optionLeg(b optionsLegBody) service.OptionLeg {
	return service.OptionLeg{
		Exchange:   b.Exchange,
		Underlying: b.Underlying,
		Expiry:     b.Expiry,
		Strike:     b.Strike,
		OptionType: b.OptionType,
		Action:     b.Action,
		Quantity:   b.Quantity,
		Product:    b.Product,
	}
}

func (g *Gateway) handleAnalyzerStatus(c *gin.Context) {
	var body apiKeyed
	if !g.bindBody(c, &body) {
		return
	}
	status, err := g.services.AnalyzerStatus(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(status))
}

func (g *Gateway) handleAnalyzerToggle(c *gin.Context) {
	var body analyzerToggleBody
	if !g.bindBody(c, &body) {
		return
	}
	status, err := g.services.ToggleAnalyzer(c.Request.Context(), body.Mode)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(status))
}
