// Package gateway is the inbound HTTP admission surface: strategy
// webhooks, the REST command set and broker OAuth callbacks. Every
// request passes the admission pipeline in order — ban check, rate
// limit, API-key validation — before any business work, and leaves
// exactly one traffic record and one latency record behind.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/GoAlgoDesk/algodesk/internal/config"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/logger"
	"github.com/GoAlgoDesk/algodesk/internal/service"
	"github.com/GoAlgoDesk/algodesk/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Emitter pushes gateway events (webhook alerts, OAuth callbacks) to
// the IPC surface.
type Emitter interface {
	Emit(event string, payload any)
}

// Gateway owns the HTTP listener and the admission pipeline.
type Gateway struct {
	store    *store.Store
	cipher   store.Cipher
	services *service.Services
	emitter  Emitter

	strikeThreshold int
	strikeWindowHrs int

	apiLimiter        *rate.Limiter
	orderLimiter      *rate.Limiter
	smartOrderLimiter *rate.Limiter

	webhookSecret string

	mu      sync.Mutex
	httpSrv *http.Server
}

func New(st *store.Store, cipher store.Cipher, svc *service.Services, emitter Emitter, cfg config.AdmissionConfig) *Gateway {
	threshold := cfg.StrikeThreshold
	if threshold <= 0 {
		threshold = 5
	}
	window := cfg.StrikeWindowHrs
	if window <= 0 {
		window = 24
	}
	limiter := func(perSecond float64) *rate.Limiter {
		if perSecond <= 0 {
			return rate.NewLimiter(rate.Inf, 1)
		}
		return rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1)
	}
	return &Gateway{
		store:             st,
		cipher:            cipher,
		services:          svc,
		emitter:           emitter,
		strikeThreshold:   threshold,
		strikeWindowHrs:   window,
		apiLimiter:        limiter(cfg.APIRate),
		orderLimiter:      limiter(cfg.OrderRate),
		smartOrderLimiter: limiter(cfg.SmartOrderRate),
	}
}

// Router assembles the gin engine with the full admission pipeline.
// Exposed for tests; Start wires it to a listener.
func (g *Gateway) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(g.trafficMiddleware())
	r.Use(g.banMiddleware())
	r.Use(g.rateLimitMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, successMessage("AlgoDesk API is running"))
	})
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, successMessage("AlgoDesk API is running"))
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Dynamic strategy webhooks. The legacy /strategy prefix survives
	// for alert platforms configured against older builds.
	r.POST("/webhook/:webhook_id", g.handleWebhook)
	r.POST("/strategy/webhook/:webhook_id", g.handleWebhook)

	// Broker OAuth redirect target: /<broker_id>/callback.
	r.GET("/:broker/callback", g.handleOAuthCallback)

	v1 := r.Group("/api/v1")
	v1.Use(g.apiKeyMiddleware())
	{
		v1.POST("/placeorder", g.handlePlaceOrder)
		v1.POST("/placesmartorder", g.handlePlaceSmartOrder)
		v1.POST("/modifyorder", g.handleModifyOrder)
		v1.POST("/cancelorder", g.handleCancelOrder)
		v1.POST("/cancelallorder", g.handleCancelAllOrders)
		v1.POST("/closeposition", g.handleClosePosition)
		v1.POST("/openposition", g.handleOpenPosition)
		v1.POST("/orderstatus", g.handleOrderStatus)
		v1.POST("/basketorder", g.handleBasketOrder)
		v1.POST("/splitorder", g.handleSplitOrder)

		v1.POST("/orderbook", g.handleOrderBook)
		v1.POST("/tradebook", g.handleTradeBook)
		v1.POST("/positionbook", g.handlePositionBook)
		v1.POST("/holdings", g.handleHoldings)
		v1.POST("/funds", g.handleFunds)
		v1.POST("/margin", g.handleMargin)

		v1.POST("/quotes", g.handleQuotes)
		v1.POST("/depth", g.handleDepth)
		v1.POST("/history", g.handleHistory)
		v1.POST("/search", g.handleSearch)
		v1.POST("/symbol", g.handleSymbol)
		v1.POST("/intervals", g.handleIntervals)
		v1.POST("/expiry", g.handleExpiry)
		v1.POST("/instruments", g.handleInstruments)

		v1.POST("/syntheticfuture", g.handleSyntheticFuture)
		v1.POST("/optionchain", g.handleOptionChain)
		v1.POST("/optiongreeks", g.handleOptionGreeks)
		v1.POST("/optionsymbol", g.handleOptionSymbol)
		v1.POST("/optionsorder", g.handleOptionsOrder)
		v1.POST("/optionsmultiorder", g.handleOptionsMultiOrder)

		v1.POST("/analyzer", g.handleAnalyzerStatus)
		v1.POST("/analyzer/toggle", g.handleAnalyzerToggle)
	}

	r.NoRoute(g.handleNotFound)
	return r
}

// Start binds the listener per the stored webhook-server configuration.
// A disabled config is a successful no-op.
func (g *Gateway) Start(cfg store.WebhookServerConfig) error {
	if !cfg.Enabled {
		logger.Info("Admission gateway disabled")
		return nil
	}
	if cfg.Secret != nil {
		g.webhookSecret = *cfg.Secret
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           g.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.mu.Lock()
	g.httpSrv = srv
	g.mu.Unlock()

	go func() {
		logger.Info("Admission gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admission gateway failed", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests up to the context deadline.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	srv := g.httpSrv
	g.httpSrv = nil
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
