package gateway

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/GoAlgoDesk/algodesk/internal/pkg/apperrors"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/logger"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/metrics"
	"github.com/GoAlgoDesk/algodesk/internal/store"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	ctxKeyOperation = "operation"
	ctxKeyAPIKey    = "api_key_name"

	strikeInvalidKey    = "invalid API key"
	strikeSuspicious404 = "repeated 404 probing"
	strikeBadPayload    = "malformed payload"
)

// trafficMiddleware is the outermost stage: it stamps the whole request
// and writes exactly one TrafficRecord and one LatencyRecord after the
// handler chain finishes, whatever the outcome.
func (g *Gateway) trafficMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		durationMs := float64(elapsed.Microseconds()) / 1000.0
		status := c.Writer.Status()
		path := c.Request.URL.Path
		host := c.Request.Host

		var errMsg *string
		if len(c.Errors) > 0 {
			msg := c.Errors.String()
			errMsg = &msg
		}

		ctx := c.Request.Context()
		if err := g.store.LogTraffic(ctx, &store.TrafficLog{
			ClientIP:   c.ClientIP(),
			Method:     c.Request.Method,
			Path:       path,
			StatusCode: status,
			DurationMs: durationMs,
			Host:       &host,
			Error:      errMsg,
		}); err != nil {
			logger.Error("Failed to write traffic record", "error", err)
		}

		op := c.GetString(ctxKeyOperation)
		if op == "" {
			op = operationFromPath(path)
		}
		outcome := "SUCCESS"
		if status >= 400 {
			outcome = "FAILED"
		}
		if err := g.store.LogLatency(ctx, &store.LatencyLog{
			Operation: op,
			RTTMs:     durationMs,
			TotalMs:   durationMs,
			Status:    outcome,
			Error:     errMsg,
		}); err != nil {
			logger.Error("Failed to write latency record", "error", err)
		}

		metrics.RequestsTotal.WithLabelValues(op, http.StatusText(status)).Inc()
		metrics.LatencyBucket.WithLabelValues(op).Observe(elapsed.Seconds())
	}
}

func operationFromPath(path string) string {
	trimmed := strings.Trim(path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "root"
	}
	if parts[0] == "webhook" || (len(parts) > 1 && parts[0] == "strategy") {
		return "webhook"
	}
	return parts[len(parts)-1]
}

// banMiddleware rejects blocked callers before any business work runs.
func (g *Gateway) banMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		banned, ban, err := g.store.IsIPBanned(c.Request.Context(), ip)
		if err != nil {
			logger.Error("Ban lookup failed", "error", err, "ip", ip)
			// Fail closed: admission is a security boundary.
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, APIResponse{
				Status: "error", Code: string(apperrors.ErrInternal), Message: "admission check unavailable",
			})
			return
		}
		if banned {
			kind := "temporary"
			if ban.IsPermanent {
				kind = "permanent"
			}
			c.AbortWithStatusJSON(http.StatusForbidden, APIResponse{
				Status:  "error",
				Code:    string(apperrors.ErrBanned),
				Message: "your address is banned (" + kind + ")",
			})
			return
		}
		c.Next()
	}
}

// rateLimitMiddleware applies per-category token buckets so a runaway
// strategy cannot trip broker-side limits.
func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := g.limiterFor(c.Request.URL.Path)
		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			retry := delay.Round(time.Second)
			if retry < time.Second {
				retry = time.Second
			}
			c.Header("Retry-After", retry.String())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, APIResponse{
				Status:  "error",
				Code:    string(apperrors.ErrRateLimited),
				Message: "rate limit exceeded, retry after " + retry.String(),
			})
			return
		}
		c.Next()
	}
}

func (g *Gateway) limiterFor(path string) *rate.Limiter {
	switch {
	case strings.Contains(path, "/placesmartorder"),
		strings.Contains(path, "/basketorder"),
		strings.Contains(path, "/splitorder"),
		strings.Contains(path, "/optionsorder"),
		strings.Contains(path, "/optionsmultiorder"):
		return g.smartOrderLimiter
	case strings.Contains(path, "/placeorder"),
		strings.Contains(path, "/modifyorder"),
		strings.Contains(path, "/cancelorder"),
		strings.Contains(path, "/cancelallorder"),
		strings.Contains(path, "/closeposition"):
		return g.orderLimiter
	default:
		return g.apiLimiter
	}
}

// apiKeyMiddleware validates the apikey carried as the first body field.
// The body is re-buffered for the handler's own bind. A failed
// validation is an admission strike.
func (g *Gateway) apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var raw []byte
		if c.Request.Body != nil {
			raw, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(raw))
		}

		var body apiKeyed
		if err := json.Unmarshal(raw, &body); err != nil || body.APIKey == "" {
			g.strike(c, strikeBadPayload)
			c.AbortWithStatusJSON(http.StatusBadRequest, APIResponse{
				Status:  "error",
				Code:    string(apperrors.ErrPayloadInvalid),
				Message: "request body must be JSON carrying an apikey field",
			})
			return
		}

		key, err := g.store.ValidateAPIKey(c.Request.Context(), body.APIKey, g.cipher)
		if err != nil {
			if err := g.store.TrackInvalidAPIKey(c.Request.Context(), c.ClientIP()); err != nil {
				logger.Error("Failed to track invalid key attempt", "error", err)
			}
			g.strike(c, strikeInvalidKey)
			c.AbortWithStatusJSON(http.StatusForbidden, APIResponse{
				Status:  "error",
				Code:    string(apperrors.ErrNotAuthenticated),
				Message: "invalid API key",
			})
			return
		}

		c.Set(ctxKeyAPIKey, key.Name)
		c.Next()
	}
}

// strike records one admission offence and escalates at the threshold.
func (g *Gateway) strike(c *gin.Context, reason string) {
	ip := c.ClientIP()
	count, permanent, err := g.store.RecordStrike(c.Request.Context(), ip, reason,
		g.strikeWindowHrs, g.strikeThreshold)
	if err != nil {
		logger.Error("Failed to record strike", "error", err, "ip", ip)
		return
	}
	metrics.StrikesTotal.WithLabelValues(reason).Inc()
	if permanent {
		metrics.BansTotal.WithLabelValues("permanent").Inc()
		logger.Warn("IP escalated to permanent ban", "ip", ip, "strikes", count, "reason", reason)
	} else {
		logger.Warn("Admission strike recorded", "ip", ip, "strikes", count, "reason", reason)
	}
}

// verifyWebhookSignature enforces the optional shared-secret HMAC on
// webhook deliveries. The signature travels hex-encoded in
// X-Webhook-Signature over the raw body.
func verifyWebhookSignature(c *gin.Context, secret string, body []byte) bool {
	if secret == "" {
		return true
	}
	provided := c.GetHeader("X-Webhook-Signature")
	if provided == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected))
}
