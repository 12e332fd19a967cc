package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "algodesk_requests_total",
		Help: "The total number of admitted HTTP requests",
	}, []string{"path", "status"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "algodesk_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "algodesk_orders_total",
		Help: "The total number of orders processed",
	}, []string{"mode", "side"})

	StrikesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "algodesk_admission_strikes_total",
		Help: "Admission strikes recorded against client IPs",
	}, []string{"kind"})

	BansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "algodesk_ip_bans_total",
		Help: "IP bans issued",
	}, []string{"kind"})

	AutoLogoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "algodesk_auto_logouts_total",
		Help: "Scheduled auto-logout executions",
	})
)
