package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.LatencyStats(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, stats.TotalOps)
	assert.Zero(t, stats.P99)
}

func TestLatencyStatsPercentilesAndSLA(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// 100 records, total_ms = 1..100.
	for i := 1; i <= 100; i++ {
		status := "SUCCESS"
		if i%20 == 0 {
			status = "FAILED"
		}
		require.NoError(t, s.LogLatency(ctx, &LatencyLog{
			OrderID:   fmt.Sprintf("ord-%d", i),
			Broker:    "fyers",
			Symbol:    "RELIANCE",
			Operation: "placeorder",
			RTTMs:     float64(i),
			TotalMs:   float64(i),
			Status:    status,
		}))
	}

	stats, err := s.LatencyStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(100), stats.TotalOps)
	assert.Equal(t, int64(5), stats.FailedOps)
	assert.InDelta(t, 95.0, stats.SuccessRate, 0.01)

	// index = p * (len-1) over sorted 1..100
	assert.InDelta(t, 50.0, stats.P50, 1.0)
	assert.InDelta(t, 90.0, stats.P90, 1.0)
	assert.InDelta(t, 95.0, stats.P95, 1.0)
	assert.InDelta(t, 99.0, stats.P99, 1.0)

	// Three-tier SLA classification.
	assert.InDelta(t, 100.0, stats.SLA100ms, 0.01)
	assert.InDelta(t, 100.0, stats.SLA150ms, 0.01)
	assert.InDelta(t, 100.0, stats.SLA200ms, 0.01)
}

func TestLatencyStatsBrokerFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LogLatency(ctx, &LatencyLog{Broker: "fyers", Operation: "quotes", TotalMs: 50, Status: "SUCCESS"}))
	require.NoError(t, s.LogLatency(ctx, &LatencyLog{Broker: "zerodha", Operation: "quotes", TotalMs: 250, Status: "SUCCESS"}))

	stats, err := s.LatencyStats(ctx, "fyers")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalOps)
	assert.InDelta(t, 100.0, stats.SLA100ms, 0.01)
}

func TestPruneLatencyKeepsOrderPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LogLatency(ctx, &LatencyLog{Operation: "placeorder", TotalMs: 10, Status: "SUCCESS"}))
	require.NoError(t, s.LogLatency(ctx, &LatencyLog{Operation: "quotes", TotalMs: 10, Status: "SUCCESS"}))

	// Age both records.
	_, err := s.db.ExecContext(ctx, `UPDATE latency_logs SET timestamp = datetime('now', '-90 days')`)
	require.NoError(t, err)

	deleted, err := s.PruneLatency(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	logs, err := s.RecentLatency(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "placeorder", logs[0].Operation)
}

func TestPercentilesEdgeCases(t *testing.T) {
	p50, p90, p95, p99 := percentiles(nil)
	assert.Zero(t, p50)
	assert.Zero(t, p99)

	p50, p90, p95, p99 = percentiles([]float64{42})
	assert.Equal(t, 42.0, p50)
	assert.Equal(t, 42.0, p90)
	assert.Equal(t, 42.0, p95)
	assert.Equal(t, 42.0, p99)
}
