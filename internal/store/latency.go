package store

import (
	"context"
	"fmt"
)

// LatencyStats are the aggregates the UI dashboards consume.
type LatencyStats struct {
	TotalOps    int64   `json:"total_ops"`
	FailedOps   int64   `json:"failed_ops"`
	SuccessRate float64 `json:"success_rate"`
	AvgRTT      float64 `json:"avg_rtt"`
	AvgTotal    float64 `json:"avg_total"`
	P50         float64 `json:"p50_total"`
	P90         float64 `json:"p90_total"`
	P95         float64 `json:"p95_total"`
	P99         float64 `json:"p99_total"`
	SLA100ms    float64 `json:"sla_100ms"` // % of ops at or under 100ms
	SLA150ms    float64 `json:"sla_150ms"`
	SLA200ms    float64 `json:"sla_200ms"`
}

// LogLatency appends one per-operation timing record.
func (s *Store) LogLatency(ctx context.Context, l *LatencyLog) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO latency_logs (order_id, broker, symbol, operation, rtt_ms,
			validation_ms, broker_response_ms, overhead_ms, total_ms, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.OrderID, l.Broker, l.Symbol, l.Operation, l.RTTMs,
		l.ValidationMs, l.BrokerResponseMs, l.OverheadMs, l.TotalMs, l.Status, l.Error)
	if err != nil {
		return err
	}
	l.ID, err = res.LastInsertId()
	return err
}

// RecentLatency returns the newest timing records.
func (s *Store) RecentLatency(ctx context.Context, limit int) ([]LatencyLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []LatencyLog
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, timestamp, order_id, broker, symbol, operation, rtt_ms,
		       validation_ms, broker_response_ms, overhead_ms, total_ms, status, error
		FROM latency_logs ORDER BY id DESC LIMIT ?`, limit)
	return out, err
}

// LatencyStats aggregates percentiles and the three SLA tiers. broker
// filters when non-empty.
func (s *Store) LatencyStats(ctx context.Context, broker string) (*LatencyStats, error) {
	where := ""
	args := []any{}
	if broker != "" {
		where = " WHERE broker = ?"
		args = append(args, broker)
	}

	agg := struct {
		Total    int64   `db:"total"`
		Failed   int64   `db:"failed"`
		AvgRTT   float64 `db:"avg_rtt"`
		AvgTotal float64 `db:"avg_total"`
		Under100 int64   `db:"under_100"`
		Under150 int64   `db:"under_150"`
		Under200 int64   `db:"under_200"`
	}{}
	if err := s.db.GetContext(ctx, &agg, `
		SELECT COUNT(*) AS total,
		       COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0) AS failed,
		       COALESCE(AVG(rtt_ms), 0) AS avg_rtt,
		       COALESCE(AVG(total_ms), 0) AS avg_total,
		       COALESCE(SUM(CASE WHEN total_ms <= 100 THEN 1 ELSE 0 END), 0) AS under_100,
		       COALESCE(SUM(CASE WHEN total_ms <= 150 THEN 1 ELSE 0 END), 0) AS under_150,
		       COALESCE(SUM(CASE WHEN total_ms <= 200 THEN 1 ELSE 0 END), 0) AS under_200
		FROM latency_logs`+where, args...); err != nil {
		return nil, err
	}

	stats := &LatencyStats{
		TotalOps:  agg.Total,
		FailedOps: agg.Failed,
		AvgRTT:    agg.AvgRTT,
		AvgTotal:  agg.AvgTotal,
	}
	if agg.Total > 0 {
		stats.SuccessRate = pct(agg.Total-agg.Failed, agg.Total)
		stats.SLA100ms = pct(agg.Under100, agg.Total)
		stats.SLA150ms = pct(agg.Under150, agg.Total)
		stats.SLA200ms = pct(agg.Under200, agg.Total)
	}

	var totals []float64
	if err := s.db.SelectContext(ctx, &totals, `
		SELECT total_ms FROM latency_logs`+where+` ORDER BY total_ms`, args...); err != nil {
		return nil, err
	}
	stats.P50, stats.P90, stats.P95, stats.P99 = percentiles(totals)
	return stats, nil
}

// PruneLatency drops stale data-path records; order-path records are
// kept indefinitely for audit.
func (s *Store) PruneLatency(ctx context.Context, days int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM latency_logs
		WHERE timestamp < datetime('now', ?)
		  AND operation NOT IN ('placeorder', 'placesmartorder', 'modifyorder',
		      'cancelorder', 'cancelallorder', 'closeposition', 'basketorder', 'splitorder')`,
		fmt.Sprintf("-%d days", days))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func pct(n, total int64) float64 {
	return float64(n) / float64(total) * 100.0
}

// percentiles uses index = p * (len - 1) over a sorted slice.
func percentiles(sorted []float64) (p50, p90, p95, p99 float64) {
	n := len(sorted)
	if n == 0 {
		return 0, 0, 0, 0
	}
	if n == 1 {
		v := sorted[0]
		return v, v, v, v
	}
	idx := func(p float64) float64 {
		return sorted[int(float64(n-1)*p)]
	}
	return idx(0.50), idx(0.90), idx(0.95), idx(0.99)
}
