package store

import (
	"context"
)

// LogAnalyzer appends one simulated-execution audit record.
func (s *Store) LogAnalyzer(ctx context.Context, l *AnalyzerLog) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO analyzer_logs (strategy_id, operation, request_payload, decision)
		VALUES (?, ?, ?, ?)`,
		l.StrategyID, l.Operation, l.RequestPayload, l.Decision)
	if err != nil {
		return err
	}
	l.ID, err = res.LastInsertId()
	return err
}

// RecentAnalyzerLogs returns the newest audit records.
func (s *Store) RecentAnalyzerLogs(ctx context.Context, limit int) ([]AnalyzerLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []AnalyzerLog
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, strategy_id, operation, request_payload, decision, created_at
		FROM analyzer_logs ORDER BY id DESC LIMIT ?`, limit)
	return out, err
}

// CountAnalyzerLogs reports the audit volume.
func (s *Store) CountAnalyzerLogs(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM analyzer_logs`)
	return n, err
}
