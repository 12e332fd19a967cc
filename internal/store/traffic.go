package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// LogTraffic appends one admitted-request record.
func (s *Store) LogTraffic(ctx context.Context, t *TrafficLog) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO traffic_logs (client_ip, method, path, status_code, duration_ms, host, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ClientIP, t.Method, t.Path, t.StatusCode, t.DurationMs, t.Host, t.Error)
	if err != nil {
		return err
	}
	t.ID, err = res.LastInsertId()
	return err
}

// RecentTraffic returns the newest records.
func (s *Store) RecentTraffic(ctx context.Context, limit int) ([]TrafficLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []TrafficLog
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, timestamp, client_ip, method, path, status_code, duration_ms, host, error
		FROM traffic_logs ORDER BY id DESC LIMIT ?`, limit)
	return out, err
}

// PruneTraffic drops records older than the retention window.
func (s *Store) PruneTraffic(ctx context.Context, days int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM traffic_logs WHERE timestamp < datetime('now', ?)`,
		fmt.Sprintf("-%d days", days))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func isLoopback(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1" || ip == "localhost"
}

// IsIPBanned evaluates the admission block for one caller. Permanent
// bans always hold; temporary bans hold until expires_at reaches
// server-now. An expired ban stops being enforced but its row — and the
// accumulated strike count — persists.
func (s *Store) IsIPBanned(ctx context.Context, ip string) (bool, *IPBan, error) {
	var ban IPBan
	err := s.db.GetContext(ctx, &ban, `
		SELECT id, ip_address, ban_reason, strike_count, banned_at, expires_at, is_permanent, created_by
		FROM ip_bans WHERE ip_address = ?`, ip)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if ban.IsPermanent {
		return true, &ban, nil
	}
	if ban.ExpiresAt == nil {
		return false, &ban, nil
	}
	var active bool
	if err := s.db.GetContext(ctx, &active, `
		SELECT expires_at > datetime('now') FROM ip_bans WHERE ip_address = ?`, ip); err != nil {
		return false, nil, err
	}
	return active, &ban, nil
}

// RecordStrike counts one admission offence against an IP and escalates
// to a permanent ban at threshold. The whole read-modify-write is a
// single UPSERT so concurrent offences cannot double-count or produce
// two escalations. Offences older than windowHours reset the count.
// Loopback callers are never banned.
func (s *Store) RecordStrike(ctx context.Context, ip, reason string, windowHours, threshold int) (count int, permanent bool, err error) {
	if isLoopback(ip) {
		return 0, false, nil
	}
	window := fmt.Sprintf("-%d hours", windowHours)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ip_bans (ip_address, ban_reason, strike_count, banned_at, expires_at, is_permanent)
		VALUES (?, ?, 1, datetime('now'), NULL, 0)
		ON CONFLICT(ip_address) DO UPDATE SET
			strike_count = CASE
				WHEN ip_bans.is_permanent = 0 AND ip_bans.banned_at < datetime('now', ?3)
					THEN 1
				ELSE ip_bans.strike_count + 1
			END,
			ban_reason = excluded.ban_reason,
			banned_at = datetime('now'),
			is_permanent = CASE
				WHEN ip_bans.is_permanent = 1 THEN 1
				WHEN (CASE
					WHEN ip_bans.banned_at < datetime('now', ?3) THEN 1
					ELSE ip_bans.strike_count + 1
				END) >= ?4 THEN 1
				ELSE 0
			END,
			expires_at = CASE
				WHEN ip_bans.is_permanent = 1 THEN NULL
				WHEN (CASE
					WHEN ip_bans.banned_at < datetime('now', ?3) THEN 1
					ELSE ip_bans.strike_count + 1
				END) >= ?4 THEN NULL
				ELSE ip_bans.expires_at
			END`,
		ip, reason, window, threshold)
	if err != nil {
		return 0, false, err
	}

	row := struct {
		StrikeCount int  `db:"strike_count"`
		IsPermanent bool `db:"is_permanent"`
	}{}
	if err := s.db.GetContext(ctx, &row, `
		SELECT strike_count, is_permanent FROM ip_bans WHERE ip_address = ?`, ip); err != nil {
		return 0, false, err
	}
	return row.StrikeCount, row.IsPermanent, nil
}

// BanIP issues an explicit ban. durationHours is ignored when permanent.
func (s *Store) BanIP(ctx context.Context, ip, reason string, durationHours int, permanent bool, createdBy string) (bool, error) {
	if isLoopback(ip) {
		return false, nil
	}
	expires := fmt.Sprintf("+%d hours", durationHours)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ip_bans (ip_address, ban_reason, strike_count, banned_at, expires_at, is_permanent, created_by)
		VALUES (?1, ?2, 1, datetime('now'), CASE WHEN ?4 THEN NULL ELSE datetime('now', ?3) END, ?4, ?5)
		ON CONFLICT(ip_address) DO UPDATE SET
			strike_count = ip_bans.strike_count + 1,
			ban_reason = excluded.ban_reason,
			banned_at = datetime('now'),
			is_permanent = CASE WHEN ip_bans.is_permanent = 1 OR excluded.is_permanent = 1 THEN 1 ELSE 0 END,
			expires_at = CASE
				WHEN ip_bans.is_permanent = 1 OR excluded.is_permanent = 1 THEN NULL
				ELSE datetime('now', ?3)
			END`,
		ip, reason, expires, permanent, createdBy)
	if err != nil {
		return false, err
	}
	return true, nil
}

// UnbanIP removes a ban row entirely (operator action).
func (s *Store) UnbanIP(ctx context.Context, ip string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ip_bans WHERE ip_address = ?`, ip)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListBans returns every ban row, enforced or not.
func (s *Store) ListBans(ctx context.Context) ([]IPBan, error) {
	var out []IPBan
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, ip_address, ban_reason, strike_count, banned_at, expires_at, is_permanent, created_by
		FROM ip_bans ORDER BY banned_at DESC`)
	return out, err
}

// Track404 records a suspicious miss on a non-existent webhook path.
func (s *Store) Track404(ctx context.Context, ip, path string) error {
	if isLoopback(ip) {
		return nil
	}
	var pathsJSON string
	err := s.db.GetContext(ctx, &pathsJSON,
		`SELECT paths_attempted FROM error_404_tracker WHERE ip_address = ?`, ip)
	paths := []string{}
	if err == nil {
		_ = json.Unmarshal([]byte(pathsJSON), &paths)
	}
	found := false
	for _, p := range paths {
		if p == path {
			found = true
			break
		}
	}
	if !found {
		paths = append(paths, path)
		if len(paths) > 50 {
			paths = paths[len(paths)-50:]
		}
	}
	raw, _ := json.Marshal(paths)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO error_404_tracker (ip_address, error_count, paths_attempted)
		VALUES (?, 1, ?)
		ON CONFLICT(ip_address) DO UPDATE SET
			error_count = error_404_tracker.error_count + 1,
			last_error_at = datetime('now'),
			paths_attempted = excluded.paths_attempted`,
		ip, string(raw))
	return err
}

// TrackInvalidAPIKey records a failed key validation attempt.
func (s *Store) TrackInvalidAPIKey(ctx context.Context, ip string) error {
	if isLoopback(ip) {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invalid_api_key_tracker (ip_address, attempt_count)
		VALUES (?, 1)
		ON CONFLICT(ip_address) DO UPDATE SET
			attempt_count = invalid_api_key_tracker.attempt_count + 1,
			last_attempt_at = datetime('now')`, ip)
	return err
}
