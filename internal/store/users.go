package store

import (
	"context"
	"database/sql"
	"errors"
)

// GetUser returns the local user, or nil when the system is still in
// setup state.
func (s *Store) GetUser(ctx context.Context) (*LocalUser, error) {
	var u LocalUser
	err := s.db.GetContext(ctx, &u, `
		SELECT id, username, password_hash, created_at, updated_at
		FROM users LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts the single local user row.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash) VALUES (?, ?)`,
		username, passwordHash)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdatePassword replaces the stored hash.
func (s *Store) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = ?, updated_at = datetime('now') WHERE id = ?`,
		passwordHash, userID)
	return err
}

// CountUsers reports how many local users exist (zero or one).
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`)
	return n, err
}
