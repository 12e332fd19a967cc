package store

import (
	"context"
	"database/sql"
	"errors"
)

// UpsertSession writes the broker session row. Ciphertexts and nonces are
// produced by the vault; this layer never sees token plaintext.
func (s *Store) UpsertSession(ctx context.Context, row SessionRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth (broker_id, user_id, auth_token, auth_token_nonce, feed_token, feed_token_nonce)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(broker_id) DO UPDATE SET
			user_id = excluded.user_id,
			auth_token = excluded.auth_token,
			auth_token_nonce = excluded.auth_token_nonce,
			feed_token = excluded.feed_token,
			feed_token_nonce = excluded.feed_token_nonce,
			authenticated_at = datetime('now'),
			updated_at = datetime('now')`,
		row.BrokerID, row.UserID, row.AuthToken, row.AuthTokenNonce, row.FeedToken, row.FeedTokenNonce)
	return err
}

// GetSession returns the stored session row, or nil when none exists.
func (s *Store) GetSession(ctx context.Context) (*SessionRow, error) {
	var row SessionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, broker_id, user_id, auth_token, auth_token_nonce,
		       feed_token, feed_token_nonce, authenticated_at, updated_at
		FROM auth LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// DeleteSessions clears every session row. Idempotent.
func (s *Store) DeleteSessions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth`)
	return err
}

// DeleteSession clears the row for one broker. Idempotent.
func (s *Store) DeleteSession(ctx context.Context, brokerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth WHERE broker_id = ?`, brokerID)
	return err
}
