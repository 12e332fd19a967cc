package store

import (
	"context"
	"database/sql"
	"errors"
)

// CredentialRow is one broker's API credential: encrypted key and
// optional secret, each under its own nonce; the client id is not a
// secret and stays plaintext.
type CredentialRow struct {
	ID             int64   `db:"id"`
	BrokerID       string  `db:"broker_id"`
	APIKey         string  `db:"api_key"`
	APIKeyNonce    string  `db:"api_key_nonce"`
	APISecret      *string `db:"api_secret"`
	APISecretNonce *string `db:"api_secret_nonce"`
	ClientID       *string `db:"client_id"`
	CreatedAt      string  `db:"created_at"`
	UpdatedAt      string  `db:"updated_at"`
}

// UpsertCredential writes one broker's credential row. At most one row
// per broker.
func (s *Store) UpsertCredential(ctx context.Context, row CredentialRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broker_credentials (broker_id, api_key, api_key_nonce, api_secret, api_secret_nonce, client_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(broker_id) DO UPDATE SET
			api_key = excluded.api_key,
			api_key_nonce = excluded.api_key_nonce,
			api_secret = excluded.api_secret,
			api_secret_nonce = excluded.api_secret_nonce,
			client_id = excluded.client_id,
			updated_at = datetime('now')`,
		row.BrokerID, row.APIKey, row.APIKeyNonce, row.APISecret, row.APISecretNonce, row.ClientID)
	return err
}

// GetCredential reads one broker's credential row, or nil.
func (s *Store) GetCredential(ctx context.Context, brokerID string) (*CredentialRow, error) {
	var row CredentialRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, broker_id, api_key, api_key_nonce, api_secret, api_secret_nonce, client_id, created_at, updated_at
		FROM broker_credentials WHERE broker_id = ?`, brokerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// DeleteCredential removes one broker's credential row. Idempotent.
func (s *Store) DeleteCredential(ctx context.Context, brokerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM broker_credentials WHERE broker_id = ?`, brokerID)
	return err
}

// ListCredentialBrokers returns the brokers with stored credentials.
func (s *Store) ListCredentialBrokers(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, `SELECT broker_id FROM broker_credentials ORDER BY broker_id`)
	return out, err
}
