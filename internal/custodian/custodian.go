// Package custodian owns broker auth material at rest: encrypted API
// credentials per broker and the single active broker session. It is the
// only writer of the sessions table besides the auto-logout scheduler,
// which goes through Revoke.
package custodian

import (
	"context"
	"sync"
	"time"

	"github.com/GoAlgoDesk/algodesk/internal/pkg/apperrors"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/logger"
	"github.com/GoAlgoDesk/algodesk/internal/store"
)

// Cipher is the slice of the vault this package consumes.
type Cipher interface {
	Encrypt(plaintext string) (ciphertextB64, nonceB64 string, err error)
	Decrypt(ciphertextB64, nonceB64 string) (string, error)
}

// Session is a decrypted broker session.
type Session struct {
	BrokerID  string
	AuthToken string
	FeedToken *string
	UserID    *int64
}

// Credential is a decrypted broker API credential.
type Credential struct {
	BrokerID  string
	APIKey    string
	APISecret *string
	ClientID  *string
}

// Custodian holds the in-memory active-broker slot and mediates every
// read and write of session rows. The mutex covers the whole
// read-modify-write cycle so the slot and the row cannot diverge.
type Custodian struct {
	store  *store.Store
	cipher Cipher

	mu           sync.Mutex
	activeBroker string
	activeSince  time.Time
}

func New(st *store.Store, cipher Cipher) *Custodian {
	return &Custodian{store: st, cipher: cipher}
}

// Restore loads the active-broker slot from a persisted session row at
// startup, without decrypting tokens.
func (c *Custodian) Restore(ctx context.Context) error {
	row, err := c.store.GetSession(ctx)
	if err != nil {
		return apperrors.Wrap(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if row != nil {
		c.activeBroker = row.BrokerID
	}
	return nil
}

// SaveSession encrypts and persists a broker session. The auth token and
// the feed token are sealed under independently drawn nonces; sharing a
// nonce between two GCM ciphertexts under one key breaks both.
func (c *Custodian) SaveSession(ctx context.Context, brokerID, authToken string, feedToken *string, userID *int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	authCT, authNonce, err := c.cipher.Encrypt(authToken)
	if err != nil {
		return err
	}

	row := store.SessionRow{
		BrokerID:       brokerID,
		UserID:         userID,
		AuthToken:      authCT,
		AuthTokenNonce: authNonce,
	}
	if feedToken != nil {
		feedCT, feedNonce, err := c.cipher.Encrypt(*feedToken)
		if err != nil {
			return err
		}
		row.FeedToken = &feedCT
		row.FeedTokenNonce = &feedNonce
	}

	// Single-active-broker model: any previous session gives way.
	if err := c.store.DeleteSessions(ctx); err != nil {
		return apperrors.Wrap(err)
	}
	if err := c.store.UpsertSession(ctx, row); err != nil {
		return apperrors.Wrap(err)
	}
	c.activeBroker = brokerID
	c.activeSince = time.Now()
	logger.Info("Broker session saved", "broker", brokerID)
	return nil
}

// LoadActiveSession decrypts the stored session. A tampered ciphertext
// surfaces as SessionCorrupted and the row is cleared so the operator is
// forced back through login rather than retrying against damaged bytes.
func (c *Custodian) LoadActiveSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row, err := c.store.GetSession(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	if row == nil {
		return nil, nil
	}

	authToken, err := c.cipher.Decrypt(row.AuthToken, row.AuthTokenNonce)
	if err != nil {
		return nil, c.corrupted(ctx, err)
	}

	session := &Session{
		BrokerID:  row.BrokerID,
		AuthToken: authToken,
		UserID:    row.UserID,
	}
	if row.FeedToken != nil && row.FeedTokenNonce != nil {
		feedToken, err := c.cipher.Decrypt(*row.FeedToken, *row.FeedTokenNonce)
		if err != nil {
			return nil, c.corrupted(ctx, err)
		}
		session.FeedToken = &feedToken
	}
	c.activeBroker = row.BrokerID
	return session, nil
}

func (c *Custodian) corrupted(ctx context.Context, cause error) error {
	if err := c.store.DeleteSessions(ctx); err != nil {
		logger.Error("Failed to clear corrupted session row", "error", err)
	}
	c.activeBroker = ""
	return apperrors.New(apperrors.ErrSessionCorrupted, "stored session failed authentication and was cleared", cause)
}

// Revoke deletes the session row and empties the active slot, returning
// the session that was live so callers can best-effort invalidate the
// token upstream. Idempotent: with no session it returns (nil, nil). A
// row that no longer decrypts is still deleted.
func (c *Custodian) Revoke(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row, err := c.store.GetSession(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}

	var revoked *Session
	if row != nil {
		if token, err := c.cipher.Decrypt(row.AuthToken, row.AuthTokenNonce); err == nil {
			revoked = &Session{BrokerID: row.BrokerID, AuthToken: token, UserID: row.UserID}
		}
	}

	if err := c.store.DeleteSessions(ctx); err != nil {
		return nil, apperrors.Wrap(err)
	}
	if c.activeBroker != "" {
		logger.Info("Broker session revoked", "broker", c.activeBroker)
	}
	c.activeBroker = ""
	return revoked, nil
}

// ActiveBroker reports the broker id of the live session, if any.
func (c *Custodian) ActiveBroker() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeBroker, c.activeBroker != ""
}

// SaveCredential encrypts and stores a broker API credential. Key and
// secret each get their own nonce; the client id is not secret.
func (c *Custodian) SaveCredential(ctx context.Context, cred Credential) error {
	keyCT, keyNonce, err := c.cipher.Encrypt(cred.APIKey)
	if err != nil {
		return err
	}
	row := store.CredentialRow{
		BrokerID:    cred.BrokerID,
		APIKey:      keyCT,
		APIKeyNonce: keyNonce,
		ClientID:    cred.ClientID,
	}
	if cred.APISecret != nil {
		secretCT, secretNonce, err := c.cipher.Encrypt(*cred.APISecret)
		if err != nil {
			return err
		}
		row.APISecret = &secretCT
		row.APISecretNonce = &secretNonce
	}
	if err := c.store.UpsertCredential(ctx, row); err != nil {
		return apperrors.Wrap(err)
	}
	return nil
}

// LoadCredential decrypts one broker's stored API credential, or returns
// nil when none exists.
func (c *Custodian) LoadCredential(ctx context.Context, brokerID string) (*Credential, error) {
	row, err := c.store.GetCredential(ctx, brokerID)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	if row == nil {
		return nil, nil
	}
	apiKey, err := c.cipher.Decrypt(row.APIKey, row.APIKeyNonce)
	if err != nil {
		return nil, err
	}
	cred := &Credential{BrokerID: brokerID, APIKey: apiKey, ClientID: row.ClientID}
	if row.APISecret != nil && row.APISecretNonce != nil {
		secret, err := c.cipher.Decrypt(*row.APISecret, *row.APISecretNonce)
		if err != nil {
			return nil, err
		}
		cred.APISecret = &secret
	}
	return cred, nil
}

// DeleteCredential removes one broker's credential. Idempotent.
func (c *Custodian) DeleteCredential(ctx context.Context, brokerID string) error {
	if err := c.store.DeleteCredential(ctx, brokerID); err != nil {
		return apperrors.Wrap(err)
	}
	return nil
}
