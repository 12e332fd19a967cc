package custodian

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/GoAlgoDesk/algodesk/internal/pkg/apperrors"
	"github.com/GoAlgoDesk/algodesk/internal/store"
	"github.com/GoAlgoDesk/algodesk/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCustodian(t *testing.T) (*Custodian, *store.Store) {
	t.Helper()
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	key := make([]byte, 32)
	pepper := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(pepper)
	require.NoError(t, err)
	v, err := vault.NewWithSecrets(key, pepper)
	require.NoError(t, err)
	t.Cleanup(v.Close)

	return New(s, v), s
}

func strptr(s string) *string { return &s }

func TestSaveAndLoadSession(t *testing.T) {
	c, _ := newTestCustodian(t)
	ctx := context.Background()

	require.NoError(t, c.SaveSession(ctx, "fyers", "TOKEN_A", strptr("FEED_B"), nil))

	session, err := c.LoadActiveSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "fyers", session.BrokerID)
	assert.Equal(t, "TOKEN_A", session.AuthToken)
	require.NotNil(t, session.FeedToken)
	assert.Equal(t, "FEED_B", *session.FeedToken)

	broker, ok := c.ActiveBroker()
	assert.True(t, ok)
	assert.Equal(t, "fyers", broker)
}

func TestSessionNoncesAreIndependent(t *testing.T) {
	c, s := newTestCustodian(t)
	ctx := context.Background()

	require.NoError(t, c.SaveSession(ctx, "fyers", "TOKEN_A", strptr("FEED_B"), nil))

	row, err := s.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.NotNil(t, row.FeedTokenNonce)
	assert.NotEqual(t, row.AuthTokenNonce, *row.FeedTokenNonce)
	// Ciphertexts are not the plaintext tokens.
	assert.NotEqual(t, "TOKEN_A", row.AuthToken)
}

func TestSaveSessionWithoutFeedToken(t *testing.T) {
	c, s := newTestCustodian(t)
	ctx := context.Background()

	require.NoError(t, c.SaveSession(ctx, "zerodha", "TOKEN_ONLY", nil, nil))

	session, err := c.LoadActiveSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, session.FeedToken)

	row, err := s.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, row.FeedToken)
	assert.Nil(t, row.FeedTokenNonce)
}

func TestSingleActiveBroker(t *testing.T) {
	c, s := newTestCustodian(t)
	ctx := context.Background()

	require.NoError(t, c.SaveSession(ctx, "fyers", "T1", nil, nil))
	require.NoError(t, c.SaveSession(ctx, "zerodha", "T2", nil, nil))

	var rows int
	require.NoError(t, s.DB().Get(&rows, `SELECT COUNT(*) FROM auth`))
	assert.Equal(t, 1, rows)

	session, err := c.LoadActiveSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "zerodha", session.BrokerID)
}

func TestCorruptedSessionIsClearedAndSurfaced(t *testing.T) {
	c, s := newTestCustodian(t)
	ctx := context.Background()

	require.NoError(t, c.SaveSession(ctx, "fyers", "TOKEN_A", strptr("FEED_B"), nil))

	// Flip a byte of the stored auth ciphertext.
	_, err := s.DB().Exec(`UPDATE auth SET auth_token = 'AAAA' || substr(auth_token, 5)`)
	require.NoError(t, err)

	_, err = c.LoadActiveSession(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSessionCorrupted))

	// The damaged row is gone; the next load is a clean miss.
	session, err := c.LoadActiveSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)

	_, ok := c.ActiveBroker()
	assert.False(t, ok)
}

func TestRevokeIsIdempotent(t *testing.T) {
	c, _ := newTestCustodian(t)
	ctx := context.Background()

	require.NoError(t, c.SaveSession(ctx, "fyers", "TOKEN_A", nil, nil))

	revoked, err := c.Revoke(ctx)
	require.NoError(t, err)
	require.NotNil(t, revoked)
	assert.Equal(t, "fyers", revoked.BrokerID)
	assert.Equal(t, "TOKEN_A", revoked.AuthToken)

	again, err := c.Revoke(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	session, err := c.LoadActiveSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)

	_, ok := c.ActiveBroker()
	assert.False(t, ok)
}

func TestRestorePopulatesActiveSlot(t *testing.T) {
	c, s := newTestCustodian(t)
	ctx := context.Background()

	require.NoError(t, c.SaveSession(ctx, "fyers", "TOKEN_A", nil, nil))

	// A fresh custodian over the same store simulates a process restart.
	fresh := New(s, c.cipher)
	require.NoError(t, fresh.Restore(ctx))
	broker, ok := fresh.ActiveBroker()
	assert.True(t, ok)
	assert.Equal(t, "fyers", broker)
}

func TestCredentialRoundTrip(t *testing.T) {
	c, s := newTestCustodian(t)
	ctx := context.Background()

	require.NoError(t, c.SaveCredential(ctx, Credential{
		BrokerID:  "fyers",
		APIKey:    "api-key-plain",
		APISecret: strptr("api-secret-plain"),
		ClientID:  strptr("FY1234"),
	}))

	cred, err := c.LoadCredential(ctx, "fyers")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "api-key-plain", cred.APIKey)
	assert.Equal(t, "api-secret-plain", *cred.APISecret)
	assert.Equal(t, "FY1234", *cred.ClientID)

	// Key and secret ciphertexts carry distinct nonces.
	row, err := s.GetCredential(ctx, "fyers")
	require.NoError(t, err)
	require.NotNil(t, row.APISecretNonce)
	assert.NotEqual(t, row.APIKeyNonce, *row.APISecretNonce)

	missing, err := c.LoadCredential(ctx, "angel")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, c.DeleteCredential(ctx, "fyers"))
	gone, err := c.LoadCredential(ctx, "fyers")
	require.NoError(t, err)
	assert.Nil(t, gone)
}
