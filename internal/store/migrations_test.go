package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateAppliesFullChain(t *testing.T) {
	s := newTestStore(t)

	version, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	before, err := s.SchemaVersion()
	require.NoError(t, err)

	// Running the chain again must be a no-op.
	require.NoError(t, s.Migrate())
	require.NoError(t, s.Migrate())

	after, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	var rows int
	require.NoError(t, s.db.Get(&rows, `SELECT COUNT(*) FROM migrations`))
	assert.Equal(t, len(migrations), rows)
}

func TestMigrationVersionsAreOrdered(t *testing.T) {
	prev := 0
	for _, m := range migrations {
		assert.Greater(t, m.version, prev, "migration %q out of order", m.name)
		prev = m.version
	}
}

func TestSeparateNonceMigrationShape(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// The post-migration auth table must carry one nonce column per
	// encrypted field.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth (broker_id, auth_token, auth_token_nonce, feed_token, feed_token_nonce)
		VALUES ('fyers', 'ct-a', 'n-a', 'ct-f', 'n-f')`)
	require.NoError(t, err)

	row, err := s.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "n-a", row.AuthTokenNonce)
	require.NotNil(t, row.FeedTokenNonce)
	assert.NotEqual(t, row.AuthTokenNonce, *row.FeedTokenNonce)
}

func TestServerConfigDefaults(t *testing.T) {
	s := newTestStore(t)

	cfg, err := s.GetSettings(context.Background())
	require.NoError(t, err)

	// Auto-logout defaults to the regulatory 03:00 with the full
	// warning ladder; the webhook server ships disabled.
	assert.True(t, cfg.AutoLogout.Enabled)
	assert.Equal(t, 3, cfg.AutoLogout.Hour)
	assert.Equal(t, 0, cfg.AutoLogout.Minute)
	assert.Equal(t, []int{30, 15, 5, 1}, cfg.AutoLogout.Warnings)

	assert.False(t, cfg.WebhookServer.Enabled)
	assert.Equal(t, "127.0.0.1", cfg.WebhookServer.Host)
	assert.Equal(t, 5000, cfg.WebhookServer.Port)
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg, err := s.GetSettings(ctx)
	require.NoError(t, err)

	broker := "fyers"
	secret := "hmac-secret"
	cfg.DefaultBroker = &broker
	cfg.AutoLogout.Hour = 4
	cfg.AutoLogout.Warnings = []int{10, 2}
	cfg.WebhookServer.Enabled = true
	cfg.WebhookServer.Port = 5050
	cfg.WebhookServer.Secret = &secret
	require.NoError(t, s.UpdateSettings(ctx, cfg))

	got, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}
