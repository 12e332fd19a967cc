package store

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/GoAlgoDesk/algodesk/internal/pkg/apperrors"
	"github.com/GoAlgoDesk/algodesk/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) Cipher {
	t.Helper()
	key := make([]byte, 32)
	pepper := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(pepper)
	require.NoError(t, err)
	v, err := vault.NewWithSecrets(key, pepper)
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func TestGenerateAPIKeyShape(t *testing.T) {
	key := GenerateAPIKey()
	assert.Len(t, key, 64)
	assert.NotEqual(t, key, GenerateAPIKey())
}

func TestMaskAPIKey(t *testing.T) {
	key := "abcdef0123456789abcdef0123456789"
	masked := MaskAPIKey(key)
	assert.Contains(t, masked, "...")
	assert.Equal(t, "abcdef01", masked[:8])
	assert.Equal(t, "6789", masked[len(masked)-4:])

	assert.Equal(t, "************", MaskAPIKey("short"))
}

func TestCreateAndValidateAPIKey(t *testing.T) {
	s := newTestStore(t)
	cipher := newTestCipher(t)
	ctx := context.Background()

	id, key, err := s.CreateAPIKey(ctx, "desktop", "read,write", cipher)
	require.NoError(t, err)
	assert.Positive(t, id)
	assert.Len(t, key, 64)

	got, err := s.ValidateAPIKey(ctx, key, cipher)
	require.NoError(t, err)
	assert.Equal(t, "desktop", got.Name)
	assert.Equal(t, "read,write", got.Permissions)

	_, err = s.ValidateAPIKey(ctx, "not-the-key", cipher)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAuthenticated))
}

func TestCreateAPIKeyRejectsDuplicateName(t *testing.T) {
	s := newTestStore(t)
	cipher := newTestCipher(t)
	ctx := context.Background()

	_, _, err := s.CreateAPIKey(ctx, "dup", "read", cipher)
	require.NoError(t, err)
	_, _, err = s.CreateAPIKey(ctx, "dup", "read", cipher)
	require.Error(t, err)
}

func TestRevealAPIKey(t *testing.T) {
	s := newTestStore(t)
	cipher := newTestCipher(t)
	ctx := context.Background()

	_, key, err := s.CreateAPIKey(ctx, "desktop", "read", cipher)
	require.NoError(t, err)

	revealed, err := s.RevealAPIKey(ctx, "desktop", cipher)
	require.NoError(t, err)
	assert.Equal(t, key, revealed)

	_, err = s.RevealAPIKey(ctx, "missing", cipher)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestListAndDeleteAPIKeys(t *testing.T) {
	s := newTestStore(t)
	cipher := newTestCipher(t)
	ctx := context.Background()

	_, k1, err := s.CreateAPIKey(ctx, "one", "read", cipher)
	require.NoError(t, err)
	_, _, err = s.CreateAPIKey(ctx, "two", "read", cipher)
	require.NoError(t, err)

	keys, masked, err := s.ListAPIKeys(ctx, cipher)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Len(t, masked, 2)
	for _, m := range masked {
		assert.Contains(t, m, "...")
	}
	assert.NotContains(t, masked[0], k1[8:len(k1)-4])

	removed, err := s.DeleteAPIKey(ctx, "one")
	require.NoError(t, err)
	assert.True(t, removed)

	has, err := s.HasAPIKey(ctx)
	require.NoError(t, err)
	assert.True(t, has)
}
