package identity

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

func newTestManager(t *testing.T) *Manager {
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

	return NewManager(s, v)
}

func TestSetupThenLogin(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	state, _, err := m.CheckSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateNotInitialized, state)

	require.NoError(t, m.Setup(ctx, "alice", "password1"))

	state, _, err = m.CheckSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)

	session, err := m.Login(ctx, "alice", "password1")
	require.NoError(t, err)
	assert.Equal(t, "alice", session.Username)

	state, got, err := m.CheckSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, state)
	assert.Equal(t, session.UserID, got.UserID)
}

func TestSetupRejectsSecondUser(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Setup(ctx, "alice", "password1"))
	err := m.Setup(ctx, "bob", "password2")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrAlreadyInitialized))
}

func TestLoginWrongPassword(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Setup(ctx, "alice", "password1"))

	_, err := m.Login(ctx, "alice", "wrong")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAuthenticated))

	state, _, err := m.CheckSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
}

func TestLoginRateLimited(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Setup(ctx, "alice", "password1"))

	// The burst budget is five attempts; the sixth within the window is
	// refused before the password is even checked.
	for i := 0; i < 5; i++ {
		_, err := m.Login(ctx, "alice", "wrong")
		assert.True(t, apperrors.Is(err, apperrors.ErrNotAuthenticated))
	}
	_, err := m.Login(ctx, "alice", "password1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrRateLimited))

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.NotEmpty(t, appErr.RetryAfter)
}

func TestLogoutIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Setup(ctx, "alice", "password1"))
	_, err := m.Login(ctx, "alice", "password1")
	require.NoError(t, err)

	m.Logout()
	m.Logout()

	state, _, err := m.CheckSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
}

func TestLoginBeforeSetup(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Login(context.Background(), "alice", "password1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAuthenticated))
}
