// Package identity is the local-operator state machine: setup, login,
// logout. The in-memory session is deliberately not persisted; a restart
// always lands in Idle.
package identity

import (
	"context"
	"sync"
	"time"

	"github.com/GoAlgoDesk/algodesk/internal/pkg/apperrors"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/logger"
	"github.com/GoAlgoDesk/algodesk/internal/store"
	"golang.org/x/time/rate"
)

type State string

const (
	StateNotInitialized State = "not_initialized"
	StateIdle           State = "idle"
	StateAuthenticated  State = "authenticated"
)

// Session is the in-memory authenticated state.
type Session struct {
	UserID   int64     `json:"user_id"`
	Username string    `json:"username"`
	At       time.Time `json:"at"`
}

// Hasher is the slice of the vault this package consumes.
type Hasher interface {
	HashPassword(password string) (string, error)
	VerifyPassword(password, phc string) (bool, error)
}

type Manager struct {
	store  *store.Store
	hasher Hasher

	mu      sync.Mutex
	session *Session
	limiter *rate.Limiter
}

func NewManager(st *store.Store, hasher Hasher) *Manager {
	return &Manager{
		store:  st,
		hasher: hasher,
		// A handful of attempts per minute: burst of 5, refilling one
		// attempt every 12 seconds.
		limiter: rate.NewLimiter(rate.Every(12*time.Second), 5),
	}
}

// Setup creates the single local user. Rejects when one already exists.
func (m *Manager) Setup(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return apperrors.NewPayloadInvalid("username and password are required")
	}

	existing, err := m.store.GetUser(ctx)
	if err != nil {
		return apperrors.Wrap(err)
	}
	if existing != nil {
		return apperrors.New(apperrors.ErrAlreadyInitialized, "a local user already exists", nil)
	}

	// Hashing is CPU-bound Argon2id; callers invoke Setup off the hot
	// path so it simply runs inline here.
	hash, err := m.hasher.HashPassword(password)
	if err != nil {
		return err
	}
	if _, err := m.store.CreateUser(ctx, username, hash); err != nil {
		return apperrors.Wrap(err)
	}
	logger.Info("Local user created", "username", username)
	return nil
}

// Login verifies the password and moves the machine to Authenticated.
// Attempts are rate-limited; the limiter is charged whether or not the
// password matches, so a guesser cannot probe faster than the budget.
func (m *Manager) Login(ctx context.Context, username, password string) (*Session, error) {
	m.mu.Lock()
	res := m.limiter.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		m.mu.Unlock()
		return nil, apperrors.NewRateLimited("too many login attempts", delay)
	}
	m.mu.Unlock()

	user, err := m.store.GetUser(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	if user == nil {
		return nil, apperrors.New(apperrors.ErrNotAuthenticated, "no local user configured, run setup first", nil)
	}
	if user.Username != username {
		return nil, apperrors.New(apperrors.ErrNotAuthenticated, "invalid username or password", nil)
	}

	ok, err := m.hasher.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		logger.Warn("Login failed", "username", username)
		return nil, apperrors.New(apperrors.ErrNotAuthenticated, "invalid username or password", nil)
	}

	session := &Session{UserID: user.ID, Username: user.Username, At: time.Now()}
	m.mu.Lock()
	m.session = session
	m.mu.Unlock()
	logger.Info("Login succeeded", "username", username)
	return session, nil
}

// Logout clears the in-memory session. Idempotent.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
}

// CheckSession reports the current state without side effects.
func (m *Manager) CheckSession(ctx context.Context) (State, *Session, error) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session != nil {
		return StateAuthenticated, session, nil
	}

	user, err := m.store.GetUser(ctx)
	if err != nil {
		return StateIdle, nil, apperrors.Wrap(err)
	}
	if user == nil {
		return StateNotInitialized, nil, nil
	}
	return StateIdle, nil, nil
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}
