// Package session issues and validates durable server-side sessions. A
// session row is proof of one completed authentication ceremony; the token
// handed to clients is the row id, opaque and revocable.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/taskpass/internal/platform/errors"
	"github.com/louisbranch/taskpass/internal/platform/id"
	"github.com/louisbranch/taskpass/internal/platform/metrics"
	"github.com/louisbranch/taskpass/internal/services/auth/storage"
	"github.com/louisbranch/taskpass/internal/services/auth/user"
)

// DefaultTTL is the absolute session lifetime measured from authentication.
const DefaultTTL = 24 * time.Hour

var (
	// ErrInvalid indicates a token that does not name a live session.
	ErrInvalid = apperrors.New(apperrors.CodeSessionInvalid, "session invalid")
	// ErrExpired indicates a session past its absolute TTL.
	ErrExpired = apperrors.New(apperrors.CodeSessionExpired, "session expired")
)

// Store is the slice of persistence the manager needs: session rows plus the
// user lookup that keeps sessions from outliving their account.
type Store interface {
	storage.SessionStore
	GetUser(ctx context.Context, userID string) (user.User, error)
}

// Manager mints, validates, and destroys sessions.
//
// Expiry is lazy: validation recomputes it from the stored timestamps on
// every check, so no background sweeper is needed.
type Manager struct {
	store       Store
	ttl         time.Duration
	clock       func() time.Time
	idGenerator func() (string, error)
}

// Option customizes a Manager.
type Option func(*Manager)

// WithTTL overrides the session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the manager clock.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithIDGenerator overrides token generation.
func WithIDGenerator(generator func() (string, error)) Option {
	return func(m *Manager) {
		if generator != nil {
			m.idGenerator = generator
		}
	}
}

// NewManager builds a session manager over the given store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		ttl:         DefaultTTL,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create mints a session for an authenticated user.
func (m *Manager) Create(ctx context.Context, userID string) (storage.Session, error) {
	if m == nil || m.store == nil {
		return storage.Session{}, fmt.Errorf("session store is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return storage.Session{}, fmt.Errorf("user id is required")
	}

	token, err := m.idGenerator()
	if err != nil {
		return storage.Session{}, fmt.Errorf("generate session token: %w", err)
	}

	now := m.clock().UTC()
	session := storage.Session{
		ID:        token,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.PutSession(ctx, session); err != nil {
		return storage.Session{}, fmt.Errorf("store session: %w", err)
	}
	metrics.SessionsIssuedTotal.Inc()
	return session, nil
}

// Validate resolves a token to its user. Expired sessions are deleted on
// sight; a session whose user no longer exists is destroyed and reported
// invalid rather than surfacing a lookup error.
func (m *Manager) Validate(ctx context.Context, token string) (user.User, error) {
	if m == nil || m.store == nil {
		return user.User{}, fmt.Errorf("session store is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return user.User{}, ErrInvalid
	}

	session, err := m.store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return user.User{}, ErrInvalid
		}
		return user.User{}, fmt.Errorf("load session: %w", err)
	}
	if session.RevokedAt != nil {
		return user.User{}, ErrInvalid
	}
	if !m.clock().UTC().Before(session.ExpiresAt) {
		_ = m.store.DeleteSession(ctx, token)
		return user.User{}, ErrExpired
	}

	owner, err := m.store.GetUser(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = m.store.DeleteSession(ctx, token)
			return user.User{}, ErrInvalid
		}
		return user.User{}, fmt.Errorf("load session user: %w", err)
	}
	return owner, nil
}

// Destroy revokes a session. Unknown tokens report ErrInvalid.
func (m *Manager) Destroy(ctx context.Context, token string) error {
	if m == nil || m.store == nil {
		return fmt.Errorf("session store is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalid
	}
	if err := m.store.RevokeSession(ctx, token, m.clock().UTC()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalid
		}
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}
