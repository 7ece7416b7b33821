// Package storage defines persistence contracts for the auth service.
package storage

import (
	"context"
	"time"

	apperrors "github.com/louisbranch/taskpass/internal/platform/errors"
	"github.com/louisbranch/taskpass/internal/services/auth/user"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrDuplicateCredential indicates a credential id is already registered,
// possibly to a different user. Uniqueness is enforced by the store itself so
// concurrent registrations of the same credential cannot both win.
var ErrDuplicateCredential = apperrors.New(apperrors.CodeCredentialDuplicate, "credential id already registered")

// ErrCounterConflict indicates a guarded sign counter update lost a race with
// a concurrent authentication of the same credential.
var ErrCounterConflict = apperrors.New(apperrors.CodeConflict, "sign counter changed concurrently")

// UserStore persists auth user records.
type UserStore interface {
	PutUser(ctx context.Context, u user.User) error
	GetUser(ctx context.Context, userID string) (user.User, error)
	GetUserByUsername(ctx context.Context, username string) (user.User, error)
	// DeleteUser removes the user together with their credentials and sessions.
	DeleteUser(ctx context.Context, userID string) error
}

// Credential stores a registered WebAuthn public-key credential.
//
// CredentialJSON is the canonical encoding of the full webauthn.Credential;
// SignCount is duplicated into its own column so counter updates can be a
// storage-level compare-and-swap.
type Credential struct {
	CredentialID   string
	UserID         string
	CredentialJSON string
	SignCount      uint32
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
}

// CredentialStore persists WebAuthn credentials.
type CredentialStore interface {
	// InsertCredential stores a new credential. It never overwrites: a
	// credential id collision returns ErrDuplicateCredential.
	InsertCredential(ctx context.Context, credential Credential) error
	GetCredential(ctx context.Context, credentialID string) (Credential, error)
	ListCredentialsByUser(ctx context.Context, userID string) ([]Credential, error)
	// UpdateCredentialCounter applies a guarded counter update: it succeeds
	// only when the stored counter still equals expected, otherwise it
	// returns ErrCounterConflict and leaves the record untouched.
	UpdateCredentialCounter(ctx context.Context, credentialID string, expected uint32, updated Credential) error
	DeleteCredential(ctx context.Context, credentialID string) error
}

// Ceremony kinds.
const (
	CeremonyKindRegistration = "registration"
	CeremonyKindLogin        = "login"
)

// Ceremony stores one issued challenge and its pending ceremony state.
//
// SessionJSON carries the serialized webauthn.SessionData, which includes the
// challenge bytes the authenticator response must echo back. UserID scopes
// the ceremony when known; login ceremonies without a username stay unscoped
// for discoverable-credential flows.
type Ceremony struct {
	ID          string
	Kind        string
	UserID      string
	Username    string
	DisplayName string
	SessionJSON string
	ExpiresAt   time.Time
}

// CeremonyStore persists issued challenges.
type CeremonyStore interface {
	PutCeremony(ctx context.Context, ceremony Ceremony) error
	// ConsumeCeremony atomically removes and returns the ceremony with the
	// given id and kind. At most one concurrent caller succeeds; all others
	// get ErrNotFound. Consumption happens whether or not the subsequent
	// verification succeeds, so a challenge can never be replayed.
	ConsumeCeremony(ctx context.Context, ceremonyID, kind string) (Ceremony, error)
	DeleteExpiredCeremonies(ctx context.Context, now time.Time) error
}

// Session stores proof of a completed authentication ceremony.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// SessionStore persists authenticated sessions.
type SessionStore interface {
	PutSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	RevokeSession(ctx context.Context, sessionID string, revokedAt time.Time) error
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteSessionsByUser(ctx context.Context, userID string) error
}

// Store aggregates every persistence concern the auth service needs.
type Store interface {
	UserStore
	CredentialStore
	CeremonyStore
	SessionStore
}
