// Package memory provides an in-memory auth store for tests and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/louisbranch/taskpass/internal/services/auth/storage"
	"github.com/louisbranch/taskpass/internal/services/auth/user"
)

// Store implements storage.Store with mutex-guarded maps.
type Store struct {
	mu          sync.Mutex
	users       map[string]user.User
	credentials map[string]storage.Credential
	ceremonies  map[string]storage.Ceremony
	sessions    map[string]storage.Session
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		users:       make(map[string]user.User),
		credentials: make(map[string]storage.Credential),
		ceremonies:  make(map[string]storage.Ceremony),
		sessions:    make(map[string]storage.Session),
	}
}

func (s *Store) PutUser(ctx context.Context, u user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found, ok := s.users[userID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return found, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, found := range s.users {
		if found.Username == username {
			return found, nil
		}
	}
	return user.User{}, storage.ErrNotFound
}

// DeleteUser removes the user and cascades to credentials and sessions.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.users, userID)
	for id, credential := range s.credentials {
		if credential.UserID == userID {
			delete(s.credentials, id)
		}
	}
	for id, session := range s.sessions {
		if session.UserID == userID {
			delete(s.sessions, id)
		}
	}
	return nil
}

func (s *Store) InsertCredential(ctx context.Context, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.credentials[credential.CredentialID]; exists {
		return storage.ErrDuplicateCredential
	}
	s.credentials[credential.CredentialID] = credential
	return nil
}

func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.credentials[credentialID]
	if !ok {
		return storage.Credential{}, storage.ErrNotFound
	}
	return credential, nil
}

func (s *Store) ListCredentialsByUser(ctx context.Context, userID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	credentials := make([]storage.Credential, 0)
	for _, credential := range s.credentials {
		if credential.UserID == userID {
			credentials = append(credentials, credential)
		}
	}
	return credentials, nil
}

// UpdateCredentialCounter applies the guarded counter update under the store lock.
func (s *Store) UpdateCredentialCounter(ctx context.Context, credentialID string, expected uint32, updated storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.credentials[credentialID]
	if !ok {
		return storage.ErrNotFound
	}
	if current.SignCount != expected {
		return storage.ErrCounterConflict
	}
	updated.CredentialID = credentialID
	updated.UserID = current.UserID
	updated.CreatedAt = current.CreatedAt
	s.credentials[credentialID] = updated
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[credentialID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.credentials, credentialID)
	return nil
}

func (s *Store) PutCeremony(ctx context.Context, ceremony storage.Ceremony) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ceremonies[ceremony.ID] = ceremony
	return nil
}

// ConsumeCeremony removes and returns the ceremony under the store lock, so
// two concurrent consumers cannot both succeed.
func (s *Store) ConsumeCeremony(ctx context.Context, ceremonyID, kind string) (storage.Ceremony, error) {
	if err := ctx.Err(); err != nil {
		return storage.Ceremony{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ceremony, ok := s.ceremonies[ceremonyID]
	if !ok || ceremony.Kind != kind {
		return storage.Ceremony{}, storage.ErrNotFound
	}
	delete(s.ceremonies, ceremonyID)
	return ceremony, nil
}

func (s *Store) DeleteExpiredCeremonies(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ceremony := range s.ceremonies {
		if ceremony.ExpiresAt.Before(now) {
			delete(s.ceremonies, id)
		}
	}
	return nil
}

func (s *Store) PutSession(ctx context.Context, session storage.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return storage.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return session, nil
}

func (s *Store) RevokeSession(ctx context.Context, sessionID string, revokedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok || session.RevokedAt != nil {
		return storage.ErrNotFound
	}
	at := revokedAt.UTC()
	session.RevokedAt = &at
	s.sessions[sessionID] = session
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *Store) DeleteSessionsByUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, session := range s.sessions {
		if session.UserID == userID {
			delete(s.sessions, id)
		}
	}
	return nil
}
