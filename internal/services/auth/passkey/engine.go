package passkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	apperrors "github.com/louisbranch/taskpass/internal/platform/errors"
	"github.com/louisbranch/taskpass/internal/platform/id"
	"github.com/louisbranch/taskpass/internal/platform/metrics"
	"github.com/louisbranch/taskpass/internal/services/auth/storage"
	"github.com/louisbranch/taskpass/internal/services/auth/user"
)

// Engine runs passkey registration and login ceremonies against a store.
//
// Every operation is request-scoped: a ceremony begins with an options call
// that mints a single-use challenge and finishes with a verify call that
// consumes it, win or lose.
type Engine struct {
	store       storage.Store
	webAuthn    *webauthn.WebAuthn
	config      Config
	clock       func() time.Time
	idGenerator func() (string, error)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithIDGenerator overrides user and ceremony id generation.
func WithIDGenerator(generator func() (string, error)) Option {
	return func(e *Engine) {
		if generator != nil {
			e.idGenerator = generator
		}
	}
}

// NewEngine builds a ceremony engine for the configured relying party.
func NewEngine(store storage.Store, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	webAuthn, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}

	engine := &Engine{
		store:       store,
		webAuthn:    webAuthn,
		config:      cfg,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// CeremonyOptions is the first half of a ceremony: the options payload the
// client forwards to its authenticator, plus the id naming the pending
// ceremony on the verify call.
type CeremonyOptions struct {
	CeremonyID  string
	OptionsJSON json.RawMessage
}

// Result reports a completed ceremony.
type Result struct {
	User         user.User
	CredentialID string
}

// BeginRegistration issues a registration challenge for the given handle.
// The user row is not created yet; a pending user id is minted here and
// becomes durable only when the ceremony completes.
func (e *Engine) BeginRegistration(ctx context.Context, username, displayName string) (CeremonyOptions, error) {
	if err := ctx.Err(); err != nil {
		return CeremonyOptions{}, err
	}

	input, err := user.NormalizeCreateUserInput(user.CreateUserInput{Username: username, DisplayName: displayName})
	if err != nil {
		return CeremonyOptions{}, err
	}

	ceremonyUser := &webAuthnUser{name: input.Username, displayName: input.DisplayName}
	existing, err := e.store.GetUserByUsername(ctx, input.Username)
	switch {
	case err == nil:
		// Re-registering under an existing handle adds a credential to that
		// account; its registered authenticators are excluded.
		ceremonyUser.id = existing.ID
		credentials, err := e.loadCredentials(ctx, existing.ID)
		if err != nil {
			return CeremonyOptions{}, err
		}
		ceremonyUser.credentials = credentials
	case errors.Is(err, storage.ErrNotFound):
		pendingID, err := e.idGenerator()
		if err != nil {
			return CeremonyOptions{}, fmt.Errorf("generate pending user id: %w", err)
		}
		ceremonyUser.id = pendingID
	default:
		return CeremonyOptions{}, fmt.Errorf("lookup user: %w", err)
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(ceremonyUser.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(ceremonyUser.credentials).CredentialDescriptors()))
	}

	creation, sessionData, err := e.webAuthn.BeginRegistration(ceremonyUser, options...)
	if err != nil {
		return CeremonyOptions{}, fmt.Errorf("begin registration: %w", err)
	}

	return e.storeCeremony(ctx, storage.CeremonyKindRegistration, ceremonyUser, sessionData, creation)
}

// FinishRegistration verifies an attestation response, persists the new
// credential, and creates the user when the handle was previously unseen.
func (e *Engine) FinishRegistration(ctx context.Context, ceremonyID string, response []byte) (Result, error) {
	result, err := e.finishRegistration(ctx, ceremonyID, response)
	if err != nil {
		metrics.RecordCeremonyFailure(metrics.CeremonyRegistration, string(apperrors.CodeOf(err)))
		return Result{}, err
	}
	metrics.RecordCeremonySuccess(metrics.CeremonyRegistration)
	return result, nil
}

func (e *Engine) finishRegistration(ctx context.Context, ceremonyID string, response []byte) (Result, error) {
	ceremony, sessionData, err := e.consumeCeremony(ctx, ceremonyID, storage.CeremonyKindRegistration)
	if err != nil {
		return Result{}, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeCeremonyMalformedResponse, "parse attestation response", err)
	}

	ceremonyUser := &webAuthnUser{id: ceremony.UserID, name: ceremony.Username, displayName: ceremony.DisplayName}
	owner, err := e.store.GetUser(ctx, ceremony.UserID)
	newUser := errors.Is(err, storage.ErrNotFound)
	if err != nil && !newUser {
		return Result{}, fmt.Errorf("lookup user: %w", err)
	}
	if !newUser {
		credentials, err := e.loadCredentials(ctx, owner.ID)
		if err != nil {
			return Result{}, err
		}
		ceremonyUser.credentials = credentials
	}

	credential, err := e.webAuthn.CreateCredential(ceremonyUser, sessionData, parsed)
	if err != nil {
		return Result{}, classifyVerification(err)
	}

	now := e.clock().UTC()
	if newUser {
		// The handle may have been claimed by another ceremony since begin.
		if _, err := e.store.GetUserByUsername(ctx, ceremony.Username); err == nil {
			return Result{}, apperrors.New(apperrors.CodeConflict, "username already registered")
		} else if !errors.Is(err, storage.ErrNotFound) {
			return Result{}, fmt.Errorf("lookup username: %w", err)
		}
		owner, err = user.CreateUser(ceremony.UserID, user.CreateUserInput{
			Username:    ceremony.Username,
			DisplayName: ceremony.DisplayName,
		}, e.clock)
		if err != nil {
			return Result{}, err
		}
		if err := e.store.PutUser(ctx, owner); err != nil {
			return Result{}, fmt.Errorf("create user: %w", err)
		}
	}

	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return Result{}, fmt.Errorf("encode credential: %w", err)
	}
	record := storage.Credential{
		CredentialID:   encodeCredentialID(credential.ID),
		UserID:         owner.ID,
		CredentialJSON: string(credentialJSON),
		SignCount:      credential.Authenticator.SignCount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.InsertCredential(ctx, record); err != nil {
		if newUser {
			_ = e.store.DeleteUser(ctx, owner.ID)
		}
		if errors.Is(err, storage.ErrDuplicateCredential) {
			return Result{}, ErrDuplicateCredential
		}
		return Result{}, fmt.Errorf("store credential: %w", err)
	}

	return Result{User: owner, CredentialID: record.CredentialID}, nil
}

// BeginLogin issues an authentication challenge. With a username the options
// list that account's credential ids; without one the ceremony stays unscoped
// for discoverable-credential flows.
func (e *Engine) BeginLogin(ctx context.Context, username string) (CeremonyOptions, error) {
	if err := ctx.Err(); err != nil {
		return CeremonyOptions{}, err
	}

	var (
		ceremonyUser *webAuthnUser
		assertion    *protocol.CredentialAssertion
		sessionData  *webauthn.SessionData
	)

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		var err error
		assertion, sessionData, err = e.webAuthn.BeginDiscoverableLogin()
		if err != nil {
			return CeremonyOptions{}, fmt.Errorf("begin discoverable login: %w", err)
		}
	} else {
		owner, err := e.store.GetUserByUsername(ctx, username)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return CeremonyOptions{}, ErrUnknownCredential
			}
			return CeremonyOptions{}, fmt.Errorf("lookup user: %w", err)
		}
		credentials, err := e.loadCredentials(ctx, owner.ID)
		if err != nil {
			return CeremonyOptions{}, err
		}
		if len(credentials) == 0 {
			return CeremonyOptions{}, ErrUnknownCredential
		}
		ceremonyUser = &webAuthnUser{id: owner.ID, name: owner.Username, displayName: owner.DisplayName, credentials: credentials}
		assertion, sessionData, err = e.webAuthn.BeginLogin(ceremonyUser)
		if err != nil {
			return CeremonyOptions{}, fmt.Errorf("begin login: %w", err)
		}
	}

	return e.storeCeremony(ctx, storage.CeremonyKindLogin, ceremonyUser, sessionData, assertion)
}

// FinishLogin verifies an assertion response and reports the authenticated
// user. The caller mints the session; a typed error here means no session.
func (e *Engine) FinishLogin(ctx context.Context, ceremonyID string, response []byte) (Result, error) {
	result, err := e.finishLogin(ctx, ceremonyID, response)
	if err != nil {
		metrics.RecordCeremonyFailure(metrics.CeremonyLogin, string(apperrors.CodeOf(err)))
		return Result{}, err
	}
	metrics.RecordCeremonySuccess(metrics.CeremonyLogin)
	return result, nil
}

func (e *Engine) finishLogin(ctx context.Context, ceremonyID string, response []byte) (Result, error) {
	ceremony, sessionData, err := e.consumeCeremony(ctx, ceremonyID, storage.CeremonyKindLogin)
	if err != nil {
		return Result{}, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeCeremonyMalformedResponse, "parse assertion response", err)
	}

	// The credential id is the only trustworthy correlator in the response;
	// any claimed user handle is checked against it, never the other way.
	credentialID := encodeCredentialID(parsed.RawID)
	stored, err := e.store.GetCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, ErrUnknownCredential
		}
		return Result{}, fmt.Errorf("lookup credential: %w", err)
	}
	if ceremony.UserID != "" && ceremony.UserID != stored.UserID {
		return Result{}, ErrScopeMismatch
	}

	owner, err := e.store.GetUser(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, ErrUnknownCredential
		}
		return Result{}, fmt.Errorf("lookup user: %w", err)
	}
	credentials, err := e.loadCredentials(ctx, owner.ID)
	if err != nil {
		return Result{}, err
	}
	ceremonyUser := &webAuthnUser{id: owner.ID, name: owner.Username, displayName: owner.DisplayName, credentials: credentials}

	var validated *webauthn.Credential
	if len(sessionData.UserID) > 0 {
		validated, err = e.webAuthn.ValidateLogin(ceremonyUser, sessionData, parsed)
	} else {
		validated, err = e.webAuthn.ValidateDiscoverableLogin(e.discoverableHandler(ceremonyUser), sessionData, parsed)
	}
	if err != nil {
		return Result{}, classifyVerification(err)
	}

	// The library only flags clone suspicion; regression is rejected here.
	// Equality is tolerated for authenticators that never increment.
	assertedCount := parsed.Response.AuthenticatorData.Counter
	if stored.SignCount > 0 && assertedCount < stored.SignCount {
		return Result{}, ErrCounterRegression
	}

	now := e.clock().UTC()
	validated.Authenticator.CloneWarning = false
	credentialJSON, err := json.Marshal(validated)
	if err != nil {
		return Result{}, fmt.Errorf("encode credential: %w", err)
	}
	updated := stored
	updated.CredentialJSON = string(credentialJSON)
	updated.SignCount = assertedCount
	updated.UpdatedAt = now
	updated.LastUsedAt = &now
	if err := e.store.UpdateCredentialCounter(ctx, credentialID, stored.SignCount, updated); err != nil {
		if errors.Is(err, storage.ErrCounterConflict) {
			// A concurrent authentication advanced the counter first; this
			// attempt is treated as a replay race loss.
			return Result{}, storage.ErrCounterConflict
		}
		return Result{}, fmt.Errorf("store credential: %w", err)
	}

	return Result{User: owner, CredentialID: credentialID}, nil
}

// Credentials lists the credentials registered to a user.
func (e *Engine) Credentials(ctx context.Context, userID string) ([]storage.Credential, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}
	return e.store.ListCredentialsByUser(ctx, userID)
}

// RemoveCredential deletes one of the user's credentials. Ownership is
// checked so a session cannot delete another account's credential.
func (e *Engine) RemoveCredential(ctx context.Context, userID, credentialID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("user id and credential id are required")
	}
	stored, err := e.store.GetCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUnknownCredential
		}
		return fmt.Errorf("lookup credential: %w", err)
	}
	if stored.UserID != userID {
		return ErrUnknownCredential
	}
	if err := e.store.DeleteCredential(ctx, credentialID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUnknownCredential
		}
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// DeleteAccount removes the user with all credentials and sessions.
func (e *Engine) DeleteAccount(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	return e.store.DeleteUser(ctx, userID)
}

func (e *Engine) storeCeremony(ctx context.Context, kind string, ceremonyUser *webAuthnUser, sessionData *webauthn.SessionData, options any) (CeremonyOptions, error) {
	if sessionData == nil {
		return CeremonyOptions{}, fmt.Errorf("session data is required")
	}

	now := e.clock().UTC()
	// Opportunistic cleanup; stale rows are also rejected on consume.
	_ = e.store.DeleteExpiredCeremonies(ctx, now)

	ceremonyID, err := e.idGenerator()
	if err != nil {
		return CeremonyOptions{}, fmt.Errorf("generate ceremony id: %w", err)
	}
	sessionJSON, err := json.Marshal(sessionData)
	if err != nil {
		return CeremonyOptions{}, fmt.Errorf("encode session data: %w", err)
	}

	ceremony := storage.Ceremony{
		ID:          ceremonyID,
		Kind:        kind,
		SessionJSON: string(sessionJSON),
		ExpiresAt:   now.Add(e.config.ChallengeTTL),
	}
	if ceremonyUser != nil {
		ceremony.UserID = ceremonyUser.id
		ceremony.Username = ceremonyUser.name
		ceremony.DisplayName = ceremonyUser.displayName
	}
	if err := e.store.PutCeremony(ctx, ceremony); err != nil {
		return CeremonyOptions{}, fmt.Errorf("store ceremony: %w", err)
	}

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return CeremonyOptions{}, fmt.Errorf("encode ceremony options: %w", err)
	}
	return CeremonyOptions{CeremonyID: ceremonyID, OptionsJSON: optionsJSON}, nil
}

func (e *Engine) consumeCeremony(ctx context.Context, ceremonyID, kind string) (storage.Ceremony, webauthn.SessionData, error) {
	ceremonyID = strings.TrimSpace(ceremonyID)
	if ceremonyID == "" {
		return storage.Ceremony{}, webauthn.SessionData{}, ErrChallengeNotFound
	}

	ceremony, err := e.store.ConsumeCeremony(ctx, ceremonyID, kind)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Ceremony{}, webauthn.SessionData{}, ErrChallengeNotFound
		}
		return storage.Ceremony{}, webauthn.SessionData{}, fmt.Errorf("consume ceremony: %w", err)
	}
	// The ceremony is gone either way; expiry fails closed.
	if ceremony.ExpiresAt.Before(e.clock().UTC()) {
		return storage.Ceremony{}, webauthn.SessionData{}, ErrChallengeExpired
	}

	var sessionData webauthn.SessionData
	if err := json.Unmarshal([]byte(ceremony.SessionJSON), &sessionData); err != nil {
		return storage.Ceremony{}, webauthn.SessionData{}, fmt.Errorf("decode session data: %w", err)
	}
	return ceremony, sessionData, nil
}

func (e *Engine) loadCredentials(ctx context.Context, userID string) ([]webauthn.Credential, error) {
	records, err := e.store.ListCredentialsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		var credential webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &credential); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.CredentialID, err)
		}
		credentials = append(credentials, credential)
	}
	return credentials, nil
}

// discoverableHandler resolves the user for a discoverable assertion. The
// engine already resolved the owner via the asserted credential id, so the
// handler only has to confirm the claimed user handle agrees.
func (e *Engine) discoverableHandler(owner *webAuthnUser) webauthn.DiscoverableUserHandler {
	return func(_, userHandle []byte) (webauthn.User, error) {
		if string(userHandle) != owner.id {
			return nil, ErrUnknownCredential
		}
		return owner, nil
	}
}

type webAuthnUser struct {
	id          string
	name        string
	displayName string
	credentials []webauthn.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	return []byte(u.id)
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.name
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	return u.displayName
}

func (u *webAuthnUser) WebAuthnIcon() string {
	return ""
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
