package passkey

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/louisbranch/taskpass/internal/services/auth/storage"
	"github.com/louisbranch/taskpass/internal/services/auth/storage/memory"
)

type engineFixture struct {
	engine *Engine
	store  *memory.Store
	rp     virtualwebauthn.RelyingParty
	now    time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	cfg := Config{
		Environment:   EnvDevelopment,
		RPDisplayName: "TaskPass",
		RPID:          "example.com",
		RPOrigins:     []string{"https://example.com"},
		ChallengeTTL:  5 * time.Minute,
	}

	fixture := &engineFixture{
		store: memory.New(),
		rp: virtualwebauthn.RelyingParty{
			Name:   cfg.RPDisplayName,
			ID:     cfg.RPID,
			Origin: cfg.RPOrigins[0],
		},
		now: time.Now().UTC(),
	}

	engine, err := NewEngine(fixture.store, cfg, WithClock(func() time.Time { return fixture.now }))
	require.NoError(t, err)
	fixture.engine = engine
	return fixture
}

// unwrapPublicKey strips the {"publicKey": ...} envelope the browser API
// expects, leaving the bare options the virtual authenticator parses.
func unwrapPublicKey(t *testing.T, optionsJSON []byte) string {
	t.Helper()
	var wrapper struct {
		PublicKey json.RawMessage `json:"publicKey"`
	}
	require.NoError(t, json.Unmarshal(optionsJSON, &wrapper))
	require.NotEmpty(t, wrapper.PublicKey)
	return string(wrapper.PublicKey)
}

func (f *engineFixture) register(t *testing.T, username, displayName string, authenticator *virtualwebauthn.Authenticator, credential *virtualwebauthn.Credential) (Result, error) {
	t.Helper()
	ctx := context.Background()

	options, err := f.engine.BeginRegistration(ctx, username, displayName)
	require.NoError(t, err)
	require.NotEmpty(t, options.CeremonyID)

	parsed, err := virtualwebauthn.ParseAttestationOptions(unwrapPublicKey(t, options.OptionsJSON))
	require.NoError(t, err)

	response := virtualwebauthn.CreateAttestationResponse(f.rp, *authenticator, *credential, *parsed)
	return f.engine.FinishRegistration(ctx, options.CeremonyID, []byte(response))
}

func (f *engineFixture) login(t *testing.T, username string, authenticator *virtualwebauthn.Authenticator, credential *virtualwebauthn.Credential) (Result, error) {
	t.Helper()
	ctx := context.Background()

	options, err := f.engine.BeginLogin(ctx, username)
	require.NoError(t, err)

	parsed, err := virtualwebauthn.ParseAssertionOptions(unwrapPublicKey(t, options.OptionsJSON))
	require.NoError(t, err)

	response := virtualwebauthn.CreateAssertionResponse(f.rp, *authenticator, *credential, *parsed)
	return f.engine.FinishLogin(ctx, options.CeremonyID, []byte(response))
}

func TestRegistrationCreatesUserAndCredential(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	result, err := fixture.register(t, "alice", "Alice", &authenticator, &credential)
	require.NoError(t, err)
	require.NotEmpty(t, result.User.ID)
	assert.Equal(t, "alice", result.User.Username)
	assert.Equal(t, "Alice", result.User.DisplayName)
	require.NotEmpty(t, result.CredentialID)

	stored, err := fixture.store.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, result.User.ID, stored.ID)

	credentials, err := fixture.store.ListCredentialsByUser(ctx, stored.ID)
	require.NoError(t, err)
	require.Len(t, credentials, 1)
	assert.Equal(t, result.CredentialID, credentials[0].CredentialID)
}

func TestRegistrationStoredPublicKeyRoundTrips(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	result, err := fixture.register(t, "alice", "Alice", &authenticator, &credential)
	require.NoError(t, err)

	stored, err := fixture.store.GetCredential(ctx, result.CredentialID)
	require.NoError(t, err)

	decoded, err := fixture.engine.loadCredentials(ctx, stored.UserID)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	require.NotEmpty(t, decoded[0].PublicKey)

	reencoded, err := json.Marshal(decoded[0])
	require.NoError(t, err)
	assert.JSONEq(t, stored.CredentialJSON, string(reencoded))
}

func TestRegistrationStoresOnlyPublicKeyMaterial(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	result, err := fixture.register(t, "alice", "Alice", &authenticator, &credential)
	require.NoError(t, err)

	stored, err := fixture.store.GetCredential(ctx, result.CredentialID)
	require.NoError(t, err)

	decoded, err := fixture.engine.loadCredentials(ctx, stored.UserID)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	publicKey := decoded[0].PublicKey
	require.NotEmpty(t, publicKey)

	// The relying party only ever sees the public half, so the stored key
	// must be COSE public-key material and nothing that any private-key
	// format recognizes.
	_, err = webauthncose.ParsePublicKey(publicKey)
	require.NoError(t, err, "stored key is not valid COSE public-key material")

	if _, err := x509.ParsePKCS8PrivateKey(publicKey); err == nil {
		t.Fatal("stored key parses as a PKCS#8 private key")
	}
	if _, err := x509.ParseECPrivateKey(publicKey); err == nil {
		t.Fatal("stored key parses as an EC private key")
	}
}

func TestRegistrationRejectsDuplicateCredentialID(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	_, err := fixture.register(t, "alice", "Alice", &authenticator, &credential)
	require.NoError(t, err)

	_, err = fixture.register(t, "bob", "Bob", &authenticator, &credential)
	require.ErrorIs(t, err, ErrDuplicateCredential)

	// The failed ceremony must not leave a half-created account behind.
	_, err = fixture.store.GetUserByUsername(ctx, "bob")
	require.ErrorIs(t, err, storage.ErrNotFound)

	alice, err := fixture.store.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	credentials, err := fixture.store.ListCredentialsByUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Len(t, credentials, 1)
}

func TestRegistrationRejectsExpiredChallenge(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	options, err := fixture.engine.BeginRegistration(ctx, "alice", "Alice")
	require.NoError(t, err)

	parsed, err := virtualwebauthn.ParseAttestationOptions(unwrapPublicKey(t, options.OptionsJSON))
	require.NoError(t, err)
	response := virtualwebauthn.CreateAttestationResponse(fixture.rp, authenticator, credential, *parsed)

	fixture.now = fixture.now.Add(10 * time.Minute)

	_, err = fixture.engine.FinishRegistration(ctx, options.CeremonyID, []byte(response))
	require.ErrorIs(t, err, ErrChallengeExpired)

	_, err = fixture.store.GetUserByUsername(ctx, "alice")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRegistrationRejectsMalformedResponse(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	options, err := fixture.engine.BeginRegistration(ctx, "alice", "Alice")
	require.NoError(t, err)

	_, err = fixture.engine.FinishRegistration(ctx, options.CeremonyID, []byte("not json"))
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestLoginSucceedsAndAdvancesCounter(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	registered, err := fixture.register(t, "alice", "Alice", &authenticator, &credential)
	require.NoError(t, err)
	authenticator.AddCredential(credential)

	credential.Counter = 5
	result, err := fixture.login(t, "alice", &authenticator, &credential)
	require.NoError(t, err)
	assert.Equal(t, registered.User.ID, result.User.ID)

	stored, err := fixture.store.GetCredential(ctx, registered.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), stored.SignCount)
	require.NotNil(t, stored.LastUsedAt)
}

func TestLoginChallengeIsSingleUse(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	_, err := fixture.register(t, "alice", "Alice", &authenticator, &credential)
	require.NoError(t, err)
	authenticator.AddCredential(credential)

	options, err := fixture.engine.BeginLogin(ctx, "alice")
	require.NoError(t, err)

	parsed, err := virtualwebauthn.ParseAssertionOptions(unwrapPublicKey(t, options.OptionsJSON))
	require.NoError(t, err)
	credential.Counter = 1
	response := virtualwebauthn.CreateAssertionResponse(fixture.rp, authenticator, credential, *parsed)

	_, err = fixture.engine.FinishLogin(ctx, options.CeremonyID, []byte(response))
	require.NoError(t, err)

	// Replaying the same response against the consumed challenge fails.
	_, err = fixture.engine.FinishLogin(ctx, options.CeremonyID, []byte(response))
	require.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestLoginRejectsTamperedSignature(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	registered, err := fixture.register(t, "alice", "Alice", &authenticator, &credential)
	require.NoError(t, err)
	authenticator.AddCredential(credential)

	// Same credential id, different private key: the signature cannot verify
	// under the stored public key.
	forged := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	forged.ID = credential.ID
	forged.Counter = 10

	_, err = fixture.login(t, "alice", &authenticator, &forged)
	require.ErrorIs(t, err, ErrSignatureInvalid)

	stored, err := fixture.store.GetCredential(ctx, registered.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), stored.SignCount, "sign count must not move on a rejected assertion")
}

func TestLoginRejectsCounterRegression(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	registered, err := fixture.register(t, "alice", "Alice", &authenticator, &credential)
	require.NoError(t, err)
	authenticator.AddCredential(credential)

	credential.Counter = 5
	_, err = fixture.login(t, "alice", &authenticator, &credential)
	require.NoError(t, err)

	// A cloned authenticator replays with a stale counter. The signature is
	// valid, but the regression must still reject without touching storage.
	credential.Counter = 3
	_, err = fixture.login(t, "alice", &authenticator, &credential)
	require.ErrorIs(t, err, ErrCounterRegression)

	stored, err := fixture.store.GetCredential(ctx, registered.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), stored.SignCount)
}

func TestLoginToleratesZeroCounters(t *testing.T) {
	fixture := newEngineFixture(t)

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	_, err := fixture.register(t, "alice", "Alice", &authenticator, &credential)
	require.NoError(t, err)
	authenticator.AddCredential(credential)

	// Authenticators that never increment report zero forever; two logins in
	// a row must both succeed.
	_, err = fixture.login(t, "alice", &authenticator, &credential)
	require.NoError(t, err)
	_, err = fixture.login(t, "alice", &authenticator, &credential)
	require.NoError(t, err)
}

func TestLoginUnknownUsername(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	_, err := fixture.engine.BeginLogin(ctx, "nobody")
	require.ErrorIs(t, err, ErrUnknownCredential)
}

func TestDiscoverableLogin(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	registered, err := fixture.register(t, "alice", "Alice", &authenticator, &credential)
	require.NoError(t, err)

	// Discoverable assertions carry the user handle from the authenticator.
	discoverable := virtualwebauthn.NewAuthenticatorWithOptions(virtualwebauthn.AuthenticatorOptions{
		UserHandle: []byte(registered.User.ID),
	})
	discoverable.AddCredential(credential)

	options, err := fixture.engine.BeginLogin(ctx, "")
	require.NoError(t, err)

	parsed, err := virtualwebauthn.ParseAssertionOptions(unwrapPublicKey(t, options.OptionsJSON))
	require.NoError(t, err)
	credential.Counter = 1
	response := virtualwebauthn.CreateAssertionResponse(fixture.rp, discoverable, credential, *parsed)

	result, err := fixture.engine.FinishLogin(ctx, options.CeremonyID, []byte(response))
	require.NoError(t, err)
	assert.Equal(t, registered.User.ID, result.User.ID)
}

func TestRemoveCredentialChecksOwnership(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	aliceAuth := virtualwebauthn.NewAuthenticator()
	aliceCred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	alice, err := fixture.register(t, "alice", "Alice", &aliceAuth, &aliceCred)
	require.NoError(t, err)

	bobAuth := virtualwebauthn.NewAuthenticator()
	bobCred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	bob, err := fixture.register(t, "bob", "Bob", &bobAuth, &bobCred)
	require.NoError(t, err)

	err = fixture.engine.RemoveCredential(ctx, bob.User.ID, alice.CredentialID)
	require.ErrorIs(t, err, ErrUnknownCredential)

	require.NoError(t, fixture.engine.RemoveCredential(ctx, alice.User.ID, alice.CredentialID))

	credentials, err := fixture.engine.Credentials(ctx, alice.User.ID)
	require.NoError(t, err)
	assert.Empty(t, credentials)
}

func TestDeleteAccountCascades(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	registered, err := fixture.register(t, "alice", "Alice", &authenticator, &credential)
	require.NoError(t, err)

	require.NoError(t, fixture.engine.DeleteAccount(ctx, registered.User.ID))

	_, err = fixture.store.GetUser(ctx, registered.User.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = fixture.store.GetCredential(ctx, registered.CredentialID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
