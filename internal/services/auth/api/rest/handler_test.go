package rest

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/louisbranch/taskpass/internal/services/auth/api/rest/sessioncookie"
	"github.com/louisbranch/taskpass/internal/services/auth/passkey"
	"github.com/louisbranch/taskpass/internal/services/auth/session"
	"github.com/louisbranch/taskpass/internal/services/auth/storage/memory"
)

type apiFixture struct {
	server *httptest.Server
	client *http.Client
	rp     virtualwebauthn.RelyingParty
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store := memory.New()
	cfg := passkey.Config{
		Environment:   passkey.EnvDevelopment,
		RPDisplayName: "TaskPass",
		RPID:          "example.com",
		RPOrigins:     []string{"https://example.com"},
		ChallengeTTL:  5 * time.Minute,
	}
	engine, err := passkey.NewEngine(store, cfg)
	require.NoError(t, err)

	sessions := session.NewManager(store)
	handler := NewHandler(engine, sessions, slog.New(slog.NewTextHandler(io.Discard, nil)), false)

	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &apiFixture{
		server: server,
		client: &http.Client{Jar: jar},
		rp: virtualwebauthn.RelyingParty{
			Name:   cfg.RPDisplayName,
			ID:     cfg.RPID,
			Origin: cfg.RPOrigins[0],
		},
	}
}

func (f *apiFixture) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	response, err := f.client.Post(f.server.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	return response, data
}

func (f *apiFixture) do(t *testing.T, method, path string) (*http.Response, []byte) {
	t.Helper()
	request, err := http.NewRequest(method, f.server.URL+path, nil)
	require.NoError(t, err)
	response, err := f.client.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	return response, data
}

// unwrapPublicKey strips the {"publicKey": ...} envelope for the virtual
// authenticator.
func unwrapPublicKey(t *testing.T, optionsJSON []byte) string {
	t.Helper()
	var wrapper struct {
		PublicKey json.RawMessage `json:"publicKey"`
	}
	require.NoError(t, json.Unmarshal(optionsJSON, &wrapper))
	require.NotEmpty(t, wrapper.PublicKey)
	return string(wrapper.PublicKey)
}

type ceremonyEnvelope struct {
	CeremonyID string          `json:"ceremony_id"`
	Options    json.RawMessage `json:"options"`
}

type verifyEnvelope struct {
	Success bool   `json:"success"`
	UserID  string `json:"user_id"`
	Error   string `json:"error"`
}

func (f *apiFixture) register(t *testing.T, username string, authenticator *virtualwebauthn.Authenticator, credential *virtualwebauthn.Credential) verifyEnvelope {
	t.Helper()

	response, body := f.postJSON(t, "/passkeys/register/options", map[string]string{
		"username":     username,
		"display_name": username,
	})
	require.Equal(t, http.StatusOK, response.StatusCode, string(body))

	var envelope ceremonyEnvelope
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.NotEmpty(t, envelope.CeremonyID)

	parsed, err := virtualwebauthn.ParseAttestationOptions(unwrapPublicKey(t, envelope.Options))
	require.NoError(t, err)
	attestation := virtualwebauthn.CreateAttestationResponse(f.rp, *authenticator, *credential, *parsed)

	response, body = f.postJSON(t, "/passkeys/register/verify", map[string]any{
		"ceremony_id": envelope.CeremonyID,
		"response":    json.RawMessage(attestation),
	})
	require.Equal(t, http.StatusOK, response.StatusCode, string(body))

	var result verifyEnvelope
	require.NoError(t, json.Unmarshal(body, &result))
	require.True(t, result.Success)
	require.NotEmpty(t, result.UserID)
	return result
}

func TestRegistrationFlowIssuesSessionCookie(t *testing.T) {
	fixture := newAPIFixture(t)

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	fixture.register(t, "alice", &authenticator, &credential)

	// The session cookie from registration authorizes management endpoints.
	response, body := fixture.do(t, http.MethodGet, "/passkeys")
	require.Equal(t, http.StatusOK, response.StatusCode, string(body))

	var credentials []map[string]any
	require.NoError(t, json.Unmarshal(body, &credentials))
	assert.Len(t, credentials, 1)
}

func TestLoginFlow(t *testing.T) {
	fixture := newAPIFixture(t)

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	registered := fixture.register(t, "alice", &authenticator, &credential)
	authenticator.AddCredential(credential)

	response, body := fixture.postJSON(t, "/passkeys/login/options", map[string]string{"username": "alice"})
	require.Equal(t, http.StatusOK, response.StatusCode, string(body))

	var envelope ceremonyEnvelope
	require.NoError(t, json.Unmarshal(body, &envelope))

	parsed, err := virtualwebauthn.ParseAssertionOptions(unwrapPublicKey(t, envelope.Options))
	require.NoError(t, err)
	credential.Counter = 1
	assertion := virtualwebauthn.CreateAssertionResponse(fixture.rp, authenticator, credential, *parsed)

	response, body = fixture.postJSON(t, "/passkeys/login/verify", map[string]any{
		"ceremony_id": envelope.CeremonyID,
		"response":    json.RawMessage(assertion),
	})
	require.Equal(t, http.StatusOK, response.StatusCode, string(body))

	var result verifyEnvelope
	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.Success)
	assert.Equal(t, registered.UserID, result.UserID)
}

func TestLoginVerifyFailureIsGeneric(t *testing.T) {
	fixture := newAPIFixture(t)

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	fixture.register(t, "alice", &authenticator, &credential)
	authenticator.AddCredential(credential)

	response, body := fixture.postJSON(t, "/passkeys/login/options", map[string]string{"username": "alice"})
	require.Equal(t, http.StatusOK, response.StatusCode, string(body))

	var envelope ceremonyEnvelope
	require.NoError(t, json.Unmarshal(body, &envelope))

	// A forged key signs with the right credential id but the wrong key.
	parsed, err := virtualwebauthn.ParseAssertionOptions(unwrapPublicKey(t, envelope.Options))
	require.NoError(t, err)
	forged := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	forged.ID = credential.ID
	assertion := virtualwebauthn.CreateAssertionResponse(fixture.rp, authenticator, forged, *parsed)

	response, body = fixture.postJSON(t, "/passkeys/login/verify", map[string]any{
		"ceremony_id": envelope.CeremonyID,
		"response":    json.RawMessage(assertion),
	})
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)

	var result verifyEnvelope
	require.NoError(t, json.Unmarshal(body, &result))
	assert.False(t, result.Success)
	// The body must not leak which check failed.
	assert.Equal(t, "authentication failed", result.Error)
}

func TestUnknownUsernameLooksLikeFailedLogin(t *testing.T) {
	fixture := newAPIFixture(t)

	response, body := fixture.postJSON(t, "/passkeys/login/options", map[string]string{"username": "nobody"})
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)

	var result verifyEnvelope
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "authentication failed", result.Error)
}

func TestInvalidUsernameRejectedAtOptions(t *testing.T) {
	fixture := newAPIFixture(t)

	response, _ := fixture.postJSON(t, "/passkeys/register/options", map[string]string{"username": "no spaces allowed"})
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
}

func TestLogoutInvalidatesSession(t *testing.T) {
	fixture := newAPIFixture(t)

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	fixture.register(t, "alice", &authenticator, &credential)

	response, _ := fixture.do(t, http.MethodPost, "/logout")
	require.Equal(t, http.StatusOK, response.StatusCode)

	response, _ = fixture.do(t, http.MethodGet, "/passkeys")
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)
}

func TestDeleteCredential(t *testing.T) {
	fixture := newAPIFixture(t)

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	fixture.register(t, "alice", &authenticator, &credential)

	_, body := fixture.do(t, http.MethodGet, "/passkeys")
	var credentials []struct {
		CredentialID string `json:"credential_id"`
	}
	require.NoError(t, json.Unmarshal(body, &credentials))
	require.Len(t, credentials, 1)

	response, _ := fixture.do(t, http.MethodDelete, "/passkeys/"+credentials[0].CredentialID)
	require.Equal(t, http.StatusOK, response.StatusCode)

	_, body = fixture.do(t, http.MethodGet, "/passkeys")
	require.NoError(t, json.Unmarshal(body, &credentials))
	assert.Empty(t, credentials)
}

func TestDeleteAccountCascadesAndEndsSession(t *testing.T) {
	fixture := newAPIFixture(t)

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	fixture.register(t, "alice", &authenticator, &credential)

	response, _ := fixture.do(t, http.MethodDelete, "/account")
	require.Equal(t, http.StatusOK, response.StatusCode)

	response, _ = fixture.do(t, http.MethodGet, "/passkeys")
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)

	// The handle is free again after deletion.
	response, _ = fixture.postJSON(t, "/passkeys/register/options", map[string]string{"username": "alice"})
	require.Equal(t, http.StatusOK, response.StatusCode)
}

func TestHealthz(t *testing.T) {
	fixture := newAPIFixture(t)
	response, body := fixture.do(t, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, response.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestMetricsExposed(t *testing.T) {
	fixture := newAPIFixture(t)
	response, body := fixture.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, response.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestSessionCookieAttributes(t *testing.T) {
	fixture := newAPIFixture(t)

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	response, body := fixture.postJSON(t, "/passkeys/register/options", map[string]string{"username": "alice"})
	require.Equal(t, http.StatusOK, response.StatusCode)

	var envelope ceremonyEnvelope
	require.NoError(t, json.Unmarshal(body, &envelope))
	parsed, err := virtualwebauthn.ParseAttestationOptions(unwrapPublicKey(t, envelope.Options))
	require.NoError(t, err)
	attestation := virtualwebauthn.CreateAttestationResponse(fixture.rp, authenticator, credential, *parsed)

	// Plain client without a jar so the raw Set-Cookie header is observable.
	payload, err := json.Marshal(map[string]any{
		"ceremony_id": envelope.CeremonyID,
		"response":    json.RawMessage(attestation),
	})
	require.NoError(t, err)
	verifyResponse, err := http.Post(fixture.server.URL+"/passkeys/register/verify", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer verifyResponse.Body.Close()

	cookies := verifyResponse.Cookies()
	require.Len(t, cookies, 1)
	cookie := cookies[0]
	assert.Equal(t, sessioncookie.Name, cookie.Name)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, "/", cookie.Path)
	// The cookie lifetime tracks the server-side session TTL.
	assert.Positive(t, cookie.MaxAge)
	assert.InDelta(t, int(session.DefaultTTL/time.Second), cookie.MaxAge, 5)
}
