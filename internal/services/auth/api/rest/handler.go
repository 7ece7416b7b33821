// Package rest exposes the passkey ceremonies over HTTP/JSON.
//
// Every verification failure is reported to clients as the same generic
// message; the specific failure kind goes to logs and metrics only, so a
// probing client cannot learn which check rejected it.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/louisbranch/taskpass/internal/platform/errors"
	"github.com/louisbranch/taskpass/internal/services/auth/api/rest/sessioncookie"
	"github.com/louisbranch/taskpass/internal/services/auth/passkey"
	"github.com/louisbranch/taskpass/internal/services/auth/session"
	"github.com/louisbranch/taskpass/internal/services/auth/user"
)

const genericAuthFailure = "authentication failed"

// Handler serves the auth HTTP API.
type Handler struct {
	engine        *passkey.Engine
	sessions      *session.Manager
	logger        *slog.Logger
	secureCookies bool
}

// NewHandler builds the HTTP handler around the ceremony engine and session
// manager. Secure cookies are enabled for production deployments.
func NewHandler(engine *passkey.Engine, sessions *session.Manager, logger *slog.Logger, secureCookies bool) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:        engine,
		sessions:      sessions,
		logger:        logger,
		secureCookies: secureCookies,
	}
}

// Routes mounts every endpoint on a fresh router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/passkeys/register/options", h.registerOptions)
	r.Post("/passkeys/register/verify", h.registerVerify)
	r.Post("/passkeys/login/options", h.loginOptions)
	r.Post("/passkeys/login/verify", h.loginVerify)
	r.Post("/logout", h.logout)

	r.Group(func(r chi.Router) {
		r.Use(h.requireSession)
		r.Get("/passkeys", h.listCredentials)
		r.Delete("/passkeys/{credentialID}", h.deleteCredential)
		r.Delete("/account", h.deleteAccount)
	})

	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

type optionsRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

type optionsResponse struct {
	CeremonyID string          `json:"ceremony_id"`
	Options    json.RawMessage `json:"options"`
}

type verifyRequest struct {
	CeremonyID string          `json:"ceremony_id"`
	Response   json.RawMessage `json:"response"`
}

type verifyResponse struct {
	Success bool   `json:"success"`
	UserID  string `json:"user_id,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (h *Handler) registerOptions(w http.ResponseWriter, r *http.Request) {
	var req optionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	options, err := h.engine.BeginRegistration(r.Context(), req.Username, req.DisplayName)
	if err != nil {
		h.rejectBegin(w, "registration options refused", err)
		return
	}
	h.writeJSON(w, http.StatusOK, optionsResponse{CeremonyID: options.CeremonyID, Options: options.OptionsJSON})
}

func (h *Handler) registerVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.engine.FinishRegistration(r.Context(), req.CeremonyID, req.Response)
	if err != nil {
		h.rejectCeremony(w, "registration rejected", err)
		return
	}

	// Registering a passkey establishes identity, so it doubles as a login.
	authSession, err := h.sessions.Create(r.Context(), result.User.ID)
	if err != nil {
		h.logger.Error("session create failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, genericAuthFailure)
		return
	}

	sessioncookie.Write(w, authSession.ID, time.Until(authSession.ExpiresAt), h.secureCookies)
	h.writeJSON(w, http.StatusOK, verifyResponse{Success: true, UserID: result.User.ID})
}

func (h *Handler) loginOptions(w http.ResponseWriter, r *http.Request) {
	var req optionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	options, err := h.engine.BeginLogin(r.Context(), req.Username)
	if err != nil {
		h.rejectBegin(w, "login options refused", err)
		return
	}
	h.writeJSON(w, http.StatusOK, optionsResponse{CeremonyID: options.CeremonyID, Options: options.OptionsJSON})
}

func (h *Handler) loginVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.engine.FinishLogin(r.Context(), req.CeremonyID, req.Response)
	if err != nil {
		h.rejectCeremony(w, "login rejected", err)
		return
	}

	authSession, err := h.sessions.Create(r.Context(), result.User.ID)
	if err != nil {
		h.logger.Error("session create failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, genericAuthFailure)
		return
	}

	sessioncookie.Write(w, authSession.ID, time.Until(authSession.ExpiresAt), h.secureCookies)
	h.writeJSON(w, http.StatusOK, verifyResponse{Success: true, UserID: result.User.ID})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if token, ok := sessioncookie.Read(r); ok {
		if err := h.sessions.Destroy(r.Context(), token); err != nil && !errors.Is(err, session.ErrInvalid) {
			h.logger.Error("session destroy failed", "error", err)
		}
	}
	sessioncookie.Clear(w, h.secureCookies)
	h.writeJSON(w, http.StatusOK, verifyResponse{Success: true})
}

type credentialSummary struct {
	CredentialID string `json:"credential_id"`
	CreatedAt    string `json:"created_at"`
	LastUsedAt   string `json:"last_used_at,omitempty"`
}

func (h *Handler) listCredentials(w http.ResponseWriter, r *http.Request) {
	current, ok := sessionUser(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, genericAuthFailure)
		return
	}

	credentials, err := h.engine.Credentials(r.Context(), current.ID)
	if err != nil {
		h.logger.Error("list credentials failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	summaries := make([]credentialSummary, 0, len(credentials))
	for _, credential := range credentials {
		summary := credentialSummary{
			CredentialID: credential.CredentialID,
			CreatedAt:    credential.CreatedAt.UTC().Format(time.RFC3339),
		}
		if credential.LastUsedAt != nil {
			summary.LastUsedAt = credential.LastUsedAt.UTC().Format(time.RFC3339)
		}
		summaries = append(summaries, summary)
	}
	h.writeJSON(w, http.StatusOK, summaries)
}

func (h *Handler) deleteCredential(w http.ResponseWriter, r *http.Request) {
	current, ok := sessionUser(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, genericAuthFailure)
		return
	}

	credentialID := strings.TrimSpace(chi.URLParam(r, "credentialID"))
	if err := h.engine.RemoveCredential(r.Context(), current.ID, credentialID); err != nil {
		if errors.Is(err, passkey.ErrUnknownCredential) {
			h.writeError(w, http.StatusNotFound, "credential not found")
			return
		}
		h.logger.Error("delete credential failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.writeJSON(w, http.StatusOK, verifyResponse{Success: true})
}

func (h *Handler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	current, ok := sessionUser(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, genericAuthFailure)
		return
	}

	if err := h.engine.DeleteAccount(r.Context(), current.ID); err != nil {
		h.logger.Error("delete account failed", "error", err, "user_id", current.ID)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	sessioncookie.Clear(w, h.secureCookies)
	h.writeJSON(w, http.StatusOK, verifyResponse{Success: true})
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type contextKey string

const sessionUserKey contextKey = "session-user"

// requireSession validates the session cookie and stores the user on the
// request context.
func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := sessioncookie.Read(r)
		if !ok {
			h.writeError(w, http.StatusUnauthorized, genericAuthFailure)
			return
		}
		current, err := h.sessions.Validate(r.Context(), token)
		if err != nil {
			if errors.Is(err, session.ErrInvalid) || errors.Is(err, session.ErrExpired) {
				sessioncookie.Clear(w, h.secureCookies)
				h.writeError(w, http.StatusUnauthorized, genericAuthFailure)
				return
			}
			h.logger.Error("session validation failed", "error", err)
			h.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionUserKey, current)))
	})
}

func sessionUser(ctx context.Context) (user.User, bool) {
	current, ok := ctx.Value(sessionUserKey).(user.User)
	return current, ok
}

// rejectBegin handles failures of the options endpoints. Input validation
// problems are safe to surface; everything else stays generic.
func (h *Handler) rejectBegin(w http.ResponseWriter, event string, err error) {
	code := apperrors.CodeOf(err)
	h.logger.Warn(event, "code", string(code), "error", err)
	switch code {
	case apperrors.CodeUserEmptyUsername, apperrors.CodeUserInvalidUsername:
		h.writeError(w, http.StatusBadRequest, err.Error())
	case apperrors.CodeCredentialUnknown:
		// An unknown username must look like any other failed login.
		h.writeError(w, http.StatusUnauthorized, genericAuthFailure)
	default:
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// rejectCeremony handles verify failures: the status code follows the error
// kind, the body never does.
func (h *Handler) rejectCeremony(w http.ResponseWriter, event string, err error) {
	code := apperrors.CodeOf(err)
	h.logger.Warn(event, "code", string(code), "error", err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.writeError(w, status, "internal error")
		return
	}
	h.writeError(w, status, genericAuthFailure)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("encode response failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Success: false, Error: message})
}
