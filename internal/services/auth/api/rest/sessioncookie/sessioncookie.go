// Package sessioncookie centralizes session cookie behavior for the auth API.
package sessioncookie

import (
	"net/http"
	"strings"
	"time"
)

// Name is the canonical session cookie name.
const Name = "taskpass_session"

// Read returns the trimmed session cookie value when present.
func Read(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	cookie, err := r.Cookie(Name)
	if err != nil || cookie == nil {
		return "", false
	}
	value := strings.TrimSpace(cookie.Value)
	if value == "" {
		return "", false
	}
	return value, true
}

// Write sets the session cookie. The max age follows the server-side session
// lifetime so the browser drops the cookie when the session stops validating.
// The secure flag is an environment decision: production always sets it,
// development over plain http cannot.
func Write(w http.ResponseWriter, sessionID string, ttl time.Duration, secure bool) {
	if w == nil {
		return
	}
	cookie := &http.Cookie{
		Name:     Name,
		Value:    strings.TrimSpace(sessionID),
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl > 0 {
		cookie.MaxAge = int(ttl / time.Second)
	}
	http.SetCookie(w, cookie)
}

// Clear expires the session cookie.
func Clear(w http.ResponseWriter, secure bool) {
	if w == nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     Name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
