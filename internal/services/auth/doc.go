// Package auth is the identity boundary of TaskPass.
//
// It owns user lifecycle, passkey credentials, and session issuance so the
// task application can depend on stable user IDs instead of re-implementing
// identity rules.
//
// Subpackages:
//   - app: auth server wiring and lifecycle
//   - api/rest: HTTP/JSON ceremony and session endpoints
//   - passkey: the WebAuthn relying-party protocol engine
//   - session: durable server-side session management
//   - storage: persistence interfaces with SQLite and in-memory backends
//   - user: user domain model and helpers
package auth
