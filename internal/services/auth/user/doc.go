// Package user defines the auth user model used as the shared identity anchor.
//
// These utilities normalize and validate human-facing identifiers before they
// are persisted or bound to passkey credentials.
package user
