// Package passkey implements the WebAuthn relying-party protocol engine:
// challenge issuance, credential registration, assertion verification, and
// replay/clone detection. Session minting lives in the session package; this
// package only decides whether a ceremony succeeded.
package passkey
