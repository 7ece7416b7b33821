package passkey

import (
	"errors"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	apperrors "github.com/louisbranch/taskpass/internal/platform/errors"
)

// Ceremony failure kinds. Every kind is fatal for the attempt; the only
// recovery is a fresh ceremony with a new challenge.
var (
	// ErrMalformedResponse indicates an undecodable authenticator payload.
	ErrMalformedResponse = apperrors.New(apperrors.CodeCeremonyMalformedResponse, "authenticator response could not be decoded")
	// ErrChallengeNotFound indicates the challenge was never issued, was
	// already consumed, or does not match the response.
	ErrChallengeNotFound = apperrors.New(apperrors.CodeCeremonyChallengeNotFound, "challenge not found")
	// ErrChallengeExpired indicates the challenge outlived its TTL.
	ErrChallengeExpired = apperrors.New(apperrors.CodeCeremonyChallengeExpired, "challenge expired")
	// ErrScopeMismatch indicates the ceremony was issued for a different user
	// than the credential's owner.
	ErrScopeMismatch = apperrors.New(apperrors.CodeCeremonyScopeMismatch, "ceremony scope does not match credential owner")
	// ErrOriginMismatch indicates the client data origin differs from the
	// configured relying-party origins.
	ErrOriginMismatch = apperrors.New(apperrors.CodeVerifyOriginMismatch, "origin mismatch")
	// ErrRelyingPartyMismatch indicates the authenticator data was bound to a
	// different relying-party id.
	ErrRelyingPartyMismatch = apperrors.New(apperrors.CodeVerifyRelyingPartyMismatch, "relying party mismatch")
	// ErrSignatureInvalid indicates the assertion signature failed under the
	// stored public key.
	ErrSignatureInvalid = apperrors.New(apperrors.CodeVerifySignatureInvalid, "signature verification failed")
	// ErrCounterRegression indicates an authenticator-reported sign counter
	// strictly below the stored value, a probable cloned-credential signal.
	ErrCounterRegression = apperrors.New(apperrors.CodeVerifyCounterRegression, "sign counter regressed")
	// ErrDuplicateCredential indicates the credential id is already registered.
	ErrDuplicateCredential = apperrors.New(apperrors.CodeCredentialDuplicate, "credential already registered")
	// ErrUnknownCredential indicates no registered credential matches the
	// asserted credential id.
	ErrUnknownCredential = apperrors.New(apperrors.CodeCredentialUnknown, "unknown credential")
)

// classifyVerification translates go-webauthn verification failures into the
// engine's typed kinds. The library reports everything as a protocol error
// with prose details, so classification keys off the detail text; anything
// unrecognized is treated as a signature failure, the strictest kind.
func classifyVerification(err error) error {
	var protocolErr *protocol.Error
	if !errors.As(err, &protocolErr) {
		return apperrors.Wrap(apperrors.CodeVerifySignatureInvalid, "verify authenticator response", err)
	}

	details := strings.ToLower(protocolErr.Details + " " + protocolErr.DevInfo)
	switch {
	case strings.Contains(details, "origin"):
		return apperrors.Wrap(apperrors.CodeVerifyOriginMismatch, "origin mismatch", err)
	case strings.Contains(details, "rp hash"), strings.Contains(details, "rp id"), strings.Contains(details, "relying party"):
		return apperrors.Wrap(apperrors.CodeVerifyRelyingPartyMismatch, "relying party mismatch", err)
	case strings.Contains(details, "challenge"):
		return apperrors.Wrap(apperrors.CodeCeremonyChallengeNotFound, "challenge mismatch", err)
	case protocolErr.Type == "invalid_request", protocolErr.Type == "parse_error":
		return apperrors.Wrap(apperrors.CodeCeremonyMalformedResponse, "malformed authenticator response", err)
	default:
		return apperrors.Wrap(apperrors.CodeVerifySignatureInvalid, "verify authenticator response", err)
	}
}
