// Package errors provides structured error handling for the auth service.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// User errors
	CodeUserEmptyUsername   Code = "USER_EMPTY_USERNAME"
	CodeUserInvalidUsername Code = "USER_INVALID_USERNAME"

	// Ceremony errors
	CodeCeremonyMalformedResponse Code = "CEREMONY_MALFORMED_RESPONSE"
	CodeCeremonyChallengeNotFound Code = "CEREMONY_CHALLENGE_NOT_FOUND"
	CodeCeremonyChallengeExpired  Code = "CEREMONY_CHALLENGE_EXPIRED"
	CodeCeremonyChallengeUsed     Code = "CEREMONY_CHALLENGE_ALREADY_USED"
	CodeCeremonyKindMismatch      Code = "CEREMONY_KIND_MISMATCH"
	CodeCeremonyScopeMismatch     Code = "CEREMONY_SCOPE_MISMATCH"

	// Verification errors
	CodeVerifyOriginMismatch       Code = "VERIFY_ORIGIN_MISMATCH"
	CodeVerifyRelyingPartyMismatch Code = "VERIFY_RELYING_PARTY_MISMATCH"
	CodeVerifySignatureInvalid     Code = "VERIFY_SIGNATURE_INVALID"
	CodeVerifyCounterRegression    Code = "VERIFY_COUNTER_REGRESSION"

	// Credential errors
	CodeCredentialDuplicate Code = "CREDENTIAL_DUPLICATE"
	CodeCredentialUnknown   Code = "CREDENTIAL_UNKNOWN"

	// Session errors
	CodeSessionInvalid Code = "SESSION_INVALID"
	CodeSessionExpired Code = "SESSION_EXPIRED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeConflict Code = "CONFLICT"

	// Internal errors
	CodeInternal Code = "INTERNAL"
)

// HTTPStatus maps the code to an HTTP status for transport handlers.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUserEmptyUsername, CodeUserInvalidUsername, CodeCeremonyMalformedResponse:
		return http.StatusBadRequest
	case CodeCeremonyChallengeNotFound, CodeCeremonyChallengeExpired,
		CodeCeremonyChallengeUsed, CodeCeremonyKindMismatch, CodeCeremonyScopeMismatch,
		CodeVerifyOriginMismatch, CodeVerifyRelyingPartyMismatch,
		CodeVerifySignatureInvalid, CodeVerifyCounterRegression,
		CodeCredentialUnknown, CodeSessionInvalid, CodeSessionExpired:
		return http.StatusUnauthorized
	case CodeCredentialDuplicate, CodeConflict:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
