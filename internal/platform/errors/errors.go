package errors

// Error is the domain error type with structured metadata.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Internal message (for logs/telemetry)
	Cause   error  // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf extracts the code from err, or CodeUnknown when err is not a domain error.
func CodeOf(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	if typed, ok := err.(*Error); ok {
		return typed.Code
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return CodeOf(u.Unwrap())
	}
	return CodeUnknown
}
