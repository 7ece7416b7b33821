// Package user provides auth user management.
package user

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/louisbranch/taskpass/internal/platform/errors"
)

var (
	// ErrEmptyUsername indicates a missing username.
	ErrEmptyUsername = apperrors.New(apperrors.CodeUserEmptyUsername, "username is required")
	// ErrInvalidUsername indicates a username that does not match the required format.
	ErrInvalidUsername = apperrors.New(apperrors.CodeUserInvalidUsername, "username must be 3-32 lowercase alphanumeric, dot, dash, or underscore characters")

	usernamePattern = regexp.MustCompile(`^[a-z0-9_.\-]{3,32}$`)
)

// User represents an authenticated identity record.
type User struct {
	ID          string
	Username    string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateUserInput describes the metadata needed to create a user.
type CreateUserInput struct {
	Username    string
	DisplayName string
}

// ValidateUsername enforces canonical username constraints. The username is
// the WebAuthn user handle clients register and log in with, so it has to be
// stable and unambiguous across ceremonies.
func ValidateUsername(s string) error {
	if !usernamePattern.MatchString(s) {
		return ErrInvalidUsername
	}
	return nil
}

// NormalizeCreateUserInput trims and normalizes input before validation.
func NormalizeCreateUserInput(input CreateUserInput) (CreateUserInput, error) {
	input.Username = strings.ToLower(strings.TrimSpace(input.Username))
	if input.Username == "" {
		return CreateUserInput{}, ErrEmptyUsername
	}
	if err := ValidateUsername(input.Username); err != nil {
		return CreateUserInput{}, err
	}
	input.DisplayName = strings.TrimSpace(input.DisplayName)
	if input.DisplayName == "" {
		input.DisplayName = input.Username
	}
	return input, nil
}

// CreateUser creates a durable user identity from a pre-issued id and
// validated input.
//
// This is the canonical point where an untrusted registration handle becomes
// a stable identity consumed by credentials and sessions. The id is minted
// when the ceremony begins, so the challenge can name the account before the
// row exists.
func CreateUser(userID string, input CreateUserInput, now func() time.Time) (User, error) {
	if strings.TrimSpace(userID) == "" {
		return User{}, fmt.Errorf("user id is required")
	}
	if now == nil {
		now = time.Now
	}

	normalized, err := NormalizeCreateUserInput(input)
	if err != nil {
		return User{}, err
	}

	createdAt := now().UTC()
	return User{
		ID:          userID,
		Username:    normalized.Username,
		DisplayName: normalized.DisplayName,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}, nil
}
