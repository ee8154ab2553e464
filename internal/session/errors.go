package session

import (
	"errors"
	"fmt"
)

// AuthError represents authentication-related errors surfaced by the
// coordinator, the popup flow, and the backend client.
type AuthError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// Is matches by taxonomy type so wrapped copies still compare equal to the
// package sentinels via errors.Is.
func (e *AuthError) Is(target error) bool {
	var other *AuthError
	if !errors.As(target, &other) {
		return false
	}
	return e.Type == other.Type
}

// Common authentication error types
var (
	ErrNetworkFailure = &AuthError{
		Type:    "network_failure",
		Message: "Request to the backend failed",
	}

	ErrAuthRequired = &AuthError{
		Type:    "authentication_required",
		Message: "The backend requires authentication for this request",
	}

	ErrPopupBlocked = &AuthError{
		Type:    "popup_blocked",
		Message: "Failed to open the authentication window",
	}

	ErrAuthTimeout = &AuthError{
		Type:    "authentication_timeout",
		Message: "Authentication did not complete before the deadline",
	}

	ErrProviderError = &AuthError{
		Type:    "provider_error",
		Message: "The OAuth provider reported an authentication failure",
	}

	ErrInconsistent = &AuthError{
		Type:    "inconsistent_auth_state",
		Message: "Session cookie and server auth status disagree",
	}
)

// NewAuthError creates a copy of a base error with a cause attached.
func NewAuthError(baseErr *AuthError, cause error) *AuthError {
	return &AuthError{
		Type:    baseErr.Type,
		Message: baseErr.Message,
		Cause:   cause,
	}
}

// NewProviderError creates a provider error carrying the server-reported
// failure string.
func NewProviderError(detail string) *AuthError {
	return &AuthError{
		Type:    ErrProviderError.Type,
		Message: detail,
	}
}

// IsAuthError checks if an error is an authentication error.
func IsAuthError(err error) bool {
	var authError *AuthError
	return errors.As(err, &authError)
}

// UserFriendlyMessage returns a message suitable for direct display.
func UserFriendlyMessage(err error) string {
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		return "An unexpected error occurred. Please try again."
	}
	switch authErr.Type {
	case ErrPopupBlocked.Type:
		return "Could not open the sign-in window. Please allow popups and try again."
	case ErrAuthTimeout.Type:
		return "Authentication timed out. Please try again."
	case ErrAuthRequired.Type:
		return "Please connect your calendar to continue."
	case ErrProviderError.Type:
		return "Authentication was rejected. Please try again."
	case ErrNetworkFailure.Type:
		return "Could not reach the server. Check your connection and try again."
	default:
		return "Authentication failed. Please try again."
	}
}
