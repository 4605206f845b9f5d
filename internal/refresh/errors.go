package refresh

import "errors"

// Refresh failure taxonomy. Reuse detection is never silent; every
// other failure maps onto one of these so callers can pick a response
// without string matching.
var (
	// ErrMissingRefreshToken is returned when no refresh credential is
	// present.
	ErrMissingRefreshToken = errors.New("refresh token missing")

	// ErrExpiredRefreshToken is returned when the refresh token itself
	// has expired.
	ErrExpiredRefreshToken = errors.New("refresh token expired")

	// ErrInvalidRefreshToken is returned when the identity service
	// rejects the token.
	ErrInvalidRefreshToken = errors.New("refresh token invalid")

	// ErrTokenReuseDetected is returned when a blacklisted token is
	// presented again. This is a security event.
	ErrTokenReuseDetected = errors.New("refresh token reuse detected")

	// ErrRefreshFailed is returned for infrastructure failures during
	// the exchange.
	ErrRefreshFailed = errors.New("token refresh failed")
)
