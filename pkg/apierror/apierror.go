// Package apierror provides standardized API error handling.
// Every terminal response the gateway writes goes through this package.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// Code represents an error code.
type Code string

// Standard error codes.
const (
	CodeBadRequest         Code = "BAD_REQUEST"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeInternalError      Code = "INTERNAL_ERROR"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeValidationFailed   Code = "VALIDATION_FAILED"
	CodeRateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CodeIPBlocked          Code = "IP_BLOCKED"
	CodeAccountLocked      Code = "ACCOUNT_LOCKED"
	CodeTokenReuse         Code = "TOKEN_REUSE_DETECTED"
	CodeMFARequired        Code = "MFA_REQUIRED"
)

// Error represents a standardized API error.
type Error struct {
	// HTTP status code
	Status int `json:"-"`

	// Machine-readable error code
	Code Code `json:"code"`

	// Human-readable error message
	Message string `json:"message"`

	// Enforcement action taken, if any (e.g. BLOCK_IP)
	Action string `json:"action,omitempty"`

	// Seconds until the client may retry (0 = not applicable)
	RetryAfter int `json:"retryAfter,omitempty"`

	// Additional error details (optional)
	Details any `json:"details,omitempty"`

	// Internal error (not exposed to client)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Response represents the error response structure.
type Response struct {
	Error      string `json:"error"`
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	Action     string `json:"action,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
	Details    any    `json:"details,omitempty"`
	TraceID    string `json:"traceId,omitempty"`
}

// ToResponse converts the error to a response structure.
func (e *Error) ToResponse() Response {
	return Response{
		Error:      string(e.Code),
		Code:       e.Code,
		Message:    e.Message,
		Action:     e.Action,
		RetryAfter: e.RetryAfter,
		Details:    e.Details,
	}
}

// WriteJSON writes the error as JSON to the response writer.
// A non-zero RetryAfter also sets the Retry-After header.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e.ToResponse())
}

// WriteJSONWithTraceID writes the error as JSON tagged with the trace id.
func (e *Error) WriteJSONWithTraceID(w http.ResponseWriter, traceID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Trace-Id", traceID)
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	resp := e.ToResponse()
	resp.TraceID = traceID
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Constructor functions

// New creates a new API error.
func New(status int, code Code, message string) *Error {
	return &Error{
		Status:  status,
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with API error context.
func Wrap(err error, status int, code Code, message string) *Error {
	return &Error{
		Status:  status,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails adds details to the error.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// WithError adds an internal error.
func (e *Error) WithError(err error) *Error {
	e.Err = err
	return e
}

// WithAction records the enforcement action attached to this error.
func (e *Error) WithAction(action string) *Error {
	e.Action = action
	return e
}

// WithRetryAfter records how long the client must wait, in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// Pre-defined error constructors

// BadRequest creates a 400 Bad Request error.
func BadRequest(message string) *Error {
	return New(http.StatusBadRequest, CodeBadRequest, message)
}

// Unauthorized creates a 401 Unauthorized error.
func Unauthorized(message string) *Error {
	if message == "" {
		message = "Authentication required"
	}
	return New(http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden creates a 403 Forbidden error.
func Forbidden(message string) *Error {
	if message == "" {
		message = "Access denied"
	}
	return New(http.StatusForbidden, CodeForbidden, message)
}

// NotFound creates a 404 Not Found error.
func NotFound(resource string) *Error {
	message := "Resource not found"
	if resource != "" {
		message = fmt.Sprintf("%s not found", resource)
	}
	return New(http.StatusNotFound, CodeNotFound, message)
}

// ValidationFailed creates a 422 Unprocessable Entity error.
func ValidationFailed(message string, details any) *Error {
	return &Error{
		Status:  http.StatusUnprocessableEntity,
		Code:    CodeValidationFailed,
		Message: message,
		Details: details,
	}
}

// InternalError creates a 500 Internal Server Error.
func InternalError(err error) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Code:    CodeInternalError,
		Message: "An internal error occurred",
		Err:     err,
	}
}

// ServiceUnavailable creates a 503 Service Unavailable error.
func ServiceUnavailable(message string) *Error {
	if message == "" {
		message = "Service temporarily unavailable"
	}
	return New(http.StatusServiceUnavailable, CodeServiceUnavailable, message)
}

// RateLimitExceeded creates a 429 Too Many Requests error.
func RateLimitExceeded(retryAfter int) *Error {
	return New(http.StatusTooManyRequests, CodeRateLimitExceeded, "Rate limit exceeded").
		WithRetryAfter(retryAfter)
}

// IPBlocked creates a 403 error for a blocked client address.
func IPBlocked(retryAfter int) *Error {
	return New(http.StatusForbidden, CodeIPBlocked, "Too many failures from this address").
		WithAction("BLOCK_IP").
		WithRetryAfter(retryAfter)
}

// AccountLocked creates a 403 error for a locked account.
func AccountLocked(retryAfter int) *Error {
	return New(http.StatusForbidden, CodeAccountLocked, "Account temporarily locked").
		WithAction("LOCK_ACCOUNT").
		WithRetryAfter(retryAfter)
}

// TokenReuse creates a 401 error for a blacklisted refresh token replay.
func TokenReuse() *Error {
	return New(http.StatusUnauthorized, CodeTokenReuse, "Refresh token has already been used")
}

// MFARequired creates a 403 error when the tenant mandates MFA.
func MFARequired() *Error {
	return New(http.StatusForbidden, CodeMFARequired, "Multi-factor authentication required")
}

// Helper functions

// IsAPIError checks if an error is an API error.
func IsAPIError(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr)
}

// FromError converts any error to an API error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	return InternalError(err)
}

// SafeUnauthorized creates a 401 error with a safe, generic message.
// The actual error is stored internally for logging but not exposed.
func SafeUnauthorized(err error) *Error {
	return &Error{
		Status:  http.StatusUnauthorized,
		Code:    CodeUnauthorized,
		Message: "Authentication failed",
		Err:     err,
	}
}

// SafeForbidden creates a 403 error with a safe, generic message.
// Use this instead of Forbidden(err.Error()) to prevent information leakage.
func SafeForbidden(err error) *Error {
	return &Error{
		Status:  http.StatusForbidden,
		Code:    CodeForbidden,
		Message: "Access denied",
		Err:     err,
	}
}
