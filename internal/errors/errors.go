// Package errors provides standardized API errors for the approvals service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the approvals service.
type ErrorCode string

const (
	// Validation errors
	APR_VALIDATION         ErrorCode = "APR_VALIDATION"         // General validation error
	APR_MISSING_IDENTITY   ErrorCode = "APR_MISSING_IDENTITY"   // Neither userId nor ownerSub supplied
	APR_MISSING_UPLOAD_KEY ErrorCode = "APR_MISSING_UPLOAD_KEY" // No media key supplied
	APR_BAD_REQUEST        ErrorCode = "APR_BAD_REQUEST"        // Malformed request

	// Authentication/Authorization errors
	APR_AUTHN       ErrorCode = "APR_AUTHN"       // Authentication failed
	APR_AUTHZ       ErrorCode = "APR_AUTHZ"       // Caller lacks the admin role
	APR_JWT_INVALID ErrorCode = "APR_JWT_INVALID" // Invalid JWT
	APR_JWT_EXPIRED ErrorCode = "APR_JWT_EXPIRED" // Expired JWT

	// Resource errors
	APR_NOT_FOUND        ErrorCode = "APR_NOT_FOUND"        // Submission or approval not found
	APR_ALREADY_RESOLVED ErrorCode = "APR_ALREADY_RESOLVED" // Approval already left PENDING
	APR_CONFLICT         ErrorCode = "APR_CONFLICT"         // Resource conflict

	// Server errors
	APR_INTERNAL    ErrorCode = "APR_INTERNAL"    // Internal server error
	APR_UNAVAILABLE ErrorCode = "APR_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlationId"`
	Details       any       `json:"details,omitempty"`
	HTTPStatus    int       `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details any) *Error {
	e := New(code, message, correlationID)
	e.Details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case APR_VALIDATION, APR_MISSING_IDENTITY, APR_MISSING_UPLOAD_KEY, APR_BAD_REQUEST:
		return http.StatusBadRequest
	case APR_AUTHZ:
		return http.StatusForbidden
	case APR_AUTHN, APR_JWT_INVALID, APR_JWT_EXPIRED:
		return http.StatusUnauthorized
	case APR_NOT_FOUND:
		return http.StatusNotFound
	case APR_ALREADY_RESOLVED, APR_CONFLICT:
		return http.StatusConflict
	case APR_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
