package authkit

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest         = "invalid_request"
	ErrorCodeInvalidGrant           = "invalid_grant"
	ErrorCodeInvalidClient          = "invalid_client"
	ErrorCodeInvalidScope           = "invalid_scope"
	ErrorCodeInvalidToken           = "invalid_token"
	ErrorCodeUnauthorizedClient     = "unauthorized_client"
	ErrorCodeUnsupportedGrantType   = "unsupported_grant_type"
	ErrorCodeServerError            = "server_error"
	ErrorCodeAccessDenied           = "access_denied"
	ErrorCodeInvalidRedirectURI     = "invalid_redirect_uri"
	ErrorCodeTemporarilyUnavailable = "temporarily_unavailable"
)

// OAuthError represents an OAuth 2.0 protocol error response (RFC 6749 §5.2)
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid, expired, or consumed
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope is invalid or exceeds what was granted
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrUnauthorizedClient indicates the client may not use the requested grant type
	ErrUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the user or authorization server denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrInvalidRedirectURI indicates the redirect URI is invalid or not registered
	ErrInvalidRedirectURI = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
	}
)

// StorageError reports a persistence failure. It is deliberately distinct
// from the OAuth protocol taxonomy: a store outage must never surface as
// invalid_grant or active=false, it maps to 503 at the HTTP boundary.
type StorageError struct {
	Op  string // the storage operation that failed, e.g. "save_access_token"
	Err error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause
func (e *StorageError) Unwrap() error {
	return e.Err
}

// newStorageError wraps a backend failure with the operation that hit it
func newStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err is (or wraps) a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
