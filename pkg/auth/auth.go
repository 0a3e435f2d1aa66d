// Package auth holds the bearer credential used by the storefront transports
// and coordinates refreshing it.
//
// A CredentialStore owns the single live Credential of a client. It is passed
// explicitly to every component that needs it; there is no package-level
// store. The Coordinator wraps a store and a Refresher and guarantees that
// concurrent callers needing a new credential share one refresh attempt.
package auth

import (
	"time"
)

// Config configures how credentials are attached and refreshed.
type Config struct {
	// HeaderName is the request header carrying the credential
	HeaderName string `yaml:"header_name" json:"header_name"`

	// Scheme prefixes the token in the header value. Empty sends the bare token.
	Scheme string `yaml:"scheme" json:"scheme"`

	// RefreshThreshold refreshes a credential this long before it expires
	RefreshThreshold time.Duration `yaml:"refresh_threshold" json:"refresh_threshold"`

	// RefreshTimeout bounds a single refresh attempt. Zero means no bound
	// beyond the caller's own context.
	RefreshTimeout time.Duration `yaml:"refresh_timeout" json:"refresh_timeout"`
}

// DefaultConfig returns the standard "Authorization: Bearer <token>" setup.
func DefaultConfig() Config {
	return Config{
		HeaderName:     "Authorization",
		Scheme:         "Bearer",
		RefreshTimeout: 10 * time.Second,
	}
}

// HeaderValue formats token for the credential header.
func (c Config) HeaderValue(token string) string {
	if c.Scheme == "" {
		return token
	}
	return c.Scheme + " " + token
}

// AuthError represents credential handling errors.
type AuthError struct {
	// Code is the error code (e.g., "malformed_token")
	Code string

	// Message provides human-readable error details
	Message string

	// Details contains additional error context
	Details map[string]interface{}
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return e.Message
}

// Is matches any AuthError with the same code, so sentinels work with
// errors.Is regardless of details.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Code == e.Code
}

// Credential error codes
const (
	ErrCodeMalformedToken = "malformed_token"
	ErrCodeEmptyToken     = "empty_token"
	ErrCodeNoRefresher    = "no_refresher"
)

// Sentinel errors for errors.Is
var (
	ErrMalformedToken = NewAuthError(ErrCodeMalformedToken, "token must have three dot-separated segments")
	ErrEmptyToken     = NewAuthError(ErrCodeEmptyToken, "refresh returned an empty token")
	ErrNoRefresher    = NewAuthError(ErrCodeNoRefresher, "no refresher configured")
)

// NewAuthError creates a new authentication error.
func NewAuthError(code, message string) *AuthError {
	return &AuthError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WithDetail adds a detail to the authentication error.
func (e *AuthError) WithDetail(key string, value interface{}) *AuthError {
	e.Details[key] = value
	return e
}
