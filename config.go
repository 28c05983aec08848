package authkit

import (
	"fmt"
	"log/slog"
	"time"
)

// Default credential lifetimes.
const (
	DefaultAuthorizationCodeTTL = 10 * time.Minute
	DefaultAccessTokenTTL       = time.Hour
	DefaultRefreshTokenTTL      = 30 * 24 * time.Hour
)

// DefaultScope is granted when an authorization request names no scope.
const DefaultScope = "read"

// RateLimitConfig controls per-IP rate limiting on the HTTP endpoints.
type RateLimitConfig struct {
	// Enabled turns rate limiting on. Off by default so embedders behind
	// their own limiter are not double-limited; deployments facing clients
	// directly should enable it.
	Enabled bool

	// RequestsPerSecond is the sustained request rate per client IP.
	RequestsPerSecond int

	// Burst is the burst allowance per client IP.
	Burst int
}

// SecurityConfig groups abuse-protection settings.
type SecurityConfig struct {
	// MaxClientsPerIP caps dynamic registrations per IP per 24h window.
	// 0 disables the cap.
	MaxClientsPerIP int

	// EnableAuditLog turns on structured security audit events.
	EnableAuditLog bool
}

// Config holds the authorization server configuration.
type Config struct {
	// Issuer is the server's issuer identifier, e.g. "https://auth.example.com".
	// Required; used in the RFC 8414 metadata document.
	Issuer string

	// SupportedScopes is the set of scopes clients may be granted.
	// Default: ["read", "write"].
	SupportedScopes []string

	// AuthorizationCodeTTL is the lifetime of issued codes. Default 10m.
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is the lifetime of access tokens. Default 1h.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the lifetime of refresh tokens. Default 30d.
	RefreshTokenTTL time.Duration

	// AllowPublicClientsWithoutPKCE disables the PKCE requirement for public
	// clients. Leave false; it exists only for migration of legacy clients.
	AllowPublicClientsWithoutPKCE bool

	RateLimit RateLimitConfig
	Security  SecurityConfig

	// Logger is the structured logger. Default slog.Default().
	Logger *slog.Logger
}

// applyDefaults fills in secure defaults for unset fields.
func (c *Config) applyDefaults() {
	if len(c.SupportedScopes) == 0 {
		c.SupportedScopes = []string{"read", "write"}
	}
	if c.AuthorizationCodeTTL <= 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// validate checks required fields after defaults are applied.
func (c *Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	return nil
}
