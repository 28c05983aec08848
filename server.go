// Package authkit implements an embeddable OAuth 2.1 authorization server:
// dynamic client registration, authorization code issuance with PKCE,
// code-for-token exchange, refresh token rotation, revocation and
// introspection. End-user authentication is delegated to the embedding
// application through the identity package.
package authkit

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/hyphasec/authkit/instrumentation"
	"github.com/hyphasec/authkit/security"
	"github.com/hyphasec/authkit/storage"
)

// Server is the authorization server core. All methods are safe for
// concurrent use.
type Server struct {
	store  storage.Store
	config *Config
	logger *slog.Logger

	// Auditor logs security events when Security.EnableAuditLog is set.
	// Nil-safe; exported so embedders can swap in their own.
	Auditor *security.Auditor

	rateLimiter *security.RateLimiter
	inst        *instrumentation.Instrumentation
}

// NewServer creates an authorization server backed by the given store.
func NewServer(store storage.Store, config *Config) (*Server, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if config == nil {
		config = &Config{}
	}

	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	s := &Server{
		store:   store,
		config:  config,
		logger:  config.Logger,
		Auditor: security.NewAuditor(config.Logger, config.Security.EnableAuditLog),
	}

	if config.RateLimit.Enabled {
		s.rateLimiter = security.NewRateLimiter(
			config.RateLimit.RequestsPerSecond,
			config.RateLimit.Burst,
			config.Logger,
		)
	}

	return s, nil
}

// Close releases server resources. The store is not closed; its lifecycle
// belongs to the caller.
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// SetInstrumentation wires OpenTelemetry instrumentation into the server.
// Audit events start feeding the audit counter from this point on.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
	if inst == nil {
		s.Auditor.SetEventRecorder(nil)
		return
	}
	s.Auditor.SetEventRecorder(func(eventType string) {
		inst.Metrics().RecordAuditEvent(context.Background(), eventType)
	})
}

// Config returns the server configuration.
func (s *Server) Config() *Config {
	return s.config
}

// metrics returns the metric holder, or nil when uninstrumented.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.inst == nil {
		return nil
	}
	return s.inst.Metrics()
}

// generateToken returns a fresh 256-bit random URL-safe string, used for
// authorization codes, access tokens, refresh tokens and client secrets.
func generateToken() string {
	return oauth2.GenerateVerifier()
}

// authenticateClient validates the client's credentials for token-shaped
// endpoints. Confidential clients must present their secret; public clients
// authenticate by identity only (PKCE proves possession at exchange).
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidClient("client_id is required")
	}

	if err := s.store.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) {
			s.Auditor.LogAuthFailure("", clientID, "", "invalid_client_credentials")
			return nil, ErrInvalidClient("client authentication failed")
		}
		return nil, newStorageError("validate_client_secret", err)
	}

	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidClient("client authentication failed")
		}
		return nil, newStorageError("get_client", err)
	}

	return client, nil
}

// ============================================================
// Scope helpers
// ============================================================

// parseScope splits a space-delimited scope string (RFC 6749 §3.3).
func parseScope(scope string) []string {
	return strings.Fields(scope)
}

// joinScope renders a scope list as a space-delimited string.
func joinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// scopeIsSubset reports whether every requested scope appears in allowed.
func scopeIsSubset(requested, allowed []string) bool {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := allowedSet[s]; !ok {
			return false
		}
	}
	return true
}

// ============================================================
// Redirect URI validation
// ============================================================

// ValidateRedirectURI checks a presented redirect URI against the client's
// registered list. Matching is exact string comparison; no prefix or pattern
// matching.
func (s *Server) ValidateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return ErrInvalidRequest("redirect_uri is required")
	}

	for _, registered := range client.RedirectURIs {
		if registered == redirectURI {
			return validateRedirectURISecurity(redirectURI)
		}
	}

	return ErrInvalidRedirectURI("redirect_uri is not registered for this client")
}

// validateRedirectURISecurity rejects URIs that are structurally dangerous
// even when registered: fragments and script-capable schemes.
func validateRedirectURISecurity(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return ErrInvalidRedirectURI("redirect_uri is not a valid URI")
	}

	if parsed.Fragment != "" {
		return ErrInvalidRedirectURI("redirect_uri must not contain a fragment")
	}

	switch strings.ToLower(parsed.Scheme) {
	case "javascript", "data", "vbscript":
		return ErrInvalidRedirectURI("redirect_uri uses a forbidden scheme")
	case "":
		return ErrInvalidRedirectURI("redirect_uri must be absolute")
	}

	return nil
}
