package authkit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hyphasec/authkit/security"
	"github.com/hyphasec/authkit/storage"
)

// RegisterClient registers a new OAuth client. The returned secret is shown
// exactly once; only its bcrypt hash is persisted. clientIP feeds the per-IP
// registration cap and audit logging.
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, clientIP string) (*storage.Client, string, error) {
	if req == nil || req.ClientName == "" {
		return nil, "", ErrInvalidRequest("client_name is required")
	}
	if len(req.RedirectURIs) == 0 {
		return nil, "", ErrInvalidRequest("at least one redirect_uri is required")
	}

	if err := s.store.CheckIPLimit(ctx, clientIP, s.config.Security.MaxClientsPerIP); err != nil {
		if errors.Is(err, storage.ErrRegistrationLimitExceeded) {
			s.Auditor.LogEvent(securityEventRegistrationRejected(clientIP, "ip_limit_reached"))
			return nil, "", ErrInvalidRequest("registration limit reached")
		}
		return nil, "", newStorageError("check_ip_limit", err)
	}

	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURISecurity(uri); err != nil {
			s.Auditor.LogEvent(securityEventRegistrationRejected(clientIP, "invalid_redirect_uri"))
			s.logger.Warn("Client registration rejected: redirect URI validation failed",
				"error", err.Error(),
				"client_ip", clientIP)
			return nil, "", err
		}
	}

	scopes, err := s.resolveRegistrationScopes(req.Scope)
	if err != nil {
		return nil, "", err
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	for _, gt := range grantTypes {
		if gt != GrantTypeAuthorizationCode && gt != GrantTypeRefreshToken {
			return nil, "", ErrInvalidRequest("unsupported grant_type in registration: " + gt)
		}
	}

	clientType, authMethod := resolveClientTypeAndAuthMethod(req.TokenEndpointAuthMethod)
	clientSecret, clientSecretHash, err := generateClientSecret(clientType)
	if err != nil {
		return nil, "", ErrServerError("failed to generate client credentials")
	}

	client := &storage.Client{
		ClientID:                uuid.NewString(),
		ClientSecretHash:        clientSecretHash,
		ClientType:              clientType,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           []string{"code"},
		ClientName:              req.ClientName,
		Scopes:                  scopes,
		CreatedAt:               time.Now(),
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, "", newStorageError("save_client", err)
	}

	if err := s.store.TrackClientIP(ctx, clientIP); err != nil {
		s.logger.Warn("Failed to track registration IP", "error", err)
	}

	s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, clientIP)
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, client.ClientType)
	}
	s.logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod)

	return client, clientSecret, nil
}

// GetClient retrieves a registered client by ID.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		return nil, newStorageError("get_client", err)
	}
	return client, nil
}

// resolveRegistrationScopes validates the requested scope string against the
// server's supported scopes; empty means all supported scopes.
func (s *Server) resolveRegistrationScopes(scope string) ([]string, error) {
	if scope == "" {
		return s.config.SupportedScopes, nil
	}

	scopes := parseScope(scope)
	if !scopeIsSubset(scopes, s.config.SupportedScopes) {
		return nil, ErrInvalidScope("requested scope is not supported")
	}
	return scopes, nil
}

// resolveClientTypeAndAuthMethod determines client type and auth method.
// Per RFC 7591 Section 2: token_endpoint_auth_method "none" means public.
func resolveClientTypeAndAuthMethod(tokenEndpointAuthMethod string) (string, string) {
	switch tokenEndpointAuthMethod {
	case TokenEndpointAuthMethodNone:
		return ClientTypePublic, TokenEndpointAuthMethodNone
	case TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost:
		return ClientTypeConfidential, tokenEndpointAuthMethod
	default:
		return ClientTypeConfidential, TokenEndpointAuthMethodBasic
	}
}

// securityEventRegistrationRejected builds the audit event for a rejected
// registration attempt.
func securityEventRegistrationRejected(clientIP, reason string) security.Event {
	return security.Event{
		Type:      security.EventClientRegistrationRejected,
		IPAddress: clientIP,
		Details: map[string]any{
			"reason": reason,
		},
	}
}

// generateClientSecret generates and hashes a secret for confidential
// clients; public clients get none.
func generateClientSecret(clientType string) (string, string, error) {
	if clientType != ClientTypeConfidential {
		return "", "", nil
	}

	clientSecret := generateToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return clientSecret, string(hash), nil
}
