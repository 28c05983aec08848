package authkit

import (
	"context"
	"errors"

	"github.com/hyphasec/authkit/internal/util"
	"github.com/hyphasec/authkit/pkce"
	"github.com/hyphasec/authkit/storage"
)

// Exchange handles POST /oauth/token grant requests. It dispatches on
// grant_type and returns either a minted token pair or a protocol error.
func (s *Server) Exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req == nil {
		return nil, ErrInvalidRequest("request body is required")
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, req)
	case GrantTypeRefreshToken:
		return s.exchangeRefreshToken(ctx, req)
	case "":
		return nil, ErrInvalidRequest("grant_type is required")
	default:
		return nil, ErrUnsupportedGrantType("grant_type " + req.GrantType + " is not supported")
	}
}

// exchangeAuthorizationCode implements the authorization_code grant.
// Validation runs against a read-only view of the code; token issuance is
// gated on winning the store's atomic consume, so two concurrent exchanges
// of one code produce exactly one token pair.
func (s *Server) exchangeAuthorizationCode(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	if !clientAllowsGrant(client, GrantTypeAuthorizationCode) {
		return nil, ErrUnauthorizedClient("client may not use the authorization_code grant")
	}

	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	authCode, err := s.store.GetAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrCodeNotFound) {
			// Unknown and expired codes are deliberately indistinguishable.
			return nil, ErrInvalidGrant("authorization code is invalid or expired")
		}
		return nil, newStorageError("get_authorization_code", err)
	}

	if authCode.ClientID != client.ClientID {
		s.Auditor.LogAuthFailure(authCode.UserID, client.ClientID, req.ClientIP, "code_client_mismatch")
		return nil, ErrInvalidGrant("authorization code was issued to a different client")
	}

	if authCode.RedirectURI != req.RedirectURI {
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	if err := s.verifyCodePKCE(ctx, client, authCode, req.CodeVerifier); err != nil {
		return nil, err
	}

	// Atomic consume: the single point where a winner is decided.
	consumed, err := s.store.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCodeConsumed):
			s.Auditor.LogCodeReuseDetected(authCode.UserID, client.ClientID, req.ClientIP)
			if m := s.metrics(); m != nil {
				m.RecordCodeReuseDetected(ctx)
			}
			s.logger.Warn("Authorization code replay rejected",
				"code_prefix", util.SafeTruncate(req.Code, 8),
				"client_id", client.ClientID)
			return nil, ErrInvalidGrant("authorization code is invalid or expired")
		case errors.Is(err, storage.ErrCodeNotFound):
			return nil, ErrInvalidGrant("authorization code is invalid or expired")
		default:
			return nil, newStorageError("consume_authorization_code", err)
		}
	}

	resp, err := s.issueTokenPair(ctx, client.ClientID, consumed.UserID, consumed.Scope)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogCodeExchanged(consumed.UserID, client.ClientID, req.ClientIP, consumed.Scope)
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, client.ClientID, consumed.CodeChallengeMethod)
	}
	s.logger.Info("Exchanged authorization code for tokens",
		"client_id", client.ClientID,
		"scope", consumed.Scope)

	return resp, nil
}

// exchangeRefreshToken implements the refresh_token grant with rotation: the
// presented token is atomically retired, its paired access token revoked,
// and a fresh pair minted. Presenting a rotated token again is treated as
// reuse and fails.
func (s *Server) exchangeRefreshToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	if !clientAllowsGrant(client, GrantTypeRefreshToken) {
		return nil, ErrUnauthorizedClient("client may not use the refresh_token grant")
	}

	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	tokenHash := storage.HashToken(req.RefreshToken)

	current, err := s.store.GetRefreshToken(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, ErrInvalidGrant("refresh token is invalid or expired")
		}
		return nil, newStorageError("get_refresh_token", err)
	}

	if current.ClientID != client.ClientID {
		s.Auditor.LogAuthFailure(current.UserID, client.ClientID, req.ClientIP, "refresh_client_mismatch")
		return nil, ErrInvalidGrant("refresh token was issued to a different client")
	}

	scope, err := narrowScope(current.Scope, req.Scope)
	if err != nil {
		return nil, err
	}

	// Atomic rotation: exactly one concurrent refresh of this token wins.
	consumed, err := s.store.ConsumeRefreshToken(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			// Either lost the race or a replay of a rotated token.
			s.Auditor.LogTokenReuseDetected(current.UserID, client.ClientID, req.ClientIP)
			if m := s.metrics(); m != nil {
				m.RecordTokenReuseDetected(ctx)
			}
			return nil, ErrInvalidGrant("refresh token is invalid or expired")
		}
		return nil, newStorageError("consume_refresh_token", err)
	}

	// Retire the access token paired with the rotated refresh token.
	if consumed.AccessTokenHash != "" {
		if err := s.store.RevokeAccessToken(ctx, consumed.AccessTokenHash); err != nil {
			return nil, newStorageError("revoke_access_token", err)
		}
	}

	resp, err := s.issueTokenPair(ctx, client.ClientID, consumed.UserID, scope)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenRefreshed(consumed.UserID, client.ClientID, req.ClientIP)
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, client.ClientID)
	}
	s.logger.Info("Rotated refresh token",
		"client_id", client.ClientID,
		"scope", scope)

	return resp, nil
}

// verifyCodePKCE checks the presented verifier against the challenge bound
// at issuance. All failures collapse to invalid_grant so callers cannot
// tell which check failed.
func (s *Server) verifyCodePKCE(ctx context.Context, client *storage.Client, authCode *storage.AuthorizationCode, verifier string) error {
	if authCode.CodeChallenge == "" {
		if client.ClientType == ClientTypePublic && !s.config.AllowPublicClientsWithoutPKCE {
			// Issuance enforces this; a code without a challenge for a
			// public client means tampered storage or misconfiguration.
			return ErrInvalidGrant("authorization code is invalid or expired")
		}
		if verifier != "" {
			return ErrInvalidGrant("code_verifier provided but no challenge was bound")
		}
		return nil
	}

	if err := pkce.Verify(authCode.CodeChallenge, authCode.CodeChallengeMethod, verifier); err != nil {
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
		}
		s.Auditor.LogAuthFailure(authCode.UserID, client.ClientID, "", "pkce_verification_failed")
		return ErrInvalidGrant("PKCE verification failed")
	}

	return nil
}

// narrowScope applies RFC 6749 §6 scope narrowing on refresh: an omitted
// scope keeps the original grant; a present scope must be a strict subset.
func narrowScope(granted, requested string) (string, error) {
	if requested == "" {
		return granted, nil
	}

	if !scopeIsSubset(parseScope(requested), parseScope(granted)) {
		return "", ErrInvalidScope("requested scope exceeds the original grant")
	}
	return requested, nil
}

// clientAllowsGrant reports whether the client registered for a grant type.
func clientAllowsGrant(client *storage.Client, grantType string) bool {
	for _, gt := range client.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}
