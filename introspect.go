package authkit

import (
	"context"
	"errors"

	"github.com/hyphasec/authkit/security"
	"github.com/hyphasec/authkit/storage"
)

// Revoke implements RFC 7009 token revocation. The presented value is tried
// as an access token and as a refresh token; the hint only reorders the
// lookups. Revoking a refresh token retires its paired access token too.
//
// Unknown tokens, already revoked tokens and wrong hints all return nil: the
// endpoint never reveals whether a token existed. Only storage failures are
// errors.
func (s *Server) Revoke(ctx context.Context, client *storage.Client, rawToken, tokenTypeHint string) error {
	if rawToken == "" {
		return ErrInvalidRequest("token is required")
	}

	tokenHash := storage.HashToken(rawToken)

	order := []string{TokenTypeHintAccessToken, TokenTypeHintRefreshToken}
	if tokenTypeHint == TokenTypeHintRefreshToken {
		order = []string{TokenTypeHintRefreshToken, TokenTypeHintAccessToken}
	}

	for _, kind := range order {
		revoked, err := s.revokeByKind(ctx, client, tokenHash, kind)
		if err != nil {
			return err
		}
		if revoked {
			if m := s.metrics(); m != nil {
				m.RecordTokenRevocation(ctx, client.ClientID)
			}
			return nil
		}
	}

	// Nothing matched; still success per RFC 7009 Section 2.2.
	return nil
}

// revokeByKind tries to revoke the hash as one token kind. Returns whether a
// matching live record owned by the client was found.
func (s *Server) revokeByKind(ctx context.Context, client *storage.Client, tokenHash, kind string) (bool, error) {
	switch kind {
	case TokenTypeHintAccessToken:
		token, err := s.lookupAccessToken(ctx, tokenHash)
		if err != nil {
			if errors.Is(err, storage.ErrTokenNotFound) {
				return false, nil
			}
			return false, err
		}
		if token.ClientID != client.ClientID {
			// Foreign tokens are silently ignored.
			return false, nil
		}
		if err := s.store.RevokeAccessToken(ctx, tokenHash); err != nil {
			return false, newStorageError("revoke_access_token", err)
		}
		s.Auditor.LogTokenRevoked(token.UserID, client.ClientID, "", "access_token")
		return true, nil

	case TokenTypeHintRefreshToken:
		token, err := s.lookupRefreshToken(ctx, tokenHash)
		if err != nil {
			if errors.Is(err, storage.ErrTokenNotFound) {
				return false, nil
			}
			return false, err
		}
		if token.ClientID != client.ClientID {
			return false, nil
		}
		if err := s.revokeRefreshTokenPair(ctx, token); err != nil {
			return false, err
		}
		s.Auditor.LogTokenRevoked(token.UserID, client.ClientID, "", "refresh_token")
		return true, nil
	}

	return false, nil
}

// Introspect implements RFC 7662 token introspection. Unknown, expired and
// revoked tokens all produce {"active": false}; storage failures surface as
// errors, never as an inactive verdict.
func (s *Server) Introspect(ctx context.Context, rawToken, tokenTypeHint string) (*IntrospectionResponse, error) {
	if rawToken == "" {
		return nil, ErrInvalidRequest("token is required")
	}

	tokenHash := storage.HashToken(rawToken)

	order := []string{TokenTypeHintAccessToken, TokenTypeHintRefreshToken}
	if tokenTypeHint == TokenTypeHintRefreshToken {
		order = []string{TokenTypeHintRefreshToken, TokenTypeHintAccessToken}
	}

	for _, kind := range order {
		resp, found, err := s.introspectByKind(ctx, tokenHash, kind)
		if err != nil {
			return nil, err
		}
		if found {
			if m := s.metrics(); m != nil {
				m.RecordIntrospection(ctx, resp.Active)
			}
			return resp, nil
		}
	}

	if m := s.metrics(); m != nil {
		m.RecordIntrospection(ctx, false)
	}
	return &IntrospectionResponse{Active: false}, nil
}

// introspectByKind inspects the hash as one token kind.
func (s *Server) introspectByKind(ctx context.Context, tokenHash, kind string) (*IntrospectionResponse, bool, error) {
	switch kind {
	case TokenTypeHintAccessToken:
		token, err := s.lookupAccessToken(ctx, tokenHash)
		if err != nil {
			if errors.Is(err, storage.ErrTokenNotFound) {
				return nil, false, nil
			}
			return nil, false, err
		}
		if token.Revoked || security.IsTokenExpired(token.ExpiresAt) {
			return &IntrospectionResponse{Active: false}, true, nil
		}
		return &IntrospectionResponse{
			Active:    true,
			Scope:     token.Scope,
			ClientID:  token.ClientID,
			Sub:       token.UserID,
			TokenType: "Bearer",
			Exp:       token.ExpiresAt.Unix(),
			Iat:       token.CreatedAt.Unix(),
		}, true, nil

	case TokenTypeHintRefreshToken:
		token, err := s.lookupRefreshToken(ctx, tokenHash)
		if err != nil {
			if errors.Is(err, storage.ErrTokenNotFound) {
				return nil, false, nil
			}
			return nil, false, err
		}
		if token.Revoked || security.IsTokenExpired(token.ExpiresAt) {
			return &IntrospectionResponse{Active: false}, true, nil
		}
		return &IntrospectionResponse{
			Active:    true,
			Scope:     token.Scope,
			ClientID:  token.ClientID,
			Sub:       token.UserID,
			TokenType: "refresh_token",
			Exp:       token.ExpiresAt.Unix(),
			Iat:       token.CreatedAt.Unix(),
		}, true, nil
	}

	return nil, false, nil
}
