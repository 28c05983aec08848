package authkit

import (
	"context"
	"errors"
	"time"

	"github.com/hyphasec/authkit/internal/util"
	"github.com/hyphasec/authkit/storage"
)

// issueTokenPair mints an access/refresh token pair for a user+client+scope
// grant, persisting only the hashed forms. The raw values exist solely in the
// returned TokenResponse.
func (s *Server) issueTokenPair(ctx context.Context, clientID, userID, scope string) (*TokenResponse, error) {
	now := time.Now()

	accessToken := generateToken()
	refreshToken := generateToken()
	accessHash := storage.HashToken(accessToken)
	refreshHash := storage.HashToken(refreshToken)

	accessRecord := &storage.AccessToken{
		TokenHash: accessHash,
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.AccessTokenTTL),
	}

	refreshRecord := &storage.RefreshToken{
		TokenHash:       refreshHash,
		AccessTokenHash: accessHash,
		ClientID:        clientID,
		UserID:          userID,
		Scope:           scope,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.config.RefreshTokenTTL),
	}

	if err := s.store.SaveAccessToken(ctx, accessRecord); err != nil {
		return nil, newStorageError("save_access_token", err)
	}
	if err := s.store.SaveRefreshToken(ctx, refreshRecord); err != nil {
		// Do not leave a live access token behind a failed pair.
		if revokeErr := s.store.RevokeAccessToken(ctx, accessHash); revokeErr != nil {
			s.logger.Warn("Failed to roll back access token after refresh save failure",
				"token_prefix", util.SafeTruncate(accessHash, 8),
				"error", revokeErr)
		}
		return nil, newStorageError("save_refresh_token", err)
	}

	s.logger.Debug("Issued token pair",
		"client_id", clientID,
		"access_prefix", util.SafeTruncate(accessHash, 8),
		"scope", scope)

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.config.AccessTokenTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

// lookupAccessToken resolves an access token hash to its stored record.
// ErrTokenNotFound passes through untouched; backend failures are wrapped in
// the storage taxonomy.
func (s *Server) lookupAccessToken(ctx context.Context, tokenHash string) (*storage.AccessToken, error) {
	token, err := s.store.GetAccessToken(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, err
		}
		return nil, newStorageError("get_access_token", err)
	}
	return token, nil
}

// lookupRefreshToken resolves a refresh token hash to its stored record.
func (s *Server) lookupRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	token, err := s.store.GetRefreshToken(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, err
		}
		return nil, newStorageError("get_refresh_token", err)
	}
	return token, nil
}

// revokeRefreshTokenPair revokes a refresh token and the access token minted
// alongside it.
func (s *Server) revokeRefreshTokenPair(ctx context.Context, token *storage.RefreshToken) error {
	if err := s.store.RevokeRefreshToken(ctx, token.TokenHash); err != nil {
		return newStorageError("revoke_refresh_token", err)
	}
	if token.AccessTokenHash != "" {
		if err := s.store.RevokeAccessToken(ctx, token.AccessTokenHash); err != nil {
			return newStorageError("revoke_access_token", err)
		}
	}
	return nil
}
