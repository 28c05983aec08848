package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyphasec/authkit/storage"
)

// ============================================================
// TokenStore implementation
// ============================================================

// SaveAccessToken stores an access token record keyed by its hash, with a
// TTL matching the token lifetime.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("invalid access token")
	}

	data, err := json.Marshal(toAccessTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("access token already expired")
	}

	key := s.accessTokenKey(token.TokenHash)

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}

	s.logger.Debug("Saved access token",
		"token_prefix", safeTruncate(token.TokenHash, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetAccessToken retrieves an access token record by hash.
func (s *Store) GetAccessToken(ctx context.Context, tokenHash string) (*storage.AccessToken, error) {
	token, err := getAndUnmarshal(ctx, s, s.accessTokenKey(tokenHash), storage.ErrTokenNotFound, fromAccessTokenJSON)
	if err != nil {
		return nil, err
	}

	if time.Now().After(token.ExpiresAt) {
		return nil, storage.ErrTokenNotFound
	}

	return token, nil
}

// RevokeAccessToken marks an access token revoked, preserving its TTL so
// introspection still sees the record until natural expiry. Idempotent.
func (s *Store) RevokeAccessToken(ctx context.Context, tokenHash string) error {
	key := s.accessTokenKey(tokenHash)

	if err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaMarkRevoked).Numkeys(1).Key(key).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}

	s.logger.Debug("Revoked access token",
		"token_prefix", safeTruncate(tokenHash, tokenIDLogLength))
	return nil
}

// SaveRefreshToken stores a refresh token record keyed by its hash, with a
// TTL matching the token lifetime.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("invalid refresh token")
	}

	data, err := json.Marshal(toRefreshTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	key := s.refreshTokenKey(token.TokenHash)

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.logger.Debug("Saved refresh token",
		"token_prefix", safeTruncate(token.TokenHash, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetRefreshToken retrieves a refresh token record by hash.
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	token, err := getAndUnmarshal(ctx, s, s.refreshTokenKey(tokenHash), storage.ErrTokenNotFound, fromRefreshTokenJSON)
	if err != nil {
		return nil, err
	}

	if time.Now().After(token.ExpiresAt) {
		return nil, storage.ErrTokenNotFound
	}

	return token, nil
}

// RevokeRefreshToken marks a refresh token revoked. Idempotent.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	key := s.refreshTokenKey(tokenHash)

	if err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaMarkRevoked).Numkeys(1).Key(key).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	s.logger.Debug("Revoked refresh token",
		"token_prefix", safeTruncate(tokenHash, tokenIDLogLength))
	return nil
}

// ConsumeRefreshToken atomically marks a live refresh token revoked via Lua
// script and returns its record. One winner per token.
func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	key := s.refreshTokenKey(tokenHash)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeRefreshToken).
			Numkeys(1).
			Key(key).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh consume: %w", err)
	}

	switch result {
	case "NOT_FOUND", "EXPIRED":
		return nil, storage.ErrTokenNotFound
	case "REVOKED":
		s.logger.Warn("Refresh token replay detected",
			"token_prefix", safeTruncate(tokenHash, tokenIDLogLength))
		return nil, storage.ErrTokenNotFound
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse refresh token: %w", err)
	}

	s.logger.Debug("Consumed refresh token",
		"token_prefix", safeTruncate(tokenHash, tokenIDLogLength))
	return fromRefreshTokenJSON(&j), nil
}
