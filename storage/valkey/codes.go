package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyphasec/authkit/storage"
)

// ============================================================
// CodeStore implementation
// ============================================================

// SaveAuthorizationCode stores an issued authorization code with a TTL
// matching its expiry.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	key := s.codeKey(code.Code)

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves a code without modifying it. Code exchange
// must go through ConsumeAuthorizationCode instead.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	authCode, err := getAndUnmarshal(ctx, s, s.codeKey(code), storage.ErrCodeNotFound, fromAuthorizationCodeJSON)
	if err != nil {
		return nil, err
	}

	// TTL should have removed expired codes, but double-check.
	if time.Now().After(authCode.ExpiresAt) {
		return nil, storage.ErrCodeNotFound
	}

	return authCode, nil
}

// ConsumeAuthorizationCode atomically marks a code consumed via Lua script.
// Only one concurrent caller succeeds per code.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	key := s.codeKey(code)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeAuthorizationCode).
			Numkeys(1).
			Key(key).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code consume: %w", err)
	}

	switch result {
	case "NOT_FOUND", "EXPIRED":
		// Indistinguishable to callers to avoid leaking code liveness.
		return nil, storage.ErrCodeNotFound
	case "CONSUMED":
		s.logger.Warn("Authorization code replay detected",
			"code_prefix", safeTruncate(code, tokenIDLogLength))
		return nil, storage.ErrCodeConsumed
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	s.logger.Debug("Consumed authorization code",
		"code_prefix", safeTruncate(code, tokenIDLogLength))
	return fromAuthorizationCodeJSON(&j), nil
}

// DeleteAuthorizationCode removes a code record.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	key := s.codeKey(code)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}

	s.logger.Debug("Deleted authorization code")
	return nil
}
