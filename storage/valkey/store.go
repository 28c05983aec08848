// Package valkey provides a Valkey-backed implementation of all storage
// interfaces for multi-instance deployments. Atomic single-use semantics are
// implemented with Lua scripts so they hold across server replicas sharing
// one Valkey.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/hyphasec/authkit/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "authkit:"

	// tokenIDLogLength is the number of characters of a token hash or code
	// to include in debug logs.
	tokenIDLogLength = 8

	// connectionVerifyTimeout bounds the initial PING on New.
	connectionVerifyTimeout = 5 * time.Second

	// clientIPTrackingTTL is how long registration counts per IP persist.
	clientIPTrackingTTL = 24 * time.Hour
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for authentication.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "authkit:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// Logger is the optional structured logger (default slog.Default()).
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New creates a Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() error {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
	return nil
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// ============================================================
// Key helpers
// ============================================================

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// clientIPKey returns the key for registration IP tracking: {prefix}client:ip:{ip}
func (s *Store) clientIPKey(ip string) string {
	return fmt.Sprintf("%sclient:ip:%s", s.prefix, ip)
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// accessTokenKey returns the key for an access token: {prefix}at:{hash}
func (s *Store) accessTokenKey(tokenHash string) string {
	return fmt.Sprintf("%sat:%s", s.prefix, tokenHash)
}

// refreshTokenKey returns the key for a refresh token: {prefix}rt:{hash}
func (s *Store) refreshTokenKey(tokenHash string) string {
	return fmt.Sprintf("%srt:%s", s.prefix, tokenHash)
}

// ============================================================
// Lua scripts for atomic operations
// ============================================================
//
// Lua scripts execute atomically in Valkey, so these operations remain
// race-free when multiple server instances share one backend.

// luaConsumeAuthorizationCode atomically checks that an authorization code is
// unconsumed and marks it consumed.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns:
//   - the original JSON data if the code was live and is now consumed
//   - "NOT_FOUND" if the key does not exist
//   - "EXPIRED" if now > expires_at (TTL normally removes these first)
//   - "CONSUMED" if the code was already consumed
const luaConsumeAuthorizationCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

if code.consumed then
    return 'CONSUMED'
end

code.consumed = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`

// luaConsumeRefreshToken atomically checks that a refresh token is live and
// marks it revoked, implementing one-winner rotation. The record stays in
// Valkey until its TTL runs out so introspection and reuse detection still
// see it.
//
// KEYS[1] = refresh token key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns:
//   - the original JSON data if the token was live and is now revoked
//   - "NOT_FOUND" if the key does not exist
//   - "EXPIRED" if now > expires_at
//   - "REVOKED" if the token was already rotated or revoked
const luaConsumeRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local token = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(token.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

if token.revoked then
    return 'REVOKED'
end

token.revoked = true
redis.call('SET', KEYS[1], cjson.encode(token), 'KEEPTTL')

return data
`

// luaMarkRevoked sets revoked=true on a stored token record, preserving its
// TTL. Missing keys are ignored so revocation stays idempotent.
//
// KEYS[1] = token key
const luaMarkRevoked = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end

local token = cjson.decode(data)
if token.revoked then
    return 0
end

token.revoked = true
redis.call('SET', KEYS[1], cjson.encode(token), 'KEEPTTL')

return 1
`

// ============================================================
// Helpers
// ============================================================

// isNilError checks if the error indicates a nil/not-found result.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// calculateTTL returns the remaining lifetime for a key, or 0 when already
// past expiry.
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// safeTruncate truncates a string to n characters for logging.
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
