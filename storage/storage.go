// Package storage defines the persistence interfaces and entities used by the
// authorization server. Implementations must be safe for concurrent use.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. Callers translate these
// into protocol errors; stores never leak backend details through them.
var (
	// ErrClientNotFound is returned when a client ID is not registered.
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidCredentials is returned when client secret validation fails.
	// The message is deliberately generic to prevent client enumeration.
	ErrInvalidCredentials = errors.New("invalid client credentials")

	// ErrCodeNotFound is returned when an authorization code does not exist
	// or has expired. The two cases are indistinguishable on purpose.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeConsumed is returned by ConsumeAuthorizationCode when the code
	// was already exchanged. Receiving it means a replay or a lost race.
	ErrCodeConsumed = errors.New("authorization code already consumed")

	// ErrTokenNotFound is returned when a token hash has no record, the
	// record expired, or (for ConsumeRefreshToken) it was already rotated.
	ErrTokenNotFound = errors.New("token not found")

	// ErrRegistrationLimitExceeded is returned when an IP address has
	// registered too many clients.
	ErrRegistrationLimitExceeded = errors.New("registration limit exceeded")
)

// HashToken returns the hex-encoded SHA-256 digest of a raw token value.
// Tokens are persisted and looked up only in this form; the raw value exists
// solely in the response that delivered it to the client.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Client is a registered OAuth application.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash; empty for public clients
	ClientType              string // "confidential" or "public"
	RedirectURIs            []string
	TokenEndpointAuthMethod string // "client_secret_basic", "client_secret_post", or "none"
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string // scopes the client may request
	CreatedAt               time.Time
}

// AuthorizationCode is a short-lived, single-use credential binding a user
// approval to a client, redirect URI, scope and PKCE challenge.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// AccessToken is the stored form of an issued access token. The raw token
// value is never persisted; TokenHash is its SHA-256 digest.
type AccessToken struct {
	TokenHash string
	ClientID  string
	UserID    string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// RefreshToken is the stored form of an issued refresh token. It carries a
// back-reference to the access token minted alongside it so rotation and
// revocation can invalidate the pair together.
type RefreshToken struct {
	TokenHash       string
	AccessTokenHash string
	ClientID        string
	UserID          string
	Scope           string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	Revoked         bool
}

// ClientStore persists registered clients.
type ClientStore interface {
	// SaveClient stores a registered client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrClientNotFound for
	// unknown IDs.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret checks a client's secret against its stored
	// bcrypt hash. Implementations must take the same time whether or not
	// the client exists. Public clients validate with an empty secret.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// CheckIPLimit reports whether an IP may register another client.
	// Returns ErrRegistrationLimitExceeded when the cap is reached;
	// maxClientsPerIP <= 0 disables the check.
	CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error

	// TrackClientIP records a successful registration from an IP.
	TrackClientIP(ctx context.Context, ip string) error
}

// CodeStore persists authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode stores a newly issued code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves a live code. Expired or unknown codes
	// return ErrCodeNotFound; consumed codes are returned with Consumed set
	// so callers can distinguish replay from absence.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically marks a code consumed and returns
	// its record. Exactly one caller succeeds per code: concurrent calls for
	// the same code see ErrCodeConsumed after the first. Expired or unknown
	// codes return ErrCodeNotFound.
	//
	// SECURITY: This operation MUST be atomic. Single-use enforcement for
	// authorization codes depends on it; a check-then-set implementation
	// reopens the double-spend race this interface exists to close.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes a code record.
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore persists access and refresh tokens, keyed by token hash.
type TokenStore interface {
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access token record by hash. Unknown or
	// expired hashes return ErrTokenNotFound; revoked records are returned
	// with Revoked set.
	GetAccessToken(ctx context.Context, tokenHash string) (*AccessToken, error)

	// RevokeAccessToken marks an access token revoked. Revoking an unknown
	// or already revoked token is not an error.
	RevokeAccessToken(ctx context.Context, tokenHash string) error

	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token record by hash. Unknown or
	// expired hashes return ErrTokenNotFound; revoked records are returned
	// with Revoked set.
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// RevokeRefreshToken marks a refresh token revoked. Idempotent.
	RevokeRefreshToken(ctx context.Context, tokenHash string) error

	// ConsumeRefreshToken atomically marks a live refresh token revoked and
	// returns its record. Exactly one caller succeeds per token; later calls
	// and unknown, expired or already revoked tokens get ErrTokenNotFound.
	//
	// SECURITY: This operation MUST be atomic. Refresh token rotation relies
	// on it to guarantee a single winner under concurrent refresh attempts.
	ConsumeRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
}

// Store combines all persistence interfaces.
type Store interface {
	ClientStore
	CodeStore
	TokenStore

	// Close releases backend resources and stops background maintenance.
	Close() error
}
