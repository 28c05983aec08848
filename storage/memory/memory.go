// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/hyphasec/authkit/instrumentation"
	"github.com/hyphasec/authkit/internal/util"
	"github.com/hyphasec/authkit/security"
	"github.com/hyphasec/authkit/storage"
)

// tokenIDLogLength is the number of characters of a token hash or code to
// include in debug logs.
const tokenIDLogLength = 8

// Pre-computed bcrypt hash compared when a client does not exist, so secret
// validation takes the same time whether or not the client ID is registered.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ipEntry tracks registrations from one IP for the per-IP cap.
type ipEntry struct {
	count     int
	expiresAt time.Time
}

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	clientsPerIP  map[string]*ipEntry
	authCodes     map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken  // keyed by token hash
	refreshTokens map[string]*storage.RefreshToken // keyed by token hash

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Lock-free counters for the storage size gauges.
	clientsCountAtomic       atomic.Int64
	codesCountAtomic         atomic.Int64
	accessTokensCountAtomic  atomic.Int64
	refreshTokensCountAtomic atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New creates an in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store with a custom cleanup interval.
// A non-positive interval falls back to the default.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		clientsPerIP:    make(map[string]*ipEntry),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation wires OpenTelemetry instrumentation into the store and
// registers the storage size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.accessTokensCountAtomic.Store(int64(len(s.accessTokens)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.accessTokensCountAtomic.Load() },
			func() int64 { return s.refreshTokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop stops the background cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// Close implements storage.Store.
func (s *Store) Close() error {
	s.Stop()
	return nil
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient stores a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "save_client")
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
		span.End()
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ClientID] = client
	s.clientsCountAtomic.Store(int64(len(s.clients)))

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "get_client")
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
		span.End()
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, exists := s.clients[clientID]
	if !exists {
		err = storage.ErrClientNotFound
		return nil, err
	}

	out := *client
	return &out, nil
}

// ValidateClientSecret validates a client's secret against its bcrypt hash.
// A bcrypt comparison always runs, even for unknown clients, so lookups do
// not reveal client existence through timing.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	s.mu.RLock()
	client, exists := s.clients[clientID]
	s.mu.RUnlock()

	hashToCompare := dummySecretHash
	isPublicClient := false

	if exists {
		if client.ClientType == "public" {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if isPublicClient {
		// Public clients carry no secret; identity is proven via PKCE.
		return nil
	}
	if !exists || bcryptErr != nil {
		return storage.ErrInvalidCredentials
	}

	return nil
}

// CheckIPLimit reports whether an IP may register another client.
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.clientsPerIP[ip]
	if !exists || time.Now().After(entry.expiresAt) {
		return nil
	}

	if entry.count >= maxClientsPerIP {
		s.logger.Warn("Client registration limit reached",
			"ip", ip,
			"current_count", entry.count,
			"max_allowed", maxClientsPerIP)
		return storage.ErrRegistrationLimitExceeded
	}

	return nil
}

// TrackClientIP records a registration from an IP. Counts decay after 24h.
func (s *Store) TrackClientIP(ctx context.Context, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, exists := s.clientsPerIP[ip]
	if !exists || now.After(entry.expiresAt) {
		s.clientsPerIP[ip] = &ipEntry{count: 1, expiresAt: now.Add(24 * time.Hour)}
		return nil
	}

	entry.count++
	return nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthorizationCode stores a newly issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
		span.End()
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.authCodes[code.Code] = code
	s.codesCountAtomic.Store(int64(len(s.authCodes)))

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves a live authorization code. Consumed codes
// are returned with Consumed set; expired and unknown codes are
// indistinguishable. The returned record is a copy: callers read it outside
// the store lock while Consume may mutate the stored one.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "get_authorization_code")
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_authorization_code", err, startTime)
		span.End()
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, exists := s.authCodes[code]
	if !exists || security.IsTokenExpired(authCode.ExpiresAt) {
		err = storage.ErrCodeNotFound
		return nil, err
	}

	out := *authCode
	return &out, nil
}

// ConsumeAuthorizationCode atomically marks a code consumed and returns a
// copy of its record. The check and the mark happen under one write lock, so
// exactly one caller wins per code.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime)
		span.End()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, exists := s.authCodes[code]
	if !exists || security.IsTokenExpired(authCode.ExpiresAt) {
		err = storage.ErrCodeNotFound
		return nil, err
	}

	if authCode.Consumed {
		s.logger.Warn("Authorization code replay detected",
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
			"client_id", authCode.ClientID)
		err = storage.ErrCodeConsumed
		return nil, err
	}

	authCode.Consumed = true

	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
		"client_id", authCode.ClientID)

	out := *authCode
	return &out, nil
}

// DeleteAuthorizationCode removes a code record.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.authCodes, code)
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	return nil
}

// ============================================================
// TokenStore
// ============================================================

// SaveAccessToken stores an access token record keyed by its hash.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_access_token", err, startTime)
		span.End()
	}()

	if token == nil || token.TokenHash == "" {
		err = fmt.Errorf("invalid access token")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessTokens[token.TokenHash] = token
	s.accessTokensCountAtomic.Store(int64(len(s.accessTokens)))

	s.logger.Debug("Saved access token",
		"token_prefix", util.SafeTruncate(token.TokenHash, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetAccessToken retrieves a copy of an access token record by hash. Copies
// keep callers race-free against concurrent Revoke mutations of the stored
// record.
func (s *Store) GetAccessToken(ctx context.Context, tokenHash string) (*storage.AccessToken, error) {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_access_token", err, startTime)
		span.End()
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, exists := s.accessTokens[tokenHash]
	if !exists || security.IsTokenExpired(token.ExpiresAt) {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	out := *token
	return &out, nil
}

// RevokeAccessToken marks an access token revoked. Idempotent.
func (s *Store) RevokeAccessToken(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token, exists := s.accessTokens[tokenHash]; exists {
		token.Revoked = true
	}
	return nil
}

// SaveRefreshToken stores a refresh token record keyed by its hash.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime)
		span.End()
	}()

	if token == nil || token.TokenHash == "" {
		err = fmt.Errorf("invalid refresh token")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshTokens[token.TokenHash] = token
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))

	s.logger.Debug("Saved refresh token",
		"token_prefix", util.SafeTruncate(token.TokenHash, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetRefreshToken retrieves a copy of a refresh token record by hash.
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_refresh_token", err, startTime)
		span.End()
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, exists := s.refreshTokens[tokenHash]
	if !exists || security.IsTokenExpired(token.ExpiresAt) {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	out := *token
	return &out, nil
}

// RevokeRefreshToken marks a refresh token revoked. Idempotent.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token, exists := s.refreshTokens[tokenHash]; exists {
		token.Revoked = true
	}
	return nil
}

// ConsumeRefreshToken atomically marks a live refresh token revoked and
// returns a copy of its record. A token already revoked (rotated) is reported
// as not found; the caller treats that as a reuse signal.
func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_refresh_token", err, startTime)
		span.End()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, exists := s.refreshTokens[tokenHash]
	if !exists || security.IsTokenExpired(token.ExpiresAt) {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	if token.Revoked {
		s.logger.Warn("Refresh token replay detected",
			"token_prefix", util.SafeTruncate(tokenHash, tokenIDLogLength),
			"client_id", token.ClientID)
		err = storage.ErrTokenNotFound
		return nil, err
	}

	token.Revoked = true

	s.logger.Debug("Consumed refresh token",
		"token_prefix", util.SafeTruncate(tokenHash, tokenIDLogLength),
		"client_id", token.ClientID)

	out := *token
	return &out, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup sweeps expired codes, expired tokens and decayed IP entries.
// Revoked-but-unexpired tokens are kept so introspection can report them.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removedCodes := 0
	removedTokens := 0

	for code, authCode := range s.authCodes {
		if now.After(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			removedCodes++
		}
	}

	for hash, token := range s.accessTokens {
		if now.After(token.ExpiresAt) {
			delete(s.accessTokens, hash)
			removedTokens++
		}
	}

	for hash, token := range s.refreshTokens {
		if now.After(token.ExpiresAt) {
			delete(s.refreshTokens, hash)
			removedTokens++
		}
	}

	for ip, entry := range s.clientsPerIP {
		if now.After(entry.expiresAt) {
			delete(s.clientsPerIP, ip)
		}
	}

	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.accessTokensCountAtomic.Store(int64(len(s.accessTokens)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))

	if removedCodes > 0 || removedTokens > 0 {
		s.logger.Debug("Storage cleanup completed",
			"expired_codes", removedCodes,
			"expired_tokens", removedTokens)
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
