package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hyphasec/authkit/internal/testutil"
	"github.com/hyphasec/authkit/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s := NewWithInterval(time.Hour)
	s.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(s.Stop)
	return s
}

func testClient(clientID string) *storage.Client {
	return &storage.Client{
		ClientID:     clientID,
		ClientType:   "confidential",
		RedirectURIs: []string{"https://app.test/callback"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		Scopes:       []string{"read", "write"},
		CreatedAt:    time.Now(),
	}
}

func testCode(code string, ttl time.Duration) *storage.AuthorizationCode {
	now := time.Now()
	return &storage.AuthorizationCode{
		Code:        code,
		ClientID:    "client-1",
		RedirectURI: "https://app.test/callback",
		Scope:       "read",
		UserID:      "user-1",
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func testAccessToken(hash string, ttl time.Duration) *storage.AccessToken {
	now := time.Now()
	return &storage.AccessToken{
		TokenHash: hash,
		ClientID:  "client-1",
		UserID:    "user-1",
		Scope:     "read",
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func testRefreshToken(hash, accessHash string, ttl time.Duration) *storage.RefreshToken {
	now := time.Now()
	return &storage.RefreshToken{
		TokenHash:       hash,
		AccessTokenHash: accessHash,
		ClientID:        "client-1",
		UserID:          "user-1",
		Scope:           "read",
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
}

func TestClientStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	client := testClient("client-1")
	testutil.AssertNoError(t, s.SaveClient(ctx, client))

	got, err := s.GetClient(ctx, "client-1")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.ClientID, "client-1")

	_, err = s.GetClient(ctx, "missing")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Fatalf("expected ErrClientNotFound, got %v", err)
	}

	testutil.AssertError(t, s.SaveClient(ctx, nil))
	testutil.AssertError(t, s.SaveClient(ctx, &storage.Client{}))
}

func TestValidateClientSecret(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-secret"), bcrypt.DefaultCost)
	testutil.AssertNoError(t, err)

	confidential := testClient("confidential-1")
	confidential.ClientSecretHash = string(hash)
	testutil.AssertNoError(t, s.SaveClient(ctx, confidential))

	public := testClient("public-1")
	public.ClientType = "public"
	testutil.AssertNoError(t, s.SaveClient(ctx, public))

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{"correct secret", "confidential-1", "correct-secret", false},
		{"wrong secret", "confidential-1", "wrong-secret", true},
		{"empty secret", "confidential-1", "", true},
		{"public client needs no secret", "public-1", "", false},
		{"unknown client", "missing", "any-secret", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidateClientSecret(ctx, tt.clientID, tt.secret)
			if tt.wantErr {
				if !errors.Is(err, storage.ErrInvalidCredentials) {
					t.Fatalf("expected ErrInvalidCredentials, got %v", err)
				}
				return
			}
			testutil.AssertNoError(t, err)
		})
	}
}

func TestIPLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Unlimited when the cap is disabled.
	testutil.AssertNoError(t, s.CheckIPLimit(ctx, "192.0.2.1", 0))

	testutil.AssertNoError(t, s.CheckIPLimit(ctx, "192.0.2.1", 2))
	testutil.AssertNoError(t, s.TrackClientIP(ctx, "192.0.2.1"))
	testutil.AssertNoError(t, s.CheckIPLimit(ctx, "192.0.2.1", 2))
	testutil.AssertNoError(t, s.TrackClientIP(ctx, "192.0.2.1"))

	err := s.CheckIPLimit(ctx, "192.0.2.1", 2)
	if !errors.Is(err, storage.ErrRegistrationLimitExceeded) {
		t.Fatalf("expected ErrRegistrationLimitExceeded, got %v", err)
	}

	// Another IP is unaffected.
	testutil.AssertNoError(t, s.CheckIPLimit(ctx, "192.0.2.2", 2))
}

func TestAuthorizationCodeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := testCode("code-1", 10*time.Minute)
	testutil.AssertNoError(t, s.SaveAuthorizationCode(ctx, code))

	got, err := s.GetAuthorizationCode(ctx, "code-1")
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, got.Consumed, "fresh code must be unconsumed")

	consumed, err := s.ConsumeAuthorizationCode(ctx, "code-1")
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, consumed.Consumed, "consume must mark the record")
	testutil.AssertEqual(t, consumed.UserID, "user-1")

	// Second consume is a replay.
	_, err = s.ConsumeAuthorizationCode(ctx, "code-1")
	if !errors.Is(err, storage.ErrCodeConsumed) {
		t.Fatalf("expected ErrCodeConsumed, got %v", err)
	}

	testutil.AssertNoError(t, s.DeleteAuthorizationCode(ctx, "code-1"))
	_, err = s.GetAuthorizationCode(ctx, "code-1")
	if !errors.Is(err, storage.ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound, got %v", err)
	}
}

func TestExpiredAuthorizationCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Already past expiry plus the clock skew grace period.
	code := testCode("expired-code", -time.Minute)
	testutil.AssertNoError(t, s.SaveAuthorizationCode(ctx, code))

	_, err := s.GetAuthorizationCode(ctx, "expired-code")
	if !errors.Is(err, storage.ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound for expired code, got %v", err)
	}

	_, err = s.ConsumeAuthorizationCode(ctx, "expired-code")
	if !errors.Is(err, storage.ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound for expired code, got %v", err)
	}
}

func TestConcurrentCodeConsumption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := testCode("race-code", 10*time.Minute)
	testutil.AssertNoError(t, s.SaveAuthorizationCode(ctx, code))

	const workers = 50
	var wg sync.WaitGroup
	var successes, replays int64
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeAuthorizationCode(ctx, "race-code")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, storage.ErrCodeConsumed):
				replays++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	testutil.AssertEqual(t, successes, int64(1))
	testutil.AssertEqual(t, replays, int64(workers-1))
}

func TestAccessTokenLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token := testAccessToken("at-hash-1", time.Hour)
	testutil.AssertNoError(t, s.SaveAccessToken(ctx, token))

	got, err := s.GetAccessToken(ctx, "at-hash-1")
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, got.Revoked, "fresh token must not be revoked")

	testutil.AssertNoError(t, s.RevokeAccessToken(ctx, "at-hash-1"))

	// Revoked tokens stay readable until they expire.
	got, err = s.GetAccessToken(ctx, "at-hash-1")
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, got.Revoked, "revocation must stick")

	// Revoking again or revoking an unknown hash is a no-op.
	testutil.AssertNoError(t, s.RevokeAccessToken(ctx, "at-hash-1"))
	testutil.AssertNoError(t, s.RevokeAccessToken(ctx, "unknown-hash"))

	_, err = s.GetAccessToken(ctx, "unknown-hash")
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token := testRefreshToken("rt-hash-1", "at-hash-1", time.Hour)
	testutil.AssertNoError(t, s.SaveRefreshToken(ctx, token))

	consumed, err := s.ConsumeRefreshToken(ctx, "rt-hash-1")
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, consumed.Revoked, "consume must retire the token")
	testutil.AssertEqual(t, consumed.AccessTokenHash, "at-hash-1")

	// Presenting a rotated token reads as not found.
	_, err = s.ConsumeRefreshToken(ctx, "rt-hash-1")
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound on replay, got %v", err)
	}

	// But the record is still visible to introspection.
	got, err := s.GetRefreshToken(ctx, "rt-hash-1")
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, got.Revoked, "rotated token stays readable as revoked")
}

func TestGetReturnsIndependentRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	testutil.AssertNoError(t, s.SaveAccessToken(ctx, testAccessToken("at-hash-1", time.Hour)))
	testutil.AssertNoError(t, s.SaveRefreshToken(ctx, testRefreshToken("rt-hash-1", "at-hash-1", time.Hour)))
	testutil.AssertNoError(t, s.SaveAuthorizationCode(ctx, testCode("code-1", time.Hour)))

	// A snapshot taken before revocation must not change under the caller.
	before, err := s.GetAccessToken(ctx, "at-hash-1")
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, s.RevokeAccessToken(ctx, "at-hash-1"))
	testutil.AssertFalse(t, before.Revoked, "earlier snapshot must be unaffected by revocation")

	after, err := s.GetAccessToken(ctx, "at-hash-1")
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, after.Revoked, "fresh read must see the revocation")

	// Mutating a returned record must not write through to the store.
	rt, err := s.GetRefreshToken(ctx, "rt-hash-1")
	testutil.AssertNoError(t, err)
	rt.Revoked = true
	rt.Scope = "mutated"

	stored, err := s.GetRefreshToken(ctx, "rt-hash-1")
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, stored.Revoked, "caller-side mutation leaked into the store")
	testutil.AssertEqual(t, stored.Scope, "read")

	code, err := s.GetAuthorizationCode(ctx, "code-1")
	testutil.AssertNoError(t, err)
	code.Consumed = true

	storedCode, err := s.GetAuthorizationCode(ctx, "code-1")
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, storedCode.Consumed, "caller-side mutation leaked into the store")
}

func TestConcurrentGetAndRevoke(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const iterations = 50
	for i := 0; i < iterations; i++ {
		hash := fmt.Sprintf("at-race-%d", i)
		testutil.AssertNoError(t, s.SaveAccessToken(ctx, testAccessToken(hash, time.Hour)))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if token, err := s.GetAccessToken(ctx, hash); err == nil {
				_ = token.Revoked
			}
		}()
		go func() {
			defer wg.Done()
			if err := s.RevokeAccessToken(ctx, hash); err != nil {
				t.Errorf("revoke failed: %v", err)
			}
		}()
		wg.Wait()
	}
}

func TestConcurrentRefreshTokenConsumption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token := testRefreshToken("race-rt", "race-at", time.Hour)
	testutil.AssertNoError(t, s.SaveRefreshToken(ctx, token))

	const workers = 50
	var wg sync.WaitGroup
	var successes int64
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeRefreshToken(ctx, "race-rt"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	testutil.AssertEqual(t, successes, int64(1))
}

func TestCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	testutil.AssertNoError(t, s.SaveAuthorizationCode(ctx, testCode("live-code", time.Hour)))
	testutil.AssertNoError(t, s.SaveAuthorizationCode(ctx, testCode("dead-code", -time.Hour)))

	testutil.AssertNoError(t, s.SaveAccessToken(ctx, testAccessToken("live-at", time.Hour)))
	testutil.AssertNoError(t, s.SaveAccessToken(ctx, testAccessToken("dead-at", -time.Hour)))

	// A revoked but unexpired token must survive the sweep.
	revoked := testAccessToken("revoked-at", time.Hour)
	testutil.AssertNoError(t, s.SaveAccessToken(ctx, revoked))
	testutil.AssertNoError(t, s.RevokeAccessToken(ctx, "revoked-at"))

	testutil.AssertNoError(t, s.SaveRefreshToken(ctx, testRefreshToken("live-rt", "live-at", time.Hour)))
	testutil.AssertNoError(t, s.SaveRefreshToken(ctx, testRefreshToken("dead-rt", "dead-at", -time.Hour)))

	s.cleanup()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.authCodes["live-code"]; !ok {
		t.Error("live code was swept")
	}
	if _, ok := s.authCodes["dead-code"]; ok {
		t.Error("expired code survived the sweep")
	}
	if _, ok := s.accessTokens["live-at"]; !ok {
		t.Error("live access token was swept")
	}
	if _, ok := s.accessTokens["dead-at"]; ok {
		t.Error("expired access token survived the sweep")
	}
	if _, ok := s.accessTokens["revoked-at"]; !ok {
		t.Error("revoked unexpired token was swept; introspection needs it")
	}
	if _, ok := s.refreshTokens["live-rt"]; !ok {
		t.Error("live refresh token was swept")
	}
	if _, ok := s.refreshTokens["dead-rt"]; ok {
		t.Error("expired refresh token survived the sweep")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := New()
	s.Stop()
	s.Stop()
	testutil.AssertNoError(t, s.Close())
}
