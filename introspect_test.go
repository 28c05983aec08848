package authkit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hyphasec/authkit/internal/testutil"
	"github.com/hyphasec/authkit/pkce"
	"github.com/hyphasec/authkit/storage"
)

// issueTestTokenPair runs a full code exchange and returns the token pair.
func issueTestTokenPair(t *testing.T, srv *Server, client *storage.Client, secret string) *TokenResponse {
	t.Helper()

	challenge, verifier := testutil.GeneratePKCEPair()
	code := issueTestCode(t, srv, client, challenge, pkce.MethodS256, "read")

	resp, err := srv.Exchange(context.Background(), &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://app.test/callback",
		ClientID:     client.ClientID,
		ClientSecret: secret,
		CodeVerifier: verifier,
	})
	testutil.AssertNoError(t, err)

	return resp
}

func TestRevokeAccessToken(t *testing.T) {
	srv, _ := setupTestServer(t)
	client, secret := registerTestClient(t, srv, "")
	ctx := context.Background()

	pair := issueTestTokenPair(t, srv, client, secret)

	err := srv.Revoke(ctx, client, pair.AccessToken, TokenTypeHintAccessToken)
	testutil.AssertNoError(t, err)

	intro, err := srv.Introspect(ctx, pair.AccessToken, "")
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, intro.Active, "revoked access token must be inactive")

	// Revoking the access token leaves the refresh token live.
	intro, err = srv.Introspect(ctx, pair.RefreshToken, TokenTypeHintRefreshToken)
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, intro.Active, "refresh token must survive access token revocation")
}

func TestRevokeRefreshTokenRetiresPair(t *testing.T) {
	srv, _ := setupTestServer(t)
	client, secret := registerTestClient(t, srv, "")
	ctx := context.Background()

	pair := issueTestTokenPair(t, srv, client, secret)

	err := srv.Revoke(ctx, client, pair.RefreshToken, TokenTypeHintRefreshToken)
	testutil.AssertNoError(t, err)

	intro, err := srv.Introspect(ctx, pair.RefreshToken, TokenTypeHintRefreshToken)
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, intro.Active, "revoked refresh token must be inactive")

	intro, err = srv.Introspect(ctx, pair.AccessToken, "")
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, intro.Active, "paired access token must be retired")

	// A revoked refresh token no longer rotates.
	_, err = srv.Exchange(ctx, &TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: pair.RefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: secret,
	})
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)
}

func TestRevokeIsIdempotentAndOpaque(t *testing.T) {
	srv, _ := setupTestServer(t)
	client, secret := registerTestClient(t, srv, "")
	ctx := context.Background()

	pair := issueTestTokenPair(t, srv, client, secret)

	// Revoking twice succeeds both times.
	testutil.AssertNoError(t, srv.Revoke(ctx, client, pair.AccessToken, ""))
	testutil.AssertNoError(t, srv.Revoke(ctx, client, pair.AccessToken, ""))

	// Unknown tokens succeed without revealing anything.
	testutil.AssertNoError(t, srv.Revoke(ctx, client, "never-issued-token", ""))

	// A wrong hint still finds and revokes the token.
	testutil.AssertNoError(t, srv.Revoke(ctx, client, pair.RefreshToken, TokenTypeHintAccessToken))
	intro, err := srv.Introspect(ctx, pair.RefreshToken, "")
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, intro.Active, "wrong hint must not prevent revocation")

	// Empty token is the one request-level failure.
	testutil.AssertError(t, srv.Revoke(ctx, client, "", ""))
}

func TestRevokeForeignTokenIgnored(t *testing.T) {
	srv, _ := setupTestServer(t)
	owner, ownerSecret := registerTestClient(t, srv, "")
	other, _, err := srv.RegisterClient(context.Background(), &ClientRegistrationRequest{
		ClientName:   "Other App",
		RedirectURIs: []string{"https://other.test/cb"},
	}, "203.0.113.60")
	testutil.AssertNoError(t, err)

	ctx := context.Background()
	pair := issueTestTokenPair(t, srv, owner, ownerSecret)

	// Another client revoking the owner's token succeeds but changes nothing.
	testutil.AssertNoError(t, srv.Revoke(ctx, other, pair.AccessToken, ""))

	intro, err := srv.Introspect(ctx, pair.AccessToken, "")
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, intro.Active, "foreign revocation attempt must not take effect")
}

func TestIntrospect(t *testing.T) {
	srv, _ := setupTestServer(t)
	client, secret := registerTestClient(t, srv, "")
	ctx := context.Background()

	pair := issueTestTokenPair(t, srv, client, secret)

	t.Run("active access token", func(t *testing.T) {
		intro, err := srv.Introspect(ctx, pair.AccessToken, "")
		testutil.AssertNoError(t, err)
		testutil.AssertTrue(t, intro.Active, "token must be active")
		testutil.AssertEqual(t, intro.TokenType, "Bearer")
		testutil.AssertEqual(t, intro.Scope, "read")
		testutil.AssertEqual(t, intro.ClientID, client.ClientID)
		testutil.AssertEqual(t, intro.Sub, testUser().ID)
		testutil.AssertTrue(t, intro.Exp > time.Now().Unix(), "exp must be in the future")
		testutil.AssertTrue(t, intro.Iat <= time.Now().Unix(), "iat must not be in the future")
	})

	t.Run("active refresh token", func(t *testing.T) {
		intro, err := srv.Introspect(ctx, pair.RefreshToken, TokenTypeHintRefreshToken)
		testutil.AssertNoError(t, err)
		testutil.AssertTrue(t, intro.Active, "token must be active")
		testutil.AssertEqual(t, intro.TokenType, "refresh_token")
	})

	t.Run("refresh token found without hint", func(t *testing.T) {
		intro, err := srv.Introspect(ctx, pair.RefreshToken, "")
		testutil.AssertNoError(t, err)
		testutil.AssertTrue(t, intro.Active, "hint is only an optimization")
	})

	t.Run("unknown token", func(t *testing.T) {
		intro, err := srv.Introspect(ctx, "never-issued", "")
		testutil.AssertNoError(t, err)
		testutil.AssertFalse(t, intro.Active, "unknown token must be inactive")
		testutil.AssertEqual(t, intro.ClientID, "")
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := srv.Introspect(ctx, "", "")
		testutil.AssertError(t, err)
	})
}

func TestIntrospectExpiredToken(t *testing.T) {
	srv, store := setupTestServer(t)
	client, secret := registerTestClient(t, srv, "")
	ctx := context.Background()

	pair := issueTestTokenPair(t, srv, client, secret)

	// Backdate the stored record past expiry plus the skew grace period.
	hash := storage.HashToken(pair.AccessToken)
	record, err := store.GetAccessToken(ctx, hash)
	testutil.AssertNoError(t, err)
	record.ExpiresAt = time.Now().Add(-time.Minute)
	testutil.AssertNoError(t, store.SaveAccessToken(ctx, record))

	intro, err := srv.Introspect(ctx, pair.AccessToken, "")
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, intro.Active, "expired token must be inactive")
}

func TestConcurrentIntrospectAndRevoke(t *testing.T) {
	srv, _ := setupTestServer(t)
	client, secret := registerTestClient(t, srv, "")
	ctx := context.Background()

	const iterations = 50
	for i := 0; i < iterations; i++ {
		pair := issueTestTokenPair(t, srv, client, secret)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := srv.Introspect(ctx, pair.AccessToken, ""); err != nil {
				t.Errorf("introspect failed: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := srv.Revoke(ctx, client, pair.AccessToken, TokenTypeHintAccessToken); err != nil {
				t.Errorf("revoke failed: %v", err)
			}
		}()
		wg.Wait()

		// Once both settle the token is inactive.
		intro, err := srv.Introspect(ctx, pair.AccessToken, "")
		testutil.AssertNoError(t, err)
		testutil.AssertFalse(t, intro.Active, "revoked token must settle inactive")
	}
}

func TestIntrospectStorageFailure(t *testing.T) {
	_, store := setupTestServer(t)

	failing := &failingStore{Store: store, failOp: "get_access_token"}
	srv2, err := NewServer(failing, &Config{Issuer: "https://auth.test", Logger: discardLogger()})
	testutil.AssertNoError(t, err)
	t.Cleanup(srv2.Close)

	_, err = srv2.Introspect(context.Background(), "some-token", "")
	testutil.AssertError(t, err)
	testutil.AssertTrue(t, IsStorageError(err), "outage must not report inactive")
}
