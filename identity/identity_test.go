package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestUserContext(t *testing.T) {
	ctx := context.Background()

	if _, ok := UserFromContext(ctx); ok {
		t.Error("empty context must not carry a user")
	}

	user := &User{ID: "user-1", Username: "alice"}
	ctx = ContextWithUser(ctx, user)

	got, ok := UserFromContext(ctx)
	if !ok {
		t.Fatal("user missing from context")
	}
	if got.ID != "user-1" {
		t.Errorf("got user %q, want %q", got.ID, "user-1")
	}

	if _, ok := UserFromContext(ContextWithUser(context.Background(), nil)); ok {
		t.Error("nil user must read as absent")
	}
}

type fakeAuthenticator struct{}

func (fakeAuthenticator) Authenticate(ctx context.Context, username, password string) (*User, error) {
	if username == "alice" && password == "pw" {
		return &User{ID: "user-1", Username: "alice"}, nil
	}
	return nil, ErrInvalidCredentials
}

func TestBasicAuthMiddleware(t *testing.T) {
	var seenUser *User
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser, _ = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := BasicAuthMiddleware(fakeAuthenticator{}, next)

	t.Run("valid credentials", func(t *testing.T) {
		seenUser = nil
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.SetBasicAuth("alice", "pw")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if seenUser == nil || seenUser.ID != "user-1" {
			t.Fatalf("expected user-1 in context, got %+v", seenUser)
		}
	})

	t.Run("wrong credentials", func(t *testing.T) {
		seenUser = nil
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.SetBasicAuth("alice", "wrong")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Error("challenge header must be set")
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})
}
