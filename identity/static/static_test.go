package static

import (
	"context"
	"errors"
	"testing"

	"github.com/hyphasec/authkit/identity"
	"github.com/hyphasec/authkit/internal/testutil"
)

func TestAuthenticate(t *testing.T) {
	auth := New()
	testutil.AssertNoError(t, auth.AddUser(identity.User{
		ID:       "user-1",
		Username: "alice",
		Email:    "alice@example.com",
		Name:     "Alice",
	}, "correct horse battery staple"))

	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		password string
		wantErr  bool
	}{
		{"valid credentials", "alice", "correct horse battery staple", false},
		{"wrong password", "alice", "wrong", true},
		{"unknown user", "bob", "anything", true},
		{"empty password", "alice", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := auth.Authenticate(ctx, tt.username, tt.password)
			if tt.wantErr {
				if !errors.Is(err, identity.ErrInvalidCredentials) {
					t.Fatalf("expected ErrInvalidCredentials, got %v", err)
				}
				return
			}
			testutil.AssertNoError(t, err)
			testutil.AssertEqual(t, user.ID, "user-1")
			testutil.AssertEqual(t, user.Username, "alice")
		})
	}
}

func TestAddUserValidation(t *testing.T) {
	auth := New()

	testutil.AssertError(t, auth.AddUser(identity.User{Username: "no-id"}, "pw"))
	testutil.AssertError(t, auth.AddUser(identity.User{ID: "no-username"}, "pw"))
}

func TestAuthenticateReturnsCopy(t *testing.T) {
	auth := New()
	testutil.AssertNoError(t, auth.AddUser(identity.User{ID: "user-1", Username: "alice"}, "pw"))

	first, err := auth.Authenticate(context.Background(), "alice", "pw")
	testutil.AssertNoError(t, err)
	first.Name = "mutated"

	second, err := auth.Authenticate(context.Background(), "alice", "pw")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, second.Name, "")
}
