// Package identity defines the authentication seam between the authorization
// server and the embedding application. The server never handles end-user
// credentials itself; the application authenticates the user and hands the
// resulting identity to the authorization endpoint.
package identity

import (
	"context"
	"errors"
	"net/http"
)

// ErrInvalidCredentials is returned by Authenticators when the presented
// credentials do not match a known user.
var ErrInvalidCredentials = errors.New("invalid credentials")

// User is an authenticated end-user as seen by the authorization server.
type User struct {
	ID       string
	Username string
	Email    string
	Name     string
}

// Authenticator verifies end-user credentials. Implementations belong to the
// embedding application (database, LDAP, SSO); the server only consumes the
// resulting User.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*User, error)
}

type contextKey struct{}

// ContextWithUser returns a context carrying the authenticated user.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// UserFromContext extracts the authenticated user from a context, if any.
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(contextKey{}).(*User)
	return user, ok && user != nil
}

// BasicAuthMiddleware authenticates requests with HTTP Basic credentials via
// the given Authenticator and places the resulting User in the request
// context. It is a convenience for demos and tests; production deployments
// normally bring their own session middleware.
func BasicAuthMiddleware(auth Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="authorization"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		user, err := auth.Authenticate(r.Context(), username, password)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="authorization"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}
