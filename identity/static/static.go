// Package static provides an in-memory identity.Authenticator backed by a
// fixed user list with bcrypt-hashed passwords. It serves tests and demo
// deployments; real deployments implement identity.Authenticator against
// their own user store.
package static

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/hyphasec/authkit/identity"
)

// bcrypt hash of "authkit-dummy", compared when the username is unknown so
// lookups take the same time either way.
const dummyPasswordHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

type user struct {
	identity.User
	passwordHash string
}

// Authenticator is a fixed-set identity.Authenticator.
type Authenticator struct {
	mu    sync.RWMutex
	users map[string]*user // keyed by username
}

var _ identity.Authenticator = (*Authenticator)(nil)

// New creates an empty static authenticator.
func New() *Authenticator {
	return &Authenticator{users: make(map[string]*user)}
}

// AddUser registers a user with a plaintext password, hashed before storage.
func (a *Authenticator) AddUser(u identity.User, password string) error {
	if u.ID == "" || u.Username == "" {
		return fmt.Errorf("user ID and username are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[u.Username] = &user{User: u, passwordHash: string(hash)}
	return nil
}

// Authenticate verifies a username/password pair. The bcrypt comparison runs
// whether or not the username exists.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*identity.User, error) {
	a.mu.RLock()
	u, exists := a.users[username]
	a.mu.RUnlock()

	hashToCompare := dummyPasswordHash
	if exists {
		hashToCompare = u.passwordHash
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(password))
	if !exists || bcryptErr != nil {
		return nil, identity.ErrInvalidCredentials
	}

	out := u.User
	return &out, nil
}
