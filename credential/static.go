package credential

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// StaticUsers is an in-memory Verifier backed by a fixed set of
// username/password pairs. Passwords are held as bcrypt hashes. It is
// meant for development, tests, and small config-file deployments.
type StaticUsers struct {
	mu    sync.RWMutex
	users map[string]staticUser
}

type staticUser struct {
	hash     []byte
	identity Identity
}

func NewStaticUsers() *StaticUsers {
	return &StaticUsers{users: make(map[string]staticUser)}
}

// AddUser registers a user, hashing the plaintext password.
func (s *StaticUsers) AddUser(username, password string, identity Identity) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.AddUserHash(username, hash, identity)
}

// AddUserHash registers a user with an already-hashed password, e.g.
// one read from a config file.
func (s *StaticUsers) AddUserHash(username string, hash []byte, identity Identity) error {
	if err := checkCost(hash); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return fmt.Errorf("user %q already exists", username)
	}
	s.users[username] = staticUser{hash: hash, identity: identity}
	return nil
}

func (s *StaticUsers) Verify(_ context.Context, creds Credentials) (Identity, error) {
	if creds.Anonymous {
		return Identity{}, &UnauthorizedError{Reason: "anonymous user login is not permitted"}
	}

	s.mu.RLock()
	u, ok := s.users[creds.ID]
	s.mu.RUnlock()
	if !ok {
		return Identity{}, &UnauthorizedError{Reason: "user not found"}
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(creds.Secret)); err != nil {
		return Identity{}, &UnauthorizedError{Reason: "wrong password"}
	}

	identity := u.identity
	if identity.Username == "" {
		identity.Username = creds.ID
	}
	return identity, nil
}
