package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

// User is a back-office account able to sign in and receive tokens.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         Role
	Status       string
	CreatedAt    time.Time
}

// Store persists user accounts for credential login.
type Store interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	Create(ctx context.Context, user User) error
}

// Authenticate resolves a user by email and checks the password.
// Unknown email and wrong password both map to ErrInvalidCredentials so
// login failures are indistinguishable to the caller.
func Authenticate(ctx context.Context, store Store, email, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return User{}, ErrInvalidInput
	}
	user, err := store.FindByEmail(ctx, email)
	if err != nil {
		if err == ErrNotFound {
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}
	if user.Status != "" && user.Status != "active" {
		return User{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// InMemoryStore keeps users in a map. Used for development mode and
// tests; production wiring uses the Postgres store.
type InMemoryStore struct {
	mu    sync.RWMutex
	users map[string]User // keyed by lower-cased email
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{users: make(map[string]User)}
}

func (s *InMemoryStore) FindByEmail(ctx context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *InMemoryStore) Create(ctx context.Context, user User) error {
	key := strings.ToLower(strings.TrimSpace(user.Email))
	if key == "" || user.ID == "" || !user.Role.Valid() {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[key] = user
	return nil
}
