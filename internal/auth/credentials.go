package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// CredentialStore checks API caller credentials against bcrypt hashes
// supplied by configuration.
type CredentialStore struct {
	users map[string]userEntry
}

type userEntry struct {
	passwordHash string
	role         string
}

// UserConfig is one configured API user.
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// NewCredentialStore builds a store from configured users.
func NewCredentialStore(users []UserConfig) *CredentialStore {
	entries := make(map[string]userEntry, len(users))
	for _, u := range users {
		entries[u.Username] = userEntry{passwordHash: u.PasswordHash, role: u.Role}
	}
	return &CredentialStore{users: entries}
}

// Authenticate checks a username/password pair and returns the caller's role.
func (s *CredentialStore) Authenticate(username, password string) (string, error) {
	entry, ok := s.users[username]
	if !ok {
		// Burn a comparison anyway so a missing user is not distinguishable
		// by timing.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000"), []byte(password))
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(entry.passwordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return entry.role, nil
}

// HashPassword produces a bcrypt hash for provisioning config entries.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
