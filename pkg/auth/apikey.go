package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyConfig holds API key configuration.
type APIKeyConfig struct {
	Keys []APIKey
}

// APIKey is an operator key. Only the bcrypt hash of the key is kept.
type APIKey struct {
	Name  string   // Display name for the key
	Hash  string   // bcrypt hash of the key value
	Roles []string // Roles assigned to this key
}

// APIKeyAuthenticator authenticates operators by API key.
type APIKeyAuthenticator struct {
	mu   sync.RWMutex
	keys []APIKey
}

// NewAPIKeyAuthenticator creates a new API key authenticator. Every entry
// must carry a valid bcrypt hash.
func NewAPIKeyAuthenticator(cfg APIKeyConfig) (*APIKeyAuthenticator, error) {
	a := &APIKeyAuthenticator{}
	for _, k := range cfg.Keys {
		if err := a.AddKey(k); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// HashKey returns the bcrypt hash to store for a key value.
func HashKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("api key must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}
	return string(hash), nil
}

// Authenticate validates the API key and returns the principal.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token := GetToken(ctx)
	if token == "" {
		return nil, errors.New("no API key found in context")
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, k := range a.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(token)) == nil {
			return &Principal{
				UserID:   "apikey:" + k.Name,
				Name:     k.Name,
				Roles:    k.Roles,
				AuthType: AuthTypeAPIKey,
			}, nil
		}
	}
	return nil, errors.New("invalid API key")
}

// AddKey adds an API key at runtime.
func (a *APIKeyAuthenticator) AddKey(key APIKey) error {
	if _, err := bcrypt.Cost([]byte(key.Hash)); err != nil {
		return fmt.Errorf("api key %q: invalid bcrypt hash: %w", key.Name, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, key)
	return nil
}

// RemoveKey removes the API key with the given name.
func (a *APIKeyAuthenticator) RemoveKey(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.keys[:0]
	for _, k := range a.keys {
		if k.Name != name {
			kept = append(kept, k)
		}
	}
	a.keys = kept
}

// Verify interface compliance.
var _ Authenticator = (*APIKeyAuthenticator)(nil)
