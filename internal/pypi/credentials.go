package pypi

import "sync"

// CredentialStore resolves HTTP Basic credentials for an index origin
// (scheme://host), so a Service can authenticate against private indexes
// without baking secrets into index URLs.
type CredentialStore interface {
	CredentialsFor(origin string) (username, password string, ok bool)
}

type credential struct {
	username string
	password string
}

// MemoryCredentialStore is a process-wide, mutex-protected credential
// store keyed by index origin. Construct once and share across Service
// instances, the way a single PyPI client is shared across an install.
type MemoryCredentialStore struct {
	mu       sync.RWMutex
	byOrigin map[string]credential
}

// NewMemoryCredentialStore builds an empty credential store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{byOrigin: map[string]credential{}}
}

// Set records the Basic-auth credentials to use for every request whose
// origin (scheme://host) matches origin.
func (c *MemoryCredentialStore) Set(origin, username, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byOrigin[origin] = credential{username: username, password: password}
}

// CredentialsFor implements CredentialStore.
func (c *MemoryCredentialStore) CredentialsFor(origin string) (string, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cred, ok := c.byOrigin[origin]

	return cred.username, cred.password, ok
}
