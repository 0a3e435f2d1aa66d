package auth

import (
	"strings"
	"sync"
)

// CredentialStore holds the current credential. Every method is atomic and
// safe for concurrent use; none touches the network.
type CredentialStore struct {
	mu   sync.RWMutex
	cred Credential
	set  bool
}

// NewCredentialStore creates an empty store
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{}
}

// Get returns the stored credential, or false when the store is empty.
func (s *CredentialStore) Get() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, s.set
}

// Token returns the stored token, or "".
func (s *CredentialStore) Token() string {
	cred, _ := s.Get()
	return cred.Token
}

// Set replaces the stored credential. A credential whose token is empty or
// not three segments empties the store instead.
func (s *CredentialStore) Set(cred Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred.IsZero() || strings.Count(cred.Token, ".") != 2 {
		s.cred, s.set = Credential{}, false
		return
	}
	s.cred, s.set = cred, true
}

// SetToken parses token and stores it. On error the store is left empty.
func (s *CredentialStore) SetToken(token string) error {
	cred, err := ParseCredential(token)
	if err != nil {
		s.Clear()
		return err
	}
	s.Set(cred)
	return nil
}

// Clear empties the store
func (s *CredentialStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred, s.set = Credential{}, false
}

// Invalidate clears the store only if it still holds token, so a credential
// installed by a concurrent refresh survives. It reports whether it cleared.
func (s *CredentialStore) Invalidate(token string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set || s.cred.Token != token {
		return false
	}
	s.cred, s.set = Credential{}, false
	return true
}
