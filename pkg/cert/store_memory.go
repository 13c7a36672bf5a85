package cert

import (
	"crypto/x509"
	"sync"
)

// MemoryStore is an in-memory Store for tests and ephemeral servers.
type MemoryStore struct {
	mu    sync.RWMutex
	certs map[string]*x509.Certificate
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{certs: make(map[string]*x509.Certificate)}
}

// Get returns the certificate stored for userID.
func (s *MemoryStore) Get(userID string) (*x509.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.certs[userID]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return c, nil
}

// Put stores the certificate for userID. The returned reference is
// "mem:" followed by the user id.
func (s *MemoryStore) Put(userID string, c *x509.Certificate) (string, error) {
	if userID == "" {
		return "", ErrInvalidUserID
	}
	if _, err := PublicKey(c); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.certs[userID] = c
	return "mem:" + userID, nil
}

// Len returns the number of stored credentials.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.certs)
}

var _ Store = (*MemoryStore)(nil)
