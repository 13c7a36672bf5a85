package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"errors"
	"fmt"
)

// Store errors.
var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrInvalidCredential  = errors.New("invalid credential")
	ErrUnsupportedKey     = errors.New("credential key is not ECDSA P-256")
	ErrInvalidUserID      = errors.New("invalid user id")
)

// Store holds the public credential of each user.
// Implementations must be safe for concurrent access.
type Store interface {
	// Get returns the certificate stored for userID.
	// Returns ErrCredentialNotFound if there is none.
	Get(userID string) (*x509.Certificate, error)

	// Put validates and stores the certificate for userID, replacing any
	// previous one, and returns a reference to where it was stored.
	Put(userID string, c *x509.Certificate) (string, error)
}

// ParseCredential parses a DER certificate and checks that its key can be
// used for nonce signatures and key wrapping.
func ParseCredential(der []byte) (*x509.Certificate, error) {
	if len(der) == 0 {
		return nil, ErrInvalidCredential
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if _, err := PublicKey(c); err != nil {
		return nil, err
	}
	return c, nil
}

// PublicKey returns the ECDSA P-256 public key of c.
func PublicKey(c *x509.Certificate) (*ecdsa.PublicKey, error) {
	if c == nil {
		return nil, ErrInvalidCredential
	}
	pub, ok := c.PublicKey.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, ErrUnsupportedKey
	}
	return pub, nil
}
