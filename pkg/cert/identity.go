package cert

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"time"

	"github.com/iotvault/iotvault-go/pkg/domainkey"
)

// DefaultIdentityValidity is the lifetime of a generated user certificate.
const DefaultIdentityValidity = 10 * 365 * 24 * time.Hour

// Identity is a user's key pair. It never leaves the device.
type Identity struct {
	UserID      string
	Key         *ecdsa.PrivateKey
	Certificate *x509.Certificate
}

// GenerateIdentity creates a fresh P-256 key and a self-signed certificate
// whose common name is userID.
func GenerateIdentity(userID string) (*Identity, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}

	c, key, err := selfSign(&x509.Certificate{
		Subject:  pkix.Name{CommonName: userID, Organization: []string{"iotvault user"}},
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyAgreement,
	}, DefaultIdentityValidity)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: userID, Key: key, Certificate: c}, nil
}

// LoadIdentity reads a key pair written by Save.
func LoadIdentity(userID, certPath, keyPath string) (*Identity, error) {
	c, err := ReadCertFile(certPath)
	if err != nil {
		return nil, err
	}
	key, err := ReadKeyFile(keyPath)
	if err != nil {
		return nil, err
	}
	pub, err := PublicKey(c)
	if err != nil {
		return nil, err
	}
	if !pub.Equal(&key.PublicKey) {
		return nil, errors.New("certificate and key do not match")
	}
	return &Identity{UserID: userID, Key: key, Certificate: c}, nil
}

// Save writes the certificate and private key as PEM files.
func (id *Identity) Save(certPath, keyPath string) error {
	if err := WriteCertFile(certPath, id.Certificate); err != nil {
		return err
	}
	return WriteKeyFile(keyPath, id.Key)
}

// CertificateDER returns the certificate in the form sent during first
// authentication.
func (id *Identity) CertificateDER() []byte {
	return id.Certificate.Raw
}

// SignNonce signs a server nonce for VerifyNonce.
func (id *Identity) SignNonce(nonce uint64) ([]byte, error) {
	digest := sha256.Sum256(NonceBytes(nonce))
	return ecdsa.SignASN1(rand.Reader, id.Key, digest[:])
}

// UnwrapKey opens a domain key wrapped for this identity.
func (id *Identity) UnwrapKey(wrapped []byte) ([]byte, error) {
	return domainkey.Unwrap(id.Key, wrapped)
}

// WrapKeyFor wraps a domain key for the owner of c.
func WrapKeyFor(c *x509.Certificate, key []byte) ([]byte, error) {
	pub, err := PublicKey(c)
	if err != nil {
		return nil, err
	}
	return domainkey.Wrap(pub, key)
}
