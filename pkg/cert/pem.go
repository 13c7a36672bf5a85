package cert

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/iotvault/iotvault-go/internal/fsutil"
)

// ErrInvalidPEM means the data held no PEM block of the expected type.
var ErrInvalidPEM = errors.New("invalid PEM data")

const (
	blockCert = "CERTIFICATE"
	blockKey  = "EC PRIVATE KEY"
)

func EncodeCertPEM(c *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockCert, Bytes: c.Raw})
}

// DecodeCertPEM parses the first block of data, which must be a certificate.
func DecodeCertPEM(data []byte) (*x509.Certificate, error) {
	der, err := firstBlock(data, blockCert)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// EncodeKeyPEM uses the SEC 1 "EC PRIVATE KEY" form.
func EncodeKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: blockKey, Bytes: der}), nil
}

func DecodeKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	der, err := firstBlock(data, blockKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseECPrivateKey(der)
}

func firstBlock(data []byte, typ string) ([]byte, error) {
	b, _ := pem.Decode(data)
	if b == nil || b.Type != typ {
		return nil, ErrInvalidPEM
	}
	return b.Bytes, nil
}

// readPEM loads path and decodes it, prefixing decode errors with the path.
func readPEM[T any](path string, decode func([]byte) (T, error)) (T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := decode(data)
	if err != nil {
		return v, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

func ReadCertFile(path string) (*x509.Certificate, error) { return readPEM(path, DecodeCertPEM) }

func ReadKeyFile(path string) (*ecdsa.PrivateKey, error) { return readPEM(path, DecodeKeyPEM) }

// WriteCertFile replaces path atomically; certificates are world readable.
func WriteCertFile(path string, c *x509.Certificate) error {
	return fsutil.WriteFileAtomic(path, EncodeCertPEM(c), 0o644)
}

// WriteKeyFile replaces path atomically with mode 0600.
func WriteKeyFile(path string, key *ecdsa.PrivateKey) error {
	data, err := EncodeKeyPEM(key)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}
