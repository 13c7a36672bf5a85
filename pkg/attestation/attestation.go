// Package attestation checks remote attestation responses.
//
// A device proves it runs the expected binary by hashing that binary
// together with a nonce issued by the server. The server keeps its own
// copy of the binary, the reference artifact, whose path is read from an
// HMAC-protected record.
package attestation

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"

	"github.com/iotvault/iotvault-go/pkg/cert"
)

// ErrMismatch is returned when a device's hash differs from the expected
// one.
var ErrMismatch = errors.New("attestation hash mismatch")

// Hash computes SHA-256(artifact || nonce as 8 big-endian bytes). Devices
// and the server compute it the same way.
func Hash(artifact []byte, nonce uint64) []byte {
	h := sha256.New()
	h.Write(artifact)
	h.Write(cert.NonceBytes(nonce))
	return h.Sum(nil)
}

// HashFile is Hash over the contents of path.
func HashFile(path string, nonce uint64) ([]byte, error) {
	artifact, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Hash(artifact, nonce), nil
}

// Verifier checks attestation hashes.
type Verifier interface {
	Verify(nonce uint64, hash []byte) error
}

// ReferenceFunc resolves the verified path of the reference artifact.
type ReferenceFunc func() (string, error)

// FileVerifier reads the reference artifact from disk. Both the reference
// record and the artifact are read on every check, so a record written or
// replaced after startup takes effect without a restart and a tampered
// record is caught on the next attestation.
type FileVerifier struct {
	resolve ReferenceFunc
}

// NewFileVerifier creates a verifier whose artifact path comes from
// resolve, typically a closure over persistence.LoadReference.
func NewFileVerifier(resolve ReferenceFunc) *FileVerifier {
	return &FileVerifier{resolve: resolve}
}

// Verify recomputes the expected hash for nonce and compares it with hash
// in constant time.
func (v *FileVerifier) Verify(nonce uint64, hash []byte) error {
	path, err := v.resolve()
	if err != nil {
		return fmt.Errorf("reference artifact: %w", err)
	}

	expected, err := HashFile(path, nonce)
	if err != nil {
		return fmt.Errorf("reference artifact: %w", err)
	}
	if subtle.ConstantTimeCompare(expected, hash) != 1 {
		return ErrMismatch
	}
	return nil
}

// StaticVerifier checks against an in-memory artifact.
type StaticVerifier struct {
	Artifact []byte
}

// Verify implements Verifier.
func (v StaticVerifier) Verify(nonce uint64, hash []byte) error {
	if subtle.ConstantTimeCompare(Hash(v.Artifact, nonce), hash) != 1 {
		return ErrMismatch
	}
	return nil
}

var (
	_ Verifier = (*FileVerifier)(nil)
	_ Verifier = StaticVerifier{}
)
