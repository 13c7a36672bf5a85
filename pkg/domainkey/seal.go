package domainkey

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/iotvault/iotvault-go/pkg/wire"
)

// ErrDecrypt is returned when a blob does not open under the given key.
var ErrDecrypt = errors.New("cannot decrypt blob")

// Seal encrypts plaintext under a domain key.
func Seal(key, plaintext []byte) (wire.EncryptedBlob, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return wire.EncryptedBlob{}, fmt.Errorf("domain key: %w", err)
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return wire.EncryptedBlob{}, err
	}
	return wire.EncryptedBlob{
		Data: aead.Seal(nil, iv, plaintext, nil),
		IV:   iv,
	}, nil
}

// Open decrypts a blob produced by Seal.
func Open(key []byte, blob wire.EncryptedBlob) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("domain key: %w", err)
	}
	if len(blob.IV) != aead.NonceSize() {
		return nil, ErrDecrypt
	}
	plaintext, err := aead.Open(nil, blob.IV, blob.Data, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncodeTemperature encodes a reading as 4 big-endian IEEE-754 bytes.
func EncodeTemperature(v float32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], math.Float32bits(v))
	return b[:]
}

// DecodeTemperature is the inverse of EncodeTemperature.
func DecodeTemperature(b []byte) (float32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("temperature must be 4 bytes, got %d", len(b))
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}
