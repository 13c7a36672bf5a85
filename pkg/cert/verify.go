package cert

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
)

// ErrBadSignature is returned when a nonce signature does not verify.
var ErrBadSignature = errors.New("nonce signature does not verify")

// NonceBytes is the byte form of a nonce that gets signed: 8 bytes,
// big-endian.
func NonceBytes(nonce uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], nonce)
	return b[:]
}

// VerifyNonce checks an ASN.1 ECDSA signature over SHA-256(NonceBytes(nonce))
// against the key in c.
func VerifyNonce(c *x509.Certificate, nonce uint64, sig []byte) error {
	pub, err := PublicKey(c)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(NonceBytes(nonce))
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return ErrBadSignature
	}
	return nil
}
