package domainkey

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	wrapVersion  = 1
	p256PointLen = 65
	wrapInfo     = "iotvault domain key wrap v1"
)

// ErrUnwrap is returned when a wrapped key cannot be opened with the given
// private key.
var ErrUnwrap = errors.New("cannot unwrap domain key")

// Wrap encrypts key so that only the holder of the private key matching
// recipient can recover it.
//
// Layout: version (1) || ephemeral public key (65) || nonce (12) || sealed key.
func Wrap(recipient *ecdsa.PublicKey, key []byte) ([]byte, error) {
	recipientECDH, err := recipient.ECDH()
	if err != nil {
		return nil, fmt.Errorf("recipient key: %w", err)
	}
	eph, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	shared, err := eph.ECDH(recipientECDH)
	if err != nil {
		return nil, err
	}

	ephPub := eph.PublicKey().Bytes()
	aead, err := wrapAEAD(shared, ephPub, recipientECDH.Bytes())
	if err != nil {
		return nil, err
	}

	header := append([]byte{wrapVersion}, ephPub...)
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(header)+len(nonce)+len(key)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, key, header), nil
}

// Unwrap recovers a key produced by Wrap.
func Unwrap(priv *ecdsa.PrivateKey, wrapped []byte) ([]byte, error) {
	headerLen := 1 + p256PointLen + chacha20poly1305.NonceSize
	if len(wrapped) < headerLen+chacha20poly1305.Overhead || wrapped[0] != wrapVersion {
		return nil, ErrUnwrap
	}

	privECDH, err := priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	ephPub, err := ecdh.P256().NewPublicKey(wrapped[1 : 1+p256PointLen])
	if err != nil {
		return nil, ErrUnwrap
	}
	shared, err := privECDH.ECDH(ephPub)
	if err != nil {
		return nil, ErrUnwrap
	}

	aead, err := wrapAEAD(shared, ephPub.Bytes(), privECDH.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	nonce := wrapped[1+p256PointLen : headerLen]
	key, err := aead.Open(nil, nonce, wrapped[headerLen:], wrapped[:1+p256PointLen])
	if err != nil {
		return nil, ErrUnwrap
	}
	return key, nil
}

func wrapAEAD(shared, ephPub, recipientPub []byte) (cipher.AEAD, error) {
	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)

	k := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(wrapInfo)), k); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(k)
}
