package persistence

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/iotvault/iotvault-go/internal/fsutil"
	"github.com/iotvault/iotvault-go/pkg/wire"
)

// RecordVersion is the version of the sealed envelope format.
const RecordVersion uint8 = 1

// IVExt is appended to a record's path to name its nonce sidecar.
const IVExt = ".iv"

// pendingExt marks a sidecar staged for a record that may not have landed
// yet. See Sealer.Write.
const pendingExt = ".next"

// ErrIntegrity is returned when a record fails to decrypt or its tag does
// not match the decrypted content.
var ErrIntegrity = errors.New("integrity check failed")

type envelope struct {
	Version    uint8  `cbor:"1,keyasint"`
	Tag        []byte `cbor:"2,keyasint"`
	Ciphertext []byte `cbor:"3,keyasint"`
}

// Sealer encrypts and authenticates records under an installation key.
type Sealer struct {
	key *InstallationKey
}

// NewSealer creates a sealer for key.
func NewSealer(key *InstallationKey) *Sealer {
	return &Sealer{key: key}
}

func (s *Sealer) tag(plaintext []byte) []byte {
	m := hmac.New(sha256.New, s.key.mac)
	m.Write(plaintext)
	return m.Sum(nil)
}

func aad(version uint8, tag []byte) []byte {
	return append([]byte{version}, tag...)
}

// Write encodes v, seals it and writes path and path+".iv".
//
// The two files cannot be replaced in one step, so the new nonce is staged
// as path+".iv.next", the record is renamed into place, and only then is
// the staged nonce renamed over the sidecar. A crash before the record
// rename leaves the old pair intact; a crash after it leaves the new
// record with its staged nonce, which Read picks up and promotes.
func (s *Sealer) Write(path string, v any) error {
	plaintext, err := wire.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	aead, err := chacha20poly1305.NewX(s.key.enc)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	tag := s.tag(plaintext)
	env := envelope{
		Version:    RecordVersion,
		Tag:        tag,
		Ciphertext: aead.Seal(nil, nonce, plaintext, aad(RecordVersion, tag)),
	}
	data, err := wire.Marshal(env)
	if err != nil {
		return err
	}

	iv, staged := path+IVExt, path+IVExt+pendingExt
	if err := fsutil.WriteFileAtomic(staged, nonce, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", staged, err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(staged, iv); err != nil {
		return fmt.Errorf("write %s: %w", iv, err)
	}
	return nil
}

// Read opens the record at path into v. A missing record returns an error
// matching os.ErrNotExist; anything that fails to verify returns
// ErrIntegrity.
func (s *Sealer) Read(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var env envelope
	if err := wire.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%s: %w: %v", path, ErrIntegrity, err)
	}
	if env.Version != RecordVersion {
		return fmt.Errorf("%s: %w: unsupported record version %d", path, ErrIntegrity, env.Version)
	}

	iv, staged := path+IVExt, path+IVExt+pendingExt
	plaintext, err := s.openWith(iv, env)
	if err != nil {
		// An interrupted Write leaves the nonce of the current record staged.
		var serr error
		if plaintext, serr = s.openWith(staged, env); serr != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := os.Rename(staged, iv); err != nil {
			return fmt.Errorf("promote %s: %w", staged, err)
		}
	}

	if err := wire.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("%s: %w: %v", path, ErrIntegrity, err)
	}
	return nil
}

// openWith decrypts env with the nonce stored at noncePath and checks the
// tag. Every failure, a missing nonce file included, wraps ErrIntegrity.
func (s *Sealer) openWith(noncePath string, env envelope) ([]byte, error) {
	nonce, err := os.ReadFile(noncePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: missing %s", ErrIntegrity, filepath.Base(noncePath))
	}
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(s.key.enc)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrIntegrity, len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, env.Ciphertext, aad(env.Version, env.Tag))
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed", ErrIntegrity)
	}
	if !hmac.Equal(s.tag(plaintext), env.Tag) {
		return nil, fmt.Errorf("%w: tag mismatch", ErrIntegrity)
	}
	return plaintext, nil
}
