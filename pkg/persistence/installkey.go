package persistence

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/iotvault/iotvault-go/internal/fsutil"
	"github.com/iotvault/iotvault-go/pkg/wire"
)

// KeyParamsFile is the name of the installation key parameter file.
const KeyParamsFile = "server.keyparams"

// Default argon2id cost for new installations.
const (
	DefaultTime    = 3
	DefaultMemory  = 64 * 1024 // KiB
	DefaultThreads = 4
)

const (
	subkeySize = 32
	encInfo    = "iotvault record encryption v1"
	macInfo    = "iotvault record mac v1"
)

var (
	ErrEmptyPassphrase = errors.New("empty passphrase")
	ErrInvalidParams   = errors.New("invalid installation key parameters")
)

// KeyParams are the argon2id inputs of an installation, generated on first
// run and fixed afterwards.
type KeyParams struct {
	Salt    []byte `cbor:"1,keyasint"`
	Time    uint32 `cbor:"2,keyasint"`
	Memory  uint32 `cbor:"3,keyasint"`
	Threads uint8  `cbor:"4,keyasint"`
}

// Validate rejects parameters that are unusable or trivially weak.
func (p KeyParams) Validate() error {
	switch {
	case len(p.Salt) < 16:
		return fmt.Errorf("%w: salt too short", ErrInvalidParams)
	case p.Time == 0 || p.Memory < 8*uint32(max(p.Threads, 1)) || p.Threads == 0:
		return fmt.Errorf("%w: cost %d/%d/%d", ErrInvalidParams, p.Time, p.Memory, p.Threads)
	}
	return nil
}

// NewKeyParams returns default parameters with a random salt.
func NewKeyParams() (KeyParams, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return KeyParams{}, err
	}
	return KeyParams{Salt: salt, Time: DefaultTime, Memory: DefaultMemory, Threads: DefaultThreads}, nil
}

// LoadOrCreateKeyParams reads dir/server.keyparams, writing fresh
// parameters from gen if the file does not exist. A nil gen uses
// NewKeyParams. An existing file is never replaced.
func LoadOrCreateKeyParams(dir string, gen func() (KeyParams, error)) (KeyParams, error) {
	path := filepath.Join(dir, KeyParamsFile)
	p, err := readKeyParams(path)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return p, err
	}

	if gen == nil {
		gen = NewKeyParams
	}
	p, err = gen()
	if err != nil {
		return KeyParams{}, err
	}
	if err := p.Validate(); err != nil {
		return KeyParams{}, err
	}
	data, err := wire.Marshal(p)
	if err != nil {
		return KeyParams{}, err
	}
	if err := fsutil.CreateExclusive(path, data, 0o600); err != nil {
		if errors.Is(err, os.ErrExist) {
			return readKeyParams(path)
		}
		return KeyParams{}, err
	}
	return p, nil
}

func readKeyParams(path string) (KeyParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return KeyParams{}, err
	}
	var p KeyParams
	if err := wire.Unmarshal(data, &p); err != nil {
		return KeyParams{}, fmt.Errorf("%s: %w: %v", path, ErrInvalidParams, err)
	}
	if err := p.Validate(); err != nil {
		return KeyParams{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// InstallationKey holds the two subkeys derived from the operator
// passphrase.
type InstallationKey struct {
	enc []byte
	mac []byte
}

// DeriveInstallationKey stretches passphrase with argon2id and expands the
// result into an encryption and a MAC subkey.
func DeriveInstallationKey(passphrase string, p KeyParams) (*InstallationKey, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	master := argon2.IDKey([]byte(passphrase), p.Salt, p.Time, p.Memory, p.Threads, subkeySize)

	k := &InstallationKey{enc: make([]byte, subkeySize), mac: make([]byte, subkeySize)}
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, p.Salt, []byte(encInfo)), k.enc); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, p.Salt, []byte(macInfo)), k.mac); err != nil {
		return nil, err
	}
	return k, nil
}

// OpenInstallationKey loads or creates the parameters in dir and derives
// the key.
func OpenInstallationKey(dir, passphrase string) (*InstallationKey, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	p, err := LoadOrCreateKeyParams(dir, nil)
	if err != nil {
		return nil, err
	}
	return DeriveInstallationKey(passphrase, p)
}
