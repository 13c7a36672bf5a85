package domainkey

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"golang.org/x/crypto/pbkdf2"

	"github.com/iotvault/iotvault-go/internal/fsutil"
	"github.com/iotvault/iotvault-go/pkg/wire"
)

const (
	// KeySize is the size of a domain key in bytes.
	KeySize = 32

	// SaltSize is the size of a freshly generated salt.
	SaltSize = 32

	// DefaultIterations is the PBKDF2 iteration count for new domains.
	DefaultIterations = 600_000

	// MinIterations is the lowest iteration count accepted from disk.
	MinIterations = 1000

	paramsExt = ".keyparams"
)

var (
	ErrParamsNotFound = errors.New("key parameters not found")
	ErrInvalidParams  = errors.New("invalid key parameters")
	ErrInvalidDomain  = errors.New("invalid domain name")
)

var domainNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidDomainName reports whether name can be used as a file name.
func ValidDomainName(name string) bool {
	return domainNameRe.MatchString(name) && name != "." && name != ".."
}

// Params are the PBKDF2 parameters of one domain.
type Params struct {
	Salt       []byte `cbor:"1,keyasint"`
	Iterations int    `cbor:"2,keyasint"`
}

// Validate checks that the parameters are usable.
func (p Params) Validate() error {
	if len(p.Salt) < 16 {
		return fmt.Errorf("%w: salt too short", ErrInvalidParams)
	}
	if p.Iterations < MinIterations {
		return fmt.Errorf("%w: %d iterations", ErrInvalidParams, p.Iterations)
	}
	return nil
}

// NewParams generates fresh parameters with a random salt.
func NewParams(iterations int) (Params, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return Params{}, err
	}
	p := Params{Salt: salt, Iterations: iterations}
	return p, p.Validate()
}

// Derive turns a domain password into the domain key.
func Derive(password string, p Params) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return pbkdf2.Key([]byte(password), p.Salt, p.Iterations, KeySize, sha256.New), nil
}

// ParamsStore keeps one parameter file per domain in a directory.
type ParamsStore struct {
	dir string

	// Iterations is used for domains created through this store.
	Iterations int
}

// NewParamsStore creates a store rooted at dir.
func NewParamsStore(dir string) *ParamsStore {
	return &ParamsStore{dir: dir, Iterations: DefaultIterations}
}

func (s *ParamsStore) path(domain string) string {
	return filepath.Join(s.dir, domain+paramsExt)
}

// Load reads the parameters of domain.
func (s *ParamsStore) Load(domain string) (Params, error) {
	if !ValidDomainName(domain) {
		return Params{}, fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	data, err := fsutil.ReadFileIfExists(s.path(domain))
	if err != nil {
		return Params{}, err
	}
	if data == nil {
		return Params{}, fmt.Errorf("%w: %s", ErrParamsNotFound, domain)
	}
	var p Params
	if err := wire.Unmarshal(data, &p); err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// LoadOrCreate returns the stored parameters of domain, creating and
// persisting them first if none exist. An existing file is never replaced.
func (s *ParamsStore) LoadOrCreate(domain string) (Params, error) {
	p, err := s.Load(domain)
	if err == nil || !errors.Is(err, ErrParamsNotFound) {
		return p, err
	}

	p, err = NewParams(s.Iterations)
	if err != nil {
		return Params{}, err
	}
	data, err := wire.Marshal(p)
	if err != nil {
		return Params{}, err
	}
	if err := fsutil.CreateExclusive(s.path(domain), data, 0o600); err != nil {
		if errors.Is(err, os.ErrExist) {
			// Lost a race with another writer; theirs is authoritative.
			return s.Load(domain)
		}
		return Params{}, err
	}
	return p, nil
}

// DeriveKey loads or creates the parameters of domain and derives its key.
func (s *ParamsStore) DeriveKey(domain, password string) ([]byte, error) {
	p, err := s.LoadOrCreate(domain)
	if err != nil {
		return nil, err
	}
	return Derive(password, p)
}
