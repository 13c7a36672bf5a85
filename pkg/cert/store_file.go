package cert

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/iotvault/iotvault-go/internal/fsutil"
	"github.com/iotvault/iotvault-go/internal/syncutil"
)

const credentialExt = ".pem"

// FileStore keeps one PEM file per user in a directory.
// Writes for the same user are serialized; different users proceed in
// parallel.
type FileStore struct {
	dir   string
	locks syncutil.KeyedMutex
}

// NewFileStore creates a store rooted at dir. The directory is created on
// first write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the directory the store writes to.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(userID string) (string, error) {
	if userID == "" || userID == "." || userID == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return filepath.Join(s.dir, url.PathEscape(userID)+credentialExt), nil
}

// Get reads the stored certificate of userID.
func (s *FileStore) Get(userID string) (*x509.Certificate, error) {
	path, err := s.path(userID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	c, err := ReadCertFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return c, nil
}

// Put writes the certificate of userID and returns the file path.
func (s *FileStore) Put(userID string, c *x509.Certificate) (string, error) {
	path, err := s.path(userID)
	if err != nil {
		return "", err
	}
	if _, err := PublicKey(c); err != nil {
		return "", err
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	if err := fsutil.WriteFileAtomic(path, EncodeCertPEM(c), 0o644); err != nil {
		return "", fmt.Errorf("store credential: %w", err)
	}
	return path, nil
}

var _ Store = (*FileStore)(nil)
