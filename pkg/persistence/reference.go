package persistence

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"github.com/iotvault/iotvault-go/internal/fsutil"
	"github.com/iotvault/iotvault-go/pkg/wire"
)

// ReferenceFile is the name of the reference artifact pointer.
const ReferenceFile = "attestation.ref"

type reference struct {
	Path string `cbor:"1,keyasint"`
	MAC  []byte `cbor:"2,keyasint"`
}

func (k *InstallationKey) pathMAC(path string) []byte {
	m := hmac.New(sha256.New, k.mac)
	m.Write([]byte(path))
	return m.Sum(nil)
}

// WriteReference records artifactPath as the reference artifact of the
// installation in dir.
func WriteReference(dir string, key *InstallationKey, artifactPath string) error {
	abs, err := filepath.Abs(artifactPath)
	if err != nil {
		return err
	}
	data, err := wire.Marshal(reference{Path: abs, MAC: key.pathMAC(abs)})
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, ReferenceFile), data, 0o600)
}

// LoadReference returns the verified reference artifact path stored in dir.
func LoadReference(dir string, key *InstallationKey) (string, error) {
	path := filepath.Join(dir, ReferenceFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var ref reference
	if err := wire.Unmarshal(data, &ref); err != nil {
		return "", fmt.Errorf("%s: %w: %v", path, ErrIntegrity, err)
	}
	if !hmac.Equal(key.pathMAC(ref.Path), ref.MAC) {
		return "", fmt.Errorf("%s: %w: mac mismatch", path, ErrIntegrity)
	}
	return ref.Path, nil
}
