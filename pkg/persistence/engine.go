package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/iotvault/iotvault-go/pkg/directory"
	"github.com/iotvault/iotvault-go/pkg/domainkey"
)

const (
	usersFile  = "users.db"
	domainsDir = "domains"
	recordExt  = ".db"
)

// ErrCorrupt is returned for records that verify but describe an
// impossible state, such as a domain whose owner holds no key.
var ErrCorrupt = errors.New("inconsistent record")

// Engine loads and saves a Directory under one data directory.
type Engine struct {
	dir    string
	sealer *Sealer
	logger *slog.Logger
}

// NewEngine creates an engine for the data directory dir.
func NewEngine(dir string, key *InstallationKey, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{dir: dir, sealer: NewSealer(key), logger: logger}
}

// Dir returns the data directory.
func (e *Engine) Dir() string { return e.dir }

func (e *Engine) usersPath() string { return filepath.Join(e.dir, usersFile) }

func (e *Engine) domainPath(name string) string {
	return filepath.Join(e.dir, domainsDir, name+recordExt)
}

// ReadUsers returns the persisted users. A missing file yields none.
func (e *Engine) ReadUsers() ([]UserRecord, error) {
	var snap usersSnapshot
	err := e.sealer.Read(e.usersPath(), &snap)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("%s: %w: snapshot version %d", e.usersPath(), ErrCorrupt, snap.Version)
	}
	return snap.Users, nil
}

// DomainNames lists the persisted domains, sorted.
func (e *Engine) DomainNames() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(e.dir, domainsDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, ent := range entries {
		name, ok := strings.CutSuffix(ent.Name(), recordExt)
		if !ok || ent.IsDir() || !domainkey.ValidDomainName(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ReadDomain returns the persisted snapshot of one domain.
func (e *Engine) ReadDomain(name string) (directory.Snapshot, error) {
	if !domainkey.ValidDomainName(name) {
		return directory.Snapshot{}, fmt.Errorf("%w: %q", domainkey.ErrInvalidDomain, name)
	}
	path := e.domainPath(name)
	var snap domainSnapshot
	if err := e.sealer.Read(path, &snap); err != nil {
		return directory.Snapshot{}, err
	}
	if snap.Version != SnapshotVersion || snap.Name != name {
		return directory.Snapshot{}, fmt.Errorf("%s: %w: version %d name %q", path, ErrCorrupt, snap.Version, snap.Name)
	}
	return snap.toDirectorySnapshot(), nil
}

// Load reads users then every domain into dir. The first record that fails
// its integrity check aborts the load.
func (e *Engine) Load(dir *directory.Directory) error {
	users, err := e.ReadUsers()
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	for _, u := range users {
		dir.Users.Create(u.ID, u.CredentialRef)
	}

	names, err := e.DomainNames()
	if err != nil {
		return fmt.Errorf("list domains: %w", err)
	}
	for _, name := range names {
		snap, err := e.ReadDomain(name)
		if err != nil {
			return fmt.Errorf("load domain: %w", err)
		}
		if err := restoreDomain(dir, snap); err != nil {
			return fmt.Errorf("%s: %w", e.domainPath(name), err)
		}
	}

	e.logger.Info("directory loaded",
		"dir", e.dir,
		"users", dir.Users.Len(),
		"domains", len(names))
	return nil
}

func restoreDomain(dir *directory.Directory, s directory.Snapshot) error {
	ownerKey, ok := s.Members[s.Owner]
	if !ok {
		return fmt.Errorf("%w: owner %q holds no key", ErrCorrupt, s.Owner)
	}
	owner, _ := dir.Users.Create(s.Owner, "")
	dm, _ := dir.Domains.Create(s.Name, owner, ownerKey)

	for id, key := range s.Members {
		u, _ := dir.Users.Create(id, "")
		dm.AddMember(u, key)
	}
	for _, ds := range s.Devices {
		userID, devID, err := directory.ParseKey(ds.Key)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		u, _ := dir.Users.Create(userID, "")
		dev := dir.Devices.GetOrCreate(u, devID)
		dm.AddDevice(dev)
		if ds.Temperature != nil {
			dm.SetTemperature(dev, *ds.Temperature)
		}
		if ds.Image != nil {
			dm.SetImage(dev, *ds.Image)
		}
	}
	return nil
}

// Save writes every domain, then the user list.
func (e *Engine) Save(dir *directory.Directory) error {
	domains := dir.Domains.All()
	for _, dm := range domains {
		if !domainkey.ValidDomainName(dm.Name()) {
			e.logger.Warn("skipping domain with unsafe name", "domain", dm.Name())
			continue
		}
		if err := e.sealer.Write(e.domainPath(dm.Name()), fromDirectorySnapshot(dm.Snapshot())); err != nil {
			return fmt.Errorf("save domain %s: %w", dm.Name(), err)
		}
	}

	users := dir.Users.All()
	snap := usersSnapshot{Version: SnapshotVersion, Users: make([]UserRecord, 0, len(users))}
	for _, u := range users {
		snap.Users = append(snap.Users, UserRecord{ID: u.ID, CredentialRef: u.CredentialRef})
	}
	if err := e.sealer.Write(e.usersPath(), snap); err != nil {
		return fmt.Errorf("save users: %w", err)
	}

	e.logger.Info("directory saved",
		"dir", e.dir,
		"users", len(users),
		"domains", len(domains))
	return nil
}
