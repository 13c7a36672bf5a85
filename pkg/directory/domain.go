package directory

import (
	"bytes"
	"sort"
	"sync"

	"github.com/iotvault/iotvault-go/pkg/wire"
)

// Domain is an access-control scope. Name and owner never change; the rest
// is guarded by mu.
type Domain struct {
	name  string
	owner *User

	mu           sync.RWMutex
	members      map[string][]byte // user id -> wrapped domain key
	devices      map[string]*Device
	temperatures map[string]wire.EncryptedBlob // device key -> latest
	images       map[string]wire.EncryptedBlob // device key -> latest
}

func newDomain(name string, owner *User, ownerKey []byte) *Domain {
	return &Domain{
		name:         name,
		owner:        owner,
		members:      map[string][]byte{owner.ID: bytes.Clone(ownerKey)},
		devices:      make(map[string]*Device),
		temperatures: make(map[string]wire.EncryptedBlob),
		images:       make(map[string]wire.EncryptedBlob),
	}
}

// Name returns the domain name.
func (d *Domain) Name() string { return d.name }

// Owner returns the user who created the domain.
func (d *Domain) Owner() *User { return d.owner }

// IsOwner reports whether userID owns the domain.
func (d *Domain) IsOwner(userID string) bool {
	return d.owner.ID == userID
}

// AddMember stores the wrapped key of u. It returns false, leaving the
// existing key in place, if u is already a member.
func (d *Domain) AddMember(u *User, wrappedKey []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.members[u.ID]; ok {
		return false
	}
	d.members[u.ID] = bytes.Clone(wrappedKey)
	return true
}

// IsMember reports whether userID holds a key for the domain.
func (d *Domain) IsMember(userID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.members[userID]
	return ok
}

// WrappedKey returns the key stored for userID.
func (d *Domain) WrappedKey(userID string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	k, ok := d.members[userID]
	return bytes.Clone(k), ok
}

// Members returns a copy of the member to wrapped key map.
func (d *Domain) Members() map[string][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string][]byte, len(d.members))
	for id, k := range d.members {
		out[id] = bytes.Clone(k)
	}
	return out
}

// AddDevice registers dev. It returns false if dev is already registered.
func (d *Domain) AddDevice(dev *Device) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := dev.Key()
	if _, ok := d.devices[key]; ok {
		return false
	}
	d.devices[key] = dev
	return true
}

// HasDevice reports whether the device with the given key is registered.
func (d *Domain) HasDevice(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.devices[key]
	return ok
}

// Devices returns the registered devices sorted by key.
func (d *Domain) Devices() []*Device {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Device, 0, len(d.devices))
	for _, dev := range d.devices {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// SetTemperature replaces the latest temperature of dev. Nothing is stored
// and false is returned when dev is not registered in the domain.
func (d *Domain) SetTemperature(dev *Device, blob wire.EncryptedBlob) bool {
	return d.setLatest(d.temperatures, dev, blob)
}

// SetImage replaces the latest image of dev, like SetTemperature.
func (d *Domain) SetImage(dev *Device, blob wire.EncryptedBlob) bool {
	return d.setLatest(d.images, dev, blob)
}

func (d *Domain) setLatest(m map[string]wire.EncryptedBlob, dev *Device, blob wire.EncryptedBlob) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := dev.Key()
	if _, ok := d.devices[key]; !ok {
		return false
	}
	m[key] = cloneBlob(blob)
	return true
}

// Temperatures returns the latest temperature per device key.
func (d *Domain) Temperatures() map[string]wire.EncryptedBlob {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]wire.EncryptedBlob, len(d.temperatures))
	for k, b := range d.temperatures {
		out[k] = cloneBlob(b)
	}
	return out
}

// Image returns the latest image of the device with the given key.
func (d *Domain) Image(key string) (wire.EncryptedBlob, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.images[key]
	return cloneBlob(b), ok
}

// DeviceState is the persisted view of one registered device.
type DeviceState struct {
	Key         string
	Temperature *wire.EncryptedBlob
	Image       *wire.EncryptedBlob
}

// Snapshot is a consistent copy of a domain.
type Snapshot struct {
	Name    string
	Owner   string
	Members map[string][]byte
	Devices []DeviceState
}

// Snapshot copies the domain under its read lock.
func (d *Domain) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Snapshot{
		Name:    d.name,
		Owner:   d.owner.ID,
		Members: make(map[string][]byte, len(d.members)),
		Devices: make([]DeviceState, 0, len(d.devices)),
	}
	for id, k := range d.members {
		s.Members[id] = bytes.Clone(k)
	}
	for key := range d.devices {
		ds := DeviceState{Key: key}
		if b, ok := d.temperatures[key]; ok {
			b = cloneBlob(b)
			ds.Temperature = &b
		}
		if b, ok := d.images[key]; ok {
			b = cloneBlob(b)
			ds.Image = &b
		}
		s.Devices = append(s.Devices, ds)
	}
	sort.Slice(s.Devices, func(i, j int) bool { return s.Devices[i].Key < s.Devices[j].Key })
	return s
}

func cloneBlob(b wire.EncryptedBlob) wire.EncryptedBlob {
	return wire.EncryptedBlob{Data: bytes.Clone(b.Data), IV: bytes.Clone(b.IV)}
}

// Domains is the registry of domains keyed by name.
type Domains struct {
	m sync.Map // name -> *Domain
}

// NewDomains creates an empty registry.
func NewDomains() *Domains {
	return &Domains{}
}

// Create registers a domain owned by owner, who becomes its first member
// holding ownerKey. If the name is taken the existing domain is returned
// with created == false.
func (r *Domains) Create(name string, owner *User, ownerKey []byte) (dm *Domain, created bool) {
	if v, ok := r.m.Load(name); ok {
		return v.(*Domain), false
	}
	v, loaded := r.m.LoadOrStore(name, newDomain(name, owner, ownerKey))
	return v.(*Domain), !loaded
}

// Get returns the domain with the given name.
func (r *Domains) Get(name string) (*Domain, bool) {
	v, ok := r.m.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Domain), true
}

// Exists reports whether a domain named name exists.
func (r *Domains) Exists(name string) bool {
	_, ok := r.m.Load(name)
	return ok
}

// All returns every domain sorted by name.
func (r *Domains) All() []*Domain {
	return r.filter(func(*Domain) bool { return true })
}

// ContainingDevice returns the domains dev is registered in, sorted by name.
func (r *Domains) ContainingDevice(dev *Device) []*Domain {
	key := dev.Key()
	return r.filter(func(d *Domain) bool { return d.HasDevice(key) })
}

// ContainingUser returns the domains userID is a member of, sorted by name.
func (r *Domains) ContainingUser(userID string) []*Domain {
	return r.filter(func(d *Domain) bool { return d.IsMember(userID) })
}

func (r *Domains) filter(keep func(*Domain) bool) []*Domain {
	var out []*Domain
	r.m.Range(func(_, v any) bool {
		if d := v.(*Domain); keep(d) {
			out = append(out, d)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Directory bundles the three registries.
type Directory struct {
	Users   *Users
	Devices *Devices
	Domains *Domains
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{
		Users:   NewUsers(),
		Devices: NewDevices(),
		Domains: NewDomains(),
	}
}
