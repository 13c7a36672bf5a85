package directory

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/iotvault/iotvault-go/internal/syncutil"
)

var (
	// ErrDeviceActive is returned by Attest when the device identity is
	// already powered on, usually by another connection.
	ErrDeviceActive = errors.New("device already active")

	// ErrInvalidDeviceKey is returned by ParseKey.
	ErrInvalidDeviceKey = errors.New("invalid device key")
)

// Device is a physical device of one user. Equality is by Key.
type Device struct {
	Owner *User
	ID    uint32

	on atomic.Bool
}

// DeviceKey returns the composite identity "userId:deviceId".
func DeviceKey(userID string, id uint32) string {
	return userID + ":" + strconv.FormatUint(uint64(id), 10)
}

// ParseKey splits a composite identity. The user id may itself contain
// colons; the device id is everything after the last one.
func ParseKey(key string) (userID string, id uint32, err error) {
	i := strings.LastIndexByte(key, ':')
	if i <= 0 || i == len(key)-1 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidDeviceKey, key)
	}
	n, err := strconv.ParseUint(key[i+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidDeviceKey, key)
	}
	return key[:i], uint32(n), nil
}

// Key returns the device's composite identity.
func (d *Device) Key() string {
	return DeviceKey(d.Owner.ID, d.ID)
}

// IsOn reports the power state.
func (d *Device) IsOn() bool {
	return d.on.Load()
}

// TurnOff powers the device off. Called when its connection closes.
func (d *Device) TurnOff() {
	d.on.Store(false)
}

func (d *Device) String() string {
	return d.Key()
}

// Devices is the registry of devices keyed by composite identity.
type Devices struct {
	m     sync.Map // key -> *Device
	locks syncutil.KeyedMutex
}

// NewDevices creates an empty registry.
func NewDevices() *Devices {
	return &Devices{}
}

// Attest powers on the device (owner, id), creating it on first use.
// It fails with ErrDeviceActive if the device is already on; nothing is
// created or changed in that case.
func (r *Devices) Attest(owner *User, id uint32) (*Device, error) {
	key := DeviceKey(owner.ID, id)

	unlock := r.locks.Lock(key)
	defer unlock()

	v, _ := r.m.LoadOrStore(key, &Device{Owner: owner, ID: id})
	d := v.(*Device)
	if d.IsOn() {
		return nil, fmt.Errorf("%w: %s", ErrDeviceActive, key)
	}
	d.on.Store(true)
	return d, nil
}

// GetOrCreate returns the device (owner, id), creating it powered off.
func (r *Devices) GetOrCreate(owner *User, id uint32) *Device {
	v, _ := r.m.LoadOrStore(DeviceKey(owner.ID, id), &Device{Owner: owner, ID: id})
	return v.(*Device)
}

// Get returns the device with the given composite identity.
func (r *Devices) Get(key string) (*Device, bool) {
	v, ok := r.m.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*Device), true
}

// All returns every device, sorted by key.
func (r *Devices) All() []*Device {
	var out []*Device
	r.m.Range(func(_, v any) bool {
		out = append(out, v.(*Device))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// ActiveCount returns the number of powered-on devices.
func (r *Devices) ActiveCount() int {
	n := 0
	r.m.Range(func(_, v any) bool {
		if v.(*Device).IsOn() {
			n++
		}
		return true
	})
	return n
}
