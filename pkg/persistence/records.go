package persistence

import (
	"github.com/iotvault/iotvault-go/pkg/directory"
	"github.com/iotvault/iotvault-go/pkg/wire"
)

// SnapshotVersion is the version of the user and domain snapshots inside a
// sealed record.
const SnapshotVersion uint8 = 1

// UserRecord is one persisted user.
type UserRecord struct {
	ID            string `cbor:"1,keyasint"`
	CredentialRef string `cbor:"2,keyasint,omitempty"`
}

type usersSnapshot struct {
	Version uint8        `cbor:"1,keyasint"`
	Users   []UserRecord `cbor:"2,keyasint"`
}

type deviceRecord struct {
	Key         string              `cbor:"1,keyasint"`
	Temperature *wire.EncryptedBlob `cbor:"2,keyasint,omitempty"`
	Image       *wire.EncryptedBlob `cbor:"3,keyasint,omitempty"`
}

type domainSnapshot struct {
	Version uint8             `cbor:"1,keyasint"`
	Name    string            `cbor:"2,keyasint"`
	Owner   string            `cbor:"3,keyasint"`
	Members map[string][]byte `cbor:"4,keyasint"`
	Devices []deviceRecord    `cbor:"5,keyasint,omitempty"`
}

func fromDirectorySnapshot(s directory.Snapshot) domainSnapshot {
	out := domainSnapshot{
		Version: SnapshotVersion,
		Name:    s.Name,
		Owner:   s.Owner,
		Members: s.Members,
		Devices: make([]deviceRecord, 0, len(s.Devices)),
	}
	for _, d := range s.Devices {
		out.Devices = append(out.Devices, deviceRecord{Key: d.Key, Temperature: d.Temperature, Image: d.Image})
	}
	return out
}

func (s domainSnapshot) toDirectorySnapshot() directory.Snapshot {
	out := directory.Snapshot{
		Name:    s.Name,
		Owner:   s.Owner,
		Members: s.Members,
		Devices: make([]directory.DeviceState, 0, len(s.Devices)),
	}
	for _, d := range s.Devices {
		out.Devices = append(out.Devices, directory.DeviceState{Key: d.Key, Temperature: d.Temperature, Image: d.Image})
	}
	return out
}
