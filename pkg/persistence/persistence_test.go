package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotvault/iotvault-go/pkg/directory"
	"github.com/iotvault/iotvault-go/pkg/wire"
)

func cheapParams() (KeyParams, error) {
	p, err := NewKeyParams()
	p.Time, p.Memory, p.Threads = 1, 64, 1
	return p, err
}

func testKey(t *testing.T, dir, passphrase string) *InstallationKey {
	t.Helper()
	p, err := LoadOrCreateKeyParams(dir, cheapParams)
	require.NoError(t, err)
	key, err := DeriveInstallationKey(passphrase, p)
	require.NoError(t, err)
	return key
}

func TestKeyParamsNeverRegenerated(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreateKeyParams(dir, cheapParams)
	require.NoError(t, err)
	second, err := LoadOrCreateKeyParams(dir, cheapParams)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDeriveInstallationKey(t *testing.T) {
	p, err := cheapParams()
	require.NoError(t, err)

	a, err := DeriveInstallationKey("secret", p)
	require.NoError(t, err)
	b, err := DeriveInstallationKey("secret", p)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a.enc, a.mac)

	_, err = DeriveInstallationKey("", p)
	assert.ErrorIs(t, err, ErrEmptyPassphrase)

	p.Time = 0
	_, err = DeriveInstallationKey("secret", p)
	assert.ErrorIs(t, err, ErrInvalidParams)
}

type sample struct {
	Name  string `cbor:"1,keyasint"`
	Count int    `cbor:"2,keyasint"`
}

func TestSealerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewSealer(testKey(t, dir, "pw"))
	path := filepath.Join(dir, "x.db")

	require.NoError(t, s.Write(path, sample{Name: "n", Count: 3}))
	_, err := os.Stat(path + IVExt)
	require.NoError(t, err, "sidecar must exist")

	var got sample
	require.NoError(t, s.Read(path, &got))
	assert.Equal(t, sample{Name: "n", Count: 3}, got)

	err = s.Read(filepath.Join(dir, "missing.db"), &got)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSealerDetectsAnySingleByteFlip(t *testing.T) {
	dir := t.TempDir()
	s := NewSealer(testKey(t, dir, "pw"))
	path := filepath.Join(dir, "x.db")
	require.NoError(t, s.Write(path, sample{Name: "tamper me", Count: 42}))

	for _, file := range []string{path, path + IVExt} {
		orig, err := os.ReadFile(file)
		require.NoError(t, err)

		for i := range orig {
			for _, mask := range []byte{0x01, 0xFF} {
				bad := append([]byte(nil), orig...)
				bad[i] ^= mask
				require.NoError(t, os.WriteFile(file, bad, 0o600))

				var got sample
				err := s.Read(path, &got)
				require.ErrorIs(t, err, ErrIntegrity, "%s byte %d mask %#x", filepath.Base(file), i, mask)
				assert.Contains(t, err.Error(), path)
			}
		}
		require.NoError(t, os.WriteFile(file, orig, 0o600))
	}
}

func TestSealerWrongKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.db")
	require.NoError(t, NewSealer(testKey(t, dir, "right")).Write(path, sample{Name: "a"}))

	var got sample
	err := NewSealer(testKey(t, dir, "wrong")).Read(path, &got)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestSealerMissingSidecar(t *testing.T) {
	dir := t.TempDir()
	s := NewSealer(testKey(t, dir, "pw"))
	path := filepath.Join(dir, "x.db")
	require.NoError(t, s.Write(path, sample{}))
	require.NoError(t, os.Remove(path+IVExt))

	var got sample
	assert.ErrorIs(t, s.Read(path, &got), ErrIntegrity)
}

func TestSealerInterruptedWriteAfterRecordLanded(t *testing.T) {
	dir := t.TempDir()
	s := NewSealer(testKey(t, dir, "pw"))
	path := filepath.Join(dir, "x.db")

	require.NoError(t, s.Write(path, sample{Name: "old"}))
	oldIV, err := os.ReadFile(path + IVExt)
	require.NoError(t, err)
	require.NoError(t, s.Write(path, sample{Name: "new"}))

	// New record in place, its nonce still staged, old sidecar left over.
	require.NoError(t, os.Rename(path+IVExt, path+IVExt+pendingExt))
	require.NoError(t, os.WriteFile(path+IVExt, oldIV, 0o600))

	var got sample
	require.NoError(t, s.Read(path, &got))
	assert.Equal(t, "new", got.Name)

	_, err = os.Stat(path + IVExt + pendingExt)
	assert.ErrorIs(t, err, os.ErrNotExist, "staged nonce must be promoted")
	got = sample{}
	require.NoError(t, s.Read(path, &got))
	assert.Equal(t, "new", got.Name)
}

func TestSealerInterruptedFirstWrite(t *testing.T) {
	dir := t.TempDir()
	s := NewSealer(testKey(t, dir, "pw"))
	path := filepath.Join(dir, "x.db")

	require.NoError(t, s.Write(path, sample{Name: "first"}))
	require.NoError(t, os.Rename(path+IVExt, path+IVExt+pendingExt))

	var got sample
	require.NoError(t, s.Read(path, &got))
	assert.Equal(t, "first", got.Name)
}

func TestSealerInterruptedWriteBeforeRecordLanded(t *testing.T) {
	dir := t.TempDir()
	s := NewSealer(testKey(t, dir, "pw"))
	path := filepath.Join(dir, "x.db")

	require.NoError(t, s.Write(path, sample{Name: "old"}))
	require.NoError(t, os.WriteFile(path+IVExt+pendingExt, make([]byte, 24), 0o600))

	var got sample
	require.NoError(t, s.Read(path, &got))
	assert.Equal(t, "old", got.Name)

	// The next save replaces the stale staged nonce.
	require.NoError(t, s.Write(path, sample{Name: "next"}))
	_, err := os.Stat(path + IVExt + pendingExt)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func populate(t *testing.T) *directory.Directory {
	t.Helper()
	dir := directory.New()
	alice, _ := dir.Users.Create("alice", "/creds/alice.pem")
	bob, _ := dir.Users.Create("bob", "/creds/bob.pem")
	dir.Users.Create("carol", "/creds/carol.pem")

	home, _ := dir.Domains.Create("home", alice, []byte("K_A"))
	home.AddMember(bob, []byte("K_B"))
	d1 := dir.Devices.GetOrCreate(alice, 1)
	d2 := dir.Devices.GetOrCreate(bob, 9)
	home.AddDevice(d1)
	home.AddDevice(d2)
	home.SetTemperature(d1, wire.EncryptedBlob{Data: []byte("t1"), IV: []byte("iv1")})
	home.SetImage(d2, wire.EncryptedBlob{Data: []byte("img"), IV: []byte("iv2")})

	dir.Domains.Create("office", bob, []byte("K_B2"))
	return dir
}

func TestEngineSaveLoad(t *testing.T) {
	dataDir := t.TempDir()
	key := testKey(t, dataDir, "pw")
	src := populate(t)

	require.NoError(t, NewEngine(dataDir, key, nil).Save(src))

	dst := directory.New()
	require.NoError(t, NewEngine(dataDir, key, nil).Load(dst))

	assert.Equal(t, 3, dst.Users.Len())
	carol, ok := dst.Users.Get("carol")
	require.True(t, ok)
	assert.Equal(t, "/creds/carol.pem", carol.CredentialRef)

	for _, dm := range src.Domains.All() {
		got, ok := dst.Domains.Get(dm.Name())
		require.True(t, ok, dm.Name())
		assert.Equal(t, dm.Snapshot(), got.Snapshot())
	}

	dev, ok := dst.Devices.Get("bob:9")
	require.True(t, ok)
	assert.False(t, dev.IsOn(), "loaded devices start powered off")
	assert.Len(t, dst.Domains.ContainingDevice(dev), 1)
}

func TestEngineLoadEmpty(t *testing.T) {
	dataDir := t.TempDir()
	dir := directory.New()
	require.NoError(t, NewEngine(dataDir, testKey(t, dataDir, "pw"), nil).Load(dir))
	assert.Equal(t, 0, dir.Users.Len())
}

func TestEngineLoadRecreatesMissingUsers(t *testing.T) {
	dataDir := t.TempDir()
	key := testKey(t, dataDir, "pw")
	e := NewEngine(dataDir, key, nil)
	require.NoError(t, e.Save(populate(t)))
	require.NoError(t, os.Remove(filepath.Join(dataDir, usersFile)))
	require.NoError(t, os.Remove(filepath.Join(dataDir, usersFile+IVExt)))

	dir := directory.New()
	require.NoError(t, e.Load(dir))
	assert.True(t, dir.Users.Exists("alice"))
	assert.True(t, dir.Users.Exists("bob"))
	assert.False(t, dir.Users.Exists("carol"), "carol is referenced by no domain")
}

func TestEngineLoadFailsClosedOnTamperedDomain(t *testing.T) {
	dataDir := t.TempDir()
	key := testKey(t, dataDir, "pw")
	e := NewEngine(dataDir, key, nil)
	require.NoError(t, e.Save(populate(t)))

	path := filepath.Join(dataDir, domainsDir, "home"+recordExt)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0o600))

	err = e.Load(directory.New())
	require.ErrorIs(t, err, ErrIntegrity)
	assert.Contains(t, err.Error(), "home.db")
}

func TestEngineIgnoresForeignFiles(t *testing.T) {
	dataDir := t.TempDir()
	e := NewEngine(dataDir, testKey(t, dataDir, "pw"), nil)
	require.NoError(t, e.Save(populate(t)))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, domainsDir, "notes.txt"), []byte("x"), 0o600))

	names, err := e.DomainNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "office"}, names)
}

func TestReference(t *testing.T) {
	dir := t.TempDir()
	key := testKey(t, dir, "pw")
	artifact := filepath.Join(dir, "firmware.bin")

	require.NoError(t, WriteReference(dir, key, artifact))
	got, err := LoadReference(dir, key)
	require.NoError(t, err)
	assert.Equal(t, artifact, got)

	_, err = LoadReference(dir, testKey(t, dir, "other"))
	assert.ErrorIs(t, err, ErrIntegrity)

	// Point the record somewhere else without recomputing the MAC.
	var ref reference
	data, err := os.ReadFile(filepath.Join(dir, ReferenceFile))
	require.NoError(t, err)
	require.NoError(t, wire.Unmarshal(data, &ref))
	ref.Path = "/tmp/evil.bin"
	data, err = wire.Marshal(ref)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ReferenceFile), data, 0o600))

	_, err = LoadReference(dir, key)
	assert.ErrorIs(t, err, ErrIntegrity)
}
