package commands

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotvault/iotvault-go/pkg/cert"
	"github.com/iotvault/iotvault-go/pkg/directory"
	"github.com/iotvault/iotvault-go/pkg/log"
	"github.com/iotvault/iotvault-go/pkg/persistence"
	"github.com/iotvault/iotvault-go/pkg/transport"
	"github.com/iotvault/iotvault-go/pkg/wire"
)

const testPassphrase = "correct horse"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(EnvPassphrase, "")
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// newInstallation creates cheap key parameters so commands do not pay the
// production argon2 cost.
func newInstallation(t *testing.T) (string, *persistence.InstallationKey) {
	t.Helper()
	dir := t.TempDir()
	p, err := persistence.LoadOrCreateKeyParams(dir, func() (persistence.KeyParams, error) {
		kp, err := persistence.NewKeyParams()
		kp.Time, kp.Memory, kp.Threads = 1, 64, 1
		return kp, err
	})
	require.NoError(t, err)
	key, err := persistence.DeriveInstallationKey(testPassphrase, p)
	require.NoError(t, err)
	return dir, key
}

func TestKeygenUser(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "keygen", "user", "alice", "-o", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Identity for alice")

	id, err := cert.LoadIdentity("alice", filepath.Join(dir, "alice.crt"), filepath.Join(dir, "alice.key"))
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)

	_, err = run(t, "keygen", "user", "alice", "-o", dir)
	assert.ErrorContains(t, err, "--force")

	_, err = run(t, "keygen", "user", "alice", "-o", dir, "--force")
	assert.NoError(t, err)
}

func TestKeygenServer(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "s.crt")
	keyPath := filepath.Join(dir, "s.key")

	out, err := run(t, "keygen", "server", "--cert", certPath, "--key", keyPath, "--hosts", "iot.example.com,10.0.0.1")
	require.NoError(t, err)
	assert.Contains(t, out, "iot.example.com")

	c, err := transport.LoadServerCertificate(certPath, keyPath)
	require.NoError(t, err)
	assert.NotEmpty(t, c.Certificate)
}

func TestRefgen(t *testing.T) {
	dataDir, key := newInstallation(t)
	artifact := filepath.Join(t.TempDir(), "iotdevice")
	require.NoError(t, os.WriteFile(artifact, []byte("client binary"), 0o700))

	out, err := run(t, "refgen", "--data", dataDir, "-p", testPassphrase, artifact)
	require.NoError(t, err)
	assert.Contains(t, out, "Fingerprint:")

	path, err := persistence.LoadReference(dataDir, key)
	require.NoError(t, err)
	assert.Equal(t, artifact, path)
}

func TestRefgenErrors(t *testing.T) {
	dataDir, _ := newInstallation(t)

	_, err := run(t, "refgen", "--data", dataDir, filepath.Join(dataDir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	artifact := filepath.Join(t.TempDir(), "bin")
	require.NoError(t, os.WriteFile(artifact, []byte("x"), 0o700))
	_, err = run(t, "refgen", "--data", dataDir, artifact)
	assert.ErrorContains(t, err, "passphrase required")

	_, err = run(t, "refgen", "--data", dataDir, filepath.Dir(artifact), "-p", testPassphrase)
	assert.ErrorContains(t, err, "not a regular file")
}

func TestInspect(t *testing.T) {
	dataDir, key := newInstallation(t)

	dir := directory.New()
	alice, _ := dir.Users.Create("alice", "alice.pem")
	bob, _ := dir.Users.Create("bob", "bob.pem")
	home, _ := dir.Domains.Create("home", alice, []byte("alice-wrapped-key"))
	home.AddMember(bob, []byte("bob-key"))
	dev := dir.Devices.GetOrCreate(alice, 1)
	home.AddDevice(dev)
	home.SetTemperature(dev, wire.EncryptedBlob{Data: make([]byte, 20), IV: make([]byte, 24)})

	engine := persistence.NewEngine(dataDir, key, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, engine.Save(dir))

	out, err := run(t, "inspect", "users", "--data", dataDir, "-p", testPassphrase)
	require.NoError(t, err)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "bob.pem")

	out, err = run(t, "inspect", "domains", "--data", dataDir, "-p", testPassphrase)
	require.NoError(t, err)
	assert.Regexp(t, `home\s+alice\s+2\s+1`, out)

	out, err = run(t, "inspect", "domain", "home", "--data", dataDir, "-p", testPassphrase)
	require.NoError(t, err)
	assert.Contains(t, out, "Owner:  alice")
	assert.Contains(t, out, "Members (2)")
	assert.Contains(t, out, "alice:1")
	assert.Contains(t, out, "20 bytes")
	assert.NotContains(t, out, "alice-wrapped-key")

	_, err = run(t, "inspect", "users", "--data", dataDir, "-p", "wrong")
	assert.ErrorIs(t, err, persistence.ErrIntegrity)
}

func TestInspectWithoutInstallation(t *testing.T) {
	dataDir := t.TempDir()
	_, err := run(t, "inspect", "users", "--data", dataDir, "-p", testPassphrase)
	assert.ErrorIs(t, err, ErrNoInstallation)

	_, statErr := os.Stat(filepath.Join(dataDir, persistence.KeyParamsFile))
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func writeLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	fl, err := log.NewFileLogger(path)
	require.NoError(t, err)

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	events := []log.Event{
		{
			Timestamp: ts, ConnectionID: "conn-aaaa-1111", Layer: log.LayerSession, Category: log.CategoryState,
			StateChange: &log.StateChangeEvent{Entity: log.StateEntitySession, OldState: "KeyAuth", NewState: "TwoFactor"},
		},
		{
			Timestamp: ts.Add(time.Second), ConnectionID: "conn-aaaa-1111", Layer: log.LayerSession,
			Category: log.CategoryAudit, UserID: "alice", DeviceID: "alice:1",
			Audit: &log.AuditEvent{Op: wire.OpCreate, Status: wire.StatusOK, Domain: "home"},
		},
		{
			Timestamp: ts.Add(2 * time.Second), ConnectionID: "conn-bbbb-2222", Layer: log.LayerSession,
			Category: log.CategoryAudit, UserID: "bob", DeviceID: "bob:2",
			Audit: &log.AuditEvent{Op: wire.OpRegisterDevice, Status: wire.StatusNoPerm, Domain: "home", Detail: "not a member"},
		},
		{
			Timestamp: ts.Add(3 * time.Second), ConnectionID: "conn-bbbb-2222", Layer: log.LayerWire, Category: log.CategoryError,
			Error: &log.ErrorEventData{Layer: log.LayerWire, Message: "bad frame"},
		},
	}
	for _, e := range events {
		fl.Log(e)
	}
	require.NoError(t, fl.Close())
	return path
}

func TestLogView(t *testing.T) {
	path := writeLog(t)

	out, err := run(t, "log", "view", path)
	require.NoError(t, err)
	assert.Contains(t, out, "KeyAuth -> TwoFactor")
	assert.Contains(t, out, "[conn:conn-aaa]")
	assert.Contains(t, out, "Detail: not a member")
	assert.Contains(t, out, "Message: bad frame")

	out, err = run(t, "log", "view", "--rejected", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Rejected")
	assert.NotContains(t, out, "Accepted")
	assert.Equal(t, 1, strings.Count(out, "[conn:"))

	out, err = run(t, "log", "view", "--user", "alice", "--category", "audit", path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "[conn:"))

	_, err = run(t, "log", "view", "--category", "control", path)
	assert.ErrorContains(t, err, "invalid category")

	_, err = run(t, "log", "view", "--since", "yesterday", path)
	assert.ErrorContains(t, err, "--since")
}

func TestLogStats(t *testing.T) {
	out, err := run(t, "log", "stats", writeLog(t))
	require.NoError(t, err)
	assert.Contains(t, out, "Total Events: 4")
	assert.Contains(t, out, "AUDIT:")
	assert.Contains(t, out, "Connections: 2")
	assert.Contains(t, out, "Users: 2")
	assert.Contains(t, out, "Errors: 1")
	assert.Regexp(t, `Rejected Requests:\n\s+\S+:\s+1`, out)
}

func TestLogExport(t *testing.T) {
	path := writeLog(t)

	out, err := run(t, "log", "export", "--format", "csv", path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "timestamp,connection_id"))
	assert.Contains(t, lines[3], "bob:2")

	out, err = run(t, "log", "export", path)
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(out, "\n"))

	_, err = run(t, "log", "export", "--format", "xml", path)
	assert.ErrorContains(t, err, "unknown format")
}

func TestLogFilter(t *testing.T) {
	path := writeLog(t)
	dst := filepath.Join(t.TempDir(), "bob.log")

	out, err := run(t, "log", "filter", "--user", "bob", "-o", dst, path)
	require.NoError(t, err)
	assert.Contains(t, out, "Filtered 1 events")

	r, err := log.NewReader(dst)
	require.NoError(t, err)
	defer r.Close()
	e, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "bob", e.UserID)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)

	_, err = run(t, "log", "filter", path)
	assert.Error(t, err)
}
