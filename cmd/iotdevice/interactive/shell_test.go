package interactive

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotvault/iotvault-go/pkg/client"
	"github.com/iotvault/iotvault-go/pkg/wire"
)

type fakeClient struct {
	calls []string
	err   error

	domains []string
	keys    map[string][]byte
	temps   map[string]float32
	image   []byte
	sent    []byte
	temp    float32
}

func (f *fakeClient) record(s string) error {
	f.calls = append(f.calls, s)
	return f.err
}

func (f *fakeClient) UserID() string   { return "alice" }
func (f *fakeClient) DeviceID() uint32 { return 7 }

func (f *fakeClient) Create(_ context.Context, domain, password string) error {
	return f.record("create " + domain + " " + password)
}

func (f *fakeClient) Add(_ context.Context, user, domain, password string) error {
	return f.record("add " + user + " " + domain + " " + password)
}

func (f *fakeClient) RegisterDevice(_ context.Context, domain string) error {
	return f.record("rd " + domain)
}

func (f *fakeClient) MyDomains(context.Context) ([]string, error) {
	return f.domains, f.record("md")
}

func (f *fakeClient) DomainKeys(context.Context) (map[string][]byte, error) {
	return f.keys, f.record("keys")
}

func (f *fakeClient) SendTemperature(_ context.Context, v float32) ([]string, error) {
	f.temp = v
	return f.domains, f.record("et")
}

func (f *fakeClient) SendImage(_ context.Context, image []byte) ([]string, error) {
	f.sent = image
	return f.domains, f.record("ei")
}

func (f *fakeClient) ReadTemperatures(_ context.Context, domain string) (map[string]float32, error) {
	return f.temps, f.record("rt " + domain)
}

func (f *fakeClient) ReadImage(_ context.Context, device string) ([]byte, error) {
	return f.image, f.record("ri " + device)
}

func newTestShell(t *testing.T, c Client) (*Shell, *bytes.Buffer, string) {
	t.Helper()
	var out bytes.Buffer
	dir := t.TempDir()
	s := newShell(c, &out, Config{OutputDir: dir})
	s.now = func() time.Time { return time.Unix(0, 42) }
	return s, &out, dir
}

func TestExecuteDispatch(t *testing.T) {
	tests := []struct {
		line string
		call string
	}{
		{"CREATE home pw", "create home pw"},
		{"create home pw", "create home pw"},
		{"ADD bob home pw", "add bob home pw"},
		{"RD home", "rd home"},
		{"MYDOMAINS", "md"},
		{"md", "md"},
		{"KEYS", "keys"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			fc := &fakeClient{}
			s, _, _ := newTestShell(t, fc)
			assert.True(t, s.Execute(context.Background(), tt.line))
			assert.Equal(t, []string{tt.call}, fc.calls)
		})
	}
}

func TestExecuteUsage(t *testing.T) {
	for _, line := range []string{"CREATE home", "ADD bob home", "RD", "ET", "RT a b", "RI"} {
		fc := &fakeClient{}
		s, out, _ := newTestShell(t, fc)
		assert.True(t, s.Execute(context.Background(), line))
		assert.Empty(t, fc.calls, line)
		assert.Contains(t, out.String(), "Usage:", line)
	}
}

func TestExecuteExitAndUnknown(t *testing.T) {
	s, out, _ := newTestShell(t, &fakeClient{})
	assert.True(t, s.Execute(context.Background(), ""))
	assert.True(t, s.Execute(context.Background(), "FLY away"))
	assert.Contains(t, out.String(), "Unknown command: FLY")
	assert.False(t, s.Execute(context.Background(), "exit"))
}

func TestSendTemperature(t *testing.T) {
	fc := &fakeClient{domains: []string{"home", "lab"}}
	s, out, _ := newTestShell(t, fc)

	s.Execute(context.Background(), "ET 21.5")
	assert.Equal(t, float32(21.5), fc.temp)
	assert.Contains(t, out.String(), "published to domains home, lab")

	out.Reset()
	s.Execute(context.Background(), "ET warm")
	assert.Contains(t, out.String(), "must be a number")
}

func TestSendImage(t *testing.T) {
	fc := &fakeClient{domains: []string{"home"}}
	s, out, dir := newTestShell(t, fc)

	path := filepath.Join(dir, "cat.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o600))
	s.Execute(context.Background(), "EI "+path)
	assert.Equal(t, []byte("jpeg"), fc.sent)
	assert.Contains(t, out.String(), "published to domain home")

	out.Reset()
	fc.calls = nil
	s.Execute(context.Background(), "EI "+filepath.Join(dir, "missing.jpg"))
	assert.Empty(t, fc.calls)
	assert.Contains(t, out.String(), "cannot read image")
}

func TestReadTemperaturesWritesFile(t *testing.T) {
	fc := &fakeClient{temps: map[string]float32{"bob:2": 19, "alice:7": 21.5}}
	s, out, dir := newTestShell(t, fc)

	s.Execute(context.Background(), "RT home")
	assert.Contains(t, out.String(), "rt-home-42.txt")

	data, err := os.ReadFile(filepath.Join(dir, "rt-home-42.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alice:7 21.5\nbob:2 19\n", string(data))
}

func TestReadImageWritesFile(t *testing.T) {
	fc := &fakeClient{image: []byte("jpeg")}
	s, out, dir := newTestShell(t, fc)

	s.Execute(context.Background(), "RI bob:2")
	assert.Equal(t, []string{"ri bob:2"}, fc.calls)
	assert.Contains(t, out.String(), "ri-bob_2-42.jpg")

	data, err := os.ReadFile(filepath.Join(dir, "ri-bob_2-42.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)

	out.Reset()
	fc.calls = nil
	s.Execute(context.Background(), "RI bob")
	assert.Empty(t, fc.calls)
	assert.Contains(t, out.String(), "<user>:<dev>")
}

func TestStatusMessages(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		status wire.OpCode
		op     wire.OpCode
		want   string
	}{
		{"create exists", "CREATE home pw", wire.StatusNOK, wire.OpCreate, "the domain already exists"},
		{"add not owner", "ADD bob home pw", wire.StatusNoPerm, wire.OpAdd, "not the owner of domain home"},
		{"add member", "ADD bob home pw", wire.StatusAlreadyAdded, wire.OpAdd, "bob already belongs to domain home"},
		{"add no user", "ADD bob home pw", wire.StatusNoUser, wire.OpAdd, "the user does not exist"},
		{"rd not member", "RD home", wire.StatusNoPerm, wire.OpRegisterDevice, "not a member of domain home"},
		{"rd twice", "RD home", wire.StatusAlreadyAdded, wire.OpRegisterDevice, "already registered in domain home"},
		{"rt no domain", "RT home", wire.StatusNoDomain, wire.OpReadTemperatures, "the domain does not exist"},
		{"rt no data", "RT home", wire.StatusNoData, wire.OpReadTemperatures, "no data has been published"},
		{"ri no device", "RI bob:2", wire.StatusNoID, wire.OpReadImage, "the device does not exist"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeClient{err: &client.StatusError{Op: tt.op, Status: tt.status}}
			s, out, _ := newTestShell(t, fc)
			s.Execute(context.Background(), tt.line)
			assert.Contains(t, out.String(), tt.want)
			assert.NotContains(t, out.String(), "written to")
		})
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "the server refused the request: bad payload",
		describe(&client.ProtocolError{Op: wire.OpCreate, Kind: wire.ErrorKindDataType, Reason: "bad payload"}))
	assert.Equal(t, "not authenticated", describe(client.ErrNotAuthenticated))
	assert.Equal(t, "the server did not answer in time", describe(context.DeadlineExceeded))
	assert.Equal(t, "boom", describe(errors.New("boom")))
}

func TestListDomains(t *testing.T) {
	assert.Equal(t, "no domains", listDomains(nil))
	assert.Equal(t, "domain a", listDomains([]string{"a"}))
	assert.Equal(t, "domains a, b", listDomains([]string{"a", "b"}))
}
