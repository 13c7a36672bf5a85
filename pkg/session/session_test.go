package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iotvault/iotvault-go/internal/testutil"
	"github.com/iotvault/iotvault-go/pkg/attestation"
	"github.com/iotvault/iotvault-go/pkg/cert"
	"github.com/iotvault/iotvault-go/pkg/directory"
	"github.com/iotvault/iotvault-go/pkg/wire"
)

type fixture struct {
	h     *Handler
	dir   *directory.Directory
	store *cert.MemoryStore
	sink  *testutil.CodeSink
	audit *testutil.EventRecorder
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		dir:   directory.New(),
		store: cert.NewMemoryStore(),
		sink:  &testutil.CodeSink{},
		audit: &testutil.EventRecorder{},
	}
	cfg := Config{
		Directory:   f.dir,
		Credentials: f.store,
		OTP:         f.sink,
		Attestation: attestation.StaticVerifier{Artifact: testutil.Artifact},
		Audit:       f.audit,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h, err := NewHandler(cfg)
	require.NoError(t, err)
	f.h = h
	return f
}

// send runs one request through the handler.
func (f *fixture) send(t *testing.T, s *Session, op wire.OpCode, p any) (*wire.Message, bool) {
	t.Helper()
	msg, err := wire.NewMessage(op, p)
	require.NoError(t, err)
	return f.h.Handle(context.Background(), s, msg)
}

func (f *fixture) expect(t *testing.T, s *Session, op wire.OpCode, p any, want wire.OpCode) *wire.Message {
	t.Helper()
	resp, closeConn := f.send(t, s, op, p)
	require.Equal(t, want, resp.Op, "%s answered %s", op, resp.Op)
	require.False(t, closeConn, "%s must not close the connection", op)
	return resp
}

// keyAuth runs the first two steps and returns the session in TwoFactor.
func (f *fixture) keyAuth(t *testing.T, id *cert.Identity) *Session {
	t.Helper()
	s := New("conn-"+id.UserID, "127.0.0.1:5000")

	resp := f.expect(t, s, wire.OpKeyAuthentication, &wire.KeyAuthRequest{UserID: id.UserID}, wire.StatusOK)
	var ka wire.KeyAuthResponse
	require.NoError(t, resp.DecodePayload(&ka))

	sig, err := id.SignNonce(ka.Nonce)
	require.NoError(t, err)
	req := &wire.SignedNonceRequest{Signature: sig}
	if ka.NewUser {
		req.Certificate = id.CertificateDER()
	}
	f.expect(t, s, wire.OpSignedData, req, wire.StatusOK)
	require.Equal(t, StateTwoFactor, s.State())
	return s
}

// authenticate runs the full handshake for device devID.
func (f *fixture) authenticate(t *testing.T, id *cert.Identity, devID uint32) *Session {
	t.Helper()
	s := f.keyAuth(t, id)

	f.expect(t, s, wire.OpTwoFactor, &wire.TwoFactorRequest{Code: f.sink.Last(id.UserID)}, wire.StatusOK)

	resp := f.expect(t, s, wire.OpRemoteAttestation, &wire.AttestationRequest{DeviceID: devID}, wire.StatusOK)
	var ar wire.AttestationResponse
	require.NoError(t, resp.DecodePayload(&ar))

	hash := attestation.Hash(testutil.Artifact, ar.Nonce)
	f.expect(t, s, wire.OpAttestationHash, &wire.AttestationHashRequest{Hash: hash}, wire.StatusOK)
	require.True(t, s.Authenticated())
	return s
}

func TestHandshakeNewUser(t *testing.T) {
	f := newFixture(t)
	alice := testutil.NewIdentity(t, "alice")

	s := f.authenticate(t, alice, 1)

	assert.Equal(t, []State{
		StateKeyAuth,
		StateKeyAuthStep2,
		StateTwoFactor,
		StateAttestation,
		StateAttestationStep2,
		StateAuthenticated,
	}, s.History())

	u, ok := f.dir.Users.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "mem:alice", u.CredentialRef)
	stored, err := f.store.Get("alice")
	require.NoError(t, err)
	assert.True(t, stored.Equal(alice.Certificate))

	dev, ok := f.dir.Devices.Get("alice:1")
	require.True(t, ok)
	assert.True(t, dev.IsOn())
	assert.Same(t, dev, s.Device())

	f.h.Close(s, "test")
	assert.False(t, dev.IsOn(), "closing must power the device off")
}

func TestHandshakeKnownUserUsesStoredCredential(t *testing.T) {
	f := newFixture(t)
	alice := testutil.NewIdentity(t, "alice")
	first := f.authenticate(t, alice, 1)
	f.h.Close(first, "done")

	s := New("c2", "")
	resp := f.expect(t, s, wire.OpKeyAuthentication, &wire.KeyAuthRequest{UserID: "alice"}, wire.StatusOK)
	var ka wire.KeyAuthResponse
	require.NoError(t, resp.DecodePayload(&ka))
	assert.False(t, ka.NewUser)

	// A signature from a different key with a matching certificate must not
	// replace the stored credential.
	mallory := testutil.NewIdentity(t, "alice")
	sig, err := mallory.SignNonce(ka.Nonce)
	require.NoError(t, err)
	f.expect(t, s, wire.OpSignedData, &wire.SignedNonceRequest{Signature: sig, Certificate: mallory.CertificateDER()}, wire.StatusNOK)

	sig, err = alice.SignNonce(ka.Nonce)
	require.NoError(t, err)
	f.expect(t, s, wire.OpSignedData, &wire.SignedNonceRequest{Signature: sig}, wire.StatusOK)
}

func TestDomainCommandsRequireAuthentication(t *testing.T) {
	f := newFixture(t)
	alice := testutil.NewIdentity(t, "alice")

	commands := []struct {
		op wire.OpCode
		p  any
	}{
		{wire.OpCreate, &wire.CreateRequest{Domain: "home", OwnerKey: []byte{1}}},
		{wire.OpAdd, &wire.AddRequest{UserID: "bob", Domain: "home", WrappedKey: []byte{1}}},
		{wire.OpRegisterDevice, &wire.DomainRequest{Domain: "home"}},
		{wire.OpPublishTemperature, &wire.PublishRequest{}},
		{wire.OpPublishImage, &wire.PublishRequest{}},
		{wire.OpReadTemperatures, &wire.DomainRequest{Domain: "home"}},
		{wire.OpReadImage, &wire.ReadImageRequest{DeviceID: "alice:1"}},
		{wire.OpMyDomains, nil},
		{wire.OpDomainKeys, nil},
	}

	checkAll := func(s *Session) {
		t.Helper()
		before := s.State()
		for _, c := range commands {
			resp, closeConn := f.send(t, s, c.op, c.p)
			require.Equal(t, wire.StatusError, resp.Op, "%s in %s", c.op, before)
			assert.False(t, closeConn)
			var ep wire.ErrorPayload
			require.NoError(t, resp.DecodePayload(&ep))
			assert.Equal(t, wire.ErrorKindSessionState, ep.Kind)
			assert.Equal(t, ReasonInvalidStage, ep.Reason)
		}
		assert.Equal(t, before, s.State(), "rejected commands must not change state")
	}

	s := New("c", "")
	checkAll(s)

	resp := f.expect(t, s, wire.OpKeyAuthentication, &wire.KeyAuthRequest{UserID: "alice"}, wire.StatusOK)
	checkAll(s)

	var ka wire.KeyAuthResponse
	require.NoError(t, resp.DecodePayload(&ka))
	sig, _ := alice.SignNonce(ka.Nonce)
	f.expect(t, s, wire.OpSignedData, &wire.SignedNonceRequest{Signature: sig, Certificate: alice.CertificateDER()}, wire.StatusOK)
	checkAll(s)

	f.expect(t, s, wire.OpTwoFactor, &wire.TwoFactorRequest{Code: f.sink.Last("alice")}, wire.StatusOK)
	checkAll(s)

	resp = f.expect(t, s, wire.OpRemoteAttestation, &wire.AttestationRequest{DeviceID: 3}, wire.StatusOK)
	checkAll(s)

	var ar wire.AttestationResponse
	require.NoError(t, resp.DecodePayload(&ar))
	f.expect(t, s, wire.OpAttestationHash, &wire.AttestationHashRequest{Hash: attestation.Hash(testutil.Artifact, ar.Nonce)}, wire.StatusOK)

	f.expect(t, s, wire.OpMyDomains, nil, wire.StatusOK)
}

func TestHandshakeOutOfOrder(t *testing.T) {
	f := newFixture(t)
	alice := testutil.NewIdentity(t, "alice")
	s := f.authenticate(t, alice, 1)

	// No handshake step can be repeated once passed.
	for _, op := range []wire.OpCode{
		wire.OpKeyAuthentication,
		wire.OpSignedData,
		wire.OpTwoFactor,
		wire.OpRemoteAttestation,
		wire.OpAttestationHash,
	} {
		msg := &wire.Message{Version: wire.ProtocolVersion, Op: op}
		resp, _ := f.h.Handle(context.Background(), s, msg)
		assert.Equal(t, wire.StatusError, resp.Op, op.String())
	}
	assert.Equal(t, StateAuthenticated, s.State())

	fresh := New("c2", "")
	resp, _ := f.send(t, fresh, wire.OpTwoFactor, &wire.TwoFactorRequest{Code: "00000"})
	assert.Equal(t, wire.StatusError, resp.Op)
	assert.Equal(t, StateKeyAuth, fresh.State())
}

func TestDataTypeErrors(t *testing.T) {
	f := newFixture(t)
	s := New("c", "")

	assertDataType := func(resp *wire.Message) {
		t.Helper()
		require.Equal(t, wire.StatusError, resp.Op)
		var ep wire.ErrorPayload
		require.NoError(t, resp.DecodePayload(&ep))
		assert.Equal(t, wire.ErrorKindDataType, ep.Kind)
		assert.Equal(t, ReasonInvalidDataType, ep.Reason)
	}

	// Payload of another opcode.
	resp, _ := f.send(t, s, wire.OpKeyAuthentication, &wire.AttestationRequest{DeviceID: 4})
	assertDataType(resp)
	// Missing payload.
	resp, _ = f.send(t, s, wire.OpKeyAuthentication, nil)
	assertDataType(resp)
	// Required field empty.
	resp, _ = f.send(t, s, wire.OpKeyAuthentication, &wire.KeyAuthRequest{})
	assertDataType(resp)
	// Extra fields.
	resp, _ = f.send(t, s, wire.OpKeyAuthentication, map[int]any{1: "alice", 9: true})
	assertDataType(resp)

	assert.Equal(t, StateKeyAuth, s.State())
	f.expect(t, s, wire.OpKeyAuthentication, &wire.KeyAuthRequest{UserID: "alice"}, wire.StatusOK)
}

func TestUnsupportedVersionAndOp(t *testing.T) {
	f := newFixture(t)
	s := New("c", "")

	resp, _ := f.h.Handle(context.Background(), s, &wire.Message{Version: 9, Op: wire.OpKeyAuthentication})
	var ep wire.ErrorPayload
	require.NoError(t, resp.DecodePayload(&ep))
	assert.Equal(t, wire.ErrorKindVersion, ep.Kind)

	resp, _ = f.h.Handle(context.Background(), s, &wire.Message{Version: wire.ProtocolVersion, Op: wire.StatusOK})
	require.NoError(t, resp.DecodePayload(&ep))
	assert.Equal(t, wire.ErrorKindUnknownOp, ep.Kind)
}

func TestSignedDataRetryCap(t *testing.T) {
	f := newFixture(t)
	alice := testutil.NewIdentity(t, "alice")
	s := New("c", "")

	resp := f.expect(t, s, wire.OpKeyAuthentication, &wire.KeyAuthRequest{UserID: "alice"}, wire.StatusOK)
	var ka wire.KeyAuthResponse
	require.NoError(t, resp.DecodePayload(&ka))

	wrong, err := alice.SignNonce(ka.Nonce + 1)
	require.NoError(t, err)
	bad := &wire.SignedNonceRequest{Signature: wrong, Certificate: alice.CertificateDER()}

	f.expect(t, s, wire.OpSignedData, bad, wire.StatusNOK)
	f.expect(t, s, wire.OpSignedData, bad, wire.StatusNOK)
	resp, closeConn := f.send(t, s, wire.OpSignedData, bad)
	assert.Equal(t, wire.StatusNOK, resp.Op)
	assert.True(t, closeConn, "third failure must close the connection")

	assert.Equal(t, StateKeyAuthStep2, s.State())
	assert.False(t, f.dir.Users.Exists("alice"), "failed registration must not create the user")
	assert.Equal(t, 0, f.store.Len())
}

func TestSignedDataRetrySucceedsWithinBudget(t *testing.T) {
	f := newFixture(t)
	alice := testutil.NewIdentity(t, "alice")
	s := New("c", "")

	resp := f.expect(t, s, wire.OpKeyAuthentication, &wire.KeyAuthRequest{UserID: "alice"}, wire.StatusOK)
	var ka wire.KeyAuthResponse
	require.NoError(t, resp.DecodePayload(&ka))

	// New user without a credential.
	sig, _ := alice.SignNonce(ka.Nonce)
	f.expect(t, s, wire.OpSignedData, &wire.SignedNonceRequest{Signature: sig}, wire.StatusNOK)
	// Garbage credential.
	f.expect(t, s, wire.OpSignedData, &wire.SignedNonceRequest{Signature: sig, Certificate: []byte("junk")}, wire.StatusNOK)
	// Same nonce still valid.
	f.expect(t, s, wire.OpSignedData, &wire.SignedNonceRequest{Signature: sig, Certificate: alice.CertificateDER()}, wire.StatusOK)
	assert.Equal(t, 1, f.sink.Count("alice"))
}

func TestRegistrationRaceLoserCompletesHandshake(t *testing.T) {
	f := newFixture(t)
	alice := testutil.NewIdentity(t, "alice")

	// Both connections see alice as a new user.
	a, b := New("a", ""), New("b", "")
	nonces := make(map[*Session]uint64)
	for _, s := range []*Session{a, b} {
		resp := f.expect(t, s, wire.OpKeyAuthentication, &wire.KeyAuthRequest{UserID: "alice"}, wire.StatusOK)
		var ka wire.KeyAuthResponse
		require.NoError(t, resp.DecodePayload(&ka))
		require.True(t, ka.NewUser)
		nonces[s] = ka.Nonce
	}

	sigA, err := alice.SignNonce(nonces[a])
	require.NoError(t, err)
	f.expect(t, a, wire.OpSignedData, &wire.SignedNonceRequest{Signature: sigA, Certificate: alice.CertificateDER()}, wire.StatusOK)

	sigB, err := alice.SignNonce(nonces[b])
	require.NoError(t, err)
	f.expect(t, b, wire.OpSignedData, &wire.SignedNonceRequest{Signature: sigB, Certificate: alice.CertificateDER()}, wire.StatusNOK)

	// The retry verifies against the stored credential and binds the user.
	f.expect(t, b, wire.OpSignedData, &wire.SignedNonceRequest{Signature: sigB}, wire.StatusOK)
	winner, ok := f.dir.Users.Get("alice")
	require.True(t, ok)
	assert.Same(t, winner, b.user)

	f.expect(t, b, wire.OpTwoFactor, &wire.TwoFactorRequest{Code: f.sink.Last("alice")}, wire.StatusOK)
	resp := f.expect(t, b, wire.OpRemoteAttestation, &wire.AttestationRequest{DeviceID: 2}, wire.StatusOK)
	var ar wire.AttestationResponse
	require.NoError(t, resp.DecodePayload(&ar))
	f.expect(t, b, wire.OpAttestationHash, &wire.AttestationHashRequest{Hash: attestation.Hash(testutil.Artifact, ar.Nonce)}, wire.StatusOK)
	assert.True(t, b.Authenticated())

	f.expect(t, b, wire.OpCreate, &wire.CreateRequest{Domain: "home", OwnerKey: []byte{1}}, wire.StatusOK)
}

func TestTwoFactor(t *testing.T) {
	f := newFixture(t)
	alice := testutil.NewIdentity(t, "alice")
	s := f.keyAuth(t, alice)
	code := f.sink.Last("alice")

	f.expect(t, s, wire.OpTwoFactor, &wire.TwoFactorRequest{Code: "x" + code}, wire.StatusNOK)
	assert.Equal(t, 1, f.sink.Count("alice"), "no new code on failure")
	f.expect(t, s, wire.OpTwoFactor, &wire.TwoFactorRequest{Code: code}, wire.StatusOK)
	assert.Equal(t, StateAttestation, s.State())
}

func TestTwoFactorRetryCap(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxAttempts = 2 })
	s := f.keyAuth(t, testutil.NewIdentity(t, "alice"))

	f.expect(t, s, wire.OpTwoFactor, &wire.TwoFactorRequest{Code: "nope"}, wire.StatusNOK)
	resp, closeConn := f.send(t, s, wire.OpTwoFactor, &wire.TwoFactorRequest{Code: "nope"})
	assert.Equal(t, wire.StatusNOK, resp.Op)
	assert.True(t, closeConn)
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, userID, code string) error {
	args := m.Called(ctx, userID, code)
	return args.Error(0)
}

func TestOTPDeliveryFailureClosesConnection(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, "alice", "01234").Return(errors.New("gateway down")).Once()

	f := newFixture(t, func(c *Config) {
		c.OTP = sender
		c.NewCode = func() (string, error) { return "01234", nil }
	})
	alice := testutil.NewIdentity(t, "alice")
	s := New("c", "")

	resp := f.expect(t, s, wire.OpKeyAuthentication, &wire.KeyAuthRequest{UserID: "alice"}, wire.StatusOK)
	var ka wire.KeyAuthResponse
	require.NoError(t, resp.DecodePayload(&ka))
	sig, _ := alice.SignNonce(ka.Nonce)

	resp, closeConn := f.send(t, s, wire.OpSignedData, &wire.SignedNonceRequest{Signature: sig, Certificate: alice.CertificateDER()})
	assert.Equal(t, wire.StatusNOK, resp.Op)
	assert.True(t, closeConn)
	assert.Equal(t, StateKeyAuthStep2, s.State())
	sender.AssertExpectations(t)
}

func TestAttestActiveDeviceRejected(t *testing.T) {
	f := newFixture(t)
	alice := testutil.NewIdentity(t, "alice")
	first := f.authenticate(t, alice, 5)

	s := f.keyAuth(t, alice)
	f.expect(t, s, wire.OpTwoFactor, &wire.TwoFactorRequest{Code: f.sink.Last("alice")}, wire.StatusOK)
	resp, closeConn := f.send(t, s, wire.OpRemoteAttestation, &wire.AttestationRequest{DeviceID: 5})
	assert.Equal(t, wire.StatusNOK, resp.Op)
	assert.True(t, closeConn)
	assert.Equal(t, StateAttestation, s.State())
	f.h.Close(s, "rejected")

	dev, _ := f.dir.Devices.Get("alice:5")
	assert.True(t, dev.IsOn(), "rejected session must not power off the other session's device")

	f.h.Close(first, "done")
	again := f.authenticate(t, alice, 5)
	assert.Same(t, dev, again.Device())
	assert.Len(t, f.dir.Devices.All(), 1)
}

func TestAttestationHashStaleNonce(t *testing.T) {
	f := newFixture(t)
	alice := testutil.NewIdentity(t, "alice")
	s := f.keyAuth(t, alice)
	f.expect(t, s, wire.OpTwoFactor, &wire.TwoFactorRequest{Code: f.sink.Last("alice")}, wire.StatusOK)

	resp := f.expect(t, s, wire.OpRemoteAttestation, &wire.AttestationRequest{DeviceID: 1}, wire.StatusOK)
	var ar wire.AttestationResponse
	require.NoError(t, resp.DecodePayload(&ar))

	stale := attestation.Hash(testutil.Artifact, ar.Nonce-1)
	resp, closeConn := f.send(t, s, wire.OpAttestationHash, &wire.AttestationHashRequest{Hash: stale})
	assert.Equal(t, wire.StatusNOK, resp.Op)
	assert.True(t, closeConn, "attestation mismatch is fatal")
	assert.Equal(t, StateAttestationStep2, s.State())

	f.h.Close(s, "attestation failed")
	dev, _ := f.dir.Devices.Get("alice:1")
	assert.False(t, dev.IsOn())
}

func TestAuditLog(t *testing.T) {
	f := newFixture(t)
	s := New("c", "")
	f.send(t, s, wire.OpMyDomains, nil)
	f.expect(t, s, wire.OpKeyAuthentication, &wire.KeyAuthRequest{UserID: "alice"}, wire.StatusOK)

	audits := f.audit.Audits()
	require.Len(t, audits, 2)
	assert.Equal(t, wire.StatusError, audits[0].Status)
	assert.Equal(t, wire.StatusOK, audits[1].Status)
	assert.Equal(t, "alice", audits[1].Target)
}

func TestNewHandlerRequiresDependencies(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)
}
