package session

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/iotvault/iotvault-go/pkg/directory"
	"github.com/iotvault/iotvault-go/pkg/wire"
)

// State is a position in the handshake.
type State uint8

const (
	StateKeyAuth State = iota
	StateKeyAuthStep2
	StateTwoFactor
	StateAttestation
	StateAttestationStep2
	StateAuthenticated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateKeyAuth:
		return "KEY_AUTH"
	case StateKeyAuthStep2:
		return "KEY_AUTH_STEP2"
	case StateTwoFactor:
		return "TWO_FACTOR"
	case StateAttestation:
		return "ATTESTATION"
	case StateAttestationStep2:
		return "ATTESTATION_STEP2"
	case StateAuthenticated:
		return "AUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}

// expectedOp returns the handshake opcode accepted in s.
func (s State) expectedOp() wire.OpCode {
	switch s {
	case StateKeyAuth:
		return wire.OpKeyAuthentication
	case StateKeyAuthStep2:
		return wire.OpSignedData
	case StateTwoFactor:
		return wire.OpTwoFactor
	case StateAttestation:
		return wire.OpRemoteAttestation
	case StateAttestationStep2:
		return wire.OpAttestationHash
	}
	return 0
}

// Session is the protocol state of one connection. It is never persisted.
type Session struct {
	connID     string
	remoteAddr string

	state   State
	history []State

	userID  string
	newUser bool
	user    *directory.User
	device  *directory.Device

	nonce    uint64
	code     string
	attempts int
	closed   bool
}

// New creates a session in StateKeyAuth.
func New(connID, remoteAddr string) *Session {
	return &Session{
		connID:     connID,
		remoteAddr: remoteAddr,
		state:      StateKeyAuth,
		history:    []State{StateKeyAuth},
	}
}

// ConnID returns the connection id the session belongs to.
func (s *Session) ConnID() string { return s.connID }

// State returns the current state.
func (s *Session) State() State { return s.state }

// History returns every state the session has been in, in order.
func (s *Session) History() []State {
	return append([]State(nil), s.history...)
}

// Authenticated reports whether domain commands are accepted.
func (s *Session) Authenticated() bool { return s.state == StateAuthenticated }

// UserID returns the claimed user id, empty before OP_KEY_AUTHENTICATION.
func (s *Session) UserID() string { return s.userID }

// Device returns the bound device, nil before attestation.
func (s *Session) Device() *directory.Device { return s.device }

func (s *Session) deviceKey() string {
	if s.device == nil {
		return ""
	}
	return s.device.Key()
}

// advance moves to the next state. States are never skipped or revisited.
func (s *Session) advance() (from, to State) {
	from = s.state
	if s.state < StateAuthenticated {
		s.state++
		s.history = append(s.history, s.state)
	}
	s.attempts = 0
	return from, s.state
}

func newNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
