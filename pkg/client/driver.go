package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iotvault/iotvault-go/pkg/attestation"
	"github.com/iotvault/iotvault-go/pkg/cert"
	"github.com/iotvault/iotvault-go/pkg/domainkey"
	"github.com/iotvault/iotvault-go/pkg/transport"
	"github.com/iotvault/iotvault-go/pkg/wire"
)

const (
	// DefaultTimeout bounds the wait for a single response. The signed
	// nonce step includes the server's OTP delivery and can be slow.
	DefaultTimeout = 90 * time.Second

	// DefaultCodeAttempts is how often the code prompt is asked again after
	// a rejected one-time code.
	DefaultCodeAttempts = 3
)

// CodePrompt asks the user for the one-time code delivered out of band.
type CodePrompt func(ctx context.Context) (string, error)

// Config holds what a Driver needs besides the connection.
type Config struct {
	// Identity signs nonces and unwraps domain keys. Required.
	Identity *cert.Identity

	// Trust holds other users' certificates, used to wrap keys for them.
	Trust cert.Store

	// Params stores per-domain key derivation parameters.
	Params *domainkey.ParamsStore

	// ArtifactPath is the binary hashed during remote attestation.
	ArtifactPath string

	// Timeout bounds the wait for each response. Zero means DefaultTimeout.
	Timeout time.Duration

	// CodeAttempts bounds re-prompts for the one-time code. Zero means
	// DefaultCodeAttempts.
	CodeAttempts int

	Logger *slog.Logger
}

// Driver runs the protocol over one connection. Calls are serialized.
type Driver struct {
	conn   transport.MessageConn
	config Config
	logger *slog.Logger

	mu            sync.Mutex
	authenticated bool
	deviceID      uint32
}

// NewDriver wraps an established connection.
func NewDriver(conn transport.MessageConn, config Config) (*Driver, error) {
	if conn == nil {
		return nil, errors.New("client: connection is required")
	}
	if config.Identity == nil {
		return nil, errors.New("client: identity is required")
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.CodeAttempts <= 0 {
		config.CodeAttempts = DefaultCodeAttempts
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{conn: conn, config: config, logger: logger}, nil
}

// Dial connects to address and returns a driver for the connection.
func Dial(ctx context.Context, tc *transport.Client, address string, config Config) (*Driver, error) {
	conn, err := tc.Connect(ctx, address)
	if err != nil {
		return nil, err
	}
	d, err := NewDriver(conn, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

// UserID returns the identity the driver authenticates as.
func (d *Driver) UserID() string { return d.config.Identity.UserID }

// DeviceID returns the attested device id.
func (d *Driver) DeviceID() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceID
}

// DeviceKey returns "user:device" as used by the server.
func (d *Driver) DeviceKey() string {
	return fmt.Sprintf("%s:%d", d.UserID(), d.DeviceID())
}

// Authenticated reports whether the handshake completed.
func (d *Driver) Authenticated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authenticated
}

// Close closes the connection. The server powers the device off.
func (d *Driver) Close() error {
	return d.conn.Close()
}

// Authenticate runs the handshake for deviceID. prompt is called for the
// one-time code and called again, up to CodeAttempts times, when a code is
// rejected.
func (d *Driver) Authenticate(ctx context.Context, deviceID uint32, prompt CodePrompt) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.config.Identity

	var ka wire.KeyAuthResponse
	if err := d.call(ctx, wire.OpKeyAuthentication, &wire.KeyAuthRequest{UserID: id.UserID}, &ka); err != nil {
		return fmt.Errorf("key authentication: %w", err)
	}

	sig, err := id.SignNonce(ka.Nonce)
	if err != nil {
		return fmt.Errorf("signing nonce: %w", err)
	}
	signed := &wire.SignedNonceRequest{Signature: sig}
	if ka.NewUser {
		signed.Certificate = id.CertificateDER()
		d.logger.Info("registering new user", "user", id.UserID)
	}
	if err := d.call(ctx, wire.OpSignedData, signed, nil); err != nil {
		return fmt.Errorf("signed nonce: %w", err)
	}

	if err := d.twoFactor(ctx, prompt); err != nil {
		return fmt.Errorf("two-factor: %w", err)
	}

	var ar wire.AttestationResponse
	if err := d.call(ctx, wire.OpRemoteAttestation, &wire.AttestationRequest{DeviceID: deviceID}, &ar); err != nil {
		return fmt.Errorf("attestation: %w", err)
	}
	hash, err := attestation.HashFile(d.config.ArtifactPath, ar.Nonce)
	if err != nil {
		return fmt.Errorf("hashing artifact: %w", err)
	}
	if err := d.call(ctx, wire.OpAttestationHash, &wire.AttestationHashRequest{Hash: hash}, nil); err != nil {
		return fmt.Errorf("attestation: %w", err)
	}

	d.authenticated = true
	d.deviceID = deviceID
	d.logger.Info("authenticated", "user", id.UserID, "device", deviceID)
	return nil
}

func (d *Driver) twoFactor(ctx context.Context, prompt CodePrompt) error {
	var err error
	for i := 0; i < d.config.CodeAttempts; i++ {
		var code string
		code, err = prompt(ctx)
		if err != nil {
			return err
		}
		err = d.call(ctx, wire.OpTwoFactor, &wire.TwoFactorRequest{Code: code}, nil)
		if !errors.Is(err, ErrRejected) {
			return err
		}
		d.logger.Warn("one-time code rejected", "attempt", i+1)
	}
	return err
}

// call sends one request and decodes an OK response into out (if not nil).
// Non-OK responses become *StatusError or *ProtocolError.
func (d *Driver) call(ctx context.Context, op wire.OpCode, req, out any) error {
	resp, err := d.roundTrip(ctx, op, req)
	if err != nil {
		return err
	}

	switch resp.Op {
	case wire.StatusOK:
		if out == nil {
			return nil
		}
		if err := resp.DecodePayload(out); err != nil {
			return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
		}
		return nil
	case wire.StatusError:
		var ep wire.ErrorPayload
		if err := wire.Unmarshal(resp.Payload, &ep); err != nil {
			return &ProtocolError{Op: op}
		}
		return &ProtocolError{Op: op, Kind: ep.Kind, Reason: ep.Reason}
	}
	if !resp.Op.IsStatus() {
		return fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Op)
	}
	return &StatusError{Op: op, Status: resp.Op}
}

func (d *Driver) roundTrip(ctx context.Context, op wire.OpCode, req any) (*wire.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg, err := wire.NewMessage(op, req)
	if err != nil {
		return nil, err
	}
	data, err := wire.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	if err := d.conn.Send(data); err != nil {
		return nil, fmt.Errorf("sending %s: %w", op, err)
	}

	timeout := d.config.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	raw, err := d.conn.Receive(timeout)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s response: %w", op, err)
	}
	resp, err := wire.DecodeMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return resp, nil
}
