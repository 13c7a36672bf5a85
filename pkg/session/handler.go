package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/iotvault/iotvault-go/internal/syncutil"
	"github.com/iotvault/iotvault-go/pkg/attestation"
	"github.com/iotvault/iotvault-go/pkg/cert"
	"github.com/iotvault/iotvault-go/pkg/directory"
	"github.com/iotvault/iotvault-go/pkg/log"
	"github.com/iotvault/iotvault-go/pkg/metrics"
	"github.com/iotvault/iotvault-go/pkg/otp"
	"github.com/iotvault/iotvault-go/pkg/wire"
)

// DefaultMaxAttempts is the number of failed submissions allowed at
// KeyAuthStep2 and TwoFactor.
const DefaultMaxAttempts = 3

// Reasons sent with ERROR responses.
const (
	ReasonInvalidStage    = "Invalid stage on session!"
	ReasonInvalidDataType = "Invalid data type!"
)

var errMissingDependency = errors.New("session: missing dependency")

// Config holds the collaborators of a Handler.
type Config struct {
	Directory   *directory.Directory
	Credentials cert.Store
	OTP         otp.Sender
	Attestation attestation.Verifier

	// MaxAttempts bounds failed submissions per step. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int

	Logger  *slog.Logger
	Audit   log.Logger
	Metrics *metrics.Metrics

	// NewNonce and NewCode replace the random generators in tests.
	NewNonce func() (uint64, error)
	NewCode  func() (string, error)
}

// Handler runs the state machine for every connection of a server.
type Handler struct {
	dir      *directory.Directory
	creds    cert.Store
	sender   otp.Sender
	verifier attestation.Verifier

	maxAttempts int
	logger      *slog.Logger
	audit       log.Logger
	metrics     *metrics.Metrics
	newNonce    func() (uint64, error)
	newCode     func() (string, error)

	// Serializes credential writes and user creation per user id.
	registration syncutil.KeyedMutex
}

// NewHandler validates cfg and creates a handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Directory == nil || cfg.Credentials == nil || cfg.OTP == nil || cfg.Attestation == nil {
		return nil, errMissingDependency
	}
	h := &Handler{
		dir:         cfg.Directory,
		creds:       cfg.Credentials,
		sender:      cfg.OTP,
		verifier:    cfg.Attestation,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger,
		audit:       log.OrNoop(cfg.Audit),
		metrics:     cfg.Metrics,
		newNonce:    cfg.NewNonce,
		newCode:     cfg.NewCode,
	}
	if h.maxAttempts <= 0 {
		h.maxAttempts = DefaultMaxAttempts
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.newNonce == nil {
		h.newNonce = newNonce
	}
	if h.newCode == nil {
		h.newCode = otp.GenerateCode
	}
	return h, nil
}

// result is the outcome of one request.
type result struct {
	resp   *wire.Message
	close  bool
	domain string
	target string
	detail string
}

func status(op wire.OpCode) result {
	return result{resp: wire.Status(op)}
}

func reject(op wire.OpCode, detail string) result {
	return result{resp: wire.Status(op), detail: detail}
}

func payload(v any) result {
	msg, err := wire.NewMessage(wire.StatusOK, v)
	if err != nil {
		return result{resp: wire.Status(wire.StatusNOK), detail: err.Error()}
	}
	return result{resp: msg}
}

// Handle processes one request and returns the response to send. When
// closeConn is true the caller sends the response and then closes the
// connection.
func (h *Handler) Handle(ctx context.Context, s *Session, msg *wire.Message) (resp *wire.Message, closeConn bool) {
	start := time.Now()
	r := h.dispatch(ctx, s, msg)

	h.metrics.ObserveRequest(msg.Op.String(), time.Since(start))
	h.logAudit(s, msg.Op, r)
	return r.resp, r.close
}

func (h *Handler) dispatch(ctx context.Context, s *Session, msg *wire.Message) result {
	op := msg.Op

	if msg.Version != wire.ProtocolVersion {
		return h.protocolError(wire.ErrorKindVersion, "Unsupported protocol version!")
	}
	if !op.IsRequest() {
		return h.protocolError(wire.ErrorKindUnknownOp, "Unknown operation!")
	}
	if s.closed {
		return h.protocolError(wire.ErrorKindSessionState, ReasonInvalidStage)
	}

	if op.IsHandshake() {
		if s.state == StateAuthenticated || s.state.expectedOp() != op {
			return h.protocolError(wire.ErrorKindSessionState, ReasonInvalidStage)
		}
	} else if s.state != StateAuthenticated {
		return h.protocolError(wire.ErrorKindSessionState, ReasonInvalidStage)
	}

	if !op.HasPayload() && msg.HasPayload() {
		return h.protocolError(wire.ErrorKindDataType, ReasonInvalidDataType)
	}

	decode := func(v any) bool {
		return msg.DecodePayload(v) == nil
	}
	dataTypeError := func() result {
		return h.protocolError(wire.ErrorKindDataType, ReasonInvalidDataType)
	}

	switch op {
	case wire.OpKeyAuthentication:
		var req wire.KeyAuthRequest
		if !decode(&req) {
			return dataTypeError()
		}
		return h.keyAuth(s, &req)
	case wire.OpSignedData:
		var req wire.SignedNonceRequest
		if !decode(&req) {
			return dataTypeError()
		}
		return h.signedNonce(ctx, s, &req)
	case wire.OpTwoFactor:
		var req wire.TwoFactorRequest
		if !decode(&req) {
			return dataTypeError()
		}
		return h.twoFactor(s, &req)
	case wire.OpRemoteAttestation:
		var req wire.AttestationRequest
		if !decode(&req) {
			return dataTypeError()
		}
		return h.attest(s, &req)
	case wire.OpAttestationHash:
		var req wire.AttestationHashRequest
		if !decode(&req) {
			return dataTypeError()
		}
		return h.attestHash(s, &req)

	case wire.OpCreate:
		var req wire.CreateRequest
		if !decode(&req) {
			return dataTypeError()
		}
		return h.create(s, &req)
	case wire.OpAdd:
		var req wire.AddRequest
		if !decode(&req) {
			return dataTypeError()
		}
		return h.add(s, &req)
	case wire.OpRegisterDevice:
		var req wire.DomainRequest
		if !decode(&req) {
			return dataTypeError()
		}
		return h.registerDevice(s, &req)
	case wire.OpPublishTemperature, wire.OpPublishImage:
		var req wire.PublishRequest
		if !decode(&req) {
			return dataTypeError()
		}
		return h.publish(s, op, &req)
	case wire.OpReadTemperatures:
		var req wire.DomainRequest
		if !decode(&req) {
			return dataTypeError()
		}
		return h.readTemperatures(s, &req)
	case wire.OpReadImage:
		var req wire.ReadImageRequest
		if !decode(&req) {
			return dataTypeError()
		}
		return h.readImage(s, &req)
	case wire.OpMyDomains:
		return h.myDomains(s)
	case wire.OpDomainKeys:
		return h.domainKeys(s)
	}
	return h.protocolError(wire.ErrorKindUnknownOp, "Unknown operation!")
}

func (h *Handler) protocolError(kind wire.ErrorKind, reason string) result {
	h.metrics.ProtocolError(kind.String())
	return result{resp: wire.Errorf(kind, "%s", reason), detail: reason}
}

// Close releases the session: a bound device is powered off. Safe to call
// more than once.
func (h *Handler) Close(s *Session, reason string) {
	if s.closed {
		return
	}
	s.closed = true

	if s.device != nil && s.device.IsOn() {
		s.device.TurnOff()
		h.logState(s, log.StateEntityDevice, "ON", "OFF", reason)
	}
	h.logState(s, log.StateEntitySession, s.state.String(), "CLOSED", reason)
}

func (h *Handler) transition(s *Session) {
	from, to := s.advance()
	h.logState(s, log.StateEntitySession, from.String(), to.String(), "")
}

func (h *Handler) event(s *Session, category log.Category) log.Event {
	return log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.connID,
		Direction:    log.DirectionOut,
		Layer:        log.LayerSession,
		Category:     category,
		RemoteAddr:   s.remoteAddr,
		UserID:       s.userID,
		DeviceID:     s.deviceKey(),
	}
}

func (h *Handler) logState(s *Session, entity log.StateEntity, from, to, reason string) {
	ev := h.event(s, log.CategoryState)
	ev.StateChange = &log.StateChangeEvent{Entity: entity, OldState: from, NewState: to, Reason: reason}
	h.audit.Log(ev)
}

func (h *Handler) logAudit(s *Session, op wire.OpCode, r result) {
	if op.IsHandshake() {
		h.metrics.HandshakeStep(op.String(), r.resp.Op == wire.StatusOK)
	} else if op.IsDomainCommand() {
		h.metrics.Command(op.String(), r.resp.Op.String())
	}

	ev := h.event(s, log.CategoryAudit)
	ev.Audit = &log.AuditEvent{
		Op:     op,
		Status: r.resp.Op,
		Domain: r.domain,
		Target: r.target,
		Detail: r.detail,
	}
	h.audit.Log(ev)
}
