package service

import (
	"errors"
	"log/slog"
	"time"

	"github.com/iotvault/iotvault-go/pkg/discovery"
	"github.com/iotvault/iotvault-go/pkg/log"
	"github.com/iotvault/iotvault-go/pkg/metrics"
	"github.com/iotvault/iotvault-go/pkg/persistence"
	"github.com/iotvault/iotvault-go/pkg/transport"
)

// Service errors.
var (
	ErrNotStarted     = errors.New("service not started")
	ErrAlreadyStarted = errors.New("service already started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// DefaultStepTimeout bounds each read until the session is authenticated.
const DefaultStepTimeout = 60 * time.Second

// ServiceState represents the service state.
type ServiceState uint8

const (
	StateIdle ServiceState = iota
	StateRunning
	StateStopping
	StateStopped
)

// String returns the state name.
func (s ServiceState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config configures a Server.
type Config struct {
	// ListenAddress is the address to listen on (e.g., ":12345").
	ListenAddress string

	// TLSConfig provides the server certificate. Required.
	TLSConfig *transport.TLSConfig

	// StepTimeout is the read deadline while a session is still in the
	// handshake. Zero means DefaultStepTimeout.
	StepTimeout time.Duration

	// IdleTimeout is the read deadline once authenticated. Zero disables it.
	IdleTimeout time.Duration

	// HandshakeTimeout bounds the TLS handshake.
	HandshakeTimeout time.Duration

	// MaxMessageSize bounds a single frame.
	MaxMessageSize uint32

	// Limiter throttles new connections per remote IP (optional).
	Limiter *transport.AcceptLimiter

	// Engine persists the directory on Stop (optional).
	Engine *persistence.Engine

	// Metrics records connection counters (optional).
	Metrics *metrics.Metrics

	// Advertise publishes the server over mDNS when set.
	Advertise *AdvertiseConfig

	// Logger receives operational logs. Nil means slog.Default().
	Logger *slog.Logger

	// ProtocolLogger receives frame-level events (optional).
	ProtocolLogger log.Logger
}

// AdvertiseConfig controls mDNS advertisement.
type AdvertiseConfig struct {
	// Instance is the DNS-SD instance name.
	Instance string

	// Name is an optional human-readable label in the TXT record.
	Name string

	// Interface restricts advertising to one network interface.
	Interface string
}

// DefaultConfig returns a Config with default timeouts and port.
func DefaultConfig() Config {
	return Config{
		StepTimeout:    DefaultStepTimeout,
		MaxMessageSize: transport.DefaultMaxMessageSize,
	}
}

// advertiser is the part of discovery.Advertiser the server uses.
type advertiser interface {
	Advertise(info discovery.ServerInfo) error
	Stop()
}
