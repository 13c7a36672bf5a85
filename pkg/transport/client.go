package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// DefaultDialTimeout bounds dial plus handshake when the caller's context
// carries no deadline.
const DefaultDialTimeout = 30 * time.Second

// ClientConfig configures the device side of a connection.
type ClientConfig struct {
	TLSConfig      *TLSConfig
	MaxMessageSize uint32
	ConnectTimeout time.Duration
}

// Client dials IoTVault servers. A Client is safe for concurrent use.
type Client struct {
	dialer  tls.Dialer
	maxSize uint32
	timeout time.Duration
}

// NewClient validates the TLS settings once so every Connect shares them.
func NewClient(config ClientConfig) (*Client, error) {
	tc, err := NewClientTLSConfig(config.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("client TLS config: %w", err)
	}
	c := &Client{
		dialer:  tls.Dialer{NetDialer: &net.Dialer{}, Config: tc},
		maxSize: config.MaxMessageSize,
		timeout: config.ConnectTimeout,
	}
	if c.maxSize == 0 {
		c.maxSize = DefaultMaxMessageSize
	}
	if c.timeout <= 0 {
		c.timeout = DefaultDialTimeout
	}
	return c, nil
}

// Connect dials address and completes the TLS handshake. The returned
// connection has already passed VerifyConnection.
func (c *Client) Connect(ctx context.Context, address string) (*ClientConn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	raw, err := c.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}
	tlsConn, ok := raw.(*tls.Conn)
	if !ok {
		raw.Close()
		return nil, errors.New("connect: dialer returned a non-TLS connection")
	}

	state := tlsConn.ConnectionState()
	if err := VerifyConnection(state); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}
	return &ClientConn{
		Conn:     NewConn(tlsConn, c.maxSize, uuid.NewString()),
		tlsState: state,
	}, nil
}

// ClientConn is a device's framed connection to the server.
type ClientConn struct {
	*Conn
	tlsState tls.ConnectionState
}

func (c *ClientConn) TLSState() tls.ConnectionState { return c.tlsState }
