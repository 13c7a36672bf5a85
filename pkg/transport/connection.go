package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/iotvault/iotvault-go/pkg/log"
)

// ErrConnectionClosed is returned when using a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// MessageConn is a bidirectional framed message stream. The driver and
// tests accept any of Conn, ServerConn or ClientConn through it.
type MessageConn interface {
	Send(data []byte) error
	Receive(timeout time.Duration) ([]byte, error)
	RemoteAddr() net.Addr
	Close() error
}

var (
	_ MessageConn = (*Conn)(nil)
	_ MessageConn = (*ClientConn)(nil)
	_ MessageConn = (*ServerConn)(nil)
)

// Conn is a framed message connection over any net.Conn.
// Send may be called concurrently; Receive must not be.
type Conn struct {
	conn   net.Conn
	framer *Framer
	connID string

	closeCh   chan struct{}
	closeOnce sync.Once
	readMu    sync.Mutex
}

// NewConn wraps c. It is used directly over net.Pipe in tests and by the
// TLS server and client below.
func NewConn(c net.Conn, maxSize uint32, connID string) *Conn {
	return &Conn{
		conn:    c,
		framer:  NewFramerWithMaxSize(c, maxSize),
		connID:  connID,
		closeCh: make(chan struct{}),
	}
}

// SetLogger attaches a protocol logger to the underlying framer.
func (c *Conn) SetLogger(logger log.Logger) {
	c.framer.SetLogger(logger, c.connID)
}

// ConnID returns the connection identifier.
func (c *Conn) ConnID() string {
	return c.connID
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Send writes one message.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.closeCh:
		return ErrConnectionClosed
	default:
	}
	return c.framer.WriteFrame(data)
}

// Receive reads one message. A zero timeout waits indefinitely.
func (c *Conn) Receive(timeout time.Duration) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	select {
	case <-c.closeCh:
		return nil, ErrConnectionClosed
	default:
	}

	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}

	data, err := c.framer.ReadFrame()
	if err != nil {
		select {
		case <-c.closeCh:
			return nil, ErrConnectionClosed
		default:
		}
		return nil, err
	}
	return data, nil
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.closeCh
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.conn.Close()
	})
	return err
}

// IsTimeout reports whether err is a read deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
