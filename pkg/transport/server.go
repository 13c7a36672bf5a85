package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iotvault/iotvault-go/pkg/log"
)

// ErrRateLimited is reported through OnError when the accept limiter
// refuses a connection.
var ErrRateLimited = errors.New("connection rate limited")

// DefaultHandshakeTimeout bounds the server side TLS handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// Accept failures back off from minAcceptDelay, doubling up to
// maxAcceptDelay, and reset after the next successful accept.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// ConnHandler serves one connection on its own goroutine. The server
// closes the connection when the handler returns.
type ConnHandler func(ctx context.Context, conn *ServerConn)

// ServerConfig configures the listening side.
type ServerConfig struct {
	TLSConfig *TLSConfig

	// Address defaults to ":<DefaultPort>".
	Address          string
	MaxMessageSize   uint32
	HandshakeTimeout time.Duration

	// Limiter, when set, throttles new connections per remote IP.
	Limiter *AcceptLimiter
	// Logger receives frame and connection state events.
	Logger log.Logger

	Handler ConnHandler // required

	OnConnect    func(conn *ServerConn)
	OnDisconnect func(conn *ServerConn)
	// OnError sees accept, limiter and handshake failures. conn is nil
	// for all of them today.
	OnError func(conn *ServerConn, err error)
}

// Server accepts device connections and hands each to the handler.
type Server struct {
	cfg ServerConfig
	tls *tls.Config

	mu       sync.Mutex
	ln       net.Listener
	live     map[*ServerConn]struct{}
	stopping bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer checks config and prepares the TLS settings; Start opens the
// listener.
func NewServer(config ServerConfig) (*Server, error) {
	switch {
	case config.TLSConfig == nil:
		return nil, errors.New("transport: TLSConfig is required")
	case config.Handler == nil:
		return nil, errors.New("transport: Handler is required")
	}
	tc, err := NewServerTLSConfig(config.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("server TLS config: %w", err)
	}
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Server{cfg: config, tls: tc, live: make(map[*ServerConn]struct{})}, nil
}

// Start listens on the configured address and accepts in the background
// until Stop or until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return errors.New("transport: server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.ln = ln

	s.wg.Add(1)
	go s.serve(ctx, ln)
	if s.cfg.Limiter != nil {
		s.wg.Add(1)
		go s.prune(ctx)
	}
	return nil
}

// Stop closes the listener and every live connection, then waits for the
// handlers to return. Calling Stop twice is harmless.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.ln == nil || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.cancel()
	s.ln.Close()
	for c := range s.live {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// Addr is the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	var delay time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.fail(fmt.Errorf("accept: %w", err))
			delay = nextAcceptDelay(delay)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}
		delay = 0
		if l := s.cfg.Limiter; l != nil && !l.Allow(raw.RemoteAddr()) {
			raw.Close()
			s.fail(fmt.Errorf("%w: %s", ErrRateLimited, raw.RemoteAddr()))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, raw)
		}()
	}
}

func nextAcceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	if prev *= 2; prev > maxAcceptDelay {
		return maxAcceptDelay
	}
	return prev
}

func (s *Server) prune(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.cfg.Limiter.Prune()
		}
	}
}

// handshake runs TLS on raw and checks the negotiated parameters.
func (s *Server) handshake(ctx context.Context, raw net.Conn) (*ServerConn, error) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	tc := tls.Server(raw, s.tls)
	if err := tc.HandshakeContext(hctx); err != nil {
		return nil, fmt.Errorf("TLS handshake with %s: %w", raw.RemoteAddr(), err)
	}
	state := tc.ConnectionState()
	if err := VerifyConnection(state); err != nil {
		return nil, err
	}
	c := &ServerConn{
		Conn:     NewConn(tc, s.cfg.MaxMessageSize, uuid.NewString()),
		tlsState: state,
	}
	if s.cfg.Logger != nil {
		c.SetLogger(s.cfg.Logger)
	}
	return c, nil
}

func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	c, err := s.handshake(ctx, raw)
	if err != nil {
		raw.Close()
		s.fail(err)
		return
	}
	if !s.track(c) {
		c.Close()
		return
	}
	defer s.untrack(c)

	s.stateEvent(c, "", "CONNECTED")
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(c)
	}
	s.cfg.Handler(ctx, c)
	c.Close()
}

// track registers c unless Stop has begun.
func (s *Server) track(c *ServerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.live[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *ServerConn) {
	s.mu.Lock()
	delete(s.live, c)
	s.mu.Unlock()

	s.stateEvent(c, "CONNECTED", "DISCONNECTED")
	if s.cfg.OnDisconnect != nil {
		s.cfg.OnDisconnect(c)
	}
}

func (s *Server) fail(err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(nil, err)
	}
}

func (s *Server) stateEvent(c *ServerConn, from, to string) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.ConnID(),
		Layer:        log.LayerTransport,
		Category:     log.CategoryState,
		RemoteAddr:   c.RemoteAddr().String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: from,
			NewState: to,
		},
	})
}

// ServerConn is an accepted, verified device connection.
type ServerConn struct {
	*Conn
	tlsState tls.ConnectionState
}

func (c *ServerConn) TLSState() tls.ConnectionState { return c.tlsState }
