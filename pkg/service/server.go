package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/iotvault/iotvault-go/pkg/directory"
	"github.com/iotvault/iotvault-go/pkg/discovery"
	"github.com/iotvault/iotvault-go/pkg/session"
	"github.com/iotvault/iotvault-go/pkg/transport"
	"github.com/iotvault/iotvault-go/pkg/wire"
)

// Server accepts device connections and runs a session per connection.
type Server struct {
	config  Config
	dir     *directory.Directory
	handler *session.Handler
	logger  *slog.Logger

	mu         sync.Mutex
	state      ServiceState
	transport  *transport.Server
	advertiser advertiser

	// newAdvertiser is replaced in tests.
	newAdvertiser func(AdvertiseConfig) advertiser
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(dir *directory.Directory, handler *session.Handler, config Config) (*Server, error) {
	if dir == nil || handler == nil {
		return nil, fmt.Errorf("%w: directory and handler are required", ErrInvalidConfig)
	}
	if config.TLSConfig == nil {
		return nil, fmt.Errorf("%w: TLSConfig is required", ErrInvalidConfig)
	}
	if config.Advertise != nil {
		if err := discovery.ValidateInstanceName(config.Advertise.Instance); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if config.StepTimeout == 0 {
		config.StepTimeout = DefaultStepTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Server{
		config:  config,
		dir:     dir,
		handler: handler,
		logger:  config.Logger,
		newAdvertiser: func(c AdvertiseConfig) advertiser {
			return discovery.NewAdvertiser(discovery.AdvertiserConfig{Interface: c.Interface})
		},
	}, nil
}

// Start begins listening and, if configured, advertising.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return ErrAlreadyStarted
	}

	ts, err := transport.NewServer(transport.ServerConfig{
		TLSConfig:        s.config.TLSConfig,
		Address:          s.config.ListenAddress,
		MaxMessageSize:   s.config.MaxMessageSize,
		HandshakeTimeout: s.config.HandshakeTimeout,
		Limiter:          s.config.Limiter,
		Logger:           s.config.ProtocolLogger,
		Handler:          s.serve,
		OnConnect: func(conn *transport.ServerConn) {
			s.config.Metrics.ConnectionOpened()
			s.logger.Debug("connection accepted", "conn", conn.ConnID(), "remote", conn.RemoteAddr())
		},
		OnDisconnect: func(conn *transport.ServerConn) {
			s.config.Metrics.ConnectionClosed()
		},
		OnError: s.onTransportError,
	})
	if err != nil {
		return err
	}
	if err := ts.Start(ctx); err != nil {
		return err
	}
	s.transport = ts
	s.state = StateRunning
	s.logger.Info("server listening", "addr", ts.Addr())

	if adv := s.config.Advertise; adv != nil {
		if err := s.startAdvertising(*adv, ts.Addr()); err != nil {
			// The server stays reachable by address.
			s.logger.Warn("mDNS advertisement failed", "error", err)
		}
	}
	return nil
}

func (s *Server) startAdvertising(cfg AdvertiseConfig, addr net.Addr) error {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("unexpected listen address %T", addr)
	}
	a := s.newAdvertiser(cfg)
	err := a.Advertise(discovery.ServerInfo{
		Instance: cfg.Instance,
		Port:     uint16(tcp.Port),
		Version:  wire.ProtocolVersion,
		ALPN:     transport.ALPNProtocol,
		Name:     cfg.Name,
	})
	if err != nil {
		return err
	}
	s.advertiser = a
	s.logger.Info("advertising", "service", discovery.ServiceType, "instance", cfg.Instance)
	return nil
}

// Stop closes the listener and every live connection, which powers off the
// bound devices, withdraws the mDNS record and saves the directory. The
// save error, if any, is returned.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.state = StateStopping
	ts, adv := s.transport, s.advertiser
	s.advertiser = nil
	s.mu.Unlock()

	_ = ts.Stop()
	if adv != nil {
		adv.Stop()
	}

	var err error
	if s.config.Engine != nil {
		if err = s.config.Engine.Save(s.dir); err != nil {
			s.logger.Error("saving state failed", "error", err)
		} else {
			s.logger.Info("state saved", "dir", s.config.Engine.Dir())
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	return err
}

// State returns the current service state.
func (s *Server) State() ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return nil
	}
	return s.transport.Addr()
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return 0
	}
	return s.transport.ConnectionCount()
}

func (s *Server) onTransportError(conn *transport.ServerConn, err error) {
	if errors.Is(err, transport.ErrRateLimited) {
		s.config.Metrics.ConnectionRejected("rate_limited")
	} else if conn == nil {
		s.config.Metrics.ConnectionRejected("handshake")
	}
	s.logger.Debug("transport error", "error", err)
}

// serve runs one session until the peer leaves, a read times out or the
// handler asks for the connection to be closed.
func (s *Server) serve(ctx context.Context, conn *transport.ServerConn) {
	sess := session.New(conn.ConnID(), conn.RemoteAddr().String())
	reason := "peer closed"
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session handler panicked", "conn", conn.ConnID(), "panic", r)
			reason = "internal error"
		}
		s.handler.Close(sess, reason)
	}()

	for {
		timeout := s.config.StepTimeout
		if sess.Authenticated() {
			timeout = s.config.IdleTimeout
		}

		data, err := conn.Receive(timeout)
		if err != nil {
			if ctx.Err() != nil {
				reason = "shutdown"
			} else {
				reason = closeReason(err)
			}
			return
		}

		var (
			resp      *wire.Message
			closeConn bool
		)
		msg, err := wire.DecodeMessage(data)
		if err != nil {
			s.config.Metrics.ProtocolError(wire.ErrorKindDataType.String())
			resp = wire.Errorf(wire.ErrorKindDataType, "%s", session.ReasonInvalidDataType)
		} else {
			resp, closeConn = s.handler.Handle(ctx, sess, msg)
		}

		out, err := wire.EncodeMessage(resp)
		if err != nil {
			s.logger.Error("encoding response failed", "conn", conn.ConnID(), "op", resp.Op, "error", err)
			reason = "encode failure"
			return
		}
		if err := conn.Send(out); err != nil {
			reason = closeReason(err)
			return
		}
		if closeConn {
			reason = "rejected"
			return
		}
	}
}

func closeReason(err error) string {
	switch {
	case transport.IsTimeout(err):
		return "timeout"
	case errors.Is(err, io.EOF), errors.Is(err, transport.ErrConnectionClosed):
		return "peer closed"
	default:
		return err.Error()
	}
}
