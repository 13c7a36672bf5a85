// Package testutil holds helpers shared by package tests.
package testutil

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"

	"github.com/iotvault/iotvault-go/pkg/cert"
	"github.com/iotvault/iotvault-go/pkg/log"
	"github.com/iotvault/iotvault-go/pkg/transport"
)

// NewIdentity generates a user identity or fails the test.
func NewIdentity(t testing.TB, userID string) *cert.Identity {
	t.Helper()
	id, err := cert.GenerateIdentity(userID)
	if err != nil {
		t.Fatalf("GenerateIdentity(%q) error = %v", userID, err)
	}
	return id
}

// Artifact is a stand-in reference binary.
var Artifact = bytes.Repeat([]byte("iotvault-device-firmware "), 64)

// CodeSink is an otp.Sender that remembers the codes it was asked to send.
type CodeSink struct {
	mu    sync.Mutex
	codes map[string][]string
}

// Send records code for userID.
func (c *CodeSink) Send(_ context.Context, userID, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.codes == nil {
		c.codes = make(map[string][]string)
	}
	c.codes[userID] = append(c.codes[userID], code)
	return nil
}

// Last returns the most recent code sent to userID.
func (c *CodeSink) Last(userID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	codes := c.codes[userID]
	if len(codes) == 0 {
		return ""
	}
	return codes[len(codes)-1]
}

// Count returns how many codes were sent to userID.
func (c *CodeSink) Count(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.codes[userID])
}

// EventRecorder is a log.Logger that keeps every event.
type EventRecorder struct {
	mu     sync.Mutex
	events []log.Event
}

// Log implements log.Logger.
func (r *EventRecorder) Log(ev log.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *EventRecorder) Events() []log.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]log.Event(nil), r.events...)
}

// Audits returns the recorded audit events.
func (r *EventRecorder) Audits() []*log.AuditEvent {
	var out []*log.AuditEvent
	for _, ev := range r.Events() {
		if ev.Audit != nil {
			out = append(out, ev.Audit)
		}
	}
	return out
}

// Pipe returns the two ends of an in-process framed connection. Both are
// closed when the test ends.
func Pipe(t testing.TB) (client, server *transport.Conn) {
	t.Helper()
	a, b := net.Pipe()
	client = transport.NewConn(a, transport.DefaultMaxMessageSize, "client")
	server = transport.NewConn(b, transport.DefaultMaxMessageSize, "server")
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}
