package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errAcceptFailed = errors.New("too many open files")

// failingListener fails Accept a fixed number of times, then reports
// itself closed.
type failingListener struct {
	mu       sync.Mutex
	failures int
	calls    []time.Time
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, time.Now())
	if len(l.calls) > l.failures {
		return nil, net.ErrClosed
	}
	return nil, errAcceptFailed
}

func (l *failingListener) Close() error   { return nil }
func (l *failingListener) Addr() net.Addr { return &net.TCPAddr{} }

func TestNextAcceptDelay(t *testing.T) {
	assert.Equal(t, minAcceptDelay, nextAcceptDelay(0))
	assert.Equal(t, 2*minAcceptDelay, nextAcceptDelay(minAcceptDelay))
	assert.Equal(t, maxAcceptDelay, nextAcceptDelay(maxAcceptDelay))
	assert.Equal(t, maxAcceptDelay, nextAcceptDelay(800*time.Millisecond))
}

func TestServeBacksOffOnAcceptErrors(t *testing.T) {
	var errs []error
	s := &Server{
		cfg:  ServerConfig{OnError: func(_ *ServerConn, err error) { errs = append(errs, err) }},
		live: make(map[*ServerConn]struct{}),
	}
	ln := &failingListener{failures: 3}

	s.wg.Add(1)
	s.serve(context.Background(), ln)

	assert.Len(t, errs, 3)
	for _, err := range errs {
		assert.ErrorIs(t, err, errAcceptFailed)
	}
	assert.Len(t, ln.calls, 4)
	// 5ms, 10ms and 20ms between the four Accept calls.
	assert.GreaterOrEqual(t, ln.calls[3].Sub(ln.calls[0]), 35*time.Millisecond)
	assert.GreaterOrEqual(t, ln.calls[3].Sub(ln.calls[2]), 20*time.Millisecond)
}

func TestServeStopsBackoffOnCancel(t *testing.T) {
	s := &Server{live: make(map[*ServerConn]struct{})}
	ln := &failingListener{failures: 1 << 20}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		s.serve(ctx, ln)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	// Without the backoff the loop would have spun through far more calls.
	assert.Less(t, len(ln.calls), 20)
}
