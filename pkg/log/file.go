package log

import (
	"errors"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FileLogger appends events to a file as a stream of CBOR items. Safe for
// concurrent use.
type FileLogger struct {
	mu   sync.Mutex
	f    *os.File // nil once closed
	enc  *cbor.Encoder
	werr error
}

// NewFileLogger opens path for appending. The file is created 0600: audit
// records name users and devices, frame records carry key material.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &FileLogger{f: f, enc: newEventEncoder(f)}, nil
}

// Log appends e. A failed write never reaches the caller; the first one is
// kept for Err.
func (l *FileLogger) Log(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	if err := l.enc.Encode(e); err != nil && l.werr == nil {
		l.werr = err
	}
}

// Err reports the first write failure, if any.
func (l *FileLogger) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.werr
}

func (l *FileLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.f.Sync()
}

// Close syncs and closes the file. Later Log calls are no-ops.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f, l.enc = nil, nil
	return errors.Join(f.Sync(), f.Close())
}

var _ Logger = (*FileLogger)(nil)
