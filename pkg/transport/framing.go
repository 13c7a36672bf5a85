package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/iotvault/iotvault-go/pkg/log"
)

const (
	// LengthPrefixSize is the big-endian uint32 ahead of every payload.
	LengthPrefixSize = 4

	// DefaultMaxMessageSize bounds one frame. Images travel whole, so the
	// limit is generous.
	DefaultMaxMessageSize = 8 << 20

	// MaxLogFrameDataSize caps the payload bytes copied into a frame event.
	MaxLogFrameDataSize = 256
)

var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrMessageEmpty    = errors.New("message is empty")
	// ErrFrameTruncated means the stream ended inside a frame.
	ErrFrameTruncated = errors.New("frame truncated")
)

// Framer reads and writes length-prefixed frames. WriteFrame may be called
// concurrently; ReadFrame may not.
type Framer struct {
	rw    io.ReadWriter
	limit uint32
	hdr   [LengthPrefixSize]byte
	wmu   sync.Mutex

	logger log.Logger
	connID string
}

func NewFramer(rw io.ReadWriter) *Framer { return NewFramerWithMaxSize(rw, 0) }

// NewFramerWithMaxSize uses DefaultMaxMessageSize when maxSize is 0.
func NewFramerWithMaxSize(rw io.ReadWriter, maxSize uint32) *Framer {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Framer{rw: rw, limit: maxSize}
}

// SetLogger sends a frame event per read and write to logger; nil stops it.
func (f *Framer) SetLogger(logger log.Logger, connID string) {
	f.logger, f.connID = logger, connID
}

func (f *Framer) checkSize(n uint64) error {
	switch {
	case n == 0:
		return ErrMessageEmpty
	case n > uint64(f.limit):
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, f.limit)
	}
	return nil
}

// WriteFrame sends data as one frame. Prefix and payload go out in a
// single Write so a TLS record never holds a bare prefix.
func (f *Framer) WriteFrame(data []byte) error {
	if err := f.checkSize(uint64(len(data))); err != nil {
		return err
	}
	frame := binary.BigEndian.AppendUint32(make([]byte, 0, FrameSize(len(data))), uint32(len(data)))
	frame = append(frame, data...)

	f.wmu.Lock()
	_, err := f.rw.Write(frame)
	f.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	f.emit(log.DirectionOut, data)
	return nil
}

// ReadFrame returns the next payload. io.EOF means the peer closed cleanly
// between frames.
func (f *Framer) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.rw, f.hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, readErr("length prefix", err)
	}
	n := binary.BigEndian.Uint32(f.hdr[:])
	if err := f.checkSize(uint64(n)); err != nil {
		return nil, err
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(f.rw, payload); err != nil {
		return nil, readErr("payload", err)
	}
	f.emit(log.DirectionIn, payload)
	return payload, nil
}

// readErr folds short reads into ErrFrameTruncated.
func readErr(part string, err error) error {
	if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrFrameTruncated
	}
	return fmt.Errorf("read %s: %w", part, err)
}

func (f *Framer) emit(dir log.Direction, data []byte) {
	if f.logger == nil {
		return
	}
	ev := &log.FrameEvent{Size: FrameSize(len(data)), Data: data}
	if len(data) > MaxLogFrameDataSize {
		ev.Data, ev.Truncated = data[:MaxLogFrameDataSize], true
	}
	f.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: f.connID,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     log.CategoryMessage,
		Frame:        ev,
	})
}

// FrameSize is the on-wire size of a payload of payloadSize bytes.
func FrameSize(payloadSize int) int { return LengthPrefixSize + payloadSize }
