package log

import (
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Filter selects events when reading a log file. Zero fields match all.
type Filter struct {
	ConnectionID string
	Category     *Category
	UserID       string
	DeviceID     string

	Since time.Time // inclusive
	Until time.Time // exclusive

	// RejectedOnly keeps audit events whose status is not OK.
	RejectedOnly bool
}

// Match reports whether e passes every set criterion.
func (f Filter) Match(e Event) bool {
	switch {
	case f.ConnectionID != "" && f.ConnectionID != e.ConnectionID,
		f.UserID != "" && f.UserID != e.UserID,
		f.DeviceID != "" && f.DeviceID != e.DeviceID,
		f.Category != nil && *f.Category != e.Category:
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since),
		!f.Until.IsZero() && !e.Timestamp.Before(f.Until):
		return false
	case f.RejectedOnly:
		return e.Audit != nil && !e.Audit.Accepted()
	}
	return true
}

// Reader streams events back out of a FileLogger file.
type Reader struct {
	f      *os.File
	dec    *cbor.Decoder
	filter Filter
}

// NewReader returns every event in path.
func NewReader(path string) (*Reader, error) { return NewFilteredReader(path, Filter{}) }

// NewFilteredReader returns the events in path that match filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{f: f, dec: newEventDecoder(f), filter: filter}, nil
}

// Next returns the next matching event, or io.EOF at end of file.
func (r *Reader) Next() (Event, error) {
	for {
		var e Event
		if err := r.dec.Decode(&e); err != nil {
			return Event{}, err
		}
		if r.filter.Match(e) {
			return e, nil
		}
	}
}

func (r *Reader) Close() error { return r.f.Close() }
