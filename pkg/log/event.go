package log

import (
	"strings"
	"time"

	"github.com/iotvault/iotvault-go/pkg/wire"
)

// Event is one protocol or audit record. Exactly one of the payload
// pointers is set.
type Event struct {
	Timestamp    time.Time `cbor:"1,keyasint"`
	ConnectionID string    `cbor:"2,keyasint"` // UUID

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`

	RemoteAddr string `cbor:"6,keyasint,omitempty"`
	// UserID is the claimed or authenticated user.
	UserID string `cbor:"7,keyasint,omitempty"`
	// DeviceID is the bound device as "user:dev".
	DeviceID string `cbor:"8,keyasint,omitempty"`

	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Audit       *AuditEvent       `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction is the flow of a frame or message relative to this process.
type Direction uint8

const (
	DirectionIn Direction = iota
	DirectionOut
)

var directionNames = [...]string{"IN", "OUT"}

func (d Direction) String() string { return enumName(directionNames[:], d) }

// Layer is where the event was captured.
type Layer uint8

const (
	LayerTransport Layer = iota // raw frames
	LayerWire                   // decoded messages
	LayerSession                // protocol state machine
	LayerStore                  // directory and persistence
)

var layerNames = [...]string{"TRANSPORT", "WIRE", "SESSION", "STORE"}

func (l Layer) String() string { return enumName(layerNames[:], l) }

type Category uint8

const (
	CategoryMessage Category = iota
	CategoryState
	CategoryAudit
	CategoryError
)

var categoryNames = [...]string{"MESSAGE", "STATE", "AUDIT", "ERROR"}

func (c Category) String() string { return enumName(categoryNames[:], c) }

// ParseCategory is the inverse of Category.String, ignoring case.
func ParseCategory(s string) (Category, bool) {
	for i, n := range categoryNames {
		if strings.EqualFold(n, s) {
			return Category(i), true
		}
	}
	return 0, false
}

func enumName[E ~uint8](names []string, v E) string {
	if int(v) < len(names) {
		return names[v]
	}
	return "UNKNOWN"
}

// FrameEvent captures raw frame data at the transport layer.
type FrameEvent struct {
	// Size is the frame size in bytes (including length prefix).
	Size int `cbor:"1,keyasint"`

	// Data is the raw frame bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MessageEvent captures a decoded message. Payloads are never logged
// because they carry signatures, codes and wrapped keys.
type MessageEvent struct {
	Op          wire.OpCode `cbor:"1,keyasint"`
	PayloadSize int         `cbor:"2,keyasint,omitempty"`

	// ProcessingTime is the duration from request receipt to response send.
	ProcessingTime *time.Duration `cbor:"3,keyasint,omitempty"`
}

// StateChangeEvent captures connection, session and device lifecycle events.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity is what changed state.
type StateEntity uint8

const (
	StateEntityConnection StateEntity = iota
	StateEntitySession
	StateEntityDevice
)

var stateEntityNames = [...]string{"CONNECTION", "SESSION", "DEVICE"}

func (s StateEntity) String() string { return enumName(stateEntityNames[:], s) }

// AuditEvent records the outcome of one request.
type AuditEvent struct {
	// Op is the request operation.
	Op wire.OpCode `cbor:"1,keyasint"`

	// Status is the response code sent back.
	Status wire.OpCode `cbor:"2,keyasint"`

	// Domain is the domain the request targeted, if any.
	Domain string `cbor:"3,keyasint,omitempty"`

	// Target is the user or device the request targeted, if any.
	Target string `cbor:"4,keyasint,omitempty"`

	// Detail explains a rejection.
	Detail string `cbor:"5,keyasint,omitempty"`
}

// Accepted reports whether the request was answered with OK.
func (a *AuditEvent) Accepted() bool {
	return a.Status == wire.StatusOK
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
