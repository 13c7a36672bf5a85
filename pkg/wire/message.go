package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ProtocolVersion is the only message version this implementation speaks.
const ProtocolVersion uint8 = 1

// Message is the single frame type exchanged in both directions.
type Message struct {
	Version uint8           `cbor:"1,keyasint"`
	Op      OpCode          `cbor:"2,keyasint"`
	Payload cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

// Validator is implemented by payloads that have required fields.
type Validator interface {
	Validate() error
}

// NewMessage builds a message for op, encoding payload when it is not nil.
func NewMessage(op OpCode, payload any) (*Message, error) {
	msg := &Message{Version: ProtocolVersion, Op: op}
	if payload == nil {
		return msg, nil
	}
	data, err := Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", op, err)
	}
	msg.Payload = data
	return msg, nil
}

// Status builds a payload-less response.
func Status(op OpCode) *Message {
	return &Message{Version: ProtocolVersion, Op: op}
}

// Errorf builds an ERROR response of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Message {
	msg, err := NewMessage(StatusError, &ErrorPayload{Kind: kind, Reason: fmt.Sprintf(format, args...)})
	if err != nil {
		// ErrorPayload always encodes; fall back to a bare status.
		return Status(StatusError)
	}
	return msg
}

// HasPayload reports whether the message carries a payload.
func (m *Message) HasPayload() bool {
	return len(m.Payload) > 0
}

// DecodePayload strictly decodes the payload into v and validates it.
// Any mismatch is reported as ErrPayloadType or ErrMissingPayload.
func (m *Message) DecodePayload(v any) error {
	if !m.HasPayload() {
		return ErrMissingPayload
	}
	if err := strictDecMode.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPayloadType, m.Op, err)
	}
	if val, ok := v.(Validator); ok {
		if err := val.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPayloadType, m.Op, err)
		}
	}
	return nil
}
