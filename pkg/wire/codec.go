package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrPayloadType means the payload does not have the shape its op
	// code requires.
	ErrPayloadType = errors.New("payload type mismatch")

	// ErrMissingPayload means the op code needs a payload and got none.
	ErrMissingPayload = errors.New("missing payload")
)

// Three modes share one canonical encoder. Envelopes and persisted records
// decode leniently; payloads decode strictly so that a body meant for a
// different op cannot decode into an empty struct.
var (
	canonical = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}
	lenient = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	strict = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}

	encMode       = must(canonical.EncMode())
	decMode       = must(lenient.DecMode())
	strictDecMode = must(strict.DecMode())
)

func must[M any](m M, err error) M {
	if err != nil {
		panic("wire: cbor options: " + err.Error())
	}
	return m
}

// Marshal encodes v canonically. Equal values always encode to equal bytes,
// which the HMAC over persisted records relies on.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes leniently: unknown fields are ignored.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// EncodeMessage encodes msg after checking its op code.
func EncodeMessage(msg *Message) ([]byte, error) {
	if !msg.Op.IsValid() {
		return nil, fmt.Errorf("encode message: unknown op code 0x%02x", uint8(msg.Op))
	}
	return encMode.Marshal(msg)
}

// DecodeMessage decodes the envelope only. The payload stays raw until the
// handler calls Message.DecodePayload for the op it expects.
func DecodeMessage(data []byte) (*Message, error) {
	msg := new(Message)
	if err := decMode.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}
