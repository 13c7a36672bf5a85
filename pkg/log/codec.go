package log

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Log files keep nanosecond timestamps; wire messages do not.
var (
	eventEnc = mustEncMode(cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	})
	eventDec = mustDecMode(cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	})
)

func mustEncMode(o cbor.EncOptions) cbor.EncMode {
	m, err := o.EncMode()
	if err != nil {
		panic("log: cbor encoder options: " + err.Error())
	}
	return m
}

func mustDecMode(o cbor.DecOptions) cbor.DecMode {
	m, err := o.DecMode()
	if err != nil {
		panic("log: cbor decoder options: " + err.Error())
	}
	return m
}

// EncodeEvent returns the CBOR form of one event as stored in a log file.
func EncodeEvent(e Event) ([]byte, error) { return eventEnc.Marshal(e) }

// DecodeEvent parses a single CBOR event.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	err := eventDec.Unmarshal(data, &e)
	return e, err
}

func newEventEncoder(w io.Writer) *cbor.Encoder { return eventEnc.NewEncoder(w) }
func newEventDecoder(r io.Reader) *cbor.Decoder { return eventDec.NewDecoder(r) }
