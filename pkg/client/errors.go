package client

import (
	"errors"
	"fmt"

	"github.com/iotvault/iotvault-go/pkg/wire"
)

// Errors for negative statuses. Their messages are shown to the user as is.
var (
	ErrAlreadyExists     = errors.New("the domain already exists")
	ErrNoPermission      = errors.New("permission denied")
	ErrNoDomain          = errors.New("the domain does not exist")
	ErrNoUser            = errors.New("the user does not exist")
	ErrNoData            = errors.New("no data has been published")
	ErrNoDevice          = errors.New("the device does not exist")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrRejected          = errors.New("request rejected")
)

// Driver errors.
var (
	ErrDeviceActive       = errors.New("the device is already active elsewhere")
	ErrAttestationFailed  = errors.New("remote attestation failed")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrProtocol           = errors.New("protocol error")
	ErrUnexpectedResponse = errors.New("unexpected response")
	ErrUnknownRecipient   = errors.New("no certificate for user in trust store")
)

// StatusError is a non-OK status answered to a request.
type StatusError struct {
	Op     wire.OpCode
	Status wire.OpCode
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Unwrap(), e.Status)
}

// Unwrap maps the status to one of the package errors.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case wire.StatusNoPerm:
		return ErrNoPermission
	case wire.StatusNoDomain:
		return ErrNoDomain
	case wire.StatusNoUser:
		return ErrNoUser
	case wire.StatusNoData:
		return ErrNoData
	case wire.StatusNoID:
		return ErrNoDevice
	case wire.StatusAlreadyAdded:
		return ErrAlreadyRegistered
	case wire.StatusNOK:
		switch e.Op {
		case wire.OpCreate:
			return ErrAlreadyExists
		case wire.OpRemoteAttestation:
			return ErrDeviceActive
		case wire.OpAttestationHash:
			return ErrAttestationFailed
		}
		return ErrRejected
	}
	return ErrUnexpectedResponse
}

// ProtocolError is an ERROR status: the server refused the message itself.
type ProtocolError struct {
	Op     wire.OpCode
	Kind   wire.ErrorKind
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }
