package wire

import "errors"

// ErrorKind classifies an ERROR response.
type ErrorKind uint8

const (
	// ErrorKindSessionState is returned for a message that is not valid in
	// the session's current state.
	ErrorKindSessionState ErrorKind = 1

	// ErrorKindDataType is returned for a payload that does not match its
	// operation code.
	ErrorKindDataType ErrorKind = 2

	// ErrorKindVersion is returned for an unsupported protocol version.
	ErrorKindVersion ErrorKind = 3

	// ErrorKindUnknownOp is returned for an op code that is not a request.
	ErrorKindUnknownOp ErrorKind = 4
)

// String returns the error kind name.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindSessionState:
		return "SESSION_STATE"
	case ErrorKindDataType:
		return "DATA_TYPE"
	case ErrorKindVersion:
		return "VERSION"
	case ErrorKindUnknownOp:
		return "UNKNOWN_OP"
	default:
		return "UNKNOWN"
	}
}

// ErrorPayload is the payload of an ERROR response.
type ErrorPayload struct {
	Kind   ErrorKind `cbor:"1,keyasint"`
	Reason string    `cbor:"2,keyasint,omitempty"`
}

// EncryptedBlob is ciphertext plus the public parameters needed to decrypt
// it. The key is never part of the blob.
type EncryptedBlob struct {
	Data []byte `cbor:"1,keyasint"`
	IV   []byte `cbor:"2,keyasint"`
}

// IsZero reports whether the blob is empty.
func (b EncryptedBlob) IsZero() bool {
	return len(b.Data) == 0 && len(b.IV) == 0
}

var (
	errEmptyUserID   = errors.New("empty user id")
	errEmptyDomain   = errors.New("empty domain name")
	errEmptyKey      = errors.New("empty wrapped key")
	errEmptyField    = errors.New("empty required field")
	errEmptyDeviceID = errors.New("empty device id")
)

// Request payloads number their keys from one shared sequence, so a body
// sent under the wrong op code carries keys its target type does not know
// and strict decoding reports ErrPayloadType. OP_RD and OP_RT share
// DomainRequest, and OP_ET and OP_EI share PublishRequest. Responses are
// matched to their request and number keys from 1.

// KeyAuthRequest is the payload of OP_KEY_AUTHENTICATION.
type KeyAuthRequest struct {
	UserID string `cbor:"1,keyasint"`
}

func (r *KeyAuthRequest) Validate() error {
	if r.UserID == "" {
		return errEmptyUserID
	}
	return nil
}

// KeyAuthResponse answers OP_KEY_AUTHENTICATION.
type KeyAuthResponse struct {
	NewUser bool   `cbor:"1,keyasint"`
	Nonce   uint64 `cbor:"2,keyasint"`
}

// SignedNonceRequest is the payload of OP_SIGNED_DATA. Certificate is the
// DER encoded X.509 certificate and is only sent by new users.
type SignedNonceRequest struct {
	Signature   []byte `cbor:"2,keyasint"`
	Certificate []byte `cbor:"3,keyasint,omitempty"`
}

func (r *SignedNonceRequest) Validate() error {
	if len(r.Signature) == 0 {
		return errEmptyField
	}
	return nil
}

// TwoFactorRequest is the payload of OP_2FA_AUTHENTICATION.
type TwoFactorRequest struct {
	Code string `cbor:"4,keyasint"`
}

// AttestationRequest is the payload of OP_REMOTE_ATTESTATION.
type AttestationRequest struct {
	DeviceID uint32 `cbor:"5,keyasint"`
}

// AttestationResponse answers OP_REMOTE_ATTESTATION.
type AttestationResponse struct {
	Nonce uint64 `cbor:"1,keyasint"`
}

// AttestationHashRequest is the payload of OP_REMOTE_ATTESTATION_HASH.
type AttestationHashRequest struct {
	Hash []byte `cbor:"6,keyasint"`
}

func (r *AttestationHashRequest) Validate() error {
	if len(r.Hash) == 0 {
		return errEmptyField
	}
	return nil
}

// CreateRequest is the payload of OP_CREATE. OwnerKey is the domain key
// wrapped for the creating user.
type CreateRequest struct {
	Domain   string `cbor:"7,keyasint"`
	OwnerKey []byte `cbor:"8,keyasint"`
}

func (r *CreateRequest) Validate() error {
	if r.Domain == "" {
		return errEmptyDomain
	}
	if len(r.OwnerKey) == 0 {
		return errEmptyKey
	}
	return nil
}

// AddRequest is the payload of OP_ADD.
type AddRequest struct {
	UserID     string `cbor:"9,keyasint"`
	Domain     string `cbor:"10,keyasint"`
	WrappedKey []byte `cbor:"11,keyasint"`
}

func (r *AddRequest) Validate() error {
	switch {
	case r.UserID == "":
		return errEmptyUserID
	case r.Domain == "":
		return errEmptyDomain
	case len(r.WrappedKey) == 0:
		return errEmptyKey
	}
	return nil
}

// DomainRequest is the payload of OP_RD and OP_RT.
type DomainRequest struct {
	Domain string `cbor:"12,keyasint"`
}

func (r *DomainRequest) Validate() error {
	if r.Domain == "" {
		return errEmptyDomain
	}
	return nil
}

// PublishRequest is the payload of OP_ET and OP_EI: one blob per domain,
// each encrypted under that domain's key.
type PublishRequest struct {
	Blobs map[string]EncryptedBlob `cbor:"13,keyasint"`
}

// ReadTemperaturesResponse answers OP_RT. Temperatures is keyed by the
// device id in "user:dev" form.
type ReadTemperaturesResponse struct {
	Temperatures map[string]EncryptedBlob `cbor:"1,keyasint"`
	WrappedKey   []byte                   `cbor:"2,keyasint"`
}

// ReadImageRequest is the payload of OP_RI.
type ReadImageRequest struct {
	DeviceID string `cbor:"14,keyasint"`
}

func (r *ReadImageRequest) Validate() error {
	if r.DeviceID == "" {
		return errEmptyDeviceID
	}
	return nil
}

// ReadImageResponse answers OP_RI.
type ReadImageResponse struct {
	Image      EncryptedBlob `cbor:"1,keyasint"`
	WrappedKey []byte        `cbor:"2,keyasint"`
}

// MyDomainsResponse answers OP_MD.
type MyDomainsResponse struct {
	Domains []string `cbor:"1,keyasint"`
}

// DomainKeysResponse answers OP_DOMAIN_KEYS.
type DomainKeysResponse struct {
	Keys map[string][]byte `cbor:"1,keyasint"`
}
