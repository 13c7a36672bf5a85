// Package wire defines the CBOR wire format of the IoTVault protocol.
//
// Every frame carries exactly one Message: a protocol version, an operation
// code and an optional payload. Requests use the OP_* codes; the server
// answers every request with exactly one Message whose code is a status
// (OK, NOK, ERROR, NOPERM, ...) and whose payload, if any, is the typed
// result of the request.
//
// # CBOR Integer Keys
//
// All structs use integer keys for compactness. Payloads are decoded
// strictly: unknown keys and type mismatches are reported as
// ErrPayloadType, which the server maps to a data-type error.
//
// # Versioning
//
// Message.Version is checked before anything else. A peer speaking a
// different version is answered with ERROR and ErrorKindVersion.
package wire
