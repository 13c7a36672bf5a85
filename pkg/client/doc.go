// Package client drives the iotvault protocol from the device side.
//
// A Driver walks the five handshake steps (key authentication, signed
// nonce, one-time code, attestation request and attestation hash) and then
// issues domain commands. Domain keys never leave the device in clear: they
// are derived from a domain password, wrapped under the recipient's
// certificate before upload, and unwrapped locally with the device's
// Identity when telemetry is read or published.
package client
