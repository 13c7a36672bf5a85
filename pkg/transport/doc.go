// Package transport provides the TLS transport for IoTVault.
//
// Connections are TLS 1.3 only with the ALPN protocol "iotvault/1".
// The server presents a certificate that devices pin through their trust
// store; user authentication happens inside the protocol, so the server does
// not request client certificates.
//
// # Framing
//
// Each message is a 4-byte big-endian length followed by the CBOR payload:
//
//	+----------------+------------------+
//	| Length (4B BE) | CBOR Payload     |
//	+----------------+------------------+
//
// # Connection handling
//
// The server runs one goroutine per accepted connection and hands the
// connection to a ConnHandler. The handler owns the request/response loop
// and returns when the connection should be closed.
package transport
