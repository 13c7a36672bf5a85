// Package session implements the per-connection protocol state machine.
//
// A connection walks forward through six states:
//
//	KeyAuth -> KeyAuthStep2 -> TwoFactor -> Attestation -> AttestationStep2 -> Authenticated
//
// Each handshake opcode is accepted in exactly one state, and domain
// commands only once Authenticated. A message in the wrong state gets a
// session-state ERROR and a payload of the wrong shape gets a data-type
// ERROR; neither changes state.
//
// Failed signature or code submissions can be retried against the same
// nonce or code up to MaxAttempts times. The failure that exhausts the
// budget closes the connection. An active device identity or an
// attestation hash mismatch closes it immediately.
//
// Handler is shared by all connections; Session is owned by the goroutine
// serving one connection and is not safe for concurrent use.
package session
