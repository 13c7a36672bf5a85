// Package domainkey derives, wraps and uses per-domain symmetric keys.
//
// A domain key is derived on the device from the domain password with
// PBKDF2-HMAC-SHA256. The salt and iteration count are stored once per
// domain and never regenerated, because every key wrapped for a member
// depends on them.
//
// Keys travel to other members wrapped under the member's ECDSA P-256
// credential (ephemeral ECDH, HKDF-SHA256, ChaCha20-Poly1305). The server
// stores wrapped keys as opaque bytes and never calls Unwrap or Open.
package domainkey
