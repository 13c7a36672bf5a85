// Package cert manages user credentials.
//
// A user's public credential is a self-signed X.509 certificate holding an
// ECDSA P-256 key. The server keeps one certificate per user in a Store and
// verifies signatures over authentication nonces against it. Devices hold
// the matching private key in an Identity, which is the only place signing
// and key unwrapping happen.
package cert
