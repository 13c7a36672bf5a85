// Package persistence writes the directory to disk and reads it back.
//
// Every record is sealed under the installation key: the CBOR snapshot is
// authenticated with HMAC-SHA256, then encrypted with XChaCha20-Poly1305
// under a fresh nonce that is kept in a sidecar "<file>.iv". On load the
// tag is recomputed over the decrypted snapshot and compared in constant
// time; any mismatch fails with ErrIntegrity naming the file.
//
// Layout of a data directory:
//
//	server.keyparams        argon2id salt and cost, created once
//	users.db, users.db.iv   all users
//	domains/<name>.db(.iv)  one file per domain
//	attestation.ref         HMAC-protected path of the reference artifact
package persistence
