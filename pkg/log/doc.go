// Package log records the protocol and audit trail of an IoTVault server.
//
// It is separate from operational logging (slog). Every accepted or
// rejected handshake transition and domain command produces an Event that
// can be written to a CBOR file, mirrored to slog, or both:
//
//	audit := log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// Files are a plain stream of CBOR encoded events and can be inspected
// with `iotvault-admin log view`.
package log
