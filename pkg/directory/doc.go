// Package directory holds the server's runtime registries of users,
// devices and domains.
//
// The registries are plain values built by New and shared by reference
// between connection handlers and the persistence engine. Point operations
// (insert-if-absent, get, exists) go through sync.Map and need no external
// locking. The two composite operations that must look atomic have their
// own locks:
//
//   - Devices.Attest checks and sets a device's power state under a mutex
//     keyed by the device identity, so one identity is never on twice.
//   - Every Domain guards its members, devices and latest telemetry with its
//     own RWMutex, so membership and registration checks and their inserts
//     happen together.
package directory
