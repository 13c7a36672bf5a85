package discovery

import (
	"errors"
	"time"
)

const (
	// ServiceType is the DNS-SD service type of an iotvault server.
	ServiceType = "_iotvault._tcp"

	// Domain is the mDNS domain.
	Domain = "local."

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// BrowseTimeout bounds FindServer when the caller gives no deadline.
	BrowseTimeout = 10 * time.Second
)

// TXT record keys.
const (
	TXTKeyVersion = "pv"
	TXTKeyALPN    = "alpn"
	TXTKeyName    = "name"
)

var (
	// ErrNotFound is returned when no server answered before the deadline.
	ErrNotFound = errors.New("discovery: no server found")

	// ErrInvalidTXT is returned for TXT records missing required keys.
	ErrInvalidTXT = errors.New("discovery: invalid TXT record")

	// ErrInstanceName is returned for empty or over-long instance names.
	ErrInstanceName = errors.New("discovery: invalid instance name")
)

// ServerInfo describes what a server advertises.
type ServerInfo struct {
	// Instance is the DNS-SD instance name, e.g. "iotvault-kitchen".
	Instance string

	// Port is the TCP port the TLS listener is bound to.
	Port uint16

	// Version is the wire protocol version spoken by the server.
	Version uint8

	// ALPN is the TLS application protocol identifier.
	ALPN string

	// Name is an optional human-readable label.
	Name string
}

// Service is a server found while browsing.
type Service struct {
	Instance  string
	Host      string
	Port      uint16
	Addresses []string
	Info      ServerInfo
}
