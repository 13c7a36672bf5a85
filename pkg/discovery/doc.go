// Package discovery advertises and locates iotvault servers over mDNS.
//
// A server registers a single "_iotvault._tcp" instance whose TXT record
// carries the protocol version and ALPN identifier. Clients browse for that
// service type and dial the first instance that speaks a compatible
// protocol version.
package discovery
