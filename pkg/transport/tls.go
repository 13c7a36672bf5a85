package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

const (
	// ALPNProtocol is negotiated on every connection; anything else is
	// refused after the handshake.
	ALPNProtocol = "iotvault/1"

	DefaultPort = 12345
)

// TLSConfig is the input to NewServerTLSConfig and NewClientTLSConfig.
// Servers set Certificate; devices set RootCAs and ServerName.
type TLSConfig struct {
	Certificate tls.Certificate
	RootCAs     *x509.CertPool
	ServerName  string

	// InsecureSkipVerify turns off server verification. Tests only.
	InsecureSkipVerify bool
}

var errNoTLSConfig = errors.New("transport: TLSConfig is required")

// base pins TLS 1.3, the ALPN protocol and the key exchange curves, and
// turns off resumption so every connection runs a full handshake.
func base() *tls.Config {
	return &tls.Config{
		MinVersion:             tls.VersionTLS13,
		MaxVersion:             tls.VersionTLS13,
		NextProtos:             []string{ALPNProtocol},
		CurvePreferences:       []tls.CurveID{tls.X25519, tls.CurveP256},
		SessionTicketsDisabled: true,
	}
}

// NewServerTLSConfig builds the listening side. Users authenticate inside
// the protocol, so no client certificate is requested.
func NewServerTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, errNoTLSConfig
	}
	if len(cfg.Certificate.Certificate) == 0 {
		return nil, errors.New("transport: server certificate is required")
	}
	c := base()
	c.ClientAuth = tls.NoClientCert
	c.Certificates = []tls.Certificate{cfg.Certificate}
	return c, nil
}

// NewClientTLSConfig builds the device side.
func NewClientTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, errNoTLSConfig
	}
	if cfg.RootCAs == nil && !cfg.InsecureSkipVerify {
		return nil, errors.New("transport: root CAs are required to verify the server")
	}
	c := base()
	c.RootCAs = cfg.RootCAs
	c.ServerName = cfg.ServerName
	c.InsecureSkipVerify = cfg.InsecureSkipVerify
	return c, nil
}

// LoadServerCertificate reads a PEM chain and its key.
func LoadServerCertificate(certFile, keyFile string) (tls.Certificate, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load server certificate: %w", err)
	}
	return pair, nil
}

// LoadRootCAs returns a pool holding every certificate in pemFile.
func LoadRootCAs(pemFile string) (*x509.CertPool, error) {
	data, err := os.ReadFile(pemFile)
	if err != nil {
		return nil, fmt.Errorf("read root CAs: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%s: no PEM certificates", pemFile)
	}
	return pool, nil
}

// VerifyConnection rejects a handshake that settled on anything but TLS 1.3
// with ALPNProtocol.
func VerifyConnection(state tls.ConnectionState) error {
	switch {
	case state.Version != tls.VersionTLS13:
		return fmt.Errorf("transport: negotiated TLS version 0x%04x, need 1.3", state.Version)
	case state.NegotiatedProtocol != ALPNProtocol:
		return fmt.Errorf("transport: negotiated ALPN %q, need %q", state.NegotiatedProtocol, ALPNProtocol)
	}
	return nil
}
