package cert

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"net"
	"time"
)

// GenerateServerCertificate returns a self-signed certificate for hosts.
// Each host is placed in the IP or DNS SAN list depending on whether it
// parses as an address. The certificate is its own CA so devices can pin
// it as a root.
func GenerateServerCertificate(hosts []string, validity time.Duration) (tls.Certificate, error) {
	tmpl := &x509.Certificate{
		Subject:     pkix.Name{CommonName: "iotvault server", Organization: []string{"iotvault"}},
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:        true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
			continue
		}
		tmpl.DNSNames = append(tmpl.DNSNames, h)
	}

	leaf, key, err := selfSign(tmpl, validity)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{leaf.Raw}, PrivateKey: key, Leaf: leaf}, nil
}

// WriteServerCertificate stores c as a PEM certificate and PEM key. Only
// certificates made by GenerateServerCertificate are supported.
func WriteServerCertificate(c tls.Certificate, certPath, keyPath string) error {
	key, ok := c.PrivateKey.(*ecdsa.PrivateKey)
	if !ok || c.Leaf == nil {
		return ErrUnsupportedKey
	}
	if err := WriteCertFile(certPath, c.Leaf); err != nil {
		return err
	}
	return WriteKeyFile(keyPath, key)
}
