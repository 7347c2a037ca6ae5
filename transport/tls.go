package transport

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
)

// TLS material file names inside <dir>/<domain>/.
const (
	PrivateKeyFile  = "privkey.pem"
	CertificateFile = "cert.pem"
	ChainFile       = "chain.pem"
)

// LoadServerTLS reads <dir>/<domain>/{privkey.pem,cert.pem,chain.pem} and builds a
// server TLS config presenting cert.pem followed by the chain. Any missing or
// unparsable file yields an error wrapping ErrTransportSetup.
func LoadServerTLS(dir, domain string) (*tls.Config, error) {
	base := filepath.Join(dir, domain)

	read := func(name string) ([]byte, error) {
		data, err := os.ReadFile(filepath.Join(base, name))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransportSetup, err)
		}
		return data, nil
	}

	key, err := read(PrivateKeyFile)
	if err != nil {
		return nil, err
	}
	cert, err := read(CertificateFile)
	if err != nil {
		return nil, err
	}
	chain, err := read(ChainFile)
	if err != nil {
		return nil, err
	}

	full := bytes.Join([][]byte{bytes.TrimSpace(cert), bytes.TrimSpace(chain)}, []byte("\n"))
	pair, err := tls.X509KeyPair(full, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTransportSetup, base, err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLS returns the config a client uses to reach a TLS endpoint. serverName may
// be empty when it can be taken from the dialed address.
func ClientTLS(serverName string, insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}
