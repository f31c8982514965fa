// Package tlsconfig builds the single process-wide TLS context a mesh
// daemon uses for every peer connection, inbound or outbound (spec §4.3).
//
// Construction failures here are fatal to the whole daemon, unlike
// per-connection TLS errors (classified in pkg/mesh).
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Method selects the minimum negotiated protocol version.
type Method string

const (
	// MethodTLS restricts negotiation to TLS 1.x.
	MethodTLS Method = "tls"
	// MethodSSLv23 is the fallback: "SSLv23 less SSLv2", i.e. the highest
	// version both sides support, with SSLv2 (and, since Go's stdlib never
	// implemented it, SSLv3) disabled. Build sets the minimum version to
	// TLS 1.0 for this option, and to TLS 1.2 for MethodTLS.
	MethodSSLv23 Method = "sslv23"
)

// Config describes the inputs needed to build a TLS context.
type Config struct {
	CertFile string // PEM certificate chain
	KeyFile  string // PEM private key
	CAFile   string // PEM CA bundle, used for both ClientCAs and RootCAs
	DHFile   string // PEM Diffie-Hellman parameters (mandatory, see below)
	KeyPass  string // passphrase for an encrypted KeyFile, if any

	Method Method // "tls" or anything else (see MethodSSLv23)
}

// Build constructs a *tls.Config implementing the policy in spec §4.3:
// mutual X.509 authentication (peer certificate required and validated
// against the CA in both directions), and rejects any configuration missing
// a DH parameters file.
//
// Go's crypto/tls does not expose an API for injecting classical
// Diffie-Hellman parameters — cipher suite and key-exchange group selection
// are negotiated internally and are not configurable at that granularity.
// DHFile is still read and must exist and be non-empty (matching the
// original's "mandatory" contract and its fail-fast behaviour on a missing
// file); its contents are not parsed and do not influence the negotiated key
// exchange; see DESIGN.md for the resolved deviation.
func Build(c Config) (*tls.Config, error) {
	if c.CertFile == "" || c.KeyFile == "" || c.CAFile == "" {
		return nil, fmt.Errorf("tlsconfig: cert, key, and ca_cert are all required")
	}
	if c.DHFile == "" {
		return nil, fmt.Errorf("tlsconfig: dh parameters file is mandatory")
	}

	cert, err := loadKeyPair(c.CertFile, c.KeyFile, c.KeyPass)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: load certificate chain: %w", err)
	}

	caPool, err := loadCAPool(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: load ca bundle: %w", err)
	}

	if err := checkDHParams(c.DHFile); err != nil {
		return nil, fmt.Errorf("tlsconfig: load dh parameters: %w", err)
	}

	minVersion := uint16(tls.VersionTLS12)
	if c.Method != MethodTLS {
		minVersion = tls.VersionTLS10
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		RootCAs:      caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   minVersion,
		// Renegotiation is not required by the mesh protocol; frames are
		// application-layer framed over a single long-lived session.
		Renegotiation: tls.RenegotiateNever,
	}, nil
}

func loadKeyPair(certFile, keyFile, pass string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	if pass != "" {
		keyPEM, err = decryptPrivateKey(keyPEM, pass)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("decrypt private key: %w", err)
		}
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return pool, nil
}

// checkDHParams verifies the configured DH parameters file exists and is
// non-empty, without interpreting its contents (see the Build doc comment
// for why).
func checkDHParams(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return fmt.Errorf("%s is empty", path)
	}
	return nil
}
