package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// BuildServerTLSConfig assembles the tls.Config the dispatcher pool (C5)
// uses to terminate agent connections from the remote enrollment
// listener. When requireClientCert is true and caCert is non-nil,
// client certificates are required and verified against caCert — used
// for cluster RPC (pkg/cluster), and by wardend for the agent-facing
// enrollment port when a client CA file is configured.
func BuildServerTLSConfig(cert tls.Certificate, caCert *x509.Certificate, requireClientCert bool) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if requireClientCert && caCert != nil {
		pool := x509.NewCertPool()
		pool.AddCert(caCert)
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg
}

// BuildClientTLSConfig assembles the tls.Config a worker node uses to
// dial the master over cluster RPC: it presents cert and verifies the
// server against caCert.
func BuildClientTLSConfig(cert tls.Certificate, caCert *x509.Certificate) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}
}

// VerifyHostCN reports whether the peer certificate's common name
// equals expectedCN, used by the enrollment listener's optional
// "verify host certificate against a known client CN" mode.
func VerifyHostCN(state tls.ConnectionState, expectedCN string) error {
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("security: no peer certificate presented")
	}
	cn := state.PeerCertificates[0].Subject.CommonName
	if cn != expectedCN {
		return fmt.Errorf("security: peer certificate CN %q does not match expected %q", cn, expectedCN)
	}
	return nil
}
