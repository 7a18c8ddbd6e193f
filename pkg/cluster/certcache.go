package cluster

import (
	"crypto/tls"
	"net"

	"github.com/cuemby/warden/pkg/security"
)

// LoadOrIssueNodeCert returns a cached node certificate from disk
// (grounded on the teacher's pkg/security/certs.go file-cache helpers,
// originally used by pkg/manager and pkg/worker) or issues and caches a
// fresh one from ca when none exists or the cached one is close to
// expiry. This avoids burdening the master's CA with a reissue on
// every worker restart.
func LoadOrIssueNodeCert(ca *security.CertAuthority, role, nodeID string, dnsNames []string, ipAddresses []net.IP) (*tls.Certificate, error) {
	certDir, err := security.GetCertDir(role, nodeID)
	if err != nil {
		return nil, err
	}

	if security.CertExists(certDir) {
		cert, err := security.LoadCertFromFile(certDir)
		if err == nil && !security.CertNeedsRotation(cert.Leaf) {
			return cert, nil
		}
	}

	cert, err := ca.IssueNodeCertificate(nodeID, role, dnsNames, ipAddresses)
	if err != nil {
		return nil, err
	}
	if err := security.SaveCertToFile(cert, certDir); err != nil {
		return nil, err
	}
	if err := security.SaveCACertToFile(ca.GetRootCACert(), certDir); err != nil {
		return nil, err
	}
	return cert, nil
}
