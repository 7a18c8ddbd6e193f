package security

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// certRotationThreshold is how far out from expiry CertNeedsRotation
	// treats a node certificate as due for reissue.
	certRotationThreshold = 30 * 24 * time.Hour

	defaultCertDir = ".warden/certs"
)

// GetCertDir returns the certificate directory for a given node role
// ("master" or "worker") and id.
func GetCertDir(role, nodeID string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("security: home directory: %w", err)
	}
	return filepath.Join(homeDir, defaultCertDir, fmt.Sprintf("%s-%s", role, nodeID)), nil
}

// SaveCertToFile writes a node certificate and its RSA private key to
// certDir as node.crt / node.key.
func SaveCertToFile(cert *tls.Certificate, certDir string) error {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("security: create cert dir: %w", err)
	}

	certPath := filepath.Join(certDir, "node.crt")
	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Certificate[0],
	})
	if err := os.WriteFile(certPath, certPEM, 0600); err != nil {
		return fmt.Errorf("security: write certificate: %w", err)
	}

	privateKey, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("security: private key is not RSA")
	}
	keyPath := filepath.Join(certDir, "node.key")
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("security: write private key: %w", err)
	}

	return nil
}

// LoadCertFromFile loads a node certificate previously written by
// SaveCertToFile.
func LoadCertFromFile(certDir string) (*tls.Certificate, error) {
	certPath := filepath.Join(certDir, "node.crt")
	keyPath := filepath.Join(certDir, "node.key")

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("security: load certificate: %w", err)
	}

	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("security: parse certificate: %w", err)
		}
		cert.Leaf = leaf
	}

	return &cert, nil
}

// SaveCACertToFile writes the cluster root CA certificate to certDir.
func SaveCACertToFile(caCert []byte, certDir string) error {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("security: create cert dir: %w", err)
	}

	caPath := filepath.Join(certDir, "ca.crt")
	caPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: caCert,
	})
	if err := os.WriteFile(caPath, caPEM, 0644); err != nil {
		return fmt.Errorf("security: write CA certificate: %w", err)
	}
	return nil
}

// LoadCACertFromFile loads the cluster root CA certificate from certDir.
func LoadCACertFromFile(certDir string) (*x509.Certificate, error) {
	caPath := filepath.Join(certDir, "ca.crt")
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("security: read CA certificate: %w", err)
	}

	block, _ := pem.Decode(caPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("security: decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("security: parse CA certificate: %w", err)
	}
	return caCert, nil
}

// CertExists reports whether a full node/CA certificate set is present
// in certDir.
func CertExists(certDir string) bool {
	_, err1 := os.Stat(filepath.Join(certDir, "node.crt"))
	_, err2 := os.Stat(filepath.Join(certDir, "node.key"))
	_, err3 := os.Stat(filepath.Join(certDir, "ca.crt"))
	return err1 == nil && err2 == nil && err3 == nil
}

// CertNeedsRotation reports whether cert is within certRotationThreshold
// of expiry.
func CertNeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < certRotationThreshold
}

// ValidateCertChain verifies cert chains to ca for either server or
// client auth.
func ValidateCertChain(cert, ca *x509.Certificate) error {
	if cert == nil || ca == nil {
		return fmt.Errorf("security: nil certificate in chain validation")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("security: certificate verification failed: %w", err)
	}
	return nil
}

// RemoveCerts deletes every certificate under certDir.
func RemoveCerts(certDir string) error {
	return os.RemoveAll(certDir)
}
