package security

import (
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadCertToFile(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("set cluster encryption key: %v", err)
	}

	tmpCertDir := t.TempDir()

	ca := NewCertAuthority(newTestStore(t))
	if err := ca.Initialize(); err != nil {
		t.Fatalf("initialize CA: %v", err)
	}

	cert, err := ca.IssueNodeCertificate("test-node", "worker", []string{}, []net.IP{})
	if err != nil {
		t.Fatalf("issue certificate: %v", err)
	}

	if err := SaveCertToFile(cert, tmpCertDir); err != nil {
		t.Fatalf("save certificate: %v", err)
	}

	certPath := filepath.Join(tmpCertDir, "node.crt")
	keyPath := filepath.Join(tmpCertDir, "node.key")
	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		t.Error("certificate file should exist")
	}
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		t.Error("key file should exist")
	}

	loadedCert, err := LoadCertFromFile(tmpCertDir)
	if err != nil {
		t.Fatalf("load certificate: %v", err)
	}
	if loadedCert.Leaf.Subject.CommonName != cert.Leaf.Subject.CommonName {
		t.Errorf("loaded cert CN mismatch: expected %s, got %s",
			cert.Leaf.Subject.CommonName, loadedCert.Leaf.Subject.CommonName)
	}
}

func TestSaveLoadCACertToFile(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("set cluster encryption key: %v", err)
	}

	tmpCertDir := t.TempDir()

	ca := NewCertAuthority(newTestStore(t))
	if err := ca.Initialize(); err != nil {
		t.Fatalf("initialize CA: %v", err)
	}

	caCertDER := ca.GetRootCACert()
	if err := SaveCACertToFile(caCertDER, tmpCertDir); err != nil {
		t.Fatalf("save CA certificate: %v", err)
	}

	caPath := filepath.Join(tmpCertDir, "ca.crt")
	if _, err := os.Stat(caPath); os.IsNotExist(err) {
		t.Error("CA certificate file should exist")
	}

	loadedCACert, err := LoadCACertFromFile(tmpCertDir)
	if err != nil {
		t.Fatalf("load CA certificate: %v", err)
	}
	if !loadedCACert.Equal(ca.rootCert) {
		t.Error("loaded CA cert should match original")
	}
}

func TestCertExists(t *testing.T) {
	tmpDir := t.TempDir()

	if CertExists(tmpDir) {
		t.Error("certificate should not exist initially")
	}

	_ = os.WriteFile(filepath.Join(tmpDir, "node.crt"), []byte("cert"), 0600)
	_ = os.WriteFile(filepath.Join(tmpDir, "node.key"), []byte("key"), 0600)
	_ = os.WriteFile(filepath.Join(tmpDir, "ca.crt"), []byte("ca"), 0600)

	if !CertExists(tmpDir) {
		t.Error("certificate should exist after creating files")
	}

	os.Remove(filepath.Join(tmpDir, "node.key"))
	if CertExists(tmpDir) {
		t.Error("certificate should not exist with missing key file")
	}
}

func TestCertNeedsRotation(t *testing.T) {
	tests := []struct {
		name     string
		notAfter time.Time
		needsRot bool
	}{
		{"expiring in 1 day", time.Now().Add(24 * time.Hour), true},
		{"expiring in 29 days", time.Now().Add(29 * 24 * time.Hour), true},
		{"expiring in 31 days", time.Now().Add(31 * 24 * time.Hour), false},
		{"expiring in 60 days", time.Now().Add(60 * 24 * time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert := &x509.Certificate{NotAfter: tt.notAfter}
			if got := CertNeedsRotation(cert); got != tt.needsRot {
				t.Errorf("expected needsRotation=%v, got %v", tt.needsRot, got)
			}
		})
	}

	if !CertNeedsRotation(nil) {
		t.Error("nil certificate should need rotation")
	}
}

func TestValidateCertChain(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("set cluster encryption key: %v", err)
	}

	ca := NewCertAuthority(newTestStore(t))
	if err := ca.Initialize(); err != nil {
		t.Fatalf("initialize CA: %v", err)
	}

	cert, err := ca.IssueNodeCertificate("test-node", "worker", []string{}, []net.IP{})
	if err != nil {
		t.Fatalf("issue certificate: %v", err)
	}

	if err := ValidateCertChain(cert.Leaf, ca.rootCert); err != nil {
		t.Errorf("certificate chain validation failed: %v", err)
	}
	if err := ValidateCertChain(nil, ca.rootCert); err == nil {
		t.Error("validation should fail with nil certificate")
	}
	if err := ValidateCertChain(cert.Leaf, nil); err == nil {
		t.Error("validation should fail with nil CA")
	}
}

func TestGetCertDir(t *testing.T) {
	tests := []struct {
		role   string
		nodeID string
	}{
		{"master", "node1"},
		{"worker", "node2"},
	}

	for _, tt := range tests {
		t.Run(tt.role+"-"+tt.nodeID, func(t *testing.T) {
			certDir, err := GetCertDir(tt.role, tt.nodeID)
			if err != nil {
				t.Fatalf("get cert dir: %v", err)
			}
			expected := tt.role + "-" + tt.nodeID
			if filepath.Base(certDir) != expected {
				t.Errorf("expected cert dir to end with %s, got %s", expected, certDir)
			}
		})
	}
}

func TestRemoveCerts(t *testing.T) {
	tmpDir := t.TempDir()
	_ = os.WriteFile(filepath.Join(tmpDir, "node.crt"), []byte("cert"), 0600)
	_ = os.WriteFile(filepath.Join(tmpDir, "node.key"), []byte("key"), 0600)

	if err := RemoveCerts(tmpDir); err != nil {
		t.Fatalf("remove certificates: %v", err)
	}
	if _, err := os.Stat(tmpDir); !os.IsNotExist(err) {
		t.Error("certificate directory should not exist after removal")
	}
}
