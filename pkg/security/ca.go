package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/cuemby/warden/pkg/storage"
)

// CertAuthority issues and verifies the mTLS certificates that
// authenticate cluster RPC between master and worker manager nodes
// (pkg/cluster), and the certificates wardend presents to enrolling
// agents when remote enrollment runs over TLS (pkg/enroll).
type CertAuthority struct {
	rootCert  *x509.Certificate
	rootKey   *rsa.PrivateKey
	store     storage.AgentStore
	certCache map[string]*CachedCert
	mu        sync.RWMutex
}

// CachedCert is a previously issued node or client certificate kept in
// memory to avoid re-issuing on every lookup.
type CachedCert struct {
	Cert      *x509.Certificate
	Key       *rsa.PrivateKey
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// caData is the serialized form persisted via AgentStore.SaveCA.
type caData struct {
	RootCertDER []byte
	RootKeyDER  []byte // AES-256-GCM encrypted PKCS1 key
}

const (
	rootCAValidity   = 10 * 365 * 24 * time.Hour
	nodeCertValidity = 90 * 24 * time.Hour
	rootKeySize      = 4096
	nodeKeySize      = 2048
)

// NewCertAuthority returns an uninitialized authority backed by store.
// Call Initialize for a fresh cluster or LoadFromStore when joining one
// that already has a root CA.
func NewCertAuthority(store storage.AgentStore) *CertAuthority {
	return &CertAuthority{
		store:     store,
		certCache: make(map[string]*CachedCert),
	}
}

// Initialize generates a fresh self-signed root CA.
func (ca *CertAuthority) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("security: generate root key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("security: generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Warden Cluster"},
			CommonName:   "Warden Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:               time.Now().Add(rootCAValidity),
		KeyUsage:               x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                   true,
		BasicConstraintsValid:  true,
		MaxPathLen:             1,
		MaxPathLenZero:         false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("security: create root certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("security: parse root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// LoadFromStore restores the root CA persisted by a prior SaveToStore.
func (ca *CertAuthority) LoadFromStore() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	data, err := ca.store.GetCA()
	if err != nil {
		return fmt.Errorf("security: get CA from store: %w", err)
	}

	var cd caData
	if err := json.Unmarshal(data, &cd); err != nil {
		return fmt.Errorf("security: unmarshal CA data: %w", err)
	}

	decryptedKey, err := Decrypt(cd.RootKeyDER)
	if err != nil {
		return fmt.Errorf("security: decrypt root key: %w", err)
	}

	rootCert, err := x509.ParseCertificate(cd.RootCertDER)
	if err != nil {
		return fmt.Errorf("security: parse root certificate: %w", err)
	}

	rootKey, err := x509.ParsePKCS1PrivateKey(decryptedKey)
	if err != nil {
		return fmt.Errorf("security: parse root key: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// SaveToStore persists the root CA, encrypting the private key with
// the cluster encryption key (see SetClusterEncryptionKey).
func (ca *CertAuthority) SaveToStore() error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return fmt.Errorf("security: CA not initialized")
	}

	rootKeyDER := x509.MarshalPKCS1PrivateKey(ca.rootKey)
	encryptedKey, err := Encrypt(rootKeyDER)
	if err != nil {
		return fmt.Errorf("security: encrypt root key: %w", err)
	}

	cd := caData{
		RootCertDER: ca.rootCert.Raw,
		RootKeyDER:  encryptedKey,
	}
	data, err := json.Marshal(cd)
	if err != nil {
		return fmt.Errorf("security: marshal CA data: %w", err)
	}

	if err := ca.store.SaveCA(data); err != nil {
		return fmt.Errorf("security: save CA to store: %w", err)
	}
	return nil
}

// IssueNodeCertificate issues an mTLS certificate for a manager node
// (role is "master" or "worker"), usable as both client and server
// certificate on the cluster RPC listener.
func (ca *CertAuthority) IssueNodeCertificate(nodeID, role string, dnsNames []string, ipAddresses []net.IP) (*tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("security: CA not initialized")
	}

	nodeKey, err := rsa.GenerateKey(rand.Reader, nodeKeySize)
	if err != nil {
		return nil, fmt.Errorf("security: generate node key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("security: generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Warden Cluster"},
			CommonName:   fmt.Sprintf("%s-%s", role, nodeID),
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(nodeCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:    dnsNames,
		IPAddresses: ipAddresses,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &nodeKey.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("security: create node certificate: %w", err)
	}

	nodeCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("security: parse node certificate: %w", err)
	}

	tlsCert := &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  nodeKey,
		Leaf:        nodeCert,
	}
	ca.cacheCertificate(fmt.Sprintf("%s-%s", role, nodeID), nodeCert, nodeKey)
	return tlsCert, nil
}

// VerifyCertificate verifies cert against the root CA for either
// client or server auth.
func (ca *CertAuthority) VerifyCertificate(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return fmt.Errorf("security: CA not initialized")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.rootCert)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("security: certificate verification failed: %w", err)
	}
	return nil
}

// GetRootCACert returns the root CA certificate in DER form.
func (ca *CertAuthority) GetRootCACert() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.rootCert == nil {
		return nil
	}
	return ca.rootCert.Raw
}

// IsInitialized reports whether Initialize or LoadFromStore has run.
func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert != nil && ca.rootKey != nil
}

func (ca *CertAuthority) cacheCertificate(id string, cert *x509.Certificate, key *rsa.PrivateKey) {
	ca.certCache[id] = &CachedCert{
		Cert:      cert,
		Key:       key,
		IssuedAt:  cert.NotBefore,
		ExpiresAt: cert.NotAfter,
	}
}

// GetCachedCert returns a previously issued certificate for id, if any.
func (ca *CertAuthority) GetCachedCert(id string) (*CachedCert, bool) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	cert, ok := ca.certCache[id]
	return cert, ok
}
