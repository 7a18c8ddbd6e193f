package cluster

import (
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/cuemby/warden/pkg/security"
	"github.com/cuemby/warden/pkg/storage"
)

func newTestCA(t *testing.T) *security.CertAuthority {
	t.Helper()
	store, err := storage.NewBoltAgentStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltAgentStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	key := security.DeriveKeyFromClusterID("test-cluster")
	if err := security.SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("SetClusterEncryptionKey() error = %v", err)
	}

	ca := security.NewCertAuthority(store)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return ca
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestForwardEnrollmentRoundtrip(t *testing.T) {
	ca := newTestCA(t)

	masterCert, err := ca.IssueNodeCertificate("m1", "master", nil, []net.IP{net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("IssueNodeCertificate(master) error = %v", err)
	}
	workerCert, err := ca.IssueNodeCertificate("w1", "worker", nil, nil)
	if err != nil {
		t.Fatalf("IssueNodeCertificate(worker) error = %v", err)
	}

	rootCert, err := x509.ParseCertificate(ca.GetRootCACert())
	if err != nil {
		t.Fatalf("parse root cert: %v", err)
	}

	serverTLS := security.BuildServerTLSConfig(*masterCert, rootCert, true)
	clientTLS := security.BuildClientTLSConfig(*workerCert, rootCert)

	addr := freePort(t)

	var gotReq ForwardRequest
	srv, err := ListenRPC(addr, serverTLS, func(req ForwardRequest) ForwardResponse {
		gotReq = req
		return ForwardResponse{Accepted: true, Lines: []string{"OSSEC K:'001 agent01 any rawkey'"}}
	})
	if err != nil {
		t.Fatalf("ListenRPC() error = %v", err)
	}
	defer srv.Close()

	running := true
	go srv.Serve(func() bool { return running })
	defer func() { running = false }()

	time.Sleep(50 * time.Millisecond)

	resp, err := ForwardEnrollment(addr, clientTLS, []byte("OSSEC A:'agent01'\n"), "10.0.0.5")
	if err != nil {
		t.Fatalf("ForwardEnrollment() error = %v", err)
	}
	if !resp.Accepted {
		t.Errorf("resp.Accepted = false, want true")
	}
	if len(resp.Lines) != 1 {
		t.Fatalf("resp.Lines = %v", resp.Lines)
	}
	if gotReq.PeerIP != "10.0.0.5" {
		t.Errorf("server saw PeerIP = %q, want 10.0.0.5", gotReq.PeerIP)
	}
}
