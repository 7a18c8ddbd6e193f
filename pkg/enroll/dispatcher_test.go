package enroll

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/warden/pkg/config"
	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/keystore"
	"github.com/cuemby/warden/pkg/pending"
	"github.com/cuemby/warden/pkg/security"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
)

// extractKey pulls the raw key out of an "OSSEC K:'<id> <name> <ip>
// <key>'" response line.
func extractKey(t *testing.T, resp string) string {
	t.Helper()
	body := strings.TrimPrefix(strings.TrimSpace(resp), "OSSEC K:'")
	body = strings.TrimSuffix(body, "'")
	fields := strings.Fields(body)
	if len(fields) != 4 {
		t.Fatalf("response %q does not have 4 fields", resp)
	}
	return fields[3]
}

func testDispatcherTLS(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()
	store, err := storage.NewBoltAgentStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltAgentStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	key := security.DeriveKeyFromClusterID("dispatcher-test")
	if err := security.SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("SetClusterEncryptionKey() error = %v", err)
	}

	ca := security.NewCertAuthority(store)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	serverCert, err := ca.IssueNodeCertificate("listener", "enroll", nil, []net.IP{net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("IssueNodeCertificate() error = %v", err)
	}

	serverTLS := security.BuildServerTLSConfig(*serverCert, nil, false)
	clientTLS := &tls.Config{InsecureSkipVerify: true}
	return serverTLS, clientTLS
}

func newTestDispatcher(t *testing.T, cfg *config.Config) (*DispatcherPool, *keystore.Keystore, *tls.Config) {
	t.Helper()
	serverTLS, clientTLS := testDispatcherTLS(t)
	ks := keystore.New(false)
	journal := pending.New()
	broker := events.NewBroker()
	queue := NewQueue(4)
	return NewDispatcherPool(1, queue, ks, journal, cfg, serverTLS, broker), ks, clientTLS
}

func roundtrip(t *testing.T, d *DispatcherPool, clientTLS *tls.Config, peerIP, request string) string {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	done := make(chan struct{})
	go func() {
		d.handle(types.ClientHandoff{Conn: serverConn, PeerIP: peerIP, Handoff: time.Now()})
		close(done)
	}()

	client := tls.Client(clientConn, clientTLS)
	client.SetDeadline(time.Now().Add(5 * time.Second))
	if err := client.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if _, err := client.Write([]byte(request)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reader := bufio.NewReader(client)
	var out []byte
	for {
		line, err := reader.ReadString('\n')
		out = append(out, line...)
		if err != nil {
			break
		}
	}
	client.Close()
	<-done
	return string(out)
}

func TestDispatcherCommitsFreshAgent(t *testing.T) {
	cfg := config.Default()
	cfg.UsePassword = false
	d, ks, clientTLS := newTestDispatcher(t, cfg)

	resp := roundtrip(t, d, clientTLS, "10.0.0.5", "OSSEC A:'agent01' IP:'10.0.0.5'\n")
	if resp == "" {
		t.Fatalf("empty response")
	}
	if resp[:9] != "OSSEC K:'" {
		t.Fatalf("response = %q, want OSSEC K:' prefix", resp)
	}

	rec, ok := ks.FindByNameIP("agent01", "10.0.0.5")
	if !ok {
		t.Fatalf("agent01 not found in keystore")
	}
	if rec.ID == "" {
		t.Errorf("rec.ID is empty")
	}
	if rec.RawKey == "" {
		t.Fatalf("rec.RawKey is empty, want a generated symmetric key")
	}

	wantResp := fmt.Sprintf("OSSEC K:'%s agent01 10.0.0.5 %s'\n", rec.ID, rec.RawKey)
	if resp != wantResp {
		t.Errorf("resp = %q, want %q", resp, wantResp)
	}
}

// TestDispatcherReenrollmentMintsFreshKey covers spec scenario S3: an
// agent re-enrolling with its previously issued key as the K: token is
// matched to its existing record by that key (not by name/IP alone),
// the prior record is removed, and the replacement gets a newly
// generated key rather than reusing the K: token as its own key.
func TestDispatcherReenrollmentMintsFreshKey(t *testing.T) {
	cfg := config.Default()
	cfg.UsePassword = false
	cfg.ForceKeyMismatch = true
	d, ks, clientTLS := newTestDispatcher(t, cfg)

	resp1 := roundtrip(t, d, clientTLS, "10.0.0.9", "OSSEC A:'alpha' IP:'any'\n")
	firstKey := extractKey(t, resp1)
	if firstKey == "" {
		t.Fatalf("first enrollment returned an empty key")
	}

	resp2 := roundtrip(t, d, clientTLS, "10.0.0.9", fmt.Sprintf("OSSEC A:'alpha' IP:'any' K:'%s'\n", firstKey))
	if resp2[:9] != "OSSEC K:'" {
		t.Fatalf("re-enrollment response = %q, want acceptance", resp2)
	}
	secondKey := extractKey(t, resp2)
	if secondKey == "" {
		t.Fatalf("re-enrollment returned an empty key")
	}
	if secondKey == firstKey {
		t.Errorf("re-enrollment reused the K: token as the new key instead of minting a fresh one")
	}

	rec, ok := ks.FindByName("alpha")
	if !ok {
		t.Fatalf("alpha not found after re-enrollment")
	}
	if rec.RawKey != secondKey {
		t.Errorf("rec.RawKey = %q, want %q", rec.RawKey, secondKey)
	}
	if _, ok := ks.FindByKeyHash(firstKey); ok {
		t.Errorf("prior record keyed on %q should have been removed", firstKey)
	}
}

func TestDispatcherRejectsDuplicateName(t *testing.T) {
	cfg := config.Default()
	cfg.UsePassword = false
	d, ks, clientTLS := newTestDispatcher(t, cfg)

	ks.Lock()
	_, err := ks.Add(&types.AgentRecord{Name: "agent02", IP: types.IPPredicate{Raw: "10.0.0.6"}})
	ks.Unlock()
	if err != nil {
		t.Fatalf("seed Add() error = %v", err)
	}

	resp := roundtrip(t, d, clientTLS, "10.0.0.7", "OSSEC A:'agent02' IP:'any'\n")
	if resp == "" {
		t.Fatalf("empty response")
	}
	if resp[:len("ERROR: Duplicate agent name")] != "ERROR: Duplicate agent name" {
		t.Errorf("response = %q, want duplicate-name rejection", resp)
	}
}

func TestDispatcherRejectsMalformedRequest(t *testing.T) {
	cfg := config.Default()
	cfg.UsePassword = false
	d, _, clientTLS := newTestDispatcher(t, cfg)

	resp := roundtrip(t, d, clientTLS, "10.0.0.8", "NOTOSSEC garbage\n")
	if resp == "" {
		t.Fatalf("empty response")
	}
	if resp[:len("ERROR: Invalid request syntax")] != "ERROR: Invalid request syntax" {
		t.Errorf("response = %q, want malformed rejection", resp)
	}
}
