package cluster

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// ForwardEnrollment dials the master's cluster RPC listener and sends
// a raw enrollment request for full resolution, grounded on the
// teacher's connectWithMTLS dial pattern in pkg/worker/worker.go.
func ForwardEnrollment(masterAddr string, tlsConfig *tls.Config, raw []byte, peerIP string) (*ForwardResponse, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", masterAddr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("cluster: dial master: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	req := ForwardRequest{RawRequest: raw, PeerIP: peerIP}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("cluster: write forward request: %w", err)
	}

	var resp ForwardResponse
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("cluster: read forward response: %w", err)
	}
	return &resp, nil
}
