package cluster

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
)

// ForwardRequest is the JSON envelope a worker sends to the master
// carrying a raw enrollment line for full resolution by the receiving
// RPCServer's Handler.
type ForwardRequest struct {
	RawRequest []byte `json:"raw_request"`
	PeerIP     string `json:"peer_ip"`
}

// ForwardResponse carries back the exact lines the master would have
// written to the agent itself, so the worker's dispatcher can relay
// them verbatim over its own TLS connection to the agent.
type ForwardResponse struct {
	Accepted bool     `json:"accepted"`
	Lines    []string `json:"lines"`
}

// Handler resolves a forwarded enrollment request; the caller of
// ListenRPC supplies it. wardend does not start an RPCServer, so in the
// daemon no master answers a worker's ForwardRequest.
type Handler func(req ForwardRequest) ForwardResponse

// RPCServer accepts mTLS connections from worker nodes and answers
// ForwardRequest calls. Grounded on the teacher's worker.go mTLS dial
// pattern, run in reverse (master listens instead of dials) and with a
// JSON request/response line instead of a protobuf/grpc call — see
// DESIGN.md for why grpc was not reused here.
type RPCServer struct {
	ln        *net.TCPListener
	tlsConfig *tls.Config
	handler   Handler
	log       zerolog.Logger
}

// ListenRPC starts listening for worker forwarding connections at addr.
// The listener accepts plain TCP and performs the TLS handshake per
// connection (the same split the dispatcher uses for agent
// connections), so the accept loop can still enforce a deadline — a
// *tls.Listener does not expose SetDeadline on the wrapper itself.
func ListenRPC(addr string, tlsConfig *tls.Config, handler Handler) (*RPCServer, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cluster: resolve rpc addr: %w", err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: listen rpc: %w", err)
	}
	return &RPCServer{ln: ln, tlsConfig: tlsConfig, handler: handler, log: log.WithComponent("cluster-rpc")}, nil
}

// Serve accepts and handles connections until running returns false.
// Each accept carries a 1s deadline so shutdown is observed promptly,
// matching the acceptor's loop shape in pkg/enroll.
func (s *RPCServer) Serve(running func() bool) {
	for running() {
		_ = s.ln.SetDeadline(time.Now().Add(time.Second))
		conn, err := s.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !running() {
				return
			}
			s.log.Warn().Err(err).Msg("accept error")
			continue
		}
		go s.handle(tls.Server(conn, s.tlsConfig))
	}
}

func (s *RPCServer) handle(conn *tls.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if err := conn.Handshake(); err != nil {
		s.log.Warn().Err(err).Msg("rpc tls handshake failed")
		return
	}

	var req ForwardRequest
	dec := json.NewDecoder(bufio.NewReader(conn))
	if err := dec.Decode(&req); err != nil {
		s.log.Warn().Err(err).Msg("malformed forward request")
		metrics.ClusterForwardsTotal.WithLabelValues("malformed").Inc()
		return
	}

	resp := s.handler(req)

	enc := json.NewEncoder(conn)
	if err := enc.Encode(resp); err != nil {
		s.log.Warn().Err(err).Msg("failed to write forward response")
		return
	}

	result := "rejected"
	if resp.Accepted {
		result = "accepted"
	}
	metrics.ClusterForwardsTotal.WithLabelValues(result).Inc()
}

// Close stops accepting new connections.
func (s *RPCServer) Close() error {
	return s.ln.Close()
}
