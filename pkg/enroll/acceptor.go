package enroll

import (
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/types"
)

// acceptTick bounds how long Accept blocks before the acceptor
// re-checks whether it should keep running, per spec.md §4.4's
// select-with-timeout loop translated to Go's deadline idiom.
const acceptTick = time.Second

// Acceptor owns the plain TCP listener; TLS is negotiated later by a
// dispatcher worker, not here, so a slow handshake never stalls new
// accepts (spec.md §4.4/§4.5 split).
type Acceptor struct {
	ln    *net.TCPListener
	queue *Queue
	log   zerolog.Logger
}

// NewAcceptor binds addr and returns an Acceptor feeding queue.
func NewAcceptor(addr string, queue *Queue) (*Acceptor, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, &ConfigError{Reason: "invalid listen address", Err: err}
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, &ConfigError{Reason: "bind listener", Err: err}
	}
	return &Acceptor{ln: ln, queue: queue, log: log.WithComponent("acceptor")}, nil
}

// Addr returns the bound address, useful when addr was ":0".
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Run accepts connections until running returns false. Every accepted
// connection is wrapped as a ClientHandoff and pushed to the queue;
// on a full queue the connection is closed immediately rather than
// blocking the acceptor (spec.md §4.4).
func (a *Acceptor) Run(running func() bool) {
	for running() {
		_ = a.ln.SetDeadline(time.Now().Add(acceptTick))
		conn, err := a.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !running() {
				return
			}
			a.log.Warn().Err(err).Msg("accept error")
			continue
		}

		peerIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		handoff := types.ClientHandoff{Conn: conn, PeerIP: peerIP, Handoff: time.Now()}

		if !a.queue.TryPush(handoff) {
			metrics.QueueDropsTotal.Inc()
			a.log.Warn().Str("peer_ip", peerIP).Msg("client queue full, dropping connection")
			conn.Close()
			continue
		}
		metrics.QueueDepth.Set(float64(a.queue.Len()))
	}
}

// Close stops the listener.
func (a *Acceptor) Close() error {
	return a.ln.Close()
}
