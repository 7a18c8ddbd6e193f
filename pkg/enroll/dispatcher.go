package enroll

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/cluster"
	"github.com/cuemby/warden/pkg/config"
	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/keystore"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/pending"
	"github.com/cuemby/warden/pkg/types"
	"github.com/cuemby/warden/pkg/validator"
)

// maxRequestSize bounds a single enrollment request read, matching the
// original protocol's 69632-byte ceiling (spec.md §4.5 step 3).
const maxRequestSize = 69632

const rejectFooter = "ERROR: Unable to add agent"

// DispatcherPool runs N workers popping connections from a Queue and
// running them through TLS handshake, request parsing, and either a
// local keystore commit or a cluster forward (spec.md §4.5).
type DispatcherPool struct {
	queue     *Queue
	ks        *keystore.Keystore
	journal   *pending.Journal
	cfg       *config.Config
	tlsConfig *tls.Config
	broker    *events.Broker

	// Forward is set only on worker nodes; it forwards a raw request to
	// the current master and returns the verbatim response lines.
	Forward func(raw []byte, peerIP string) (*cluster.ForwardResponse, error)

	log zerolog.Logger
	wg  sync.WaitGroup
}

// NewDispatcherPool builds a pool of n idle workers; call Run to start them.
func NewDispatcherPool(n int, queue *Queue, ks *keystore.Keystore, journal *pending.Journal, cfg *config.Config, tlsConfig *tls.Config, broker *events.Broker) *DispatcherPool {
	return &DispatcherPool{
		queue:     queue,
		ks:        ks,
		journal:   journal,
		cfg:       cfg,
		tlsConfig: tlsConfig,
		broker:    broker,
		log:       log.WithComponent("dispatcher"),
	}
}

// Run starts n worker goroutines and blocks until they all exit
// (which happens once running() returns false and each worker's
// current PopTimed call times out).
func (p *DispatcherPool) Run(n int, running func() bool) {
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer p.wg.Done()
			p.worker(running)
		}()
	}
	p.wg.Wait()
}

func (p *DispatcherPool) worker(running func() bool) {
	for running() {
		handoff, ok := p.queue.PopTimed(time.Second)
		if !ok {
			continue
		}
		timer := metrics.NewTimer()
		func() {
			// A panic while handling one connection is logged and the
			// worker goes on to the next connection.
			defer func() {
				if r := recover(); r != nil {
					p.log.Error().Interface("panic", r).Str("peer_ip", handoff.PeerIP).Msg("recovered from panic in dispatcher worker")
				}
			}()
			p.handle(handoff)
		}()
		timer.ObserveDuration(metrics.DispatchDuration)
	}
}

func (p *DispatcherPool) handle(h types.ClientHandoff) {
	connID := uuid.NewString()
	connLog := log.WithConnID(connID)
	defer h.Conn.Close()

	tlsConn := tls.Server(h.Conn, p.tlsConfig)
	tlsConn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		connLog.Debug().Err(err).Str("peer_ip", h.PeerIP).Msg("tls handshake failed")
		return
	}

	if p.cfg.VerifyHost {
		state := tlsConn.ConnectionState()
		if err := verifyHostIP(state, h.PeerIP); err != nil {
			connLog.Warn().Err(err).Str("peer_ip", h.PeerIP).Msg("host verify failed")
			return
		}
	}

	req, err := readRequest(tlsConn)
	if err != nil {
		connLog.Debug().Err(err).Msg("read request failed")
		return
	}

	parsed, reason, err := validator.ParseRequest(req, p.cfg)
	if err != nil {
		connLog.Error().Err(err).Msg("unexpected parse error")
		p.reject(tlsConn, "ERROR: Internal error")
		metrics.EnrollmentsTotal.WithLabelValues("transport_error").Inc()
		return
	}
	if reason != validator.RejectNone {
		p.reject(tlsConn, string(reason))
		result := "rejected_protocol"
		if reason == validator.RejectBadPassword {
			result = "rejected_auth"
		}
		metrics.EnrollmentsTotal.WithLabelValues(result).Inc()
		return
	}

	if p.Forward != nil {
		p.forwardToMaster(tlsConn, req, h.PeerIP, connLog)
		return
	}

	p.commitLocally(tlsConn, parsed, h.PeerIP, connLog)
}

func (p *DispatcherPool) forwardToMaster(conn *tls.Conn, raw []byte, peerIP string, connLog zerolog.Logger) {
	resp, err := p.Forward(raw, peerIP)
	if err != nil {
		connLog.Warn().Err(err).Msg("cluster forward failed")
		p.reject(conn, "ERROR: Unable to reach cluster master")
		metrics.EnrollmentsTotal.WithLabelValues("transport_error").Inc()
		return
	}
	for _, line := range resp.Lines {
		if _, err := io.WriteString(conn, line+"\n"); err != nil {
			connLog.Debug().Err(err).Msg("write forwarded response failed")
			return
		}
	}
	if resp.Accepted {
		metrics.EnrollmentsTotal.WithLabelValues("accepted").Inc()
	} else {
		metrics.EnrollmentsTotal.WithLabelValues("rejected_conflict").Inc()
	}
}

func (p *DispatcherPool) commitLocally(conn *tls.Conn, parsed *validator.ParsedRequest, peerIP string, connLog zerolog.Logger) {
	// ResolveAndAuthorize takes the lock itself, record lookup by record
	// lookup (pkg/validator); the insert below is re-checked by Add, so
	// a racing dispatcher that slips in between is caught there rather
	// than by holding the lock across both steps.
	rec, removals, reason, err := validator.ResolveAndAuthorize(parsed, p.ks, p.cfg, peerIP)
	if err != nil {
		connLog.Error().Err(err).Msg("failed to generate agent key")
		p.reject(conn, "ERROR: Internal error")
		metrics.EnrollmentsTotal.WithLabelValues("transport_error").Inc()
		return
	}
	if reason != validator.RejectNone {
		p.reject(conn, string(reason))
		metrics.EnrollmentsTotal.WithLabelValues("rejected_conflict").Inc()
		return
	}

	p.ks.Lock()
	for _, id := range removals {
		removed, err := p.ks.Remove(id)
		if err != nil {
			continue
		}
		p.journal.AppendRemove(types.PendingChange{ID: removed.ID, Name: removed.Name, IP: removed.IP.String(), Key: removed.RawKey, Group: removed.Group})
	}

	id, err := p.ks.Add(rec)
	if err != nil {
		p.ks.SignalWritePending()
		p.ks.Unlock()
		connLog.Warn().Err(err).Msg("keystore add rejected")
		p.reject(conn, "ERROR: Unable to add agent")
		metrics.EnrollmentsTotal.WithLabelValues("rejected_conflict").Inc()
		return
	}
	p.ks.Unlock()

	response := fmt.Sprintf("OSSEC K:'%s %s %s %s'\n", id, rec.Name, rec.IP.String(), rec.RawKey)
	if _, err := io.WriteString(conn, response); err != nil {
		// Roll back by id, never by position: the record just added may
		// no longer be the last one if another worker raced in between.
		p.ks.Lock()
		p.ks.Remove(id)
		p.ks.Unlock()
		connLog.Warn().Err(err).Str("agent_id", id).Msg("response write failed, rolled back insert")
		metrics.EnrollmentsTotal.WithLabelValues("transport_error").Inc()
		return
	}

	p.ks.Lock()
	p.journal.AppendInsert(types.PendingChange{ID: id, Name: rec.Name, IP: rec.IP.String(), Key: rec.RawKey, Group: rec.Group})
	p.ks.SignalWritePending()
	p.ks.Unlock()

	p.broker.Publish(&events.Event{Type: events.EventAgentEnrolled, Message: fmt.Sprintf("agent %s enrolled", id), Metadata: map[string]string{"agent_id": id}})
	metrics.EnrollmentsTotal.WithLabelValues("accepted").Inc()
}

func (p *DispatcherPool) reject(conn *tls.Conn, reason string) {
	io.WriteString(conn, reason+"\n")
	io.WriteString(conn, rejectFooter+"\n")
}

func readRequest(conn net.Conn) ([]byte, error) {
	buf := make([]byte, maxRequestSize)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		return nil, err
	}
	return buf[:n], nil
}

func verifyHostIP(state tls.ConnectionState, peerIP string) error {
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("enroll: no peer certificate presented")
	}
	cn := state.PeerCertificates[0].Subject.CommonName
	if cn != peerIP {
		return fmt.Errorf("enroll: certificate CN %q does not match source IP %q", cn, peerIP)
	}
	return nil
}
