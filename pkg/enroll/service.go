package enroll

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/cluster"
	"github.com/cuemby/warden/pkg/config"
	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/keystore"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/pending"
	"github.com/cuemby/warden/pkg/security"
)

// Service wires together the acceptor, the bounded queue, and the
// dispatcher pool into the agent-facing half of the enrollment
// pipeline described in spec.md §4: Acceptor -> Queue -> DispatcherPool
// -> Keystore. The durable writer (pkg/writer) is started separately by
// the supervisor, since only master/standalone nodes run a writer. The
// cluster RPC listener (pkg/cluster.ListenRPC) is not started by
// wardend.
type Service struct {
	cfg     *config.Config
	ks      *keystore.Keystore
	journal *pending.Journal
	broker  *events.Broker

	queue      *Queue
	acceptor   *Acceptor
	dispatcher *DispatcherPool

	log zerolog.Logger

	running int32
}

// New builds a Service bound to cfg.Port. serverTLS is the TLS config
// the dispatcher pool uses to terminate agent connections.
func New(cfg *config.Config, ks *keystore.Keystore, journal *pending.Journal, broker *events.Broker, serverTLS *tls.Config) (*Service, error) {
	queue := NewQueue(cfg.QueueCapacity)
	acceptor, err := NewAcceptor(fmt.Sprintf(":%d", cfg.Port), queue)
	if err != nil {
		return nil, err
	}

	dispatcher := NewDispatcherPool(cfg.PoolSize, queue, ks, journal, cfg, serverTLS, broker)

	return &Service{
		cfg:        cfg,
		ks:         ks,
		journal:    journal,
		broker:     broker,
		queue:      queue,
		acceptor:   acceptor,
		dispatcher: dispatcher,
		log:        log.WithComponent("enroll-service"),
	}, nil
}

// EnableClusterForward switches the dispatcher pool into worker mode:
// every parsed request is forwarded to masterAddr over mTLS instead of
// touching the local keystore (spec.md §4.5, "the master decides").
func (s *Service) EnableClusterForward(masterAddr string, clientTLS *tls.Config) {
	s.dispatcher.Forward = func(raw []byte, peerIP string) (*cluster.ForwardResponse, error) {
		return cluster.ForwardEnrollment(masterAddr, clientTLS, raw, peerIP)
	}
}

// EnableClusterForwardFromCA is a convenience for the common case of
// building the client TLS config straight from this node's issued
// worker certificate and the cluster CA's root.
func (s *Service) EnableClusterForwardFromCA(masterAddr string, nodeCert tls.Certificate, ca *security.CertAuthority) error {
	rootCert, err := x509.ParseCertificate(ca.GetRootCACert())
	if err != nil {
		return fmt.Errorf("enroll: parse root ca cert: %w", err)
	}
	s.EnableClusterForward(masterAddr, security.BuildClientTLSConfig(nodeCert, rootCert))
	return nil
}

// Run starts the acceptor and dispatcher pool and blocks until both
// have stopped, which happens once the keystore is stopped (spec.md
// §4.7's shutdown signal doubles as this pipeline's running flag).
func (s *Service) Run() {
	atomic.StoreInt32(&s.running, 1)
	defer atomic.StoreInt32(&s.running, 0)

	done := make(chan struct{})
	go func() {
		s.dispatcher.Run(s.cfg.PoolSize, s.isRunning)
		close(done)
	}()

	s.acceptor.Run(s.isRunning)
	<-done
}

func (s *Service) isRunning() bool {
	return s.ks.Running()
}

// Addr returns the bound listener address.
func (s *Service) Addr() string {
	return s.acceptor.Addr().String()
}

// Close releases the acceptor's listener. The dispatcher pool stops on
// its own once Run's running callback goes false.
func (s *Service) Close() error {
	return s.acceptor.Close()
}
