// Package supervisor owns wardend's process lifecycle (C7): startup
// ordering, the PID file, signal handling, and the drain-then-stop
// shutdown sequence described in spec.md §4.7. No other package
// registers a signal handler, so "only the supervisor delivers signals"
// holds structurally rather than by convention.
package supervisor

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/cluster"
	"github.com/cuemby/warden/pkg/config"
	"github.com/cuemby/warden/pkg/enroll"
	"github.com/cuemby/warden/pkg/keystore"
	"github.com/cuemby/warden/pkg/localctl"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/writer"
)

// State is the service-level lifecycle state from spec.md §4.7's state
// machine: INIT -> CONFIGURED -> LISTENING -> DRAINING -> STOPPED, with
// a TERMINATED branch for a fatal startup failure.
type State int

const (
	StateInit State = iota
	StateConfigured
	StateListening
	StateDraining
	StateStopped
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConfigured:
		return "CONFIGURED"
	case StateListening:
		return "LISTENING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Supervisor drives the enrollment service, the durable writer (on
// master/standalone nodes), and the local control listener through one
// shutdown sequence, in the start order spec.md §4.7 names.
type Supervisor struct {
	cfg     *config.Config
	ks      *keystore.Keystore
	service *enroll.Service
	writer  *writer.Writer // nil on worker nodes
	localCtl *localctl.Listener
	cluster *cluster.Cluster // nil on standalone nodes

	pidPath string

	mu    sync.Mutex
	state State

	log zerolog.Logger
}

// New builds a Supervisor. writer and clus may be nil: writer is nil on
// worker nodes (they never hold a durable keystore), clus is nil on
// standalone nodes (no master election to participate in).
func New(cfg *config.Config, ks *keystore.Keystore, service *enroll.Service, w *writer.Writer, localCtl *localctl.Listener, clus *cluster.Cluster) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		ks:       ks,
		service:  service,
		writer:   w,
		localCtl: localCtl,
		cluster:  clus,
		pidPath:  pidFilePath(cfg),
		state:    StateInit,
		log:      log.WithComponent("supervisor"),
	}
}

func pidFilePath(cfg *config.Config) string {
	return fmt.Sprintf("%s/wardend.pid", cfg.WorkDir)
}

// State reports the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.log.Info().Str("state", st.String()).Msg("lifecycle transition")
}

// Run starts every component in spec.md §4.7's order, blocks until a
// TERM/INT/HUP signal or the local control listener requests a stop,
// then drains (see drain for the order). It returns only once shutdown is
// complete (state STOPPED) or a startup step fails (state TERMINATED).
func (s *Supervisor) Run() error {
	s.setState(StateConfigured)

	if err := s.writePIDFile(); err != nil {
		s.setState(StateTerminated)
		return fmt.Errorf("supervisor: write pid file: %w", err)
	}
	defer s.removePIDFile()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	signal.Ignore(syscall.SIGPIPE)
	defer signal.Stop(sigCh)

	stopRequested := make(chan struct{})
	var stopOnce sync.Once
	requestStop := func() { stopOnce.Do(func() { close(stopRequested) }) }

	if s.localCtl != nil {
		s.localCtl.OnStop(requestStop)
		go s.localCtl.Run()
	}

	writerDone := make(chan struct{})
	if s.writer != nil {
		go func() {
			s.writer.Run()
			close(writerDone)
		}()
	} else {
		close(writerDone)
	}

	serviceDone := make(chan struct{})
	go func() {
		s.service.Run()
		close(serviceDone)
	}()

	s.setState(StateListening)

	select {
	case sig := <-sigCh:
		s.log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-stopRequested:
		s.log.Info().Msg("shutdown requested via local control socket")
	}

	s.setState(StateDraining)
	return s.drain(serviceDone, writerDone)
}

// drain implements spec.md §4.7's shutdown: flip the keystore's running
// flag (which the acceptor, dispatcher pool, and writer all observe),
// then close and join the enrollment service, close the local control
// listener, shut down the cluster, and join the writer last, then
// STOPPED.
func (s *Supervisor) drain(serviceDone, writerDone chan struct{}) error {
	s.ks.Stop()

	if err := s.service.Close(); err != nil {
		s.log.Warn().Err(err).Msg("closing acceptor listener")
	}
	waitOrWarn(s.log, "enrollment service", serviceDone, 5*time.Second)

	if s.localCtl != nil {
		s.localCtl.Close()
	}

	if s.cluster != nil {
		if err := s.cluster.Shutdown(); err != nil {
			s.log.Warn().Err(err).Msg("cluster shutdown")
		}
	}

	// The writer's WaitForWork loop only observes running==false on its
	// next wake; Stop already broadcast, so this wait is bounded by the
	// writer's own flush time, not an additional signal round-trip.
	waitOrWarn(s.log, "durable writer", writerDone, 10*time.Second)

	s.setState(StateStopped)
	return nil
}

func waitOrWarn(log zerolog.Logger, name string, done <-chan struct{}, timeout time.Duration) {
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn().Str("component", name).Dur("timeout", timeout).Msg("component did not stop in time")
	}
}

func (s *Supervisor) writePIDFile() error {
	if err := os.MkdirAll(s.cfg.WorkDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(s.pidPath, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func (s *Supervisor) removePIDFile() {
	if err := os.Remove(s.pidPath); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Msg("removing pid file")
	}
}
