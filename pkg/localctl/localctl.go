// Package localctl implements the local control listener named in
// spec.md §4.8: a UNIX domain socket accepting line-delimited JSON
// commands. It is intentionally minimal — one goroutine, one
// json.Decoder per connection — since the spec scopes it out of
// detailed design and only requires that "stop" flips the same running
// flag the supervisor watches.
package localctl

import (
	"encoding/json"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/log"
)

// command is the line-delimited JSON request shape. Op is currently
// either "stop" or "status"; unrecognized ops get an error reply.
type command struct {
	Op string `json:"op"`
}

type reply struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Status  string `json:"status,omitempty"`
}

// StatusFunc returns a human-readable status string for the "status" op.
type StatusFunc func() string

// Listener accepts control connections on a UNIX domain socket.
type Listener struct {
	ln     net.Listener
	path   string
	status StatusFunc
	log    zerolog.Logger

	mu      sync.Mutex
	onStop  func()
	closed  bool
}

// New binds a UNIX domain socket at path, removing any stale socket
// file left behind by an unclean prior shutdown.
func New(path string, status StatusFunc) (*Listener, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, path: path, status: status, log: log.WithComponent("localctl")}, nil
}

// OnStop registers the callback invoked when a client sends {"op":"stop"}.
func (l *Listener) OnStop(fn func()) {
	l.mu.Lock()
	l.onStop = fn
	l.mu.Unlock()
}

// Run accepts connections until Close is called.
func (l *Listener) Run() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.isClosed() {
				return
			}
			l.log.Warn().Err(err).Msg("accept error")
			continue
		}
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var cmd command
		if err := dec.Decode(&cmd); err != nil {
			return
		}

		switch cmd.Op {
		case "stop":
			l.mu.Lock()
			onStop := l.onStop
			l.mu.Unlock()
			if onStop != nil {
				onStop()
			}
			enc.Encode(reply{OK: true})
		case "status":
			status := ""
			if l.status != nil {
				status = l.status()
			}
			enc.Encode(reply{OK: true, Status: status})
		default:
			enc.Encode(reply{OK: false, Error: "unknown op"})
		}
	}
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops accepting new connections and removes the socket file.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	err := l.ln.Close()
	_ = os.Remove(l.path)
	return err
}
