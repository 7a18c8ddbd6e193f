// Package writer implements the durable writer (C6): the single
// background worker that flushes the keystore's pending journal to the
// client.keys file and replays it into the agents database.
package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/keystore"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/pending"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
)

// Writer is the durable writer described in spec.md §4.6.
type Writer struct {
	ks       *keystore.Keystore
	journal  *pending.Journal
	keysPath string
	store    storage.AgentStore
	broker   *events.Broker
	log      zerolog.Logger

	backoff time.Duration
}

// New builds a Writer. keysPath is the client.keys file to rewrite
// atomically on every flush.
func New(ks *keystore.Keystore, journal *pending.Journal, keysPath string, store storage.AgentStore, broker *events.Broker) *Writer {
	return &Writer{
		ks:       ks,
		journal:  journal,
		keysPath: keysPath,
		store:    store,
		broker:   broker,
		log:      log.WithComponent("writer"),
		backoff:  time.Second,
	}
}

// Run executes the writer's loop until the keystore is stopped. It is
// meant to be the body of a single dedicated goroutine, joined last by
// the supervisor.
func (w *Writer) Run() {
	for {
		w.ks.Lock()
		w.ks.WaitForWork()
		hasWork := w.ks.HasWritePending()
		inserts, removes := w.journal.Drain()
		pendingInserts, pendingRemoves := len(inserts), len(removes)
		w.ks.ClearWritePending()
		w.ks.Unlock()

		// Running and Snapshot take the keystore lock themselves, so they
		// are called only after it is released. The snapshot is taken
		// after the drain, so it already holds every drained change.
		running := w.ks.Running()
		if !hasWork && !running {
			return
		}
		records := w.ks.Snapshot()

		metrics.PendingChanges.WithLabelValues("insert").Set(float64(pendingInserts))
		metrics.PendingChanges.WithLabelValues("remove").Set(float64(pendingRemoves))
		metrics.KeystoreSize.Set(float64(w.ks.Size()))

		timer := metrics.NewTimer()
		w.flush(records, inserts, removes)
		timer.ObserveDuration(metrics.WriterFlushDuration)

		// Stop() can set running=false in the same window a dispatcher
		// sets write_pending=true; hasWork is drained above regardless,
		// so this is the one final flush spec.md §4.7 requires before
		// the writer goroutine exits.
		if !running {
			return
		}
	}
}

func (w *Writer) flush(records []*types.AgentRecord, inserts, removes []types.PendingChange) {
	if err := w.rewriteKeysFile(records); err != nil {
		// The in-memory keystore remains authoritative; the change is
		// still reflected there, so a later successful rewrite catches
		// up. Nothing is lost, only delayed.
		w.log.Error().Err(err).Msg("keys file rewrite failed, will retry next flush")
		time.Sleep(w.backoff)
	}

	for _, c := range inserts {
		w.replayInsert(c)
	}
	for _, c := range removes {
		w.replayRemove(c)
	}

	w.broker.Publish(&events.Event{
		Type:    events.EventWriterFlushed,
		Message: fmt.Sprintf("flushed %d inserts, %d removes", len(inserts), len(removes)),
	})
}

// rewriteKeysFile atomically rewrites the keystore file: write to a
// uuid-suffixed temp file in the same directory, fsync, rename. The
// uuid suffix lets overlapping flush retries coexist without extra
// synchronization beyond the keystore lock already serializing calls
// to Run.
func (w *Writer) rewriteKeysFile(records []*types.AgentRecord) error {
	dir := filepath.Dir(w.keysPath)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", filepath.Base(w.keysPath), uuid.NewString()))

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("writer: open temp file: %w", err)
	}
	defer os.Remove(tmpPath) // no-op once renamed

	if err := keystore.Serialize(f, records); err != nil {
		f.Close()
		return fmt.Errorf("writer: serialize: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("writer: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writer: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, w.keysPath); err != nil {
		return fmt.Errorf("writer: rename: %w", err)
	}

	if err := w.rewriteSidecar(dir); err != nil {
		w.log.Error().Err(err).Msg("timestamp sidecar rewrite failed")
	}
	return nil
}

// rewriteSidecar rewrites the keystore's modification-time marker file
// atomically, the same way the keys file itself is rewritten. Other
// processes (agent-count reporting, log rotation) poll this file
// instead of stat-ing client.keys directly.
func (w *Writer) rewriteSidecar(dir string) error {
	sidecarPath := w.keysPath + ".timestamp"
	tmpPath := filepath.Join(dir, fmt.Sprintf(".timestamp.tmp-%s", uuid.NewString()))

	if err := os.WriteFile(tmpPath, []byte(time.Now().UTC().Format(time.RFC3339Nano)), 0600); err != nil {
		return fmt.Errorf("writer: write sidecar: %w", err)
	}
	defer os.Remove(tmpPath)
	return os.Rename(tmpPath, sidecarPath)
}

// replayInsert applies a pending insert to the agents database.
// Pre-existing rows are informational, not an error (spec.md §4.6
// step 6): a crash between the keys-file rewrite and the database
// replay leaves the change re-derivable from the in-memory keystore on
// restart, and InsertAgent's upsert semantics make the retry safe.
func (w *Writer) replayInsert(c types.PendingChange) {
	row := storage.AgentRow{
		ID:           c.ID,
		Name:         c.Name,
		IP:           c.IP,
		RawKey:       c.Key,
		GroupsCSV:    c.Group,
		RegisteredAt: time.Now(),
	}
	if err := w.store.InsertAgent(row); err != nil {
		w.log.Error().Err(err).Str("agent_id", c.ID).Msg("database insert replay failed")
		return
	}
	if c.Group != "" {
		if err := w.store.SetAgentGroupsCSV(c.ID, c.Group); err != nil {
			w.log.Error().Err(err).Str("agent_id", c.ID).Msg("group assignment replay failed")
		}
	}
}

// replayRemove applies a pending removal to the agents database.
func (w *Writer) replayRemove(c types.PendingChange) {
	if err := w.store.RemoveAgent(c.ID); err != nil {
		w.log.Error().Err(err).Str("agent_id", c.ID).Msg("database remove replay failed")
	}
}
