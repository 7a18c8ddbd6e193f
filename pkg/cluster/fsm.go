package cluster

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// membershipFSM is the raft finite state machine backing warden's
// manager cluster. Unlike the teacher's WarrenFSM, it does not
// replicate the keystore — the keystore stays node-local and is kept
// consistent across masters by client.keys plus the agents database,
// not by raft. The FSM here exists only so raft has a log to commit
// to while electing a master; it tracks nothing beyond an applied-
// entry counter used for diagnostics.
type membershipFSM struct {
	mu      sync.Mutex
	applied uint64
}

func newMembershipFSM() *membershipFSM {
	return &membershipFSM{}
}

// Apply is invoked for every committed log entry. warden never writes
// log entries carrying meaningful data (AddVoter/RemoveServer already
// mutate raft's own configuration), so this only tracks a counter.
func (f *membershipFSM) Apply(entry *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied++
	return nil
}

func (f *membershipFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &membershipSnapshot{Applied: f.applied}, nil
}

func (f *membershipFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap membershipSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return err
	}
	f.mu.Lock()
	f.applied = snap.Applied
	f.mu.Unlock()
	return nil
}

type membershipSnapshot struct {
	Applied uint64 `json:"applied"`
}

func (s *membershipSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *membershipSnapshot) Release() {}
