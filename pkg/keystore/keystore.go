/*
Package keystore implements warden's in-memory agent identity table (C1
in the design notes): a map from agent id to AgentRecord with secondary
indices by name+ip, and by raw-key, plus the canonical on-disk line
format.

Keystore is guarded by a single sync.Mutex, shared with the pending
change journal (pkg/pending) so that a dispatcher's add/remove and the
journal append it triggers are atomic with respect to every other
reader. Callers that only need a single-record lookup may take the lock
for the duration of the call; callers that must observe a consistent
cross-record view (the durable writer's flush) take it for their whole
critical section.
*/
package keystore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/warden/pkg/types"
)

// ConflictKind enumerates why Add rejected a record.
type ConflictKind int

const (
	ConflictNone ConflictKind = iota
	ConflictIDExists
	ConflictNameIPExists
	ConflictKeyExists
	ConflictInvalidName
	ConflictInvalidIP
)

func (c ConflictKind) String() string {
	switch c {
	case ConflictIDExists:
		return "id_exists"
	case ConflictNameIPExists:
		return "name_ip_exists"
	case ConflictKeyExists:
		return "key_exists"
	case ConflictInvalidName:
		return "invalid_name"
	case ConflictInvalidIP:
		return "invalid_ip"
	default:
		return "none"
	}
}

// ConflictError wraps a ConflictKind so callers can errors.As it.
type ConflictError struct {
	Kind ConflictKind
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("keystore: conflict: %s", e.Kind)
}

// ErrNotFound is returned by Remove and the Find* lookups.
var ErrNotFound = errors.New("keystore: not found")

type nameIPKey struct {
	name string
	ip   string
}

// Keystore is the in-memory identity table described in spec.md §3/§4.1.
type Keystore struct {
	mu   sync.Mutex
	cond *sync.Cond

	byID      map[string]*types.AgentRecord
	byNameIP  map[nameIPKey]*types.AgentRecord
	byKeyHash map[string]*types.AgentRecord

	clearRemoved bool
	maxID        uint64

	writePending bool
	running      bool
}

// New returns an empty Keystore. clearRemoved controls whether Load
// purges records flagged removed instead of retaining them.
func New(clearRemoved bool) *Keystore {
	k := &Keystore{
		byID:         make(map[string]*types.AgentRecord),
		byNameIP:     make(map[nameIPKey]*types.AgentRecord),
		byKeyHash:    make(map[string]*types.AgentRecord),
		clearRemoved: clearRemoved,
		running:      true,
	}
	k.cond = sync.NewCond(&k.mu)
	return k
}

// Lock and Unlock expose the keystore's mutex so pkg/pending can append
// to the journal in the same critical section as a keystore mutation,
// per spec.md §5's single-lock discipline.
func (k *Keystore) Lock()   { k.mu.Lock() }
func (k *Keystore) Unlock() { k.mu.Unlock() }

// SignalWritePending marks that the journal holds an unflushed change
// and wakes the durable writer. The caller must already hold the lock,
// in the same critical section as the Add/Remove and journal append it
// is reporting.
func (k *Keystore) SignalWritePending() {
	k.writePending = true
	k.cond.Signal()
}

// WaitForWork blocks the durable writer until a change is pending or
// the keystore has been stopped, per spec.md §4.6 step 1. The caller
// must hold the lock; WaitForWork releases it while blocked and
// reacquires it before returning. It does not itself report whether
// the keystore is still running: a Stop() can set running=false in the
// same window a dispatcher sets writePending, and the writer must still
// flush that pending change before exiting — callers check
// HasWritePending and Running separately rather than collapsing both
// into one bool.
func (k *Keystore) WaitForWork() {
	for !k.writePending && k.running {
		k.cond.Wait()
	}
}

// HasWritePending reports whether the journal holds an unflushed
// change. Caller must hold the lock.
func (k *Keystore) HasWritePending() bool {
	return k.writePending
}

// ClearWritePending resets the flag once the writer has detached the
// pending journal under the same lock acquisition. Caller holds the lock.
func (k *Keystore) ClearWritePending() {
	k.writePending = false
}

// Stop flips running to false and wakes any waiter unconditionally, so
// the writer observes shutdown within its next wake per spec.md §4.7's
// "acquire the lock and signal the condition unconditionally" rule.
func (k *Keystore) Stop() {
	k.mu.Lock()
	k.running = false
	k.cond.Broadcast()
	k.mu.Unlock()
}

// Running reports whether the keystore is still running, that is,
// false once Stop has been called. It takes the lock itself.
func (k *Keystore) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.running
}

// Size returns the number of non-removed records, for metrics.
func (k *Keystore) Size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for _, rec := range k.byID {
		if !rec.Removed {
			n++
		}
	}
	return n
}

// Add enforces the uniqueness invariants in spec.md §3 and assigns the
// next id as max(existing)+1. The caller must already hold the lock.
func (k *Keystore) Add(rec *types.AgentRecord) (string, error) {
	if rec.Name == "" {
		return "", &ConflictError{ConflictInvalidName}
	}
	if rec.IP.Raw == "" {
		return "", &ConflictError{ConflictInvalidIP}
	}

	nik := nameIPKey{rec.Name, rec.IP.String()}
	if existing, ok := k.byNameIP[nik]; ok && !existing.Removed {
		return "", &ConflictError{ConflictNameIPExists}
	}
	if rec.RawKey != "" {
		if existing, ok := k.byKeyHash[rec.RawKey]; ok && !existing.Removed {
			return "", &ConflictError{ConflictKeyExists}
		}
	}
	if rec.ID != "" {
		if existing, ok := k.byID[rec.ID]; ok && !existing.Removed {
			return "", &ConflictError{ConflictIDExists}
		}
	}

	if rec.ID == "" {
		k.maxID++
		rec.ID = formatID(k.maxID)
	} else if n, err := strconv.ParseUint(rec.ID, 10, 64); err == nil && n > k.maxID {
		k.maxID = n
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	k.byID[rec.ID] = rec
	k.byNameIP[nik] = rec
	if rec.RawKey != "" {
		k.byKeyHash[rec.RawKey] = rec
	}

	return rec.ID, nil
}

func formatID(n uint64) string {
	// Wrap protection: the original wraps to 1 rather than overflowing
	// into a non-numeric id; for a uint64 counter this is unreachable
	// in practice but kept for parity with spec.md's "max(existing)+1
	// with wrap protection".
	if n == 0 {
		n = 1
	}
	return fmt.Sprintf("%03d", n)
}

// Remove marks a record removed (lazy delete) and drops its secondary
// index entries so later Adds can reuse the name/ip/key. The caller
// must hold the lock.
func (k *Keystore) Remove(id string) (*types.AgentRecord, error) {
	rec, ok := k.byID[id]
	if !ok || rec.Removed {
		return nil, ErrNotFound
	}
	rec.Removed = true
	delete(k.byNameIP, nameIPKey{rec.Name, rec.IP.String()})
	if rec.RawKey != "" {
		delete(k.byKeyHash, rec.RawKey)
	}
	return rec, nil
}

// FindByID looks up a non-removed record by id. Safe to call without
// the lock held for a single lookup per spec.md §5.
func (k *Keystore) FindByID(id string) (*types.AgentRecord, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rec, ok := k.byID[id]
	if !ok || rec.Removed {
		return nil, false
	}
	return rec, true
}

// FindByNameIP looks up a non-removed record by (name, ip).
func (k *Keystore) FindByNameIP(name, ip string) (*types.AgentRecord, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rec, ok := k.byNameIP[nameIPKey{name, ip}]
	if !ok || rec.Removed {
		return nil, false
	}
	return rec, true
}

// FindByKeyHash looks up a non-removed record by raw key.
func (k *Keystore) FindByKeyHash(hash string) (*types.AgentRecord, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rec, ok := k.byKeyHash[hash]
	if !ok || rec.Removed {
		return nil, false
	}
	return rec, true
}

// FindByName scans non-removed records for a name match regardless of
// ip; used by the validator's duplicate-resolution policy (spec.md
// §4.3 step 4), which is keyed on name alone before ip is considered.
func (k *Keystore) FindByName(name string) (*types.AgentRecord, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, rec := range k.byID {
		if !rec.Removed && rec.Name == name {
			return rec, true
		}
	}
	return nil, false
}

// Snapshot returns a deep, independent copy of every record (including
// removed ones) suitable for background serialization without holding
// the lock for the duration of the write.
func (k *Keystore) Snapshot() []*types.AgentRecord {
	k.mu.Lock()
	defer k.mu.Unlock()

	out := make([]*types.AgentRecord, 0, len(k.byID))
	for _, rec := range k.byID {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// Serialize emits the canonical client.keys line format described in
// spec.md §6: "id name ip rawkey[ #comment]", removed records prefixed
// with "!". Records are written in ascending numeric id order so the
// output is deterministic (required by the load∘serialize invariant in
// spec.md §8).
func Serialize(w io.Writer, records []*types.AgentRecord) error {
	sorted := make([]*types.AgentRecord, len(records))
	copy(sorted, records)
	sortByID(sorted)

	bw := bufio.NewWriter(w)
	for _, rec := range sorted {
		prefix := ""
		if rec.Removed {
			prefix = "!"
		}
		line := fmt.Sprintf("%s%s %s %s %s\n", prefix, rec.ID, rec.Name, rec.IP.String(), rec.RawKey)
		if _, err := bw.WriteString(line); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func sortByID(records []*types.AgentRecord) {
	// Records arrive from a map iteration; insertion sort is fine at
	// the scale a single keystore file reaches and avoids pulling in
	// sort for what is, in practice, a handful of comparisons per
	// flush relative to the write itself.
	for i := 1; i < len(records); i++ {
		j := i
		for j > 0 && idLess(records[j].ID, records[j-1].ID) {
			records[j], records[j-1] = records[j-1], records[j]
			j--
		}
	}
}

func idLess(a, b string) bool {
	an, aerr := strconv.ParseUint(a, 10, 64)
	bn, berr := strconv.ParseUint(b, 10, 64)
	if aerr == nil && berr == nil {
		return an < bn
	}
	return a < b
}

// Load parses the canonical line format into a fresh Keystore. Records
// flagged removed are dropped entirely when clearRemoved is true,
// matching spec.md §4.1's load semantics.
func Load(r io.Reader, clearRemoved bool) (*Keystore, error) {
	ks := New(clearRemoved)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			continue
		}

		removed := false
		if line[0] == '!' {
			removed = true
			line = line[1:]
		}

		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		rec := &types.AgentRecord{
			ID:      fields[0],
			Name:    fields[1],
			IP:      types.IPPredicate{Raw: fields[2]},
			RawKey:  fields[3],
			Removed: removed,
		}

		if removed && clearRemoved {
			continue
		}

		ks.byID[rec.ID] = rec
		if !removed {
			ks.byNameIP[nameIPKey{rec.Name, rec.IP.String()}] = rec
			if rec.RawKey != "" {
				ks.byKeyHash[rec.RawKey] = rec
			}
		}
		if n, err := strconv.ParseUint(rec.ID, 10, 64); err == nil && n > ks.maxID {
			ks.maxID = n
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("keystore: load: %w", err)
	}
	return ks, nil
}
