// Package pending implements the two singly-linked pending-change
// journals described in spec.md §4.2: queued inserts and removals
// awaiting a durable-writer flush. Append is O(1) via a
// tail-pointer-to-pointer; Drain hands the lists to the writer in one
// ownership-transferring swap.
package pending

import (
	"github.com/cuemby/warden/pkg/types"
)

type node struct {
	change types.PendingChange
	next   *node
}

// Journal holds the insert and remove queues. Every method must be
// called with the keystore's lock held (pkg/keystore.Keystore.Lock) so
// that a record's keystore mutation and its journal entry land in the
// same critical section, per spec.md §5.
type Journal struct {
	insertHead, insertTail *node
	removeHead, removeTail *node

	pendingInserts int
	pendingRemoves int
}

// New returns an empty Journal.
func New() *Journal {
	return &Journal{}
}

// AppendInsert records a change to replay as a database insert.
func (j *Journal) AppendInsert(c types.PendingChange) {
	c.Kind = types.PendingInsert
	j.append(&j.insertHead, &j.insertTail, c)
	j.pendingInserts++
}

// AppendRemove records a change to replay as a database removal.
func (j *Journal) AppendRemove(c types.PendingChange) {
	c.Kind = types.PendingRemove
	j.append(&j.removeHead, &j.removeTail, c)
	j.pendingRemoves++
}

func (j *Journal) append(head, tail **node, c types.PendingChange) {
	n := &node{change: c}
	if *head == nil {
		*head = n
	} else {
		(*tail).next = n
	}
	*tail = n
}

// Pending reports whether either queue holds an unflushed change.
func (j *Journal) Pending() bool {
	return j.insertHead != nil || j.removeHead != nil
}

// Counts returns the number of queued inserts and removes, for metrics.
func (j *Journal) Counts() (inserts, removes int) {
	return j.pendingInserts, j.pendingRemoves
}

// Drain detaches both lists in one step — resetting the journal to
// empty — and returns their contents as plain slices. Only the durable
// writer calls this; once drained, the caller owns the returned slices
// exclusively and the Journal retains nothing of them.
func (j *Journal) Drain() (inserts, removes []types.PendingChange) {
	inserts = toSlice(j.insertHead)
	removes = toSlice(j.removeHead)

	j.insertHead, j.insertTail = nil, nil
	j.removeHead, j.removeTail = nil, nil
	j.pendingInserts, j.pendingRemoves = 0, 0

	return inserts, removes
}

func toSlice(head *node) []types.PendingChange {
	var out []types.PendingChange
	for n := head; n != nil; n = n.next {
		out = append(out, n.change)
	}
	return out
}
