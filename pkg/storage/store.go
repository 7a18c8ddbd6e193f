// Package storage persists the durable side effects of the enrollment
// pipeline: the agents database the writer (pkg/writer) replays pending
// changes into, and the cluster certificate authority's root material.
// It does not hold the live identity table — that is pkg/keystore's
// in-memory job — only what must survive a restart.
package storage

import (
	"time"
)

// AgentRow is the durable record written by the writer after a
// keystore insert or removal has been accepted. It mirrors
// types.AgentRecord but is shaped for the database rather than for the
// in-memory uniqueness indices.
type AgentRow struct {
	ID          string
	Name        string
	IP          string
	RawKey      string
	GroupsCSV   string
	Removed     bool
	RegisteredAt time.Time
}

// AgentStore is the persistence surface the durable writer (C6) and the
// cluster package (for CA material) depend on. Every method must be
// safe to call concurrently; the writer is the only caller that
// mutates agent rows, but cluster RPC handlers read the CA
// concurrently with writer flushes.
type AgentStore interface {
	// InsertAgent upserts an agent row. A pre-existing row for the same
	// id is informational, not an error: the writer may replay an
	// insert for a record that was already persisted by a previous
	// flush that crashed after the DB write but before the pending
	// journal was cleared.
	InsertAgent(row AgentRow) error

	// SetAgentGroupsCSV overrides the group assignment for an
	// already-persisted agent. Called only when the enrollment request
	// carried an explicit G:'...' token.
	SetAgentGroupsCSV(id, groupsCSV string) error

	// RemoveAgent marks the row removed without deleting it, mirroring
	// the keystore's own lazy-delete semantics so the database and the
	// in-memory table never disagree on whether an id is reusable.
	RemoveAgent(id string) error

	// Query returns every row, removed or not, in id order.
	Query() ([]AgentRow, error)

	// SaveCA and GetCA persist the cluster certificate authority's
	// encrypted root material (pkg/security.CertAuthority).
	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	Close() error
}
