// Package types defines the core data model shared across warden's
// enrollment pipeline: agent records, pending change journals, and the
// connection handoff between the acceptor and the dispatcher pool.
package types

import (
	"net"
	"time"
)

// IPPredicate is either a literal IPv4/IPv6 address, the literal "any",
// or a CIDR block an agent's source address must fall within.
type IPPredicate struct {
	Raw string // exactly as supplied in the IP:'...' token, or "any"
}

// Any reports whether the predicate matches every source address.
func (p IPPredicate) Any() bool {
	return p.Raw == "" || p.Raw == "any"
}

func (p IPPredicate) String() string {
	if p.Any() {
		return "any"
	}
	return p.Raw
}

// AgentRecord is the unit of identity the keystore manages.
type AgentRecord struct {
	ID        string // decimal digits, unique among non-removed records
	Name      string // printable, length-bounded, no whitespace
	IP        IPPredicate
	RawKey    string // opaque printable symmetric key
	Group     string // optional centralized-group assignment (comma-joined)
	CreatedAt time.Time
	Removed   bool // lazy-delete flag, distinct from physical deletion
}

// PendingKind tags a PendingChange as an insert or a removal.
type PendingKind int

const (
	PendingInsert PendingKind = iota
	PendingRemove
)

// PendingChange is a durable-writer replay unit: a snapshot of the
// AgentRecord fields needed to apply the change to disk and to the
// agents database, independent of the live keystore's lifetime.
type PendingChange struct {
	Kind PendingKind
	ID   string
	Name string
	IP   string
	Key  string
	Group string
}

// ClientHandoff is produced by the acceptor for each accepted TCP
// connection and owned by the bounded client queue until a dispatcher
// worker pops it. The popping worker is responsible for closing Conn
// on every exit path.
type ClientHandoff struct {
	Conn    net.Conn
	PeerIP  string
	Handoff time.Time
}
