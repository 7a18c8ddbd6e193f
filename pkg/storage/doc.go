/*
Package storage provides BoltDB-backed persistence for the agents
database and the cluster certificate authority.

It is deliberately narrow: the keystore (pkg/keystore) is the
authoritative in-memory identity table, and the canonical client.keys
file (pkg/keystore.Serialize) is the authoritative on-disk format. This
package exists only for the secondary agents database the durable
writer replays pending changes into, and for the CA root material the
cluster package needs across restarts.

# Buckets

	agents - one row per agent id, JSON-encoded AgentRow
	ca     - single entry holding the encrypted CertAuthority root material

# Transaction model

Reads use db.View, writes use db.Update, following bbolt's single-writer
MVCC model. InsertAgent and RemoveAgent are both idempotent: replaying
a pending change against a row already in the expected state is not an
error, since the writer may re-apply a change after a crash that left
the pending journal undrained.
*/
package storage
