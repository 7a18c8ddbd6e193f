/*
Package cluster provides two independent pieces of multi-manager
support: raft-based master election (cluster.go, fsm.go) and the
worker-to-master enrollment forwarding RPC (rpc.go, client.go).

A standalone deployment uses neither. A clustered deployment runs raft
only among manager nodes to decide which one is master; workers never
join the raft cluster, they only dial the current master's RPC
listener with ForwardEnrollment when they receive an agent enrollment
they cannot resolve themselves (spec.md §4.5 step 5).

The keystore itself is never replicated through raft — only mastership
is. Each manager keeps its own client.keys and agents database, kept
consistent by the same durable writer every other node runs; raft only
arbitrates who is allowed to accept writes.
*/
package cluster
