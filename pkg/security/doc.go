/*
Package security provides the cluster's certificate authority, mTLS
helpers, and the constant-time password comparison the enrollment
protocol's PASS token relies on.

# Architecture

	┌───────────────────────────────────────────────┐
	│                 security                       │
	└─────┬─────────────────┬──────────────┬────────┘
	      │                 │              │
	      ▼                 ▼              ▼
	┌───────────┐   ┌───────────────┐  ┌──────────┐
	│ CertAuth  │   │ tls.Config    │  │ password │
	│ (RSA CA)  │   │ builders      │  │ compare  │
	└─────┬─────┘   └───────────────┘  └──────────┘
	      │
	      ▼
	  clusterEncryptionKey = SHA-256(clusterID)

The cluster encryption key protects the CA's root private key at rest
(pkg/storage's ca bucket); it is derived once during bootstrap or join
and never leaves memory.

CertAuthority issues short-lived (90 day) node certificates signed by a
long-lived (10 year) self-signed root, for both directions of mTLS on
the cluster RPC listener (pkg/cluster): a node's certificate is valid
as both client and server auth.
*/
package security
