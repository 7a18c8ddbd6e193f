package security

import "crypto/subtle"

// ComparePassword reports whether candidate matches the configured
// enrollment password in constant time, so a dispatcher worker cannot
// be used as a byte-at-a-time password oracle.
func ComparePassword(candidate, configured string) bool {
	if len(candidate) != len(configured) {
		// Still run a comparison of equal cost to the configured
		// password's length so a length mismatch doesn't short-circuit
		// timing any faster than a same-length mismatch would.
		subtle.ConstantTimeCompare([]byte(configured), []byte(configured))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(configured)) == 1
}
