package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
)

const (
	keyPrefix = "convoy:idem:"
	keyWidth  = 32
)

// Key derives the deterministic idempotency key for one unit of work within
// a scope. The hash is truncated to a fixed width; the namespace prefix keeps
// the keyspace separate from budget counters.
func Key(jobID, scopeID string) string {
	sum := sha256.Sum256([]byte(jobID + ":" + scopeID))
	return keyPrefix + hex.EncodeToString(sum[:])[:keyWidth]
}
