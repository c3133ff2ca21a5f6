// Package rendezvous assigns keys to nodes using highest-random-weight
// hashing.
//
// Every (key, node) pair is given a deterministic score and the node with
// the highest score owns the key. Because each node scores independently of
// the others, adding or removing a node only reassigns the keys that the
// changed node scores highest on; all other assignments stay put. That makes
// the scheme a good fit for spreading work, such as batch queues, across a
// node set that changes over time.
package rendezvous

import (
	"bytes"
	"crypto/sha256"
)

// Select returns the candidate that owns key. The result is deterministic
// and does not depend on the order of candidates. The second return value is
// false only when candidates is empty.
func Select(key string, candidates []string) (string, bool) {
	var (
		best      string
		bestScore [sha256.Size]byte
		found     bool
	)
	for _, node := range candidates {
		s := score(key, node)
		if !found || bytes.Compare(s[:], bestScore[:]) > 0 {
			best = node
			bestScore = s
			found = true
		}
	}
	return best, found
}

// score hashes the key and node together. Digests are compared as big-endian
// 256-bit integers, so bytes.Compare on the raw digest gives the right
// ordering directly.
func score(key, node string) [sha256.Size]byte {
	return sha256.Sum256([]byte(key + node))
}
