// Package hashutil implements the stable content-hash primitive (C2) used
// for per-pipeline change detection and the manager's combined hash.
//
// The algorithm (SHA-1 hex digest, UTF-8 input) is mandated by the contract,
// not chosen for collision resistance, so there is no ecosystem package to
// reach for here — this is the one leaf built on the standard library alone.
package hashutil

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// Sum returns the lower-case hex SHA-1 digest of s.
func Sum(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

// Combine concatenates hashes in order and hashes the result, matching the
// "combinedHash = sha(concat)" rule in §4.6. It does not sort or dedupe —
// callers own ordering (registration order, per the frozen-order decision
// in DESIGN.md).
func Combine(hashes []string) string {
	return Sum(strings.Join(hashes, ""))
}

// CombineOptional is Combine, except any unknown (nil) hash in the input
// makes the whole result unknown ("", false), matching "if any is null,
// result is null" in §4.6. Unlike Combine it takes optional hashes as
// pointers so the caller can distinguish "hash is the empty string" (never
// produced by Sum) from "hash not yet known".
func CombineOptional(hashes []*string) (string, bool) {
	parts := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if h == nil {
			return "", false
		}
		parts = append(parts, *h)
	}
	return Combine(parts), true
}
