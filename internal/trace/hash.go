package trace

import (
	"crypto/sha256"
	"encoding/hex"
)

// ComputeTraceHash hashes an already canonical trace encoding, such as the
// output of PublishTrace.CanonicalJSON. Empty input hashes to "".
func ComputeTraceHash(canonicalEncoding []byte) string {
	if len(canonicalEncoding) == 0 {
		return ""
	}
	sum := sha256.Sum256(canonicalEncoding)
	return hex.EncodeToString(sum[:])
}
