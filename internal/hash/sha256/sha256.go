// Package sha256 derives short task fingerprints from SHA-256 digests.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// DefaultLength is the number of hex characters kept in a fingerprint.
const DefaultLength = 10

// Hasher produces truncated hex digests. The zero value uses DefaultLength.
type Hasher struct {
	Length int
}

// New returns a hasher that keeps length hex characters; length <= 0 means DefaultLength.
func New(length int) *Hasher {
	return &Hasher{Length: length}
}

// Hash hashes the input and returns the truncated hex digest.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	n := h.Length
	if n <= 0 {
		n = DefaultLength
	}
	if n > len(digest) {
		n = len(digest)
	}
	return digest[:n]
}

// Fingerprint hashes the creation instant together with the URL. Two tasks for the same
// URL created at different times get different fingerprints; collisions remain possible,
// so the result is a display key only.
func (h *Hasher) Fingerprint(at time.Time, rawURL string) string {
	data := strconv.AppendInt(nil, at.UnixNano(), 10)
	data = append(data, rawURL...)
	return h.Hash(data)
}
