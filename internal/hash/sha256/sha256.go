// Package sha256 computes the digests used across the harvester. Hasher
// digests raw fetched bytes and names archived blobs
// (<prefix>/<job>/<digest>.<ext>), while ContentDigest fingerprints normalized
// page text so monitor runs can tell a changed page from a reflowed one.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher implements crawler.Hasher.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data. It never fails.
func (*Hasher) Hash(data []byte) (string, error) {
	return hexDigest(data), nil
}

// ContentDigest hashes text after collapsing whitespace.
func ContentDigest(text string) string {
	return hexDigest([]byte(strings.Join(strings.Fields(text), " ")))
}

func hexDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
