package pgfast

import (
	"crypto/sha256"
	"encoding/hex"
)

// Checksum computes the deterministic, file-content-only digest used to
// detect post-apply edits: SHA-256 over up || 0x00 || down. The zero
// separator prevents collisions between, e.g., (up="AB", down="C") and
// (up="A", down="BC").
func Checksum(up, down []byte) string {
	h := sha256.New()
	h.Write(up)
	h.Write([]byte{0})
	h.Write(down)
	return hex.EncodeToString(h.Sum(nil))
}
