package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sha256Hex hex-encodes the SHA-256 digest of input. Used wherever a
// fixed-length redis key is derived from arbitrary payload bytes.
func Sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
