// Package sha256 fingerprints archived page bodies.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the hex SHA-256 of body.
func Digest(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// Short returns the first n hex characters of the digest of body.
func Short(body string, n int) string {
	d := Digest(body)
	if n <= 0 || n >= len(d) {
		return d
	}
	return d[:n]
}
