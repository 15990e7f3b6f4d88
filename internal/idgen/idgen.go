// Package idgen generates random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix followed by 24 random hex chars, e.g. "vfy_3f9c...".
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns numBytes of randomness hex-encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
