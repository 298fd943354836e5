// Package idgen generates the opaque identifiers tiltguard hands out.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Prefixes for each kind of record.
const (
	PrefixAssessment = "asm_"
	PrefixPattern    = "pat_"
	PrefixRequest    = "req_"
)

// WithPrefix returns prefix followed by 24 random hex chars.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Assessment returns a new assessment ID.
func Assessment() string { return WithPrefix(PrefixAssessment) }

// Pattern returns a new behavioral pattern ID.
func Pattern() string { return WithPrefix(PrefixPattern) }

// Hex returns numBytes random bytes hex-encoded. It panics only if the
// system random source fails.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
