// Package idgen generates identifiers for payments, messages and simulated transactions.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 hex chars, e.g. "pay_…", "msg_…".
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Offline returns a correlation id for a receipt synthesized without the
// ledger: "offline-" plus 12 hex chars.
func Offline() string {
	return "offline-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
