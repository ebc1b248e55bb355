// Package idgen provides random identifiers for billing records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxReceiptLen is the longest receipt the payment gateways accept.
const MaxReceiptLen = 40

// New generates a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "sub_", "inv_", "pay_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Receipt builds a short, collision-resistant gateway receipt:
// prefix + base36 unix millis + 8 random hex chars, truncated to MaxReceiptLen.
func Receipt(prefix string, now time.Time) string {
	r := strings.ToLower(prefix) + "_" + strconv.FormatInt(now.UnixMilli(), 36) + "_" + Hex(4)
	if len(r) > MaxReceiptLen {
		r = r[len(r)-MaxReceiptLen:]
	}
	return r
}
