// Package secret generates and guards the bypass credentials issued to
// protected projects. A secret is a bearer token: whoever presents it passes
// the gate, so generation must be cryptographically unpredictable and every
// comparison constant-time.
package secret

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// Prefix starts every bypass secret. It is part of the documented
	// credential format, not a namespace: validation checks it literally.
	Prefix = "bp_"

	// randHexLen is the number of lowercase-hex characters after the
	// prefix (24 random bytes, hex encoded).
	randHexLen = 48

	// KeyLength is the total length of a well-formed secret.
	KeyLength = len(Prefix) + randHexLen
)

const placeholder = "*"

// Generate returns a fresh bypass secret. Failure means the platform's
// entropy source is broken, which callers treat as fatal at provisioning
// time, never as a per-request condition.
func Generate() (string, error) {
	buf := make([]byte, randHexLen/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading entropy: %w", err)
	}
	return Prefix + hex.EncodeToString(buf), nil
}

// IsValid reports whether candidate matches the exact secret format:
// prefix, length, lowercase-hex alphabet. It never errors and does not
// compare against any stored value.
func IsValid(candidate string) bool {
	if len(candidate) != KeyLength || !strings.HasPrefix(candidate, Prefix) {
		return false
	}
	for i := len(Prefix); i < len(candidate); i++ {
		c := candidate[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Obscure masks everything after the prefix for display, preserving total
// length. Display only; never use the result for comparisons.
func Obscure(key string) string {
	if !strings.HasPrefix(key, Prefix) || len(key) <= len(Prefix) {
		return strings.Repeat(placeholder, len(key))
	}
	return Prefix + strings.Repeat(placeholder, len(key)-len(Prefix))
}

// Equal compares two secrets in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
