package queue

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// NewExecutionToken mints the 256-bit opaque secret required to read a
// completed job's results.
func NewExecutionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading from random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// TokenMatches compares a presented token with the stored one in constant
// time. An empty stored token never matches.
func TokenMatches(stored, presented string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
