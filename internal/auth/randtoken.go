package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// RandomTokenBytes is the entropy of verification and reset tokens.
const RandomTokenBytes = 32

// NewRandomToken returns RandomTokenBytes of crypto/rand entropy,
// hex-encoded (64 characters). These tokens travel in URLs, so hex keeps
// them free of characters that need escaping.
func NewRandomToken() (string, error) {
	b := make([]byte, RandomTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
