// Package code generates and verifies the short rotating display codes shown
// on a machine's screen.
package code

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// DefaultLength matches the six-digit codes the machine displays.
const DefaultLength = 6

// Generate returns n uniformly random decimal digits from a cryptographically
// secure source. The code is independent of machine identity and time.
func Generate(n int) (string, error) {
	if n <= 0 {
		n = DefaultLength
	}
	buf := make([]byte, n)
	digits := make([]byte, n)
	for i := 0; i < n; {
		if _, err := rand.Read(buf[i:]); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf[i:] {
			// Reject values above the largest multiple of 10 to keep the
			// digit distribution uniform.
			if b >= 250 {
				continue
			}
			digits[i] = '0' + b%10
			i++
			if i == n {
				break
			}
		}
	}
	return string(digits), nil
}

// Hash returns the hex-encoded SHA-256 of a code. Only the hash is ever
// persisted; the raw code stays on the machine's display.
func Hash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Verify compares a stored hash against a presented code in constant time.
func Verify(storedHash, presented string) bool {
	h := Hash(presented)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(h)) == 1
}
