package common

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
)

// MakeRandHexString returns size random bytes encoded as hex, so the result
// is 2*size characters long.
func MakeRandHexString(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// WipeByteArray zeroes b in place. Nil is a no-op.
func WipeByteArray(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._@:+-]{1,128}$`)

// ValidateSessionID reports whether id can be used as a session identifier.
// Ids end up as directory names, so path elements are rejected.
func ValidateSessionID(id string) error {
	if id == "." || id == ".." || !sessionIDPattern.MatchString(id) {
		return ErrInvalidSessionID
	}
	return nil
}

// DigitsOnly strips every non-digit rune from s.
func DigitsOnly(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		}
	}
	return string(out)
}
