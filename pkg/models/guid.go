package models

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// guidAlphabet is the character set for generated link GUIDs. 0, 1, I,
// L, and O are excluded because they transcribe ambiguously.
const guidAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// NewGUID returns a fresh link identifier of the form "AB12-CD34".
// Uniqueness is not guaranteed here; the database enforces it, and
// callers regenerate on ErrDuplicateLink.
func NewGUID() (string, error) {
	var b strings.Builder
	b.Grow(9)
	max := big.NewInt(int64(len(guidAlphabet)))
	for i := 0; i < 8; i++ {
		if i == 4 {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate guid: %w", err)
		}
		b.WriteByte(guidAlphabet[n.Int64()])
	}
	return b.String(), nil
}
