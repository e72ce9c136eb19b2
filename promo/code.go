package promo

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
)

// codeEncoding avoids padding so every code has the same length.
var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateCode returns a random referral code such as "AFF-K3ZQ7M2A".
// Codes are upper-case base32, which keeps them readable and URL safe.
func GenerateCode() (string, error) {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate referral code: %w", err)
	}
	return "AFF-" + codeEncoding.EncodeToString(b), nil
}
