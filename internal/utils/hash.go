package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashPassword is the credential digest stored on user records.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
