package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

// GenerateCode returns a uniformly random numeric code with exactly digits digits.
func GenerateCode(digits int) (string, error) {
	if digits <= 0 || digits > 18 {
		return "", fmt.Errorf("otp digits out of range: %d", digits)
	}

	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n.Int64()), nil
}

func HashCode(code string) string {
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}

// CodeMatches compares hashes in constant time.
func CodeMatches(candidate, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashCode(candidate)), []byte(storedHash)) == 1
}
