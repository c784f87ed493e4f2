package otp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCodeLengthAndDigits(t *testing.T) {
	for _, digits := range []int{4, 5, 6, 10} {
		code, err := GenerateCode(digits)
		require.NoError(t, err)
		assert.Len(t, code, digits)
		for _, r := range code {
			assert.True(t, r >= '0' && r <= '9', "non-digit in %q", code)
		}
	}
}

func TestGenerateCodeRejectsBadLength(t *testing.T) {
	_, err := GenerateCode(0)
	assert.Error(t, err)
	_, err = GenerateCode(19)
	assert.Error(t, err)
}

func TestGenerateCodeVaries(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		code, err := GenerateCode(6)
		require.NoError(t, err)
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 1)
}

func TestCodeMatches(t *testing.T) {
	hash := HashCode("12345")
	assert.True(t, CodeMatches("12345", hash))
	assert.False(t, CodeMatches("12346", hash))
	assert.False(t, CodeMatches("", hash))
	assert.NotContains(t, hash, "12345")
}
