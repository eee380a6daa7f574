package authbff_test

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/authbff"
)

func TestGeneratePKCE(t *testing.T) {
	verifier, challenge, err := authbff.GeneratePKCE()
	require.NoError(t, err)

	// 32 bytes of randomness, URL-safe encoded without padding.
	raw, err := base64.RawURLEncoding.DecodeString(verifier)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	// The challenge must be recomputable from the verifier.
	sum := sha256.Sum256([]byte(verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), challenge)
	assert.True(t, authbff.VerifyPKCEChallenge(challenge, verifier))
	assert.False(t, authbff.VerifyPKCEChallenge(challenge, verifier+"x"))
}

func TestGeneratePKCEUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		verifier, _, err := authbff.GeneratePKCE()
		require.NoError(t, err)
		assert.False(t, seen[verifier], "verifier repeated")
		seen[verifier] = true
	}
}

func TestGenerateState(t *testing.T) {
	state, err := authbff.GenerateState()
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(state)
	require.NoError(t, err)
	assert.Len(t, raw, 16)

	other, err := authbff.GenerateState()
	require.NoError(t, err)
	assert.NotEqual(t, state, other)
}
