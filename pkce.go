package authbff

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	verifierLen = 32
	stateLen    = 16
)

// GeneratePKCE produces a fresh code verifier and its S256 challenge.
// The verifier is 32 bytes of secure randomness, URL-safe encoded; the
// challenge is base64url(SHA-256(verifier)) per RFC 7636.
//
// There is no fallback source of randomness: if crypto/rand fails, the
// login attempt fails.
func GeneratePKCE() (verifier, challenge string, err error) {
	buf := make([]byte, verifierLen)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("pkce verifier: secure random source unavailable: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)

	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])

	return verifier, challenge, nil
}

// GenerateState produces an anti-forgery state token from 16 bytes of
// randomness independent of the PKCE verifier.
func GenerateState() (string, error) {
	buf := make([]byte, stateLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("oauth state: secure random source unavailable: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// VerifyPKCEChallenge reports whether the verifier hashes to the given S256
// challenge.
func VerifyPKCEChallenge(challenge, verifier string) bool {
	sum := sha256.Sum256([]byte(verifier))
	return challenge == base64.RawURLEncoding.EncodeToString(sum[:])
}
