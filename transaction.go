package authbff

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

// TransactionTTL is the validity window of a login transaction, measured
// from its creation.
const TransactionTTL = 10 * time.Minute

// LoginTransaction binds one login attempt: the anti-CSRF state, the PKCE
// verifier, and the moment the attempt started. It travels to the browser
// inside a sealed cookie, never through the session store, and is consumed
// exactly once at callback.
type LoginTransaction struct {
	State        string    `json:"state"`
	CodeVerifier string    `json:"code_verifier"`
	CreatedAt    time.Time `json:"created_at"`
}

// TransactionCodec seals login transactions into an opaque cookie value and
// opens them back up. Sealing uses NaCl secretbox with a random 24-byte
// nonce prepended to the ciphertext; the whole blob is base64url-encoded.
type TransactionCodec struct {
	key [32]byte
}

// NewTransactionCodec builds a codec from a 32-byte secret key.
func NewTransactionCodec(key []byte) (*TransactionCodec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("transaction codec: key must be 32 bytes, got %d", len(key))
	}
	c := &TransactionCodec{}
	copy(c.key[:], key)
	return c, nil
}

// Seal encrypts the transaction into a cookie-safe string.
func (c *TransactionCodec) Seal(tx *LoginTransaction) (string, error) {
	plaintext, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("seal transaction: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("seal transaction: secure random source unavailable: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &c.key)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed transaction and enforces its validity window.
// Tampered or undecodable values and transactions older than TransactionTTL
// are rejected.
func (c *TransactionCodec) Open(value string, now time.Time) (*LoginTransaction, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("open transaction: %w", err)
	}
	if len(raw) < 24 {
		return nil, errors.New("open transaction: value too short")
	}

	var nonce [24]byte
	copy(nonce[:], raw[:24])

	plaintext, ok := secretbox.Open(nil, raw[24:], &nonce, &c.key)
	if !ok {
		return nil, errors.New("open transaction: decryption failed")
	}

	var tx LoginTransaction
	if err := json.Unmarshal(plaintext, &tx); err != nil {
		return nil, fmt.Errorf("open transaction: %w", err)
	}

	if now.Sub(tx.CreatedAt) > TransactionTTL {
		return nil, ErrLoginExpired
	}

	return &tx, nil
}
