package authbff_test

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/authbff"
)

func testCodec(t *testing.T) *authbff.TransactionCodec {
	t.Helper()
	codec, err := authbff.NewTransactionCodec(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	return codec
}

func TestTransactionCodecRoundTrip(t *testing.T) {
	codec := testCodec(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	tx := &authbff.LoginTransaction{
		State:        "the-state",
		CodeVerifier: "the-verifier",
		CreatedAt:    now,
	}

	sealed, err := codec.Seal(tx)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "the-state", "sealed value must be opaque")
	assert.NotContains(t, sealed, "the-verifier")

	opened, err := codec.Open(sealed, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, tx.State, opened.State)
	assert.Equal(t, tx.CodeVerifier, opened.CodeVerifier)
	assert.True(t, tx.CreatedAt.Equal(opened.CreatedAt))
}

func TestTransactionCodecRejectsTampering(t *testing.T) {
	codec := testCodec(t)
	now := time.Now()

	sealed, err := codec.Seal(&authbff.LoginTransaction{State: "s", CodeVerifier: "v", CreatedAt: now})
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.RawURLEncoding.EncodeToString(raw)

	_, err = codec.Open(tampered, now)
	assert.Error(t, err)

	_, err = codec.Open("not-even-base64!!", now)
	assert.Error(t, err)

	_, err = codec.Open(base64.RawURLEncoding.EncodeToString([]byte("short")), now)
	assert.Error(t, err)
}

func TestTransactionCodecRejectsWrongKey(t *testing.T) {
	codec := testCodec(t)
	other, err := authbff.NewTransactionCodec(bytes.Repeat([]byte{0x43}, 32))
	require.NoError(t, err)

	now := time.Now()
	sealed, err := codec.Seal(&authbff.LoginTransaction{State: "s", CodeVerifier: "v", CreatedAt: now})
	require.NoError(t, err)

	_, err = other.Open(sealed, now)
	assert.Error(t, err)
}

func TestTransactionCodecEnforcesWindow(t *testing.T) {
	codec := testCodec(t)
	created := time.Now()

	sealed, err := codec.Seal(&authbff.LoginTransaction{State: "s", CodeVerifier: "v", CreatedAt: created})
	require.NoError(t, err)

	// Inside the window.
	_, err = codec.Open(sealed, created.Add(9*time.Minute))
	require.NoError(t, err)

	// Outside: rejected even though the state would match.
	_, err = codec.Open(sealed, created.Add(11*time.Minute))
	assert.ErrorIs(t, err, authbff.ErrLoginExpired)
}

func TestNewTransactionCodecKeyLength(t *testing.T) {
	_, err := authbff.NewTransactionCodec([]byte("too short"))
	assert.Error(t, err)
}
