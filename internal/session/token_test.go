package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignToken_RoundTrip(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	issued := time.Now().Truncate(time.Second)

	token := signToken(secret, "sess-1", "alice@example.com", issued)

	payload, err := parseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", payload.SessionID)
	assert.Equal(t, "alice@example.com", payload.Account)
	assert.Equal(t, issued.Unix(), payload.IssuedAt)
}

func TestSignToken_AnonymousPlaceholder(t *testing.T) {
	secret := []byte("secret")

	token := signToken(secret, "sess-1", "", time.Now())

	payload, err := parseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, anonymousAccount, payload.Account)
}

func TestSignToken_Deterministic(t *testing.T) {
	secret := []byte("secret")
	issued := time.Unix(1700000000, 0)

	a := signToken(secret, "sess-1", "alice@example.com", issued)
	b := signToken(secret, "sess-1", "alice@example.com", issued)
	assert.Equal(t, a, b)
}

func TestParseToken_RejectsTampering(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	token := signToken(secret, "sess-1", "alice@example.com", time.Now())

	// Flipping any single byte of the token must fail verification.
	for i := 0; i < len(token); i++ {
		mutated := []byte(token)
		mutated[i] ^= 0x01

		if string(mutated) == token {
			continue
		}

		_, err := parseToken(secret, string(mutated))
		assert.Errorf(t, err, "byte flip at %d accepted", i)
	}
}

func TestParseToken_RejectsWrongSecret(t *testing.T) {
	token := signToken([]byte("secret-a"), "sess-1", "alice@example.com", time.Now())

	_, err := parseToken([]byte("secret-b"), token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")
}

func TestParseToken_RejectsMalformed(t *testing.T) {
	secret := []byte("secret")

	for _, token := range []string{
		"",
		"no-separator",
		"payload.nothex",
		"!!!.0011",
		strings.Repeat("a", 64),
	} {
		_, err := parseToken(secret, token)
		assert.Errorf(t, err, "token %q accepted", token)
	}
}
