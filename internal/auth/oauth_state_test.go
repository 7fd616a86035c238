package auth

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()

	state := EncodeState("https://login.example.com/common", "https://api.example.com/?x=1&y=2")
	assert.NotContains(t, state, "=")

	authority, resource, err := DecodeState(state)
	require.NoError(t, err)
	assert.Equal(t, "https://login.example.com/common", authority)
	assert.Equal(t, "https://api.example.com/?x=1&y=2", resource)

	require.NoError(t, VerifyState(state, "https://api.example.com/?x=1&y=2"))
	require.Error(t, VerifyState(state, "https://other.example.com"))
}

func TestDecodeStateRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, state := range []string{
		"",
		"!!!not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("a=only-authority")),
	} {
		_, _, err := DecodeState(state)
		assert.Error(t, err, state)
	}
}

func TestNewPKCE(t *testing.T) {
	t.Parallel()

	a := NewPKCE()
	b := NewPKCE()
	assert.NotEqual(t, a.Verifier, b.Verifier)
	assert.GreaterOrEqual(t, len(a.Verifier), 43)
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(a.Verifier), a.Challenge)
	assert.False(t, strings.ContainsAny(a.Challenge, "+/="))
}
