package auth

import (
	"encoding/base64"
	"fmt"
	"net/url"

	"golang.org/x/oauth2"
)

// EncodeState returns the protocol state for an authorization request. It
// carries the authority and resource so the response can be checked against
// the request that started it.
func EncodeState(authority, resource string) string {
	v := url.Values{}
	v.Set("a", authority)
	v.Set("r", resource)
	return base64.RawURLEncoding.EncodeToString([]byte(v.Encode()))
}

// DecodeState reverses EncodeState.
func DecodeState(state string) (authority, resource string, err error) {
	if state == "" {
		return "", "", fmt.Errorf("missing state")
	}
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return "", "", fmt.Errorf("state is not base64url: %w", err)
	}
	v, err := url.ParseQuery(string(raw))
	if err != nil {
		return "", "", fmt.Errorf("state is malformed: %w", err)
	}
	if !v.Has("a") || !v.Has("r") {
		return "", "", fmt.Errorf("state lacks authority or resource")
	}
	return v.Get("a"), v.Get("r"), nil
}

// VerifyState checks that state was issued for resource.
func VerifyState(state, resource string) error {
	_, got, err := DecodeState(state)
	if err != nil {
		return err
	}
	if got != resource {
		return fmt.Errorf("state was issued for resource %q, not %q", got, resource)
	}
	return nil
}

// PKCE holds a code verifier and its S256 challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

// NewPKCE returns a fresh verifier and challenge.
func NewPKCE() PKCE {
	v := oauth2.GenerateVerifier()
	return PKCE{Verifier: v, Challenge: oauth2.S256ChallengeFromVerifier(v)}
}
