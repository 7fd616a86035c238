package auth

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// DefaultExpiresIn is assumed when a token response omits expires_in.
const DefaultExpiresIn = 3600 * time.Second

// AuthServerMetadata is the response from RFC 8414 discovery.
type AuthServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// Endpoints are the authorization and token endpoints of an authority.
type Endpoints struct {
	Authority     string
	AuthorizeURL  string
	TokenURL      string
	Validated     bool
	MetadataFound bool
}

// flexSeconds decodes a lifetime sent either as a JSON number or a string.
type flexSeconds int64

func (f *flexSeconds) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexSeconds(n)
	return nil
}

// TokenResponse is the response from the token endpoint.
type TokenResponse struct {
	AccessToken  string      `json:"access_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    flexSeconds `json:"expires_in,omitempty"`
	ExtExpiresIn flexSeconds `json:"ext_expires_in,omitempty"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	Scope        string      `json:"scope,omitempty"`
	Resource     string      `json:"resource,omitempty"`
	IDToken      string      `json:"id_token,omitempty"`
	FamilyID     string      `json:"foci,omitempty"`

	// Set by the client, not decoded.
	CorrelationID uuid.UUID `json:"-"`
	ReceivedAt    time.Time `json:"-"`
}

// TokenResponseFromValues builds a TokenResponse from query values, the form
// in which a broker hands tokens back.
func TokenResponseFromValues(v url.Values, receivedAt time.Time) (*TokenResponse, error) {
	t := &TokenResponse{
		AccessToken:  v.Get("access_token"),
		TokenType:    v.Get("token_type"),
		RefreshToken: v.Get("refresh_token"),
		Scope:        v.Get("scope"),
		Resource:     v.Get("resource"),
		IDToken:      v.Get("id_token"),
		FamilyID:     v.Get("foci"),
		ReceivedAt:   receivedAt,
	}
	for key, dst := range map[string]*flexSeconds{"expires_in": &t.ExpiresIn, "ext_expires_in": &t.ExtExpiresIn} {
		raw := v.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = flexSeconds(n)
	}
	return t, nil
}

// ExpiresOn returns when the access token expires, defaulting to one hour.
func (t *TokenResponse) ExpiresOn() time.Time {
	lifetime := time.Duration(t.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = DefaultExpiresIn
	}
	return t.ReceivedAt.Add(lifetime)
}

// ExtendedExpiresOn returns the extended lifetime expiry, or zero if the
// server did not grant one.
func (t *TokenResponse) ExtendedExpiresOn() time.Time {
	if t.ExtExpiresIn <= 0 {
		return time.Time{}
	}
	return t.ReceivedAt.Add(time.Duration(t.ExtExpiresIn) * time.Second)
}

// IsMultiResource reports whether the refresh token may be used for other
// resources of the same client.
func (t *TokenResponse) IsMultiResource() bool {
	return t.Resource != "" && strings.TrimSpace(t.RefreshToken) != ""
}

// OAuth2Token converts the response into an oauth2.Token carrying the
// non-standard fields as extras.
func (t *TokenResponse) OAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresOn(),
		ExpiresIn:    int64(t.ExpiresIn),
	}
	extra := map[string]any{}
	if t.IDToken != "" {
		extra["id_token"] = t.IDToken
	}
	if t.Resource != "" {
		extra["resource"] = t.Resource
	}
	if t.Scope != "" {
		extra["scope"] = t.Scope
	}
	return tok.WithExtra(extra)
}

// MarshalJSON writes lifetimes as numbers.
func (f flexSeconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(f))
}

// CodeGrant is an authorization code redemption.
type CodeGrant struct {
	TokenURL      string
	ClientID      string
	Code          string
	RedirectURI   string
	CodeVerifier  string
	Resource      string
	Scope         string
	CorrelationID uuid.UUID
}

// RefreshGrant is a refresh token redemption.
type RefreshGrant struct {
	TokenURL      string
	ClientID      string
	RefreshToken  string
	Resource      string
	Scope         string
	Claims        string
	CorrelationID uuid.UUID
}
