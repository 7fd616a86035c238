package auth

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Prompt values sent on the authorization request.
const (
	PromptLogin          = "login"
	PromptRefreshSession = "refresh_session"
)

// AuthorizationParams describes one authorization request.
type AuthorizationParams struct {
	AuthorizeURL         string
	ClientID             string
	RedirectURI          string
	Resource             string
	Scope                string
	State                string
	Nonce                string
	PKCE                 PKCE
	LoginHint            string
	Prompt               string
	Claims               string
	ExtraQueryParameters string
	CorrelationID        uuid.UUID
}

// BuildAuthorizationURL returns the URL the browser surface should load.
func BuildAuthorizationURL(p AuthorizationParams) (string, error) {
	if _, err := url.Parse(p.AuthorizeURL); err != nil {
		return "", fmt.Errorf("parse authorization endpoint: %w", err)
	}
	scope := p.Scope
	if scope == "" {
		scope = "openid"
	}

	cfg := oauth2.Config{
		ClientID:    p.ClientID,
		RedirectURL: p.RedirectURI,
		Endpoint:    oauth2.Endpoint{AuthURL: p.AuthorizeURL},
		Scopes:      strings.Fields(scope),
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(p.PKCE.Verifier),
	}
	add := func(key, value string) {
		if value != "" {
			opts = append(opts, oauth2.SetAuthURLParam(key, value))
		}
	}
	add("resource", p.Resource)
	add("nonce", p.Nonce)
	add("login_hint", p.LoginHint)
	add("prompt", p.Prompt)
	add("claims", p.Claims)
	if p.CorrelationID != uuid.Nil {
		add(HeaderCorrelationID, p.CorrelationID.String())
	}

	if p.ExtraQueryParameters != "" {
		extra, err := ParseExtraQueryParameters(p.ExtraQueryParameters)
		if err != nil {
			return "", err
		}
		for key, values := range extra {
			for _, value := range values {
				opts = append(opts, oauth2.SetAuthURLParam(key, value))
			}
		}
	}

	return cfg.AuthCodeURL(p.State, opts...), nil
}

// ParseExtraQueryParameters parses caller-supplied extra parameters, with
// or without a leading '&' or '?'.
func ParseExtraQueryParameters(raw string) (url.Values, error) {
	raw = strings.TrimLeft(strings.TrimSpace(raw), "&?")
	v, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("parse extra query parameters: %w", err)
	}
	for key := range v {
		if key == "" {
			return nil, fmt.Errorf("parse extra query parameters: empty key")
		}
	}
	return v, nil
}
