package authcontext

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	"github.com/thellimist/oidcauth/internal/auth"
	"github.com/thellimist/oidcauth/internal/request"
)

// TokenSource produces bearer tokens for one resource. Claims returned by a
// WWW-Authenticate challenge are remembered and sent on later acquisitions.
type TokenSource struct {
	ctx *Context
	req TokenRequest

	mu       sync.Mutex
	claims   string
	skipNext bool
}

// TokenSource returns a source acquiring tokens for tr.
func (c *Context) TokenSource(tr TokenRequest) *TokenSource {
	return &TokenSource{ctx: c, req: tr, claims: tr.Claims}
}

// Token returns an access token, from the cache when possible.
func (s *TokenSource) Token(req *http.Request) (string, error) {
	res := s.acquire(req.Context())
	if !res.Succeeded() {
		return "", res.Err
	}
	return res.AccessToken(), nil
}

func (s *TokenSource) acquire(ctx context.Context) request.Result {
	s.mu.Lock()
	tr := s.req
	tr.Claims = s.claims
	tr.SkipCache = tr.SkipCache || s.skipNext
	s.skipNext = false
	s.mu.Unlock()

	return s.ctx.AcquireToken(ctx, tr)
}

// OAuth2 adapts s to oauth2.TokenSource, e.g. for oauth2.NewClient. Every
// acquisition runs under ctx.
func (s *TokenSource) OAuth2(ctx context.Context) oauth2.TokenSource {
	return oauth2Source{ctx: ctx, src: s}
}

type oauth2Source struct {
	ctx context.Context
	src *TokenSource
}

func (o oauth2Source) Token() (*oauth2.Token, error) {
	res := o.src.acquire(o.ctx)
	if !res.Succeeded() {
		return nil, res.Err
	}
	return res.OAuth2Token(), nil
}

// Challenge records the claims of a 401 response's WWW-Authenticate header.
// It reports whether the challenge asked for new claims, in which case the
// next Token call skips the cache.
func (s *TokenSource) Challenge(header string) (bool, error) {
	claims, err := auth.ClaimsFromWWWAuthenticate(header)
	if err != nil || claims == "" {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims = claims
	s.skipNext = true
	return true, nil
}

// Transport wraps an http.RoundTripper to add bearer tokens. A 401 carrying
// a claims challenge is retried once with a token satisfying the claims.
type Transport struct {
	Base   http.RoundTripper
	Source *TokenSource
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.send(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	retry, err := t.Source.Challenge(resp.Header.Get("WWW-Authenticate"))
	if err != nil || !retry {
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	retried := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return resp, nil
		}
		retried.Body = body
	}
	resp.Body.Close()
	return t.send(retried)
}

func (t *Transport) send(req *http.Request) (*http.Response, error) {
	token, err := t.Source.Token(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth token: %w", err)
	}
	cloned := req.Clone(req.Context())
	cloned.Header.Set("Authorization", "Bearer "+token)
	return t.base().RoundTrip(cloned)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
