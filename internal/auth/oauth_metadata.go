package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/thellimist/oidcauth/internal/autherr"
	"github.com/thellimist/oidcauth/internal/logger"
)

// Endpoint paths appended to the authority when no override is configured.
const (
	DefaultAuthorizeFragment = "connect/authorize"
	DefaultTokenFragment     = "connect/token"
)

// EndpointFromFragment resolves an endpoint override. An https URL is used
// as is; anything else is appended to the authority.
func EndpointFromFragment(authority, fragment string) string {
	if strings.HasPrefix(strings.ToLower(fragment), "https") {
		return fragment
	}
	return strings.TrimRight(authority, "/") + "/" + strings.TrimLeft(fragment, "/")
}

// ParseAuthority checks that authority is an absolute https URL without
// query or fragment and returns it without trailing slashes.
func ParseAuthority(authority string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(authority))
	if err != nil || u.Host == "" {
		return "", autherr.InvalidArgument("authority", "must be an absolute URL")
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return "", autherr.InvalidArgument("authority", "must use https")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", autherr.InvalidArgument("authority", "must not contain a query or fragment")
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// AuthorityValidator resolves an authority's endpoints. With validation on,
// the authority must publish RFC 8414 metadata; results are cached and
// concurrent probes for the same authority are collapsed.
type AuthorityValidator struct {
	httpClient        *http.Client
	log               *zap.SugaredLogger
	authorizeFragment string
	tokenFragment     string

	group singleflight.Group
	mu    sync.Mutex
	known map[string]*Endpoints
}

// ValidatorOption configures an AuthorityValidator.
type ValidatorOption func(*AuthorityValidator)

// WithValidatorHTTPClient sets the HTTP client used for metadata probes.
func WithValidatorHTTPClient(c *http.Client) ValidatorOption {
	return func(v *AuthorityValidator) { v.httpClient = c }
}

// WithValidatorLogger sets the logger.
func WithValidatorLogger(l *zap.SugaredLogger) ValidatorOption {
	return func(v *AuthorityValidator) { v.log = l }
}

// WithEndpointFragments overrides the authorize and token endpoint paths.
// Empty values keep the defaults.
func WithEndpointFragments(authorize, token string) ValidatorOption {
	return func(v *AuthorityValidator) {
		if authorize != "" {
			v.authorizeFragment = authorize
		}
		if token != "" {
			v.tokenFragment = token
		}
	}
}

// NewAuthorityValidator returns an AuthorityValidator.
func NewAuthorityValidator(opts ...ValidatorOption) *AuthorityValidator {
	v := &AuthorityValidator{
		httpClient:        &http.Client{Timeout: 30 * time.Second},
		authorizeFragment: DefaultAuthorizeFragment,
		tokenFragment:     DefaultTokenFragment,
		known:             make(map[string]*Endpoints),
	}
	for _, o := range opts {
		o(v)
	}
	if v.log == nil {
		v.log = logger.Get()
	}
	return v
}

// Resolve returns the endpoints of authority. Without validation no network
// call is made and the configured fragments are used.
func (v *AuthorityValidator) Resolve(ctx context.Context, authority string, validate bool) (*Endpoints, error) {
	normalized, err := ParseAuthority(authority)
	if err != nil {
		return nil, err
	}

	if !validate {
		return &Endpoints{
			Authority:    normalized,
			AuthorizeURL: EndpointFromFragment(normalized, v.authorizeFragment),
			TokenURL:     EndpointFromFragment(normalized, v.tokenFragment),
		}, nil
	}

	key := strings.ToLower(normalized)
	v.mu.Lock()
	if ep, ok := v.known[key]; ok {
		v.mu.Unlock()
		return ep, nil
	}
	v.mu.Unlock()

	result, err, _ := v.group.Do(key, func() (any, error) {
		meta, err := FetchAuthServerMetadata(ctx, v.httpClient, normalized)
		if err != nil {
			return nil, err
		}
		for _, endpoint := range []string{meta.AuthorizationEndpoint, meta.TokenEndpoint} {
			if !strings.HasPrefix(strings.ToLower(endpoint), "https://") {
				return nil, fmt.Errorf("metadata endpoint %s is not https", endpoint)
			}
		}
		ep := &Endpoints{
			Authority:     normalized,
			AuthorizeURL:  meta.AuthorizationEndpoint,
			TokenURL:      meta.TokenEndpoint,
			Validated:     true,
			MetadataFound: true,
		}
		v.mu.Lock()
		v.known[key] = ep
		v.mu.Unlock()
		v.log.Debugw("Authority validated", "authority", normalized, "issuer", meta.Issuer)
		return ep, nil
	})
	if err != nil {
		return nil, autherr.AuthorityValidation(normalized, err)
	}
	return result.(*Endpoints), nil
}

// FetchAuthServerMetadata fetches the RFC 8414 authorization server metadata.
// It tries the RFC-compliant URL with path appended first, then falls back to path-less.
func FetchAuthServerMetadata(ctx context.Context, client *http.Client, authServerURL string) (*AuthServerMetadata, error) {
	urls, err := wellKnownURLs(authServerURL, "oauth-authorization-server")
	if err != nil {
		return nil, fmt.Errorf("build discovery URL: %w", err)
	}

	var lastErr error
	for _, wellKnown := range urls {
		meta, err := fetchAuthMeta(ctx, client, wellKnown)
		if err != nil {
			lastErr = err
			continue
		}
		return meta, nil
	}

	return nil, lastErr
}

func fetchAuthMeta(ctx context.Context, client *http.Client, wellKnown string) (*AuthServerMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch auth server metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("auth server metadata at %s returned %d", wellKnown, resp.StatusCode)
	}

	var meta AuthServerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("parse auth server metadata: %w", err)
	}

	if meta.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("missing authorization_endpoint in auth server metadata")
	}
	if meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("missing token_endpoint in auth server metadata")
	}

	return &meta, nil
}

// wellKnownURLs returns well-known URLs to try in order. Per RFC 8414
// section 3, a path on the issuer is appended after the well-known segment;
// the path-less form is tried second for servers that ignore this.
func wellKnownURLs(rawURL, suffix string) ([]string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	path := strings.TrimRight(u.Path, "/")
	base := fmt.Sprintf("%s://%s/.well-known/%s", u.Scheme, u.Host, suffix)
	if path == "" {
		return []string{base}, nil
	}
	return []string{
		base + path,
		base,
	}, nil
}
