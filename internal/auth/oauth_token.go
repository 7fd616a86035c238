package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thellimist/oidcauth/internal/autherr"
	"github.com/thellimist/oidcauth/internal/logger"
)

// Headers exchanged with the token endpoint for request correlation.
const (
	HeaderCorrelationID       = "client-request-id"
	HeaderReturnCorrelationID = "return-client-request-id"
	HeaderClientSKU           = "x-client-SKU"
	HeaderClientVersion       = "x-client-Ver"
)

// ClientSKU identifies this library to the server.
const ClientSKU = "oidcauth-go"

// ClientVersion is reported in the x-client-Ver header. Set by the CLI.
var ClientVersion = "dev"

// TokenClient redeems authorization codes and refresh tokens at a token
// endpoint. A transport timeout or a 5xx response is retried once.
type TokenClient struct {
	httpClient *http.Client
	log        *zap.SugaredLogger
	retryDelay time.Duration
	now        func() time.Time
}

// TokenClientOption configures a TokenClient.
type TokenClientOption func(*TokenClient)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) TokenClientOption {
	return func(tc *TokenClient) { tc.httpClient = c }
}

// WithTokenLogger sets the logger.
func WithTokenLogger(l *zap.SugaredLogger) TokenClientOption {
	return func(tc *TokenClient) { tc.log = l }
}

// WithRetryDelay sets the pause before the single retry.
func WithRetryDelay(d time.Duration) TokenClientOption {
	return func(tc *TokenClient) { tc.retryDelay = d }
}

// WithClock sets the time source used to compute expiry.
func WithClock(now func() time.Time) TokenClientOption {
	return func(tc *TokenClient) { tc.now = now }
}

// NewTokenClient returns a TokenClient.
func NewTokenClient(opts ...TokenClientOption) *TokenClient {
	tc := &TokenClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryDelay: time.Second,
		now:        time.Now,
	}
	for _, o := range opts {
		o(tc)
	}
	if tc.log == nil {
		tc.log = logger.Get()
	}
	return tc
}

// ExchangeCode exchanges an authorization code for tokens at the token endpoint.
func (c *TokenClient) ExchangeCode(ctx context.Context, g CodeGrant) (*TokenResponse, error) {
	if g.Code == "" {
		return nil, autherr.InvalidArgument("code", "must not be empty")
	}
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {g.Code},
		"redirect_uri":  {g.RedirectURI},
		"client_id":     {g.ClientID},
		"code_verifier": {g.CodeVerifier},
	}
	setIfNotEmpty(form, "resource", g.Resource)
	setIfNotEmpty(form, "scope", g.Scope)
	return c.do(ctx, g.TokenURL, form, g.CorrelationID)
}

// RefreshToken uses a refresh token to obtain a new access token.
func (c *TokenClient) RefreshToken(ctx context.Context, g RefreshGrant) (*TokenResponse, error) {
	if g.RefreshToken == "" {
		return nil, autherr.InvalidArgument("refresh_token", "must not be empty")
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {g.ClientID},
		"refresh_token": {g.RefreshToken},
	}
	setIfNotEmpty(form, "resource", g.Resource)
	setIfNotEmpty(form, "scope", g.Scope)
	setIfNotEmpty(form, "claims", g.Claims)
	return c.do(ctx, g.TokenURL, form, g.CorrelationID)
}

func setIfNotEmpty(form url.Values, key, value string) {
	if value != "" {
		form.Set(key, value)
	}
}

func (c *TokenClient) do(ctx context.Context, tokenURL string, form url.Values, correlationID uuid.UUID) (*TokenResponse, error) {
	if tokenURL == "" {
		return nil, autherr.InvalidArgument("token_url", "must not be empty")
	}
	attempt := 0
	op := func() (*TokenResponse, error) {
		attempt++
		return c.attempt(ctx, tokenURL, form, correlationID)
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryDelay)),
		backoff.WithMaxTries(2),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.log.Warnw("Token request failed, retrying",
				"correlation_id", correlationID, "grant_type", form.Get("grant_type"), "retry_in", d, "error", err)
		}),
	)
	if err != nil {
		var ae *autherr.Error
		if errors.As(err, &ae) {
			return nil, ae.WithCorrelationID(correlationID)
		}
		return nil, autherr.Network("token request failed", 0, err).WithCorrelationID(correlationID)
	}
	resp.CorrelationID = correlationID
	c.log.Debugw("Token request succeeded", "correlation_id", correlationID, "grant_type", form.Get("grant_type"), "attempts", attempt)
	return resp, nil
}

// attempt performs one request. Errors worth retrying are returned as is;
// all others are wrapped with backoff.Permanent.
func (c *TokenClient) attempt(ctx context.Context, tokenURL string, form url.Values, correlationID uuid.UUID) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, backoff.Permanent(autherr.InvalidArgument("token_url", err.Error()))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderCorrelationID, correlationID.String())
	req.Header.Set(HeaderReturnCorrelationID, "true")
	req.Header.Set(HeaderClientSKU, ClientSKU)
	req.Header.Set(HeaderClientVersion, ClientVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		nerr := autherr.Network("token request failed", 0, err)
		var netErr net.Error
		if ctx.Err() == nil && errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nerr
		}
		return nil, backoff.Permanent(nerr)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get(HeaderCorrelationID); got != "" && !strings.EqualFold(got, correlationID.String()) {
		c.log.Warnw("Token endpoint returned a different correlation id", "sent", correlationID, "received", got)
	}

	return c.parse(resp)
}

type tokenBody struct {
	TokenResponse
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

func (c *TokenClient) parse(resp *http.Response) (*TokenResponse, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, autherr.Network("read token response", resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK,
		resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized:
	case resp.StatusCode >= http.StatusInternalServerError && resp.StatusCode <= 599:
		return nil, autherr.Network(fmt.Sprintf("token endpoint returned %d", resp.StatusCode), resp.StatusCode, nil)
	default:
		return nil, backoff.Permanent(autherr.Network(
			fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, truncate(body, 200)), resp.StatusCode, nil))
	}

	var tb tokenBody
	if err := json.Unmarshal(body, &tb); err != nil {
		return nil, backoff.Permanent(autherr.Network("parse token response", resp.StatusCode, err))
	}
	if tb.Error != "" {
		return nil, backoff.Permanent(autherr.Protocol(tb.Error, tb.Description, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(autherr.Network(
			fmt.Sprintf("token endpoint returned %d without an error code", resp.StatusCode), resp.StatusCode, nil))
	}
	if tb.AccessToken == "" {
		return nil, backoff.Permanent(autherr.Network("token response missing access_token", resp.StatusCode, nil))
	}

	out := tb.TokenResponse
	out.ReceivedAt = c.now()
	return &out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
