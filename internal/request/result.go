package request

import (
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/thellimist/oidcauth/internal/cache"
)

// Status is the terminal status of a request.
type Status int

const (
	StatusSucceeded Status = iota
	StatusUserCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusUserCancelled:
		return "user_cancelled"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Result is the outcome of a request.
type Result struct {
	Status Status
	// Record is the token served. Nil unless Status is StatusSucceeded.
	Record *cache.TokenRecord
	// Err is an *autherr.Error when Status is not StatusSucceeded.
	Err           error
	CorrelationID uuid.UUID

	// MultiResourceRefreshToken is set when Record carries a multi-resource
	// refresh token, whether it was just issued or read from the cache.
	MultiResourceRefreshToken bool
	// ExtendedLifetimeToken is set when Record is an expired access token
	// served because the token endpoint was unavailable.
	ExtendedLifetimeToken bool
}

// AccessToken returns the access token, or "" if the request failed.
func (r Result) AccessToken() string {
	if r.Record == nil {
		return ""
	}
	return r.Record.AccessToken
}

// Succeeded reports whether the request produced a token.
func (r Result) Succeeded() bool {
	return r.Status == StatusSucceeded && r.Record != nil
}

// OAuth2Token returns the served access token as an oauth2.Token, or nil if
// the request failed. The refresh token is never included.
func (r Result) OAuth2Token() *oauth2.Token {
	if !r.Succeeded() {
		return nil
	}
	tok := &oauth2.Token{
		AccessToken: r.Record.AccessToken,
		TokenType:   r.Record.AccessTokenType,
		Expiry:      r.Record.ExpiresOn,
	}
	return tok.WithExtra(map[string]any{
		"resource":       r.Record.Resource,
		"correlation_id": r.CorrelationID.String(),
	})
}
