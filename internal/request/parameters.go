package request

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/thellimist/oidcauth/internal/auth"
	"github.com/thellimist/oidcauth/internal/autherr"
	"github.com/thellimist/oidcauth/internal/cache"
	"github.com/thellimist/oidcauth/internal/user"
)

// Prompt controls when the user is shown the authorization page.
type Prompt int

const (
	// PromptAuto uses the cache and refresh tokens first and prompts only when
	// they cannot produce a token.
	PromptAuto Prompt = iota
	// PromptAlways skips the cache and forces the user to sign in again.
	PromptAlways
	// PromptRefreshSession skips the cache and asks the server to refresh the
	// user's session, prompting only if it must.
	PromptRefreshSession
)

func (p Prompt) String() string {
	switch p {
	case PromptAuto:
		return "auto"
	case PromptAlways:
		return "always"
	case PromptRefreshSession:
		return "refresh_session"
	}
	return fmt.Sprintf("Prompt(%d)", int(p))
}

// ParsePrompt parses the String form of a Prompt.
func ParsePrompt(s string) (Prompt, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return PromptAuto, nil
	case "always", "login":
		return PromptAlways, nil
	case "refresh_session", "refresh-session":
		return PromptRefreshSession, nil
	}
	return 0, fmt.Errorf("unknown prompt behavior %q", s)
}

// authorizationParam is the prompt value sent to the authorize endpoint.
func (p Prompt) authorizationParam() string {
	switch p {
	case PromptAlways:
		return auth.PromptLogin
	case PromptRefreshSession:
		return auth.PromptRefreshSession
	}
	return ""
}

// Parameters is everything a caller says about the token it wants.
type Parameters struct {
	Authority         string
	ValidateAuthority bool
	ClientID          string
	Resource          string
	Scope             string
	RedirectURI       string
	User              *user.Identifier
	Prompt            Prompt
	CorrelationID     uuid.UUID

	// SilentOnly fails the request instead of prompting.
	SilentOnly bool
	// SkipCache ignores cached access tokens.
	SkipCache bool

	ExtraQueryParameters string
	// Claims is a JSON object sent as the claims request parameter.
	Claims string

	// ExtendedLifetime allows a stale access token to be returned while the
	// token endpoint is unavailable.
	ExtendedLifetime bool
	// UseBroker hands the interactive leg to a broker app when one is available.
	UseBroker bool
}

// Validate reports the first invalid parameter as an
// autherr.CodeInvalidArgument error.
func (p *Parameters) Validate() error {
	if strings.TrimSpace(p.Authority) == "" {
		return autherr.InvalidArgument("authority", "must not be empty")
	}
	if _, err := auth.ParseAuthority(p.Authority); err != nil {
		return err
	}
	if strings.TrimSpace(p.ClientID) == "" {
		return autherr.InvalidArgument("client_id", "must not be empty")
	}
	if strings.TrimSpace(p.Resource) == "" {
		return autherr.InvalidArgument("resource", "must not be empty")
	}
	if !p.SilentOnly && strings.TrimSpace(p.RedirectURI) == "" {
		return autherr.InvalidArgument("redirect_uri", "must not be empty for a request that may prompt")
	}
	if _, err := auth.ParseExtraQueryParameters(p.ExtraQueryParameters); err != nil {
		return autherr.InvalidArgument("extra_query_parameters", err.Error())
	}
	if p.Claims != "" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(p.Claims), &obj); err != nil {
			return autherr.InvalidArgument("claims", "must be a JSON object")
		}
	}
	if p.User != nil && strings.TrimSpace(p.User.ID) == "" {
		return autherr.InvalidArgument("user", "identifier must not be empty")
	}
	return nil
}

// Fingerprint identifies the request across a process restart. It covers the
// authority, client, resource, redirect URI and user.
func (p *Parameters) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{
		cache.NormalizeAuthority(p.Authority),
		p.ClientID,
		p.Resource,
		p.RedirectURI,
		p.User.String(),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Query returns the cache query for the token p asks for.
func (p *Parameters) Query() cache.Query {
	return cache.Query{
		Authority: p.Authority,
		ClientID:  p.ClientID,
		Resource:  p.Resource,
		User:      p.User,
	}
}
