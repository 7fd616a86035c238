package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/thellimist/oidcauth/internal/auth"
	"github.com/thellimist/oidcauth/internal/authcontext"
	"github.com/thellimist/oidcauth/internal/autherr"
	"github.com/thellimist/oidcauth/internal/request"
	"github.com/thellimist/oidcauth/internal/suggest"
	"github.com/thellimist/oidcauth/internal/user"
)

var (
	flagSilent          bool
	flagPrompt          string
	flagUser            string
	flagUserType        string
	flagClaims          string
	flagWWWAuthenticate string
	flagExtraQP         string
	flagScope           string
	flagCorrelationID   string
	flagSkipCache       bool
	flagFormat          string
)

var acquireCmd = &cobra.Command{
	Use:   "acquire [resource...]",
	Short: "Acquire access tokens",
	Long: `Acquire an access token for each resource, from the cache when possible.

Expired tokens are refreshed silently. When no refresh token can produce a
token the browser (or the broker app, with use_broker) is opened so the user
can sign in, unless --silent is given.

Examples:
  # Print a token for the configured resource
  oidcauth acquire

  # Tokens for two resources as JSON
  oidcauth acquire https://api.example.com https://graph.example.com -o json

  # Never prompt; fail if the user must sign in
  oidcauth acquire https://api.example.com --silent

  # Satisfy a claims challenge returned by a resource
  oidcauth acquire https://api.example.com --www-authenticate "$HEADER"`,
	RunE: runAcquire,
}

func init() {
	f := acquireCmd.Flags()
	f.BoolVar(&flagSilent, "silent", false, "never prompt the user")
	f.StringVar(&flagPrompt, "prompt", "auto", "prompt behavior: auto, always or refresh_session")
	f.StringVar(&flagUser, "user", "", "user to acquire the token for")
	f.StringVar(&flagUserType, "user-type", "optional", "how --user is matched: unique, optional or required")
	f.StringVar(&flagClaims, "claims", "", "claims request JSON to send to the authority")
	f.StringVar(&flagWWWAuthenticate, "www-authenticate", "", "WWW-Authenticate header of a 401 carrying a claims challenge")
	f.StringVar(&flagExtraQP, "extra-qp", "", "extra query parameters for the authorize endpoint (a=b&c=d)")
	f.StringVar(&flagScope, "scope", "", "scope to request, overriding the config")
	f.StringVar(&flagCorrelationID, "correlation-id", "", "correlation id to send with the request")
	f.BoolVar(&flagSkipCache, "skip-cache", false, "ignore cached access tokens")
	f.StringVarP(&flagFormat, "output", "o", "text", "output format: text, json or yaml")
}

// tokenOutput is what acquire prints per resource. Refresh tokens are never
// printed.
type tokenOutput struct {
	Resource    string    `json:"resource" yaml:"resource"`
	AccessToken string    `json:"access_token" yaml:"access_token"`
	TokenType   string    `json:"token_type,omitempty" yaml:"token_type,omitempty"`
	Expiry      time.Time `json:"expiry" yaml:"expiry"`
	User        string    `json:"user,omitempty" yaml:"user,omitempty"`

	CorrelationID             uuid.UUID `json:"correlation_id" yaml:"correlation_id"`
	MultiResourceRefreshToken bool      `json:"multi_resource_refresh_token,omitempty" yaml:"multi_resource_refresh_token,omitempty"`
	ExtendedLifetimeToken     bool      `json:"extended_lifetime_token,omitempty" yaml:"extended_lifetime_token,omitempty"`
}

func runAcquire(cmd *cobra.Command, args []string) error {
	switch flagFormat {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", flagFormat)
	}

	resources := suggest.Unique(args)
	if len(resources) == 0 {
		if cfg.Resource == "" {
			return fmt.Errorf("no resource given and none configured")
		}
		resources = []string{cfg.Resource}
	}

	base, err := baseTokenRequest()
	if err != nil {
		return err
	}

	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil {
			e.log.Warnw("Failed to flush telemetry", "error", cerr)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	requests := make([]authcontext.TokenRequest, len(resources))
	for i, resource := range resources {
		tr := base
		rc := cfg.ForResource(resource)
		tr.Resource = rc.Resource
		if tr.Scope == "" {
			tr.Scope = rc.Scope
		}
		if tr.ExtraQueryParameters == "" {
			tr.ExtraQueryParameters = rc.ExtraQueryParameters
		}
		if tr.Claims == "" {
			tr.Claims = rc.Claims
		}
		if tr.CorrelationID != uuid.Nil && len(resources) > 1 {
			tr.CorrelationID = uuid.New()
		}
		requests[i] = tr
	}

	silent := func(ctx context.Context, tr authcontext.TokenRequest) request.Result {
		return e.auth.NewRequest(tr, true).Run(ctx)
	}
	var interactive acquireFunc
	if !flagSilent {
		interactive = e.auth.AcquireToken
	}
	results := acquireAll(ctx, requests, silent, interactive)

	outputs := make([]tokenOutput, len(resources))
	var errs []error
	for i, res := range results {
		resource := resources[i]
		if !res.Succeeded() {
			errs = append(errs, fmt.Errorf("%s%s: %w", resource, unknownResourceHint(resource), resultError(res)))
			continue
		}
		outputs[i] = newTokenOutput(resource, res)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return writeTokens(cmd.OutOrStdout(), outputs)
}

type acquireFunc func(context.Context, authcontext.TokenRequest) request.Result

// acquireAll runs the silent leg of every request in parallel, then signs in
// for the ones still without a token one at a time, since only one
// interactive session may run. A nil interactive skips the second pass.
// Fatal silent failures are not retried interactively, and a cancelled
// sign-in ends the pass.
func acquireAll(ctx context.Context, requests []authcontext.TokenRequest, silent, interactive acquireFunc) []request.Result {
	results := make([]request.Result, len(requests))
	var g errgroup.Group
	for i, tr := range requests {
		g.Go(func() error {
			results[i] = silent(ctx, tr)
			return nil
		})
	}
	_ = g.Wait()

	if interactive == nil {
		return results
	}
	for i, tr := range requests {
		if results[i].Succeeded() || results[i].Status == request.StatusUserCancelled || autherr.IsFatal(results[i].Err) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		results[i] = interactive(ctx, tr)
		if results[i].Status == request.StatusUserCancelled {
			break
		}
	}
	return results
}

func baseTokenRequest() (authcontext.TokenRequest, error) {
	tr := authcontext.TokenRequest{
		RedirectURI:          cfg.RedirectURI,
		Scope:                flagScope,
		ExtraQueryParameters: flagExtraQP,
		Claims:               flagClaims,
		SkipCache:            flagSkipCache,
	}

	prompt, err := request.ParsePrompt(flagPrompt)
	if err != nil {
		return tr, err
	}
	tr.Prompt = prompt

	if flagUser != "" {
		t, err := user.ParseIdentifierType(flagUserType)
		if err != nil {
			return tr, err
		}
		tr.User = user.NewIdentifier(flagUser, t)
	}

	if flagCorrelationID != "" {
		id, err := uuid.Parse(flagCorrelationID)
		if err != nil {
			return tr, fmt.Errorf("invalid --correlation-id: %w", err)
		}
		tr.CorrelationID = id
	}

	if flagWWWAuthenticate != "" {
		claims, err := auth.ClaimsFromWWWAuthenticate(flagWWWAuthenticate)
		if err != nil {
			return tr, err
		}
		if claims == "" {
			return tr, fmt.Errorf("the WWW-Authenticate header carries no claims challenge")
		}
		tr.Claims = claims
		tr.SkipCache = true
	}
	return tr, nil
}

// unknownResourceHint suggests a configured resource close to an unknown one.
func unknownResourceHint(resource string) string {
	names := cfg.ResourceNames()
	if cfg.Resource != "" {
		names = append(names, cfg.Resource)
	}
	return didYouMean(resource, names)
}

func resultError(res request.Result) error {
	if res.Status == request.StatusUserCancelled {
		return fmt.Errorf("sign-in was cancelled (correlation id %s)", res.CorrelationID)
	}
	if autherr.CodeOf(res.Err) == autherr.CodeUserInputNeeded && flagSilent {
		return fmt.Errorf("%w; run without --silent to sign in", res.Err)
	}
	return res.Err
}

func newTokenOutput(resource string, res request.Result) tokenOutput {
	tok := res.OAuth2Token()
	return tokenOutput{
		Resource:                  resource,
		AccessToken:               tok.AccessToken,
		TokenType:                 tok.TokenType,
		Expiry:                    tok.Expiry.UTC().Truncate(time.Second),
		User:                      res.Record.DisplayableID,
		CorrelationID:             res.CorrelationID,
		MultiResourceRefreshToken: res.MultiResourceRefreshToken,
		ExtendedLifetimeToken:     res.ExtendedLifetimeToken,
	}
}

func writeTokens(w io.Writer, outputs []tokenOutput) error {
	switch flagFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if len(outputs) == 1 {
			return enc.Encode(outputs[0])
		}
		return enc.Encode(outputs)
	case "yaml":
		return yaml.NewEncoder(w).Encode(outputs)
	}
	if len(outputs) == 1 {
		_, err := fmt.Fprintln(w, outputs[0].AccessToken)
		return err
	}
	for _, o := range outputs {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", o.Resource, o.AccessToken); err != nil {
			return err
		}
	}
	return nil
}
