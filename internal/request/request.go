// Package request implements a single token acquisition. A Request tries the
// cache, then refresh tokens, then the interactive leg, and ends in exactly
// one terminal Result.
package request

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thellimist/oidcauth/internal/auth"
	"github.com/thellimist/oidcauth/internal/autherr"
	"github.com/thellimist/oidcauth/internal/cache"
	"github.com/thellimist/oidcauth/internal/logger"
	"github.com/thellimist/oidcauth/internal/telemetry"
	"github.com/thellimist/oidcauth/internal/user"
	"github.com/thellimist/oidcauth/internal/webauth"
)

// Phase is a state of the request state machine.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseEnsured
	PhaseSilentLookup
	PhaseRefreshing
	PhaseInteractive
	PhaseSatisfied
	PhaseCancelled
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseEnsured:
		return "ensured"
	case PhaseSilentLookup:
		return "silent_lookup"
	case PhaseRefreshing:
		return "refreshing"
	case PhaseInteractive:
		return "interactive"
	case PhaseSatisfied:
		return "satisfied"
	case PhaseCancelled:
		return "cancelled"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Terminal reports whether p is a final phase.
func (p Phase) Terminal() bool {
	return p >= PhaseSatisfied
}

// Option configures a Request.
type Option func(*Request)

// WithInteractor sets the interactive leg. Without one, a request that needs
// the user fails with autherr.CodeUserInputNeeded.
func WithInteractor(i Interactor) Option {
	return func(r *Request) { r.interactor = i }
}

// WithResolver sets the endpoint resolver.
func WithResolver(res EndpointResolver) Option {
	return func(r *Request) { r.resolver = res }
}

// WithExclusionLock sets the lock guarding the interactive leg. Defaults to
// SharedExclusionLock.
func WithExclusionLock(l *ExclusionLock) Option {
	return func(r *Request) { r.lock = l }
}

// WithTelemetry sets the telemetry sink. Defaults to telemetry.Shared.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(r *Request) { r.tel = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Request) { r.log = l }
}

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Request) { r.now = now }
}

// Request is one token acquisition. Configure it with the setters, then call
// Run or Start once.
type Request struct {
	accessor   *cache.Accessor
	endpoint   TokenEndpoint
	interactor Interactor
	resolver   EndpointResolver
	lock       *ExclusionLock
	tel        *telemetry.Telemetry
	log        *zap.SugaredLogger
	now        func() time.Time

	mu      sync.Mutex
	params  Parameters
	phase   Phase
	ensured bool

	runOnce sync.Once
	result  Result

	// Owned by the goroutine running the request.
	candidate    *cache.Candidate
	attemptedFRT bool
	underlying   error
	endpoints    *auth.Endpoints

	// Set by ExclusionLock.TryTake under the lock's mutex.
	lockRelease *sync.Once
}

// New returns a request for params. accessor and endpoint are required.
func New(params Parameters, accessor *cache.Accessor, endpoint TokenEndpoint, opts ...Option) *Request {
	if accessor == nil {
		panic("request: nil cache accessor")
	}
	if endpoint == nil {
		panic("request: nil token endpoint")
	}
	r := &Request{
		accessor: accessor,
		endpoint: endpoint,
		params:   params,
		phase:    PhaseCreated,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = logger.Get()
	}
	if r.lock == nil {
		r.lock = SharedExclusionLock()
	}
	if r.tel == nil {
		r.tel = telemetry.Shared()
	}
	if r.resolver == nil {
		r.resolver = auth.NewAuthorityValidator(auth.WithValidatorLogger(r.log))
	}
	return r
}

func (r *Request) mutate(setter string, fn func(p *Parameters)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ensured {
		panic(fmt.Sprintf("request: %s called after Ensure", setter))
	}
	fn(&r.params)
}

// SetPrompt sets the prompt behavior.
func (r *Request) SetPrompt(p Prompt) {
	r.mutate("SetPrompt", func(params *Parameters) { params.Prompt = p })
}

// SetUser sets the user the token is for.
func (r *Request) SetUser(id *user.Identifier) {
	r.mutate("SetUser", func(params *Parameters) { params.User = id })
}

// SetSkipCache sets whether cached access tokens are ignored.
func (r *Request) SetSkipCache(skip bool) {
	r.mutate("SetSkipCache", func(params *Parameters) { params.SkipCache = skip })
}

// SetSilentOnly sets whether the request may prompt.
func (r *Request) SetSilentOnly(silent bool) {
	r.mutate("SetSilentOnly", func(params *Parameters) { params.SilentOnly = silent })
}

// SetCorrelationID sets the correlation id instead of generating one.
func (r *Request) SetCorrelationID(id uuid.UUID) {
	r.mutate("SetCorrelationID", func(params *Parameters) { params.CorrelationID = id })
}

// SetExtraQueryParameters sets the extra authorization query parameters.
func (r *Request) SetExtraQueryParameters(qp string) {
	r.mutate("SetExtraQueryParameters", func(params *Parameters) { params.ExtraQueryParameters = qp })
}

// SetClaims sets the claims request parameter.
func (r *Request) SetClaims(claims string) {
	r.mutate("SetClaims", func(params *Parameters) { params.Claims = claims })
}

// Ensure validates and freezes the request and assigns a correlation id if
// none was set. Setters panic afterwards, as does a second Ensure.
func (r *Request) Ensure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ensured {
		panic("request: Ensure called twice")
	}
	if r.params.CorrelationID == uuid.Nil {
		r.params.CorrelationID = uuid.New()
	}
	if err := r.params.Validate(); err != nil {
		var ae *autherr.Error
		if errors.As(err, &ae) {
			return ae.WithCorrelationID(r.params.CorrelationID)
		}
		return err
	}
	r.ensured = true
	r.phase = PhaseEnsured
	return nil
}

// Ensured reports whether Ensure has succeeded.
func (r *Request) Ensured() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensured
}

// Phase returns the current phase.
func (r *Request) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// CorrelationID returns the request's correlation id, uuid.Nil before Ensure
// unless one was set.
func (r *Request) CorrelationID() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params.CorrelationID
}

// Parameters returns a copy of the request's parameters.
func (r *Request) Parameters() Parameters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params
}

func (r *Request) setPhase(p Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = p
}

// Run executes the request and returns its result. Only the first call does
// any work; later calls return the same result. Cancelling ctx cancels the
// interactive leg only.
func (r *Request) Run(ctx context.Context) Result {
	r.runOnce.Do(func() {
		r.result = r.run(ctx)
	})
	return r.result
}

func (r *Request) run(ctx context.Context) Result {
	if !r.Ensured() {
		if err := r.Ensure(); err != nil {
			return r.fail(err)
		}
	}
	p := &r.params

	r.log.Debugw("Acquiring token",
		"correlation_id", p.CorrelationID, "authority", p.Authority, "client_id", p.ClientID,
		"resource", p.Resource, "prompt", p.Prompt.String(), "silent_only", p.SilentOnly)
	r.record(telemetry.EventAPIStart, telemetry.Event{
		telemetry.KeyPrompt: p.Prompt.String(),
	})

	// Silent network calls run to completion under the token client's own
	// timeout.
	if res, done := r.silent(context.WithoutCancel(ctx)); done {
		return res
	}
	if p.SilentOnly {
		return r.fail(r.withUnderlying(autherr.UserInputNeeded("no token could be obtained without user interaction")))
	}
	return r.interactive(ctx)
}

// silent runs the cache lookup and refresh phases. done is false when the
// request must continue interactively.
func (r *Request) silent(ctx context.Context) (res Result, done bool) {
	p := &r.params
	r.setPhase(PhaseSilentLookup)

	if p.SkipCache || p.Prompt != PromptAuto {
		if p.SilentOnly {
			return r.fail(autherr.UserInputNeeded("no cache entry: the cache is bypassed for this request")), true
		}
		return Result{}, false
	}

	q := p.Query()
	rec, err := r.accessor.LookupAccessToken(q)
	if autherr.IsCache(err) {
		r.record(telemetry.EventCacheLookup, telemetry.Event{telemetry.KeyResult: "error"})
		return r.fail(err), true
	}
	if err != nil {
		r.underlying = err
	}

	switch {
	case rec == nil:
		r.record(telemetry.EventCacheLookup, telemetry.Event{telemetry.KeyResult: "miss"})
	case rec.IsExpired(r.now()):
		r.record(telemetry.EventCacheLookup, telemetry.Event{telemetry.KeyResult: "expired"})
	default:
		r.record(telemetry.EventCacheLookup, telemetry.Event{telemetry.KeyResult: "hit"})
		return r.succeed(*rec, false, false), true
	}

	r.setPhase(PhaseRefreshing)
	return r.refresh(ctx, q, rec)
}

func (r *Request) refresh(ctx context.Context, q cache.Query, stale *cache.TokenRecord) (Result, bool) {
	p := &r.params

	cand, err := r.accessor.LookupRefreshCandidate(q)
	if autherr.IsCache(err) {
		return r.fail(err), true
	}
	if err != nil && r.underlying == nil {
		r.underlying = err
	}

	tried := make(map[string]bool)
	for cand != nil {
		r.candidate = cand
		tried[cand.Record.RefreshToken] = true

		resp, err := r.redeem(ctx, cand)
		if err == nil {
			prev := cand.Record
			return r.complete(resp, &prev, cand.Kind != cache.CandidateExact), true
		}
		r.underlying = err
		if !autherr.IsInvalidGrant(err) {
			break
		}

		r.log.Debugw("Refresh token rejected", "correlation_id", p.CorrelationID, "kind", cand.Kind.String())
		cand, err = r.fallbackCandidate(q, cand.Kind, tried)
		if err != nil {
			return r.fail(err), true
		}
	}

	if p.ExtendedLifetime && stale != nil && autherr.IsRetryableServer(r.underlying) && stale.IsExtendedLifetimeValid(r.now()) {
		r.log.Infow("Token endpoint unavailable, serving extended lifetime token",
			"correlation_id", p.CorrelationID, "resource", p.Resource, "extended_expires_on", stale.ExtendedExpiresOn)
		return r.succeed(*stale, false, true), true
	}
	return Result{}, false
}

// fallbackCandidate returns the next, narrower refresh token to try after
// one of kind failed with invalid_grant, or nil when there is none.
func (r *Request) fallbackCandidate(q cache.Query, failed cache.CandidateKind, tried map[string]bool) (*cache.Candidate, error) {
	var (
		rec  *cache.TokenRecord
		kind cache.CandidateKind
		err  error
	)
	switch failed {
	case cache.CandidateMRRT:
		rec, err = r.accessor.LookupExactRefresh(q)
		kind = cache.CandidateExact
	case cache.CandidateFRT:
		if r.attemptedFRT {
			return nil, nil
		}
		r.attemptedFRT = true
		rec, err = r.accessor.LookupMRRT(q)
		kind = cache.CandidateMRRT
	default:
		return nil, nil
	}
	if autherr.IsCache(err) {
		return nil, err
	}
	if rec == nil || tried[rec.RefreshToken] {
		return nil, nil
	}
	return &cache.Candidate{Record: *rec, Kind: kind}, nil
}

func (r *Request) redeem(ctx context.Context, cand *cache.Candidate) (*auth.TokenResponse, error) {
	ep, err := r.resolveEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	p := &r.params
	resp, err := r.endpoint.RefreshToken(ctx, auth.RefreshGrant{
		TokenURL:      ep.TokenURL,
		ClientID:      p.ClientID,
		RefreshToken:  cand.Record.RefreshToken,
		Resource:      p.Resource,
		Scope:         p.Scope,
		Claims:        p.Claims,
		CorrelationID: p.CorrelationID,
	})
	r.recordHTTP("refresh_token", cand.Kind.String(), err)
	return resp, err
}

func (r *Request) interactive(ctx context.Context) Result {
	p := &r.params
	if r.interactor == nil {
		return r.fail(r.withUnderlying(autherr.UserInputNeeded("user interaction is required but no interactive surface is configured")))
	}
	if ctx.Err() != nil {
		return r.fail(autherr.Cancelled(context.Cause(ctx)))
	}

	r.setPhase(PhaseInteractive)
	if err := r.lock.TryTake(r); err != nil {
		return r.fail(err)
	}
	defer r.lock.Release(r)

	ep, err := r.resolveEndpoints(context.WithoutCancel(ctx))
	if err != nil {
		return r.fail(r.withUnderlying(err))
	}

	pkce := auth.NewPKCE()
	authURL, err := auth.BuildAuthorizationURL(auth.AuthorizationParams{
		AuthorizeURL:         ep.AuthorizeURL,
		ClientID:             p.ClientID,
		RedirectURI:          p.RedirectURI,
		Resource:             p.Resource,
		Scope:                p.Scope,
		State:                auth.EncodeState(p.Authority, p.Resource),
		Nonce:                uuid.NewString(),
		PKCE:                 pkce,
		LoginHint:            p.User.LoginHint(),
		Prompt:               p.Prompt.authorizationParam(),
		Claims:               p.Claims,
		ExtraQueryParameters: p.ExtraQueryParameters,
		CorrelationID:        p.CorrelationID,
	})
	if err != nil {
		return r.fail(err)
	}

	useBroker := p.UseBroker && r.interactor.BrokerAvailable()
	areq := webauth.AuthorizationRequest{
		URL:           authURL,
		RedirectURI:   p.RedirectURI,
		Authority:     p.Authority,
		Resource:      p.Resource,
		User:          p.User,
		CorrelationID: p.CorrelationID,
		UseBroker:     useBroker,
	}
	if useBroker {
		areq.Broker = webauth.BrokerRequest{
			Authority:            p.Authority,
			ClientID:             p.ClientID,
			Resource:             p.Resource,
			RedirectURI:          p.RedirectURI,
			CorrelationID:        p.CorrelationID,
			Username:             p.User.LoginHint(),
			ExtraQueryParameters: p.ExtraQueryParameters,
			Claims:               p.Claims,
			Prompt:               p.Prompt.authorizationParam(),
			Fingerprint:          p.Fingerprint(),
		}
		r.record(telemetry.EventBrokerInvoke, nil)
	} else {
		r.record(telemetry.EventUILaunch, nil)
	}

	resp, err := r.interactor.Start(ctx, areq)
	r.record(telemetry.EventUIComplete, telemetry.Event{telemetry.KeyResult: outcome(err)})
	if err != nil {
		if autherr.IsCancelled(err) {
			return r.fail(err)
		}
		return r.fail(r.withUnderlying(err))
	}

	if resp.Broker != nil {
		r.record(telemetry.EventBrokerResume, nil)
		return r.complete(resp.Broker.Token, nil, false)
	}

	tok, err := r.endpoint.ExchangeCode(context.WithoutCancel(ctx), auth.CodeGrant{
		TokenURL:      ep.TokenURL,
		ClientID:      p.ClientID,
		Code:          resp.Code,
		RedirectURI:   p.RedirectURI,
		CodeVerifier:  pkce.Verifier,
		Resource:      p.Resource,
		Scope:         p.Scope,
		CorrelationID: p.CorrelationID,
	})
	r.recordHTTP("authorization_code", "", err)
	if err != nil {
		return r.fail(r.withUnderlying(err))
	}
	return r.complete(tok, nil, false)
}

func (r *Request) resolveEndpoints(ctx context.Context) (*auth.Endpoints, error) {
	if r.endpoints != nil {
		return r.endpoints, nil
	}
	ep, err := r.resolver.Resolve(ctx, r.params.Authority, r.params.ValidateAuthority)
	if err != nil {
		return nil, err
	}
	r.endpoints = ep
	return ep, nil
}

// complete turns a token response into the cached record and the result.
func (r *Request) complete(resp *auth.TokenResponse, prev *cache.TokenRecord, redeemedBroad bool) Result {
	p := &r.params
	if resp.CorrelationID == uuid.Nil {
		resp.CorrelationID = p.CorrelationID
	}
	rec := RecordFromResponse(*p, resp, prev, r.log)
	rec.CorrelationID = p.CorrelationID

	if err := CheckUser(*p, rec); err != nil {
		return r.fail(err)
	}
	if err := r.accessor.UpdateCache(rec); err != nil {
		r.record(telemetry.EventCacheWrite, telemetry.Event{telemetry.KeyResult: "error"})
		return r.fail(err)
	}
	r.record(telemetry.EventCacheWrite, telemetry.Event{telemetry.KeyResult: "ok"})
	return r.succeed(rec, redeemedBroad, false)
}

// succeed ends the request with rec. redeemedBroad is set when rec came from
// redeeming a multi-resource or family refresh token.
func (r *Request) succeed(rec cache.TokenRecord, redeemedBroad, extended bool) Result {
	p := &r.params
	r.setPhase(PhaseSatisfied)
	r.record(telemetry.EventAPIEnd, telemetry.Event{
		telemetry.KeyResult:            telemetry.StatusSucceeded,
		telemetry.KeyMultiResourceUsed: strconv.FormatBool(redeemedBroad),
		telemetry.KeyExtendedLifetime:  strconv.FormatBool(extended),
	})
	r.tel.Complete(p.CorrelationID, telemetry.StatusSucceeded, nil)
	r.log.Debugw("Token acquired", "correlation_id", p.CorrelationID, "resource", p.Resource,
		"expires_on", rec.ExpiresOn, "mrrt", rec.MultiResource, "extended_lifetime", extended)

	return Result{
		Status:                    StatusSucceeded,
		Record:                    &rec,
		CorrelationID:             p.CorrelationID,
		MultiResourceRefreshToken: rec.MultiResource,
		ExtendedLifetimeToken:     extended,
	}
}

func (r *Request) fail(err error) Result {
	cid := r.CorrelationID()
	ae := toAuthError(err).WithCorrelationID(cid)

	status, phase, telStatus := StatusFailed, PhaseFailed, telemetry.StatusFailed
	if ae.Code == autherr.CodeUserCancelled {
		status, phase, telStatus = StatusUserCancelled, PhaseCancelled, telemetry.StatusCancelled
	}
	r.setPhase(phase)
	r.record(telemetry.EventAPIEnd, telemetry.Event{
		telemetry.KeyResult:    telStatus,
		telemetry.KeyErrorCode: string(ae.Code),
	})
	r.tel.Complete(cid, telStatus, ae)
	r.log.Debugw("Token acquisition ended without a token", "correlation_id", cid, "status", status.String(), "error", ae)

	return Result{Status: status, Err: ae, CorrelationID: cid}
}

// withUnderlying attaches the error that ended the silent phases to err.
func (r *Request) withUnderlying(err error) error {
	if r.underlying == nil {
		return err
	}
	return toAuthError(err).WithCause(r.underlying)
}

func toAuthError(err error) *autherr.Error {
	var ae *autherr.Error
	switch {
	case errors.As(err, &ae):
		return ae
	case errors.Is(err, context.Canceled):
		return autherr.Cancelled(err)
	default:
		return autherr.New(autherr.CodeNetwork, autherr.DomainHTTP, "token acquisition failed", err)
	}
}

func (r *Request) record(name string, extra telemetry.Event) {
	p := &r.params
	e := telemetry.Event{
		telemetry.KeyEventName: name,
		telemetry.KeyAuthority: p.Authority,
		telemetry.KeyClientID:  p.ClientID,
		telemetry.KeyResource:  p.Resource,
	}
	maps.Copy(e, extra)
	r.tel.Record(p.CorrelationID, e)
}

func (r *Request) recordHTTP(grantType, candidate string, err error) {
	e := telemetry.Event{
		telemetry.KeyGrantType: grantType,
		telemetry.KeyResult:    outcome(err),
	}
	if candidate != "" {
		e[telemetry.KeyCandidate] = candidate
	}
	var ae *autherr.Error
	if errors.As(err, &ae) {
		e[telemetry.KeyErrorCode] = string(ae.Code)
		if ae.StatusCode != 0 {
			e[telemetry.KeyHTTPStatus] = strconv.Itoa(ae.StatusCode)
		}
	}
	r.record(telemetry.EventHTTPToken, e)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return telemetry.StatusSucceeded
	case autherr.IsCancelled(err):
		return telemetry.StatusCancelled
	default:
		return telemetry.StatusFailed
	}
}
