// Package authcontext is the entry point applications use to obtain tokens.
// A Context binds one authority and client to a token cache, a token
// endpoint and an interactive coordinator, and creates a request.Request per
// acquisition.
package authcontext

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thellimist/oidcauth/internal/auth"
	"github.com/thellimist/oidcauth/internal/autherr"
	"github.com/thellimist/oidcauth/internal/cache"
	"github.com/thellimist/oidcauth/internal/logger"
	"github.com/thellimist/oidcauth/internal/request"
	"github.com/thellimist/oidcauth/internal/telemetry"
	"github.com/thellimist/oidcauth/internal/user"
	"github.com/thellimist/oidcauth/internal/webauth"
)

// TokenRequest describes the token a caller wants.
type TokenRequest struct {
	Resource             string
	Scope                string
	RedirectURI          string
	User                 *user.Identifier
	Prompt               request.Prompt
	ExtraQueryParameters string
	Claims               string
	CorrelationID        uuid.UUID
	SkipCache            bool
}

// Context acquires tokens for one authority and client.
type Context struct {
	authority         string
	validateAuthority bool
	clientID          string

	accessor    *cache.Accessor
	endpoint    request.TokenEndpoint
	resolver    request.EndpointResolver
	coordinator *webauth.Coordinator
	lock        *request.ExclusionLock
	tel         *telemetry.Telemetry
	log         *zap.SugaredLogger
	now         func() time.Time

	extendedLifetime bool
	useBroker        bool
}

// Option configures a Context.
type Option func(*Context)

// WithTokenEndpoint replaces the token endpoint client.
func WithTokenEndpoint(e request.TokenEndpoint) Option {
	return func(c *Context) { c.endpoint = e }
}

// WithResolver replaces the authority resolver.
func WithResolver(r request.EndpointResolver) Option {
	return func(c *Context) { c.resolver = r }
}

// WithCoordinator sets the interactive coordinator. Without one, every
// request is silent.
func WithCoordinator(co *webauth.Coordinator) Option {
	return func(c *Context) { c.coordinator = co }
}

// WithExclusionLock sets the interactive lock. Defaults to
// request.SharedExclusionLock.
func WithExclusionLock(l *request.ExclusionLock) Option {
	return func(c *Context) { c.lock = l }
}

// WithTelemetry sets the telemetry sink. Defaults to telemetry.Shared.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *Context) { c.tel = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Context) { c.log = l }
}

// WithClock sets the time source for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

// WithExtendedLifetime lets requests return stale tokens within their
// extended lifetime while the token endpoint is down.
func WithExtendedLifetime(enabled bool) Option {
	return func(c *Context) { c.extendedLifetime = enabled }
}

// WithBroker hands interactive requests to the coordinator's broker when it
// has one.
func WithBroker(enabled bool) Option {
	return func(c *Context) { c.useBroker = enabled }
}

// New returns a Context for authority and clientID backed by accessor.
func New(authority string, validateAuthority bool, clientID string, accessor *cache.Accessor, opts ...Option) (*Context, error) {
	normalized, err := auth.ParseAuthority(authority)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(clientID) == "" {
		return nil, autherr.InvalidArgument("client_id", "must not be empty")
	}
	if accessor == nil {
		return nil, autherr.InvalidArgument("cache", "must not be nil")
	}

	c := &Context{
		authority:         normalized,
		validateAuthority: validateAuthority,
		clientID:          clientID,
		accessor:          accessor,
		now:               time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logger.Get()
	}
	if c.endpoint == nil {
		c.endpoint = auth.NewTokenClient(auth.WithTokenLogger(c.log))
	}
	if c.resolver == nil {
		c.resolver = auth.NewAuthorityValidator(auth.WithValidatorLogger(c.log))
	}
	if c.lock == nil {
		c.lock = request.SharedExclusionLock()
	}
	if c.tel == nil {
		c.tel = telemetry.Shared()
	}
	return c, nil
}

// Authority returns the normalized authority.
func (c *Context) Authority() string { return c.authority }

// ClientID returns the client id.
func (c *Context) ClientID() string { return c.clientID }

// Accessor returns the token cache.
func (c *Context) Accessor() *cache.Accessor { return c.accessor }

func (c *Context) parameters(tr TokenRequest, silentOnly bool) request.Parameters {
	return request.Parameters{
		Authority:            c.authority,
		ValidateAuthority:    c.validateAuthority,
		ClientID:             c.clientID,
		Resource:             tr.Resource,
		Scope:                tr.Scope,
		RedirectURI:          tr.RedirectURI,
		User:                 tr.User,
		Prompt:               tr.Prompt,
		CorrelationID:        tr.CorrelationID,
		SilentOnly:           silentOnly,
		SkipCache:            tr.SkipCache,
		ExtraQueryParameters: tr.ExtraQueryParameters,
		Claims:               tr.Claims,
		ExtendedLifetime:     c.extendedLifetime,
		UseBroker:            c.useBroker,
	}
}

// NewRequest returns an unstarted request for tr. Callers may adjust it with
// its setters before running it.
func (c *Context) NewRequest(tr TokenRequest, silentOnly bool) *request.Request {
	opts := []request.Option{
		request.WithResolver(c.resolver),
		request.WithExclusionLock(c.lock),
		request.WithTelemetry(c.tel),
		request.WithLogger(c.log),
		request.WithClock(c.now),
	}
	if c.coordinator != nil {
		opts = append(opts, request.WithInteractor(c.coordinator))
	}
	return request.New(c.parameters(tr, silentOnly), c.accessor, c.endpoint, opts...)
}

// AcquireToken returns a token for tr, prompting the user if the cache and
// refresh tokens cannot produce one.
func (c *Context) AcquireToken(ctx context.Context, tr TokenRequest) request.Result {
	return c.NewRequest(tr, false).Run(ctx)
}

// AcquireTokenSilent returns a token for resource without user interaction.
func (c *Context) AcquireTokenSilent(ctx context.Context, resource string, u *user.Identifier, correlationID uuid.UUID) request.Result {
	return c.NewRequest(TokenRequest{Resource: resource, User: u, CorrelationID: correlationID}, true).Run(ctx)
}

// AcquireTokenAsync starts AcquireToken on its own goroutine.
func (c *Context) AcquireTokenAsync(ctx context.Context, tr TokenRequest) *request.Future {
	return c.NewRequest(tr, false).Start(ctx)
}

// CancelCurrentWebAuthSession dismisses the interactive session in progress,
// if any. The request running it ends with StatusUserCancelled.
func (c *Context) CancelCurrentWebAuthSession() {
	if c.coordinator != nil {
		c.coordinator.CancelCurrentSession()
	}
}

// CurrentModalRequest returns the request holding the interactive lock.
func (c *Context) CurrentModalRequest() *request.Request {
	return c.lock.Current()
}

// ResponseFromInterruptedBrokerSession completes a broker interaction whose
// requesting process exited before the broker answered. The saved response
// is consumed at most once and written to the cache. It returns nil, nil
// when no response is waiting.
func (c *Context) ResponseFromInterruptedBrokerSession(ctx context.Context) (*request.Result, error) {
	if c.coordinator == nil {
		return nil, nil
	}
	// Taking the response consumes it.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pending, result, err := c.coordinator.TakeInterruptedBrokerResponse()
	if pending == nil && err == nil {
		return nil, nil
	}

	cid := uuid.Nil
	if pending != nil {
		cid = pending.CorrelationID
	}
	if err != nil {
		return c.brokerFailure(cid, err), nil
	}
	if cache.NormalizeAuthority(pending.Authority) != cache.NormalizeAuthority(c.authority) || pending.ClientID != c.clientID {
		return c.brokerFailure(cid, autherr.Broker("saved broker response belongs to another authority or client", nil)), nil
	}

	p := request.Parameters{
		Authority:     c.authority,
		ClientID:      c.clientID,
		Resource:      pending.Resource,
		RedirectURI:   pending.RedirectURI,
		User:          pending.User,
		CorrelationID: cid,
	}
	if p.Fingerprint() != pending.Fingerprint {
		return c.brokerFailure(cid, autherr.Broker("saved broker response does not match the request that started it", nil)), nil
	}
	if result.Token.CorrelationID == uuid.Nil {
		result.Token.CorrelationID = cid
	}
	rec := request.RecordFromResponse(p, result.Token, nil, c.log)
	rec.CorrelationID = cid
	if err := request.CheckUser(p, rec); err != nil {
		return c.brokerFailure(cid, err), nil
	}

	c.tel.Record(cid, telemetry.Event{
		telemetry.KeyEventName: telemetry.EventBrokerResume,
		telemetry.KeyAuthority: c.authority,
		telemetry.KeyClientID:  c.clientID,
		telemetry.KeyResource:  pending.Resource,
	})
	if err := c.accessor.UpdateCache(rec); err != nil {
		return c.brokerFailure(cid, err), nil
	}
	c.tel.Complete(cid, telemetry.StatusSucceeded, nil)
	c.log.Infow("Completed interrupted broker session", "correlation_id", cid, "resource", pending.Resource)

	return &request.Result{
		Status:        request.StatusSucceeded,
		Record:        &rec,
		CorrelationID: cid,
	}, nil
}

func (c *Context) brokerFailure(cid uuid.UUID, err error) *request.Result {
	var ae *autherr.Error
	if !errors.As(err, &ae) {
		ae = autherr.Broker("interrupted broker session failed", err)
	}
	ae = ae.WithCorrelationID(cid)

	status, telStatus := request.StatusFailed, telemetry.StatusFailed
	if ae.Code == autherr.CodeUserCancelled {
		status, telStatus = request.StatusUserCancelled, telemetry.StatusCancelled
	}
	c.tel.Complete(cid, telStatus, ae)
	return &request.Result{Status: status, Err: ae, CorrelationID: cid}
}
