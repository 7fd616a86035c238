// Package webauth runs the interactive leg of token acquisition: it drives an
// authorization surface (a browser) or hands the request to a broker app,
// and turns what comes back into an authorization code or broker tokens.
package webauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thellimist/oidcauth/internal/auth"
	"github.com/thellimist/oidcauth/internal/autherr"
	"github.com/thellimist/oidcauth/internal/logger"
	"github.com/thellimist/oidcauth/internal/user"
)

// Navigation receives load events from a Surface.
type Navigation interface {
	// DidStartLoad is called before u is loaded. Returning false stops the load.
	DidStartLoad(u *url.URL) bool
	DidFinishLoad(u *url.URL)
	DidFailLoad(err error)
}

// Surface displays the authorization page.
type Surface interface {
	// LoadRequest starts loading authURL and reports navigations to nav.
	LoadRequest(ctx context.Context, authURL string, nav Navigation) error
	// Stop ends the current load. It must be safe to call more than once.
	Stop()
}

// Spinner is implemented by surfaces that show progress while loading.
type Spinner interface {
	StartSpinner()
	StopSpinner()
}

// NotificationKind names a coordinator event.
type NotificationKind string

const (
	LoadStarted    NotificationKind = "load_started"
	LoadFinished   NotificationKind = "load_finished"
	LoadFailed     NotificationKind = "load_failed"
	AuthCompleted  NotificationKind = "auth_completed"
	BrokerSwitch   NotificationKind = "broker_switch"
	BrokerResponse NotificationKind = "broker_response"
)

// Notification is delivered to subscribers. It is advisory only.
type Notification struct {
	Kind          NotificationKind
	CorrelationID uuid.UUID
	URL           string
	Err           error
}

// AuthorizationRequest describes one interactive session.
type AuthorizationRequest struct {
	// URL is the full authorization URL, see auth.BuildAuthorizationURL.
	URL           string
	RedirectURI   string
	Authority     string
	Resource      string
	User          *user.Identifier
	CorrelationID uuid.UUID

	UseBroker bool
	Broker    BrokerRequest
}

// AuthorizationResponse is the outcome of a successful session: either an
// authorization code or tokens returned by the broker.
type AuthorizationResponse struct {
	Code   string
	State  string
	Broker *BrokerResult
}

// Coordinator runs at most one interactive session at a time.
type Coordinator struct {
	surface Surface
	broker  BrokerTransport
	resume  *ResumeStore
	log     *zap.SugaredLogger
	now     func() time.Time

	mu        sync.Mutex
	session   *session
	observers map[int]func(Notification)
	nextObs   int
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithSurface sets the browser surface.
func WithSurface(s Surface) CoordinatorOption {
	return func(c *Coordinator) { c.surface = s }
}

// WithBroker sets the broker transport and the store used to resume broker
// sessions across process restarts.
func WithBroker(t BrokerTransport, r *ResumeStore) CoordinatorOption {
	return func(c *Coordinator) {
		c.broker = t
		c.resume = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) CoordinatorOption {
	return func(c *Coordinator) { c.log = l }
}

// NewCoordinator returns a Coordinator.
func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		now:       time.Now,
		observers: make(map[int]func(Notification)),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logger.Get()
	}
	return c
}

type outcome struct {
	resp *AuthorizationResponse
	err  error
}

type session struct {
	c      *Coordinator
	req    AuthorizationRequest
	broker bool

	mu     sync.Mutex
	done   bool
	result chan outcome
}

// finish delivers the first outcome; later calls report false.
func (s *session) finish(resp *AuthorizationResponse, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	var ae *autherr.Error
	if errors.As(err, &ae) {
		err = ae.WithCorrelationID(s.req.CorrelationID)
	}
	s.result <- outcome{resp: resp, err: err}
	return true
}

// Subscribe registers fn for notifications and returns a function that
// removes it.
func (c *Coordinator) Subscribe(fn func(Notification)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Coordinator) notify(n Notification) {
	c.mu.Lock()
	observers := make([]func(Notification), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Warnw("Notification observer panicked", "kind", n.Kind, "panic", r)
				}
			}()
			fn(n)
		}()
	}
}

// BrokerAvailable reports whether Start would use the broker for a request
// that asks for it.
func (c *Coordinator) BrokerAvailable() bool {
	return c.broker != nil && c.resume != nil && c.broker.Available()
}

// Start runs an interactive session and blocks until it ends. Cancelling
// ctx ends the session with a user_cancelled error.
func (c *Coordinator) Start(ctx context.Context, req AuthorizationRequest) (*AuthorizationResponse, error) {
	useBroker := req.UseBroker && c.BrokerAvailable()
	if !useBroker && c.surface == nil {
		return nil, autherr.InvalidArgument("surface", "no authorization surface is configured")
	}
	if req.RedirectURI == "" {
		return nil, autherr.InvalidArgument("redirect_uri", "must not be empty")
	}

	s := &session{c: c, req: req, broker: useBroker, result: make(chan outcome, 1)}
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return nil, autherr.InteractionInProgress().WithCorrelationID(req.CorrelationID)
	}
	c.session = s
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.session == s {
			c.session = nil
		}
		c.mu.Unlock()
	}()

	if useBroker {
		return c.runBroker(ctx, s)
	}
	return c.runSurface(ctx, s)
}

func (c *Coordinator) runBroker(ctx context.Context, s *session) (*AuthorizationResponse, error) {
	req := s.req
	pending := PendingBroker{
		CorrelationID: req.CorrelationID,
		Fingerprint:   req.Broker.Fingerprint,
		Authority:     req.Authority,
		ClientID:      req.Broker.ClientID,
		Resource:      req.Resource,
		RedirectURI:   req.RedirectURI,
		User:          req.User,
		CreatedAt:     c.now().UTC(),
	}
	if err := c.resume.SavePending(pending); err != nil {
		return nil, autherr.Broker("could not persist the pending broker request", err).WithCorrelationID(req.CorrelationID)
	}

	c.notify(Notification{Kind: BrokerSwitch, CorrelationID: req.CorrelationID})
	c.log.Debugw("Switching to broker", "correlation_id", req.CorrelationID)

	if err := c.broker.Invoke(ctx, req.Broker); err != nil {
		_ = c.resume.ClearPending()
		return nil, autherr.Broker("could not invoke the broker", err).WithCorrelationID(req.CorrelationID)
	}

	var o outcome
	select {
	case o = <-s.result:
	case <-ctx.Done():
		s.finish(nil, autherr.Cancelled(context.Cause(ctx)))
		o = <-s.result
	}
	// The session ended in this process, so a later response has nothing to
	// resume and is rejected.
	if err := c.resume.ClearPending(); err != nil {
		c.log.Warnw("Could not clear the pending broker request", "correlation_id", req.CorrelationID, "error", err)
	}
	return o.resp, o.err
}

func (c *Coordinator) runSurface(ctx context.Context, s *session) (*AuthorizationResponse, error) {
	if sp, ok := c.surface.(Spinner); ok {
		sp.StartSpinner()
		defer sp.StopSpinner()
	}

	nav := &navigation{s: s}
	go func() {
		if err := c.surface.LoadRequest(ctx, s.req.URL, nav); err != nil {
			s.finish(nil, surfaceError(err))
		}
	}()

	var o outcome
	select {
	case o = <-s.result:
	case <-ctx.Done():
		s.finish(nil, autherr.Cancelled(context.Cause(ctx)))
		o = <-s.result
	}
	c.surface.Stop()
	c.notify(Notification{Kind: AuthCompleted, CorrelationID: s.req.CorrelationID, Err: o.err})
	return o.resp, o.err
}

// CancelCurrentSession ends the running session, if any, as cancelled by the user.
func (c *Coordinator) CancelCurrentSession() {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return
	}
	if s.finish(nil, autherr.Cancelled(nil)) && !s.broker && c.surface != nil {
		c.surface.Stop()
	}
}

// HandleBrokerResponse delivers a broker response. If a broker session is
// waiting in this process it receives the response; otherwise the response
// is checked against the persisted pending request and saved for
// TakeInterruptedBrokerResponse.
func (c *Coordinator) HandleBrokerResponse(values url.Values) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	cid, _ := uuid.Parse(values.Get(BrokerKeyCorrelationID))
	c.notify(Notification{Kind: BrokerResponse, CorrelationID: cid})

	if s != nil && s.broker {
		if err := matchCorrelation(values, s.req.CorrelationID); err != nil {
			s.finish(nil, err)
			return err
		}
		result, err := ParseBrokerResponse(values, c.now())
		s.finish(brokerResponse(result), err)
		return nil
	}

	if c.resume == nil {
		return autherr.Broker("broker response received but broker resumption is not configured", nil)
	}
	return c.resume.SaveResponse(values)
}

// TakeInterruptedBrokerResponse returns the broker response saved by an
// earlier HandleBrokerResponse, at most once. Both results are nil when
// nothing is saved.
func (c *Coordinator) TakeInterruptedBrokerResponse() (*PendingBroker, *BrokerResult, error) {
	if c.resume == nil {
		return nil, nil, nil
	}
	pending, values, err := c.resume.TakeResponse()
	if err != nil || pending == nil {
		return nil, nil, err
	}
	result, err := ParseBrokerResponse(values, c.now())
	if err != nil {
		return pending, nil, err
	}
	return pending, result, nil
}

func brokerResponse(r *BrokerResult) *AuthorizationResponse {
	if r == nil {
		return nil
	}
	return &AuthorizationResponse{Broker: r}
}

func surfaceError(err error) error {
	var ae *autherr.Error
	switch {
	case errors.As(err, &ae):
		return ae
	case errors.Is(err, context.Canceled):
		return autherr.Cancelled(err)
	default:
		return autherr.New(autherr.CodeNetwork, autherr.DomainHTTP, "the authorization page failed to load", err)
	}
}

// navigation adapts surface callbacks to a session.
type navigation struct {
	s *session
}

func (n *navigation) DidStartLoad(u *url.URL) bool {
	s := n.s
	c := s.c
	c.notify(Notification{Kind: LoadStarted, CorrelationID: s.req.CorrelationID, URL: redact(u)})

	if isRedirect(u, s.req.RedirectURI) {
		s.finish(parseRedirect(u, s.req))
		return false
	}
	if u.Scheme == "about" && u.Opaque == "blank" {
		return true
	}
	if !strings.EqualFold(u.Scheme, "https") {
		c.log.Warnw("Blocked non-https navigation", "correlation_id", s.req.CorrelationID, "scheme", u.Scheme, "host", u.Host)
		if s.finish(nil, autherr.NonHTTPSRedirect(redact(u))) {
			c.surface.Stop()
		}
		return false
	}
	return true
}

func (n *navigation) DidFinishLoad(u *url.URL) {
	n.s.c.notify(Notification{Kind: LoadFinished, CorrelationID: n.s.req.CorrelationID, URL: redact(u)})
}

func (n *navigation) DidFailLoad(err error) {
	n.s.c.notify(Notification{Kind: LoadFailed, CorrelationID: n.s.req.CorrelationID, Err: err})
	n.s.finish(nil, surfaceError(err))
}

func isRedirect(u *url.URL, redirectURI string) bool {
	return strings.HasPrefix(strings.ToLower(u.String()), strings.ToLower(redirectURI))
}

// parseRedirect reads the authorization response from the query and the
// fragment of the redirect URL.
func parseRedirect(u *url.URL, req AuthorizationRequest) (*AuthorizationResponse, error) {
	params := u.Query()
	if u.Fragment != "" {
		if frag, err := url.ParseQuery(u.Fragment); err == nil {
			for k, v := range frag {
				if !params.Has(k) {
					params[k] = v
				}
			}
		}
	}

	if code := params.Get("error"); code != "" {
		if isCancel(code, params.Get("error_subcode")) {
			return nil, autherr.Cancelled(nil)
		}
		return nil, autherr.Protocol(code, params.Get("error_description"), 0)
	}

	code := params.Get("code")
	if code == "" {
		return nil, autherr.Protocol("invalid_response", "the authorization response has no code", 0)
	}
	state := params.Get("state")
	if err := checkState(state, req); err != nil {
		return nil, err
	}
	return &AuthorizationResponse{Code: code, State: state}, nil
}

func checkState(state string, req AuthorizationRequest) error {
	authority, resource, err := auth.DecodeState(state)
	if err != nil {
		return autherr.Protocol(autherr.ProtocolStateMismatch, err.Error(), 0)
	}
	if resource != req.Resource || !strings.EqualFold(strings.TrimRight(authority, "/"), strings.TrimRight(req.Authority, "/")) {
		return autherr.Protocol(autherr.ProtocolStateMismatch,
			fmt.Sprintf("state was issued for %s %s", authority, resource), 0)
	}
	return nil
}

// redact drops the query and fragment, which may carry codes or tokens.
func redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.RawQuery = ""
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}
