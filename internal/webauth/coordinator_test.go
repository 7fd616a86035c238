package webauth

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/thellimist/oidcauth/internal/auth"
	"github.com/thellimist/oidcauth/internal/autherr"
	"github.com/thellimist/oidcauth/internal/cache"
)

const (
	testAuthority = "https://login.example.com/common"
	testResource  = "https://api.example.com"
	testRedirect  = "https://app.example.com/auth/done"
)

type fakeSurface struct {
	mu    sync.Mutex
	stops int
	load  func(ctx context.Context, authURL string, nav Navigation) error
}

func (f *fakeSurface) LoadRequest(ctx context.Context, authURL string, nav Navigation) error {
	return f.load(ctx, authURL, nav)
}

func (f *fakeSurface) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeSurface) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func navigateTo(urls ...string) func(context.Context, string, Navigation) error {
	return func(_ context.Context, authURL string, nav Navigation) error {
		for _, raw := range append([]string{authURL}, urls...) {
			u, err := url.Parse(raw)
			if err != nil {
				return err
			}
			if !nav.DidStartLoad(u) {
				return nil
			}
			nav.DidFinishLoad(u)
		}
		return nil
	}
}

func testRequest() AuthorizationRequest {
	return AuthorizationRequest{
		URL:           "https://login.example.com/common/connect/authorize?client_id=c",
		RedirectURI:   testRedirect,
		Authority:     testAuthority,
		Resource:      testResource,
		CorrelationID: uuid.New(),
	}
}

func validState() string {
	return auth.EncodeState(testAuthority, testResource)
}

func newTestCoordinator(opts ...CoordinatorOption) *Coordinator {
	return NewCoordinator(append([]CoordinatorOption{WithLogger(zap.NewNop().Sugar())}, opts...)...)
}

func TestStartReturnsCodeFromRedirect(t *testing.T) {
	t.Parallel()

	surface := &fakeSurface{load: navigateTo(
		"https://login.example.com/common/login",
		testRedirect+"?code=abc&state="+validState(),
	)}
	c := newTestCoordinator(WithSurface(surface))

	var mu sync.Mutex
	var kinds []NotificationKind
	c.Subscribe(func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, n.Kind)
	})

	resp, err := c.Start(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.Code)
	assert.Equal(t, validState(), resp.State)
	assert.GreaterOrEqual(t, surface.stopCount(), 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, kinds, LoadStarted)
	assert.Contains(t, kinds, LoadFinished)
	assert.Equal(t, AuthCompleted, kinds[len(kinds)-1])
}

func TestStartReadsFragmentResponse(t *testing.T) {
	t.Parallel()

	surface := &fakeSurface{load: navigateTo(testRedirect + "#code=frag&state=" + validState())}
	c := newTestCoordinator(WithSurface(surface))

	resp, err := c.Start(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "frag", resp.Code)
}

func TestStartRejectsStateMismatch(t *testing.T) {
	t.Parallel()

	other := auth.EncodeState(testAuthority, "https://other.example.com")
	surface := &fakeSurface{load: navigateTo(testRedirect + "?code=abc&state=" + other)}
	c := newTestCoordinator(WithSurface(surface))

	req := testRequest()
	_, err := c.Start(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, autherr.CodeProtocol, autherr.CodeOf(err))
	assert.Equal(t, autherr.ProtocolStateMismatch, autherr.ProtocolCodeOf(err))

	var ae *autherr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, req.CorrelationID, ae.CorrelationID)
}

func TestStartOAuthErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		query    string
		code     autherr.Code
		protocol string
	}{
		{"cancel", "error=access_denied&error_subcode=cancel", autherr.CodeUserCancelled, ""},
		{"denied", "error=access_denied&error_description=no", autherr.CodeProtocol, "access_denied"},
		{"scope", "error=invalid_scope", autherr.CodeProtocol, "invalid_scope"},
		{"no code", "state=" + validState(), autherr.CodeProtocol, "invalid_response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			surface := &fakeSurface{load: navigateTo(testRedirect + "?" + tt.query)}
			c := newTestCoordinator(WithSurface(surface))
			_, err := c.Start(context.Background(), testRequest())
			require.Error(t, err)
			assert.Equal(t, tt.code, autherr.CodeOf(err))
			assert.Equal(t, tt.protocol, autherr.ProtocolCodeOf(err))
		})
	}
}

func TestStartBlocksNonHTTPSNavigation(t *testing.T) {
	t.Parallel()

	surface := &fakeSurface{load: navigateTo(
		"about:blank",
		"http://evil.example.com/phish?x=1",
		testRedirect+"?code=abc&state="+validState(),
	)}
	c := newTestCoordinator(WithSurface(surface))

	_, err := c.Start(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, autherr.CodeNonHTTPSRedirect, autherr.CodeOf(err))
	assert.True(t, autherr.IsFatal(err))
	assert.NotContains(t, err.Error(), "x=1")
	assert.GreaterOrEqual(t, surface.stopCount(), 2)
}

func TestStartSurfaceFailure(t *testing.T) {
	t.Parallel()

	surface := &fakeSurface{load: func(context.Context, string, Navigation) error {
		return errors.New("no display")
	}}
	c := newTestCoordinator(WithSurface(surface))

	_, err := c.Start(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, autherr.CodeNetwork, autherr.CodeOf(err))
}

func TestDidFailLoadEndsSession(t *testing.T) {
	t.Parallel()

	surface := &fakeSurface{load: func(_ context.Context, _ string, nav Navigation) error {
		nav.DidFailLoad(errors.New("dns failure"))
		return nil
	}}
	c := newTestCoordinator(WithSurface(surface))

	_, err := c.Start(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dns failure")
}

func TestCancelCurrentSessionWinsOverLateRedirect(t *testing.T) {
	t.Parallel()

	loaded := make(chan Navigation, 1)
	surface := &fakeSurface{load: func(_ context.Context, _ string, nav Navigation) error {
		loaded <- nav
		return nil
	}}
	c := newTestCoordinator(WithSurface(surface))
	c.CancelCurrentSession()

	errc := make(chan error, 1)
	go func() {
		_, err := c.Start(context.Background(), testRequest())
		errc <- err
	}()

	nav := <-loaded
	c.CancelCurrentSession()
	u, _ := url.Parse(testRedirect + "?code=late&state=" + validState())
	assert.False(t, nav.DidStartLoad(u))

	err := <-errc
	assert.True(t, autherr.IsCancelled(err))
	assert.GreaterOrEqual(t, surface.stopCount(), 1)
}

func TestContextCancellationIsUserCancel(t *testing.T) {
	t.Parallel()

	loaded := make(chan struct{})
	surface := &fakeSurface{load: func(context.Context, string, Navigation) error {
		close(loaded)
		return nil
	}}
	c := newTestCoordinator(WithSurface(surface))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Start(ctx, testRequest())
		errc <- err
	}()
	<-loaded
	cancel()

	assert.True(t, autherr.IsCancelled(<-errc))
}

func TestSecondSessionIsRejected(t *testing.T) {
	t.Parallel()

	loaded := make(chan struct{})
	surface := &fakeSurface{load: func(context.Context, string, Navigation) error {
		close(loaded)
		return nil
	}}
	c := newTestCoordinator(WithSurface(surface))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Start(context.Background(), testRequest())
	}()
	<-loaded

	_, err := c.Start(context.Background(), testRequest())
	assert.Equal(t, autherr.CodeInteractionInProgress, autherr.CodeOf(err))

	c.CancelCurrentSession()
	<-done
}

func TestPanickingObserverIsIsolated(t *testing.T) {
	t.Parallel()

	surface := &fakeSurface{load: navigateTo(testRedirect + "?code=abc&state=" + validState())}
	c := newTestCoordinator(WithSurface(surface))
	c.Subscribe(func(Notification) { panic("observer") })
	unsubscribe := c.Subscribe(func(Notification) {})
	unsubscribe()

	resp, err := c.Start(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.Code)
}

func TestStartRequiresSurfaceAndRedirect(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	_, err := c.Start(context.Background(), testRequest())
	assert.Equal(t, autherr.CodeInvalidArgument, autherr.CodeOf(err))

	c = newTestCoordinator(WithSurface(&fakeSurface{}))
	req := testRequest()
	req.RedirectURI = ""
	_, err = c.Start(context.Background(), req)
	assert.Equal(t, autherr.CodeInvalidArgument, autherr.CodeOf(err))
}

type fakeBroker struct {
	mu       sync.Mutex
	invoked  []BrokerRequest
	invokeFn func(BrokerRequest) error
}

func (f *fakeBroker) Available() bool { return true }

func (f *fakeBroker) Invoke(_ context.Context, req BrokerRequest) error {
	f.mu.Lock()
	f.invoked = append(f.invoked, req)
	fn := f.invokeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return nil
}

func brokerValues(correlationID uuid.UUID) url.Values {
	return url.Values{
		BrokerKeyCorrelationID: {correlationID.String()},
		BrokerKeyAuthority:     {testAuthority},
		BrokerKeyClientID:      {"client-1"},
		"access_token":         {"broker-at"},
		"refresh_token":        {"broker-rt"},
		"resource":             {testResource},
		"expires_in":           {"3600"},
	}
}

func brokerRequest() AuthorizationRequest {
	req := testRequest()
	req.UseBroker = true
	req.Broker = BrokerRequest{
		Authority:     testAuthority,
		ClientID:      "client-1",
		Resource:      testResource,
		RedirectURI:   testRedirect,
		CorrelationID: req.CorrelationID,
		Fingerprint:   "fp",
	}
	return req
}

func TestBrokerSessionCompletesInProcess(t *testing.T) {
	t.Parallel()

	storage := cache.NewMemoryStorage()
	resume := NewResumeStore(storage, "oidcauth.test")
	req := brokerRequest()

	var c *Coordinator
	broker := &fakeBroker{invokeFn: func(BrokerRequest) error {
		go func() {
			assert.NoError(t, c.HandleBrokerResponse(brokerValues(req.CorrelationID)))
		}()
		return nil
	}}
	c = newTestCoordinator(WithBroker(broker, resume))

	switched := make(chan struct{}, 1)
	c.Subscribe(func(n Notification) {
		if n.Kind == BrokerSwitch {
			switched <- struct{}{}
		}
	})

	resp, err := c.Start(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.Broker)
	assert.Equal(t, "broker-at", resp.Broker.Token.AccessToken)
	assert.Equal(t, req.CorrelationID, resp.Broker.Token.CorrelationID)
	assert.Len(t, switched, 1)

	pending, err := resume.Pending()
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestBrokerResponseWithWrongCorrelationFails(t *testing.T) {
	t.Parallel()

	resume := NewResumeStore(cache.NewMemoryStorage(), "oidcauth.test")
	req := brokerRequest()

	var c *Coordinator
	broker := &fakeBroker{invokeFn: func(BrokerRequest) error {
		go func() {
			err := c.HandleBrokerResponse(brokerValues(uuid.New()))
			assert.Equal(t, autherr.CodeBroker, autherr.CodeOf(err))
		}()
		return nil
	}}
	c = newTestCoordinator(WithBroker(broker, resume))

	_, err := c.Start(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, autherr.CodeBroker, autherr.CodeOf(err))
}

func TestInterruptedBrokerSessionIsResumedOnce(t *testing.T) {
	t.Parallel()

	storage := cache.NewMemoryStorage()
	req := brokerRequest()

	// The first process is still waiting on the broker when it goes away.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	invoked := make(chan struct{})
	broker := &fakeBroker{invokeFn: func(BrokerRequest) error {
		close(invoked)
		return nil
	}}
	first := newTestCoordinator(WithBroker(broker, NewResumeStore(storage, "oidcauth.test")))
	go func() { _, _ = first.Start(ctx, req) }()
	<-invoked

	// A fresh process receives the broker's answer.
	second := newTestCoordinator(WithBroker(&fakeBroker{}, NewResumeStore(storage, "oidcauth.test")))
	require.NoError(t, second.HandleBrokerResponse(brokerValues(req.CorrelationID)))

	pending, result, err := second.TakeInterruptedBrokerResponse()
	require.NoError(t, err)
	require.NotNil(t, pending)
	require.NotNil(t, result)
	assert.Equal(t, "fp", pending.Fingerprint)
	assert.Equal(t, req.CorrelationID, result.CorrelationID)
	assert.Equal(t, "broker-rt", result.Token.RefreshToken)

	pending, result, err = second.TakeInterruptedBrokerResponse()
	require.NoError(t, err)
	assert.Nil(t, pending)
	assert.Nil(t, result)
}

func TestCancelledBrokerSessionClearsPending(t *testing.T) {
	t.Parallel()

	storage := cache.NewMemoryStorage()
	resume := NewResumeStore(storage, "oidcauth.test")
	req := brokerRequest()

	ctx, cancel := context.WithCancel(context.Background())
	broker := &fakeBroker{invokeFn: func(BrokerRequest) error {
		cancel()
		return nil
	}}
	c := newTestCoordinator(WithBroker(broker, resume))
	_, err := c.Start(ctx, req)
	require.True(t, autherr.IsCancelled(err))

	pending, err := resume.Pending()
	require.NoError(t, err)
	assert.Nil(t, pending)

	later := newTestCoordinator(WithBroker(&fakeBroker{}, NewResumeStore(storage, "oidcauth.test")))
	err = later.HandleBrokerResponse(brokerValues(req.CorrelationID))
	assert.Equal(t, autherr.CodeBroker, autherr.CodeOf(err))

	p, result, err := later.TakeInterruptedBrokerResponse()
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Nil(t, result)
}

func TestUnsolicitedBrokerResponseIsRejected(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(WithBroker(&fakeBroker{}, NewResumeStore(cache.NewMemoryStorage(), "oidcauth.test")))
	err := c.HandleBrokerResponse(brokerValues(uuid.New()))
	assert.Equal(t, autherr.CodeBroker, autherr.CodeOf(err))

	c = newTestCoordinator()
	err = c.HandleBrokerResponse(brokerValues(uuid.New()))
	assert.Equal(t, autherr.CodeBroker, autherr.CodeOf(err))
}

func TestBrokerInvokeFailure(t *testing.T) {
	t.Parallel()

	resume := NewResumeStore(cache.NewMemoryStorage(), "oidcauth.test")
	broker := &fakeBroker{invokeFn: func(BrokerRequest) error { return errors.New("no handler") }}
	c := newTestCoordinator(WithBroker(broker, resume))

	_, err := c.Start(context.Background(), brokerRequest())
	assert.Equal(t, autherr.CodeBroker, autherr.CodeOf(err))
	pending, err := resume.Pending()
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestBrokerFallsBackToSurfaceWhenUnavailable(t *testing.T) {
	t.Parallel()

	surface := &fakeSurface{load: navigateTo(testRedirect + "?code=abc&state=" + validState())}
	c := newTestCoordinator(WithSurface(surface), WithBroker(&URLBrokerTransport{}, nil))
	assert.False(t, c.BrokerAvailable())

	resp, err := c.Start(context.Background(), brokerRequest())
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.Code)
}

func TestParseBrokerResponse(t *testing.T) {
	t.Parallel()

	cid := uuid.New()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	res, err := ParseBrokerResponse(brokerValues(cid), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), res.Token.ExpiresOn())
	assert.Equal(t, "client-1", res.ClientID)

	v := brokerValues(cid)
	v.Set(BrokerKeyError, "access_denied")
	v.Set(BrokerKeyErrorSubcode, "cancel")
	_, err = ParseBrokerResponse(v, now)
	assert.True(t, autherr.IsCancelled(err))

	v = url.Values{BrokerKeyCorrelationID: {cid.String()}, BrokerKeyError: {"invalid_grant"}}
	_, err = ParseBrokerResponse(v, now)
	assert.True(t, autherr.IsInvalidGrant(err))

	v = brokerValues(cid)
	v.Del("access_token")
	_, err = ParseBrokerResponse(v, now)
	assert.Equal(t, autherr.CodeBroker, autherr.CodeOf(err))

	v = brokerValues(cid)
	v.Set("expires_in", "soon")
	_, err = ParseBrokerResponse(v, now)
	assert.Equal(t, autherr.CodeBroker, autherr.CodeOf(err))

	_, err = ParseBrokerResponse(url.Values{}, now)
	assert.Equal(t, autherr.CodeBroker, autherr.CodeOf(err))
}

func TestURLBrokerTransport(t *testing.T) {
	t.Parallel()

	var opened string
	tr := &URLBrokerTransport{Scheme: "oidcauth-broker", Open: func(u string) error {
		opened = u
		return nil
	}}
	require.True(t, tr.Available())

	cid := uuid.New()
	require.NoError(t, tr.Invoke(context.Background(), BrokerRequest{
		Authority:     testAuthority,
		ClientID:      "client-1",
		Resource:      testResource,
		RedirectURI:   testRedirect,
		CorrelationID: cid,
		Username:      "user@example.com",
		Claims:        `{"access_token":{}}`,
		Fingerprint:   "fp",
	}))

	u, err := url.Parse(opened)
	require.NoError(t, err)
	assert.Equal(t, "oidcauth-broker", u.Scheme)
	assert.Equal(t, "broker", u.Host)
	q := u.Query()
	assert.Equal(t, cid.String(), q.Get(BrokerKeyCorrelationID))
	assert.Equal(t, "user@example.com", q.Get(BrokerKeyUsername))
	assert.Equal(t, `{"access_token":{}}`, q.Get(BrokerKeyClaims))
	assert.Equal(t, "fp", q.Get(BrokerKeyFingerprint))
	assert.False(t, q.Has(BrokerKeyExtraQP))

	notInstalled := &URLBrokerTransport{Scheme: "x", Installed: func() bool { return false }}
	assert.False(t, notInstalled.Available())
}
