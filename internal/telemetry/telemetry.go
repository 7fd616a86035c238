// Package telemetry collects the events produced while acquiring a token and
// hands them to registered dispatchers. Dispatchers either see every event or
// one summary per correlation id, produced when the request completes.
package telemetry

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/thellimist/oidcauth/internal/autherr"
	"github.com/thellimist/oidcauth/internal/logger"
)

// Event is one telemetry record: string keys to string values.
type Event map[string]string

// Well-known event keys.
const (
	KeyEventName     = "event_name"
	KeyEventID       = "event_id"
	KeyCorrelationID = "correlation_id"
	KeyTimestamp     = "timestamp"
	KeyAuthority     = "authority"
	KeyClientID      = "client_id"
	KeyResource      = "resource"
	KeyHTTPStatus    = "http_status"
	KeyResult        = "result"
	KeyCandidate     = "candidate_kind"
	KeyGrantType     = "grant_type"
	KeyPrompt        = "prompt"

	KeyAPIStatus         = "api_status"
	KeyErrorCode         = "error_code"
	KeyResponseTime      = "response_time_ms"
	KeyBrokerAppUsed     = "broker_app_used"
	KeyCacheEventCount   = "cache_event_count"
	KeyHTTPEventCount    = "http_event_count"
	KeyUIEventCount      = "ui_event_count"
	KeyBrokerEventCount  = "broker_event_count"
	KeyTotalEventCount   = "event_count"
	KeyExtendedLifetime  = "extended_lifetime_token"
	KeyMultiResourceUsed = "mrrt_used"
)

// Event names. The part before the dot is the category counted in summaries.
const (
	EventAPIStart     = "api.start"
	EventAPIEnd       = "api.end"
	EventCacheLookup  = "cache.lookup"
	EventCacheWrite   = "cache.write"
	EventHTTPToken    = "http.token"
	EventUILaunch     = "ui.launch"
	EventUIComplete   = "ui.complete"
	EventBrokerInvoke = "broker.invoke"
	EventBrokerResume = "broker.resume"
	EventSummary      = "api.acquire_token"
)

// Statuses reported by Complete.
const (
	StatusSucceeded = "succeeded"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// keys copied from the buffered events into the summary.
var summaryCarryKeys = []string{KeyAuthority, KeyClientID, KeyResource, KeyExtendedLifetime, KeyMultiResourceUsed}

// Dispatcher receives events. DispatchEvent runs on the telemetry worker,
// never on the request's goroutine.
type Dispatcher interface {
	DispatchEvent(Event)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(Event)

// DispatchEvent calls f(e).
func (f DispatcherFunc) DispatchEvent(e Event) { f(e) }

type registration struct {
	dispatcher Dispatcher
	aggregate  bool
}

type aggregation struct {
	started time.Time
	events  []Event
}

type delivery struct {
	dispatcher Dispatcher
	event      Event
}

// Telemetry fans events out to dispatchers through a bounded queue.
type Telemetry struct {
	log       *zap.SugaredLogger
	now       func() time.Time
	queueSize int

	mu            sync.Mutex
	registrations []registration
	pending       map[uuid.UUID]*aggregation
	closed        bool

	queue   chan delivery
	done    chan struct{}
	dropped atomic.Int64
	panics  atomic.Int64
}

// Option configures a Telemetry.
type Option func(*Telemetry)

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(t *Telemetry) { t.log = l }
}

// WithQueueSize sets the dispatch queue capacity. Events are dropped when it is full.
func WithQueueSize(n int) Option {
	return func(t *Telemetry) {
		if n > 0 {
			t.queueSize = n
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Telemetry) { t.now = now }
}

// New starts a Telemetry with its dispatch worker.
func New(opts ...Option) *Telemetry {
	t := &Telemetry{
		now:       time.Now,
		queueSize: 1024,
		pending:   make(map[uuid.UUID]*aggregation),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	if t.log == nil {
		t.log = logger.Get()
	}
	t.queue = make(chan delivery, t.queueSize)
	go t.run()
	return t
}

var (
	sharedMu sync.Mutex
	shared   *Telemetry
)

// Shared returns the process-wide Telemetry, creating it on first use.
func Shared() *Telemetry {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = New()
	}
	return shared
}

// ResetShared closes the process-wide Telemetry. The next Shared call
// creates a fresh one.
func ResetShared() {
	sharedMu.Lock()
	old := shared
	shared = nil
	sharedMu.Unlock()
	if old != nil {
		old.Close()
	}
}

// AddDispatcher registers d. With aggregationRequired, d receives a single
// summary per request instead of every event.
func (t *Telemetry) AddDispatcher(d Dispatcher, aggregationRequired bool) {
	if d == nil {
		panic("telemetry: nil dispatcher")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registrations = append(t.registrations, registration{dispatcher: d, aggregate: aggregationRequired})
}

// RemoveDispatcher deregisters every registration of d.
func (t *Telemetry) RemoveDispatcher(d Dispatcher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registrations = slices.DeleteFunc(t.registrations, func(r registration) bool {
		return sameDispatcher(r.dispatcher, d)
	})
	t.dropPendingIfUnused()
}

// RemoveAllDispatchers deregisters everything and discards buffered events.
func (t *Telemetry) RemoveAllDispatchers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registrations = nil
	clear(t.pending)
}

// Record adds an event for the request identified by correlationID.
func (t *Telemetry) Record(correlationID uuid.UUID, e Event) {
	ev := make(Event, len(e)+3)
	maps.Copy(ev, e)
	ev[KeyEventID] = ulid.Make().String()
	ev[KeyCorrelationID] = correlationID.String()
	if _, ok := ev[KeyTimestamp]; !ok {
		ev[KeyTimestamp] = t.now().UTC().Format(time.RFC3339Nano)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	aggregated := false
	for _, r := range t.registrations {
		if r.aggregate {
			aggregated = true
			continue
		}
		t.enqueueLocked(r.dispatcher, maps.Clone(ev))
	}
	if !aggregated {
		return
	}
	agg, ok := t.pending[correlationID]
	if !ok {
		agg = &aggregation{started: t.now()}
		t.pending[correlationID] = agg
	}
	agg.events = append(agg.events, ev)
}

// Complete ends the request identified by correlationID and emits its
// summary to the aggregating dispatchers.
func (t *Telemetry) Complete(correlationID uuid.UUID, status string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	agg := t.pending[correlationID]
	delete(t.pending, correlationID)
	if t.closed {
		return
	}

	var targets []Dispatcher
	for _, r := range t.registrations {
		if r.aggregate {
			targets = append(targets, r.dispatcher)
		}
	}
	if len(targets) == 0 {
		return
	}

	summary := t.summarize(correlationID, agg, status, err)
	for _, d := range targets {
		t.enqueueLocked(d, maps.Clone(summary))
	}
}

func (t *Telemetry) summarize(correlationID uuid.UUID, agg *aggregation, status string, err error) Event {
	counts := map[string]int{}
	summary := Event{
		KeyEventName:     EventSummary,
		KeyEventID:       ulid.Make().String(),
		KeyCorrelationID: correlationID.String(),
		KeyTimestamp:     t.now().UTC().Format(time.RFC3339Nano),
		KeyAPIStatus:     status,
	}
	if code := autherr.CodeOf(err); code != "" {
		summary[KeyErrorCode] = string(code)
	} else if err != nil {
		summary[KeyErrorCode] = "unknown"
	}

	var elapsed time.Duration
	total := 0
	if agg != nil {
		elapsed = t.now().Sub(agg.started)
		total = len(agg.events)
		for _, ev := range agg.events {
			counts[Category(ev[KeyEventName])]++
			for _, k := range summaryCarryKeys {
				if v := ev[k]; v != "" {
					summary[k] = v
				}
			}
		}
	}

	summary[KeyResponseTime] = strconv.FormatInt(elapsed.Milliseconds(), 10)
	summary[KeyTotalEventCount] = strconv.Itoa(total)
	summary[KeyCacheEventCount] = strconv.Itoa(counts["cache"])
	summary[KeyHTTPEventCount] = strconv.Itoa(counts["http"])
	summary[KeyUIEventCount] = strconv.Itoa(counts["ui"])
	summary[KeyBrokerEventCount] = strconv.Itoa(counts["broker"])
	summary[KeyBrokerAppUsed] = strconv.FormatBool(counts["broker"] > 0)
	return summary
}

// Category returns the part of an event name before the first dot.
func Category(eventName string) string {
	category, _, _ := strings.Cut(eventName, ".")
	return category
}

// Dropped reports how many events were discarded because the queue was full.
func (t *Telemetry) Dropped() int64 {
	return t.dropped.Load()
}

// Panics reports how many deliveries ended in a recovered dispatcher panic.
func (t *Telemetry) Panics() int64 {
	return t.panics.Load()
}

// Close stops accepting events, delivers everything queued and returns once
// the worker has exited.
func (t *Telemetry) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		<-t.done
		return
	}
	t.closed = true
	clear(t.pending)
	close(t.queue)
	t.mu.Unlock()
	<-t.done
}

func (t *Telemetry) enqueueLocked(d Dispatcher, e Event) {
	select {
	case t.queue <- delivery{dispatcher: d, event: e}:
	default:
		n := t.dropped.Add(1)
		t.log.Debugw("Telemetry queue full, dropping event", "event_name", e[KeyEventName], "dropped_total", n)
	}
}

func (t *Telemetry) dropPendingIfUnused() {
	for _, r := range t.registrations {
		if r.aggregate {
			return
		}
	}
	clear(t.pending)
}

func (t *Telemetry) run() {
	defer close(t.done)
	for d := range t.queue {
		t.dispatch(d)
	}
}

func (t *Telemetry) dispatch(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			t.panics.Add(1)
			t.log.Warnw("Telemetry dispatcher panicked", "dispatcher", fmt.Sprintf("%T", d.dispatcher), "panic", r)
		}
	}()
	d.dispatcher.DispatchEvent(d.event)
}

// sameDispatcher compares dispatchers without panicking on uncomparable
// dynamic types such as DispatcherFunc.
func sameDispatcher(a, b Dispatcher) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}
