package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/thellimist/oidcauth/internal/autherr"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) DispatchEvent(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func newTestTelemetry(opts ...Option) *Telemetry {
	return New(append([]Option{WithLogger(zap.NewNop().Sugar())}, opts...)...)
}

func TestRecordForwardsToNonAggregatingDispatchers(t *testing.T) {
	t.Parallel()

	tel := newTestTelemetry()
	all := &collector{}
	tel.AddDispatcher(all, false)

	cid := uuid.New()
	tel.Record(cid, Event{KeyEventName: EventCacheLookup, KeyResult: "miss"})
	tel.Record(cid, Event{KeyEventName: EventHTTPToken, KeyHTTPStatus: "200"})
	tel.Complete(cid, StatusSucceeded, nil)
	tel.Close()

	events := all.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, EventCacheLookup, events[0][KeyEventName])
	assert.Equal(t, cid.String(), events[0][KeyCorrelationID])
	_, err := ulid.Parse(events[0][KeyEventID])
	assert.NoError(t, err)
	assert.NotEqual(t, events[0][KeyEventID], events[1][KeyEventID])
}

func TestCompleteEmitsOneSummaryPerRequest(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(10 * time.Millisecond)
		return now
	}
	tel := newTestTelemetry(WithClock(clock))
	summaries := &collector{}
	tel.AddDispatcher(summaries, true)

	a, b := uuid.New(), uuid.New()
	tel.Record(a, Event{KeyEventName: EventAPIStart, KeyAuthority: "https://login.example.com", KeyResource: "r1"})
	tel.Record(a, Event{KeyEventName: EventCacheLookup})
	tel.Record(b, Event{KeyEventName: EventCacheLookup})
	tel.Record(a, Event{KeyEventName: EventHTTPToken})
	tel.Record(a, Event{KeyEventName: EventUILaunch})
	tel.Record(a, Event{KeyEventName: EventBrokerInvoke})
	tel.Complete(a, StatusFailed, autherr.Protocol(autherr.ProtocolInvalidGrant, "bad", 400))
	tel.Complete(b, StatusSucceeded, nil)
	tel.Close()

	events := summaries.snapshot()
	require.Len(t, events, 2)

	sa := events[0]
	assert.Equal(t, EventSummary, sa[KeyEventName])
	assert.Equal(t, a.String(), sa[KeyCorrelationID])
	assert.Equal(t, StatusFailed, sa[KeyAPIStatus])
	assert.Equal(t, string(autherr.CodeProtocol), sa[KeyErrorCode])
	assert.Equal(t, "5", sa[KeyTotalEventCount])
	assert.Equal(t, "1", sa[KeyCacheEventCount])
	assert.Equal(t, "1", sa[KeyHTTPEventCount])
	assert.Equal(t, "1", sa[KeyUIEventCount])
	assert.Equal(t, "1", sa[KeyBrokerEventCount])
	assert.Equal(t, "true", sa[KeyBrokerAppUsed])
	assert.Equal(t, "r1", sa[KeyResource])
	assert.NotEqual(t, "0", sa[KeyResponseTime])

	sb := events[1]
	assert.Equal(t, b.String(), sb[KeyCorrelationID])
	assert.Equal(t, "1", sb[KeyTotalEventCount])
	assert.Equal(t, "false", sb[KeyBrokerAppUsed])
	_, hasErr := sb[KeyErrorCode]
	assert.False(t, hasErr)
}

func TestMixedDispatchers(t *testing.T) {
	t.Parallel()

	tel := newTestTelemetry()
	all, summaries := &collector{}, &collector{}
	tel.AddDispatcher(all, false)
	tel.AddDispatcher(summaries, true)

	cid := uuid.New()
	tel.Record(cid, Event{KeyEventName: EventCacheLookup})
	tel.Record(cid, Event{KeyEventName: EventCacheWrite})
	tel.Complete(cid, StatusSucceeded, nil)
	tel.Close()

	assert.Len(t, all.snapshot(), 2)
	require.Len(t, summaries.snapshot(), 1)
	assert.Equal(t, "2", summaries.snapshot()[0][KeyCacheEventCount])
}

func TestRemoveDispatcher(t *testing.T) {
	t.Parallel()

	tel := newTestTelemetry()
	kept, removed := &collector{}, &collector{}
	tel.AddDispatcher(kept, false)
	tel.AddDispatcher(removed, true)
	tel.RemoveDispatcher(removed)

	cid := uuid.New()
	tel.Record(cid, Event{KeyEventName: EventCacheLookup})
	tel.Complete(cid, StatusSucceeded, nil)

	tel.RemoveAllDispatchers()
	tel.Record(cid, Event{KeyEventName: EventCacheLookup})
	tel.Close()

	assert.Len(t, kept.snapshot(), 1)
	assert.Empty(t, removed.snapshot())
}

func TestRemoveDispatcherFunc(t *testing.T) {
	t.Parallel()

	tel := newTestTelemetry()
	fn := DispatcherFunc(func(Event) {})
	tel.AddDispatcher(fn, false)
	assert.NotPanics(t, func() { tel.RemoveDispatcher(fn) })
	tel.Close()
}

func TestPanickingDispatcherIsIsolated(t *testing.T) {
	t.Parallel()

	tel := newTestTelemetry()
	tel.AddDispatcher(DispatcherFunc(func(Event) { panic("boom") }), false)
	good := &collector{}
	tel.AddDispatcher(good, false)

	cid := uuid.New()
	tel.Record(cid, Event{KeyEventName: EventCacheLookup})
	tel.Record(cid, Event{KeyEventName: EventCacheWrite})
	tel.Close()

	assert.Len(t, good.snapshot(), 2)
	assert.EqualValues(t, 2, tel.Panics())
}

func TestFullQueueDropsEvents(t *testing.T) {
	t.Parallel()

	tel := newTestTelemetry(WithQueueSize(1))
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	tel.AddDispatcher(DispatcherFunc(func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}), false)

	cid := uuid.New()
	tel.Record(cid, Event{KeyEventName: EventCacheLookup})
	<-started
	tel.Record(cid, Event{KeyEventName: EventCacheLookup})
	tel.Record(cid, Event{KeyEventName: EventCacheLookup})
	tel.Record(cid, Event{KeyEventName: EventCacheLookup})

	assert.EqualValues(t, 2, tel.Dropped())
	close(release)
	tel.Close()
}

func TestRecordAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	tel := newTestTelemetry()
	c := &collector{}
	tel.AddDispatcher(c, false)
	tel.Close()
	tel.Close()

	tel.Record(uuid.New(), Event{KeyEventName: EventCacheLookup})
	assert.Empty(t, c.snapshot())
}

func TestSharedReset(t *testing.T) {
	first := Shared()
	assert.Same(t, first, Shared())
	ResetShared()
	second := Shared()
	assert.NotSame(t, first, second)
	ResetShared()
}

func TestCategory(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "cache", Category(EventCacheLookup))
	assert.Equal(t, "broker", Category(EventBrokerResume))
	assert.Equal(t, "plain", Category("plain"))
}

func TestPrometheusDispatcher(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	d, err := NewPrometheusDispatcher(reg)
	require.NoError(t, err)

	again, err := NewPrometheusDispatcher(reg)
	require.NoError(t, err)
	assert.Same(t, d.events, again.events)

	d.DispatchEvent(Event{KeyEventName: EventCacheLookup})
	d.DispatchEvent(Event{KeyEventName: EventCacheLookup})
	d.DispatchEvent(Event{
		KeyEventName:     EventSummary,
		KeyAPIStatus:     StatusSucceeded,
		KeyBrokerAppUsed: "false",
		KeyResponseTime:  "250",
	})

	assert.InDelta(t, 2, testutil.ToFloat64(d.events.WithLabelValues(EventCacheLookup)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(d.requests.WithLabelValues(StatusSucceeded, "", "false")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(d.latency))
}

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaDispatcher(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	d := NewKafkaDispatcherWithWriter(w, time.Second, zap.NewNop().Sugar())

	cid := uuid.New().String()
	d.DispatchEvent(Event{KeyEventName: EventSummary, KeyCorrelationID: cid, KeyEventID: "id-1", KeyAPIStatus: StatusSucceeded})

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, cid, string(msg.Key))

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, StatusSucceeded, decoded[KeyAPIStatus])

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, EventSummary, headers["event-name"])
	assert.Equal(t, cid, headers["correlation-id"])

	w.err = errors.New("broker unavailable")
	d.DispatchEvent(Event{KeyEventName: EventCacheLookup})
	written, failed := d.Stats()
	assert.EqualValues(t, 1, written)
	assert.EqualValues(t, 1, failed)

	require.NoError(t, d.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaDispatcherValidates(t *testing.T) {
	t.Parallel()

	_, err := NewKafkaDispatcher(KafkaConfig{Topic: "t"}, zap.NewNop().Sugar())
	require.Error(t, err)
	_, err = NewKafkaDispatcher(KafkaConfig{Brokers: []string{"localhost:9092"}}, zap.NewNop().Sugar())
	require.Error(t, err)

	d, err := NewKafkaDispatcher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, d.Close())
}

func TestLogDispatcher(t *testing.T) {
	t.Parallel()

	d := NewLogDispatcher(zap.NewNop().Sugar())
	assert.NotPanics(t, func() { d.DispatchEvent(Event{KeyEventName: EventCacheLookup, "b": "2", "a": "1"}) })
}
