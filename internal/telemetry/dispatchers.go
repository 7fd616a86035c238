package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/thellimist/oidcauth/internal/logger"
)

// LogDispatcher writes events to a zap logger at debug level.
type LogDispatcher struct {
	log *zap.SugaredLogger
}

// NewLogDispatcher returns a LogDispatcher. A nil logger uses logger.Get().
func NewLogDispatcher(l *zap.SugaredLogger) *LogDispatcher {
	if l == nil {
		l = logger.Get()
	}
	return &LogDispatcher{log: l.Named("telemetry")}
}

// DispatchEvent implements Dispatcher.
func (d *LogDispatcher) DispatchEvent(e Event) {
	keys := slices.Sorted(maps.Keys(e))
	kv := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		kv = append(kv, k, e[k])
	}
	d.log.Debugw("Telemetry event", kv...)
}

// PrometheusDispatcher turns events into counters and a latency histogram.
type PrometheusDispatcher struct {
	events   *prometheus.CounterVec
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewPrometheusDispatcher registers the oidcauth collectors with reg.
// Collectors already registered by an earlier dispatcher are reused.
func NewPrometheusDispatcher(reg prometheus.Registerer) (*PrometheusDispatcher, error) {
	d := &PrometheusDispatcher{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidcauth_telemetry_events_total",
			Help: "Total number of telemetry events by event name",
		}, []string{"event_name"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidcauth_token_requests_total",
			Help: "Total number of completed token requests by status and error code",
		}, []string{"status", "error_code", "broker"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oidcauth_token_request_duration_seconds",
			Help:    "Duration of completed token requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60, 300},
		}, []string{"status"}),
	}

	var err error
	if d.events, err = registerOrReuse(reg, d.events); err != nil {
		return nil, err
	}
	if d.requests, err = registerOrReuse(reg, d.requests); err != nil {
		return nil, err
	}
	if d.latency, err = registerOrReuse(reg, d.latency); err != nil {
		return nil, err
	}
	return d, nil
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// DispatchEvent implements Dispatcher.
func (d *PrometheusDispatcher) DispatchEvent(e Event) {
	name := e[KeyEventName]
	if name == "" {
		name = "unknown"
	}
	d.events.WithLabelValues(name).Inc()
	if name != EventSummary {
		return
	}
	status := e[KeyAPIStatus]
	d.requests.WithLabelValues(status, e[KeyErrorCode], e[KeyBrokerAppUsed]).Inc()
	if ms, err := strconv.ParseInt(e[KeyResponseTime], 10, 64); err == nil {
		d.latency.WithLabelValues(status).Observe(time.Duration(ms * int64(time.Millisecond)).Seconds())
	}
}

// MessageWriter is the subset of *kafka.Writer used by KafkaDispatcher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaDispatcher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaDispatcher publishes events as JSON messages keyed by correlation id.
type KafkaDispatcher struct {
	writer       MessageWriter
	writeTimeout time.Duration
	log          *zap.SugaredLogger

	written atomic.Int64
	failed  atomic.Int64
}

// NewKafkaDispatcher returns a KafkaDispatcher writing to cfg.Topic.
func NewKafkaDispatcher(cfg KafkaConfig, l *zap.SugaredLogger) (*KafkaDispatcher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka dispatcher: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka dispatcher: topic is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           100 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	}
	return NewKafkaDispatcherWithWriter(w, cfg.WriteTimeout, l), nil
}

// NewKafkaDispatcherWithWriter returns a KafkaDispatcher on an existing writer.
func NewKafkaDispatcherWithWriter(w MessageWriter, writeTimeout time.Duration, l *zap.SugaredLogger) *KafkaDispatcher {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if l == nil {
		l = logger.Get()
	}
	return &KafkaDispatcher{writer: w, writeTimeout: writeTimeout, log: l.Named("kafka-telemetry")}
}

// DispatchEvent implements Dispatcher. Write failures are logged and counted.
func (d *KafkaDispatcher) DispatchEvent(e Event) {
	value, err := json.Marshal(e)
	if err != nil {
		d.failed.Add(1)
		d.log.Warnw("Failed to marshal telemetry event", "error", err)
		return
	}

	headers := []kafka.Header{
		{Key: "event-name", Value: []byte(e[KeyEventName])},
		{Key: "event-id", Value: []byte(e[KeyEventID])},
	}
	if cid := e[KeyCorrelationID]; cid != "" {
		headers = append(headers, kafka.Header{Key: "correlation-id", Value: []byte(cid)})
	}
	msg := kafka.Message{
		Key:     []byte(e[KeyCorrelationID]),
		Value:   value,
		Headers: headers,
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.writeTimeout)
	defer cancel()
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		d.failed.Add(1)
		d.log.Warnw("Failed to publish telemetry event", "event_name", e[KeyEventName], "error", err)
		return
	}
	d.written.Add(1)
}

// Stats returns the number of published and failed messages.
func (d *KafkaDispatcher) Stats() (written, failed int64) {
	return d.written.Load(), d.failed.Load()
}

// Close flushes and closes the writer.
func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}
