package cmd

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/thellimist/oidcauth/internal/auth"
	"github.com/thellimist/oidcauth/internal/authcontext"
	"github.com/thellimist/oidcauth/internal/cache"
	"github.com/thellimist/oidcauth/internal/config"
	"github.com/thellimist/oidcauth/internal/logger"
	"github.com/thellimist/oidcauth/internal/telemetry"
	"github.com/thellimist/oidcauth/internal/webauth"
)

// tokenCache is the persistent token cache selected by the configuration.
type tokenCache struct {
	storage  cache.SecureStorage
	delegate *cache.PersistentDelegate
	accessor *cache.Accessor
}

func openStorage(c *config.Config) (cache.SecureStorage, error) {
	switch c.Cache.Backend {
	case config.BackendFile:
		dir := c.Cache.Dir
		if dir == "" {
			dir = cache.DefaultFileStorageDir()
		}
		return cache.NewFileStorage(dir), nil
	case config.BackendMemory:
		return cache.NewMemoryStorage(), nil
	default:
		if !cache.KeyringAvailable(cache.ServiceName(c.Cache.Group)) {
			return nil, fmt.Errorf("the OS keyring is not available; set cache.backend to %q", config.BackendFile)
		}
		return cache.NewKeyringStorage(), nil
	}
}

func openCache(c *config.Config, log *zap.SugaredLogger) (*tokenCache, error) {
	storage, err := openStorage(c)
	if err != nil {
		return nil, err
	}
	delegate := cache.NewPersistentDelegate(storage, c.Cache.Group, log)
	store := cache.NewStore(cache.WithDelegate(delegate), cache.WithStoreLogger(log))
	return &tokenCache{
		storage:  storage,
		delegate: delegate,
		accessor: cache.NewAccessor(store, cache.WithFamilyRefresh(c.FamilyRefresh), cache.WithAccessorLogger(log)),
	}, nil
}

// engine is everything a command needs to acquire tokens.
type engine struct {
	cache       *tokenCache
	auth        *authcontext.Context
	coordinator *webauth.Coordinator
	tel         *telemetry.Telemetry
	log         *zap.SugaredLogger

	registry *prometheus.Registry
	textfile string
	kafka    *telemetry.KafkaDispatcher
}

func newEngine(c *config.Config) (*engine, error) {
	if c.Authority == "" || c.ClientID == "" {
		return nil, errors.New("authority and client_id are required (flags, config file or OIDCAUTH_AUTHORITY / OIDCAUTH_CLIENT_ID)")
	}
	log := logger.Get()

	tc, err := openCache(c, log)
	if err != nil {
		return nil, err
	}

	e := &engine{cache: tc, log: log, tel: telemetry.New(telemetry.WithLogger(log))}
	if err := e.addDispatchers(c.Telemetry); err != nil {
		e.tel.Close()
		return nil, err
	}

	httpClient := &http.Client{Timeout: c.HTTPTimeout}
	validatorOpts := []auth.ValidatorOption{
		auth.WithValidatorHTTPClient(httpClient),
		auth.WithValidatorLogger(log),
	}
	if c.AuthorizeEndpoint != "" || c.TokenEndpoint != "" {
		authorize, token := auth.DefaultAuthorizeFragment, auth.DefaultTokenFragment
		if c.AuthorizeEndpoint != "" {
			authorize = c.AuthorizeEndpoint
		}
		if c.TokenEndpoint != "" {
			token = c.TokenEndpoint
		}
		validatorOpts = append(validatorOpts, auth.WithEndpointFragments(authorize, token))
	}

	resume := webauth.NewResumeStore(tc.storage, tc.delegate.Service())
	e.coordinator = webauth.NewCoordinator(
		webauth.WithSurface(&webauth.LoopbackSurface{Log: log}),
		webauth.WithBroker(&webauth.URLBrokerTransport{Scheme: c.BrokerScheme}, resume),
		webauth.WithLogger(log),
	)

	e.auth, err = authcontext.New(c.Authority, c.ValidateAuthority, c.ClientID, tc.accessor,
		authcontext.WithTokenEndpoint(auth.NewTokenClient(auth.WithHTTPClient(httpClient), auth.WithTokenLogger(log))),
		authcontext.WithResolver(auth.NewAuthorityValidator(validatorOpts...)),
		authcontext.WithCoordinator(e.coordinator),
		authcontext.WithTelemetry(e.tel),
		authcontext.WithLogger(log),
		authcontext.WithExtendedLifetime(c.ExtendedLifetime),
		authcontext.WithBroker(c.UseBroker),
	)
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func (e *engine) addDispatchers(tc config.TelemetryConfig) error {
	if tc.Log {
		e.tel.AddDispatcher(telemetry.NewLogDispatcher(e.log), tc.Aggregate)
	}
	if tc.PrometheusTextfile != "" {
		e.registry = prometheus.NewRegistry()
		e.textfile = tc.PrometheusTextfile
		d, err := telemetry.NewPrometheusDispatcher(e.registry)
		if err != nil {
			return fmt.Errorf("prometheus telemetry: %w", err)
		}
		// Event counters need every event, request metrics need summaries.
		e.tel.AddDispatcher(d, false)
		e.tel.AddDispatcher(d, true)
	}
	if len(tc.KafkaBrokers) > 0 {
		k, err := telemetry.NewKafkaDispatcher(telemetry.KafkaConfig{
			Brokers: tc.KafkaBrokers,
			Topic:   tc.KafkaTopic,
		}, e.log)
		if err != nil {
			return err
		}
		e.kafka = k
		e.tel.AddDispatcher(k, tc.Aggregate)
	}
	return nil
}

// Close flushes telemetry and writes the metrics textfile.
func (e *engine) Close() error {
	e.tel.Close()
	if dropped, panics := e.tel.Dropped(), e.tel.Panics(); dropped > 0 || panics > 0 {
		e.log.Warnw("Some telemetry events were not delivered", "dropped", dropped, "dispatcher_panics", panics)
	}
	var errs []error
	if e.kafka != nil {
		written, failed := e.kafka.Stats()
		e.log.Debugw("Kafka telemetry flushed", "written", written, "failed", failed)
		errs = append(errs, e.kafka.Close())
	}
	if e.registry != nil {
		if err := prometheus.WriteToTextfile(e.textfile, e.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics textfile: %w", err))
		}
	}
	return errors.Join(errs...)
}
