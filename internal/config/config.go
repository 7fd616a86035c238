// Package config loads oidcauth settings from a YAML file, OIDCAUTH_*
// environment variables and bound command-line flags, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. OIDCAUTH_CLIENT_ID.
const EnvPrefix = "OIDCAUTH"

// Cache backends.
const (
	BackendKeyring = "keyring"
	BackendFile    = "file"
	BackendMemory  = "memory"
)

// CacheConfig selects where the token cache is persisted.
type CacheConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Dir     string `mapstructure:"dir" yaml:"dir,omitempty"`
	// Group names the shared cache blob; applications in the same group share tokens.
	Group string `mapstructure:"group" yaml:"group"`
}

// TelemetryConfig selects telemetry dispatchers.
type TelemetryConfig struct {
	// PrometheusTextfile, when set, receives the metrics in text exposition
	// format when the process exits (node_exporter textfile collector).
	PrometheusTextfile string   `mapstructure:"prometheus_textfile" yaml:"prometheus_textfile,omitempty"`
	KafkaBrokers       []string `mapstructure:"kafka_brokers" yaml:"kafka_brokers,omitempty"`
	KafkaTopic         string   `mapstructure:"kafka_topic" yaml:"kafka_topic,omitempty"`
	Aggregate          bool     `mapstructure:"aggregate" yaml:"aggregate"`
	Log                bool     `mapstructure:"log" yaml:"log"`
}

// ResourceConfig holds per-resource request settings. Values override the
// top-level ones when a token for that resource is requested.
type ResourceConfig struct {
	Resource             string `mapstructure:"resource" yaml:"resource"`
	Scope                string `mapstructure:"scope" yaml:"scope,omitempty"`
	ExtraQueryParameters string `mapstructure:"extra_query_parameters" yaml:"extra_query_parameters,omitempty"`
	Claims               string `mapstructure:"claims" yaml:"claims,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Authority            string           `mapstructure:"authority" yaml:"authority"`
	ValidateAuthority    bool             `mapstructure:"validate_authority" yaml:"validate_authority"`
	TokenEndpoint        string           `mapstructure:"token_endpoint" yaml:"token_endpoint,omitempty"`
	AuthorizeEndpoint    string           `mapstructure:"authorize_endpoint" yaml:"authorize_endpoint,omitempty"`
	ClientID             string           `mapstructure:"client_id" yaml:"client_id"`
	RedirectURI          string           `mapstructure:"redirect_uri" yaml:"redirect_uri,omitempty"`
	Resource             string           `mapstructure:"resource" yaml:"resource,omitempty"`
	Scope                string           `mapstructure:"scope" yaml:"scope,omitempty"`
	ExtraQueryParameters string           `mapstructure:"extra_query_parameters" yaml:"extra_query_parameters,omitempty"`
	UseBroker            bool             `mapstructure:"use_broker" yaml:"use_broker"`
	BrokerScheme         string           `mapstructure:"broker_scheme" yaml:"broker_scheme,omitempty"`
	FamilyRefresh        bool             `mapstructure:"family_refresh" yaml:"family_refresh"`
	ExtendedLifetime     bool             `mapstructure:"extended_lifetime" yaml:"extended_lifetime"`
	HTTPTimeout          time.Duration    `mapstructure:"http_timeout" yaml:"http_timeout"`
	Cache                CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Telemetry            TelemetryConfig  `mapstructure:"telemetry" yaml:"telemetry"`
	Resources            []ResourceConfig `mapstructure:"resources" yaml:"resources,omitempty"`
	Debug                bool             `mapstructure:"debug" yaml:"debug"`
	LogJSON              bool             `mapstructure:"log_json" yaml:"log_json"`
	LogLevel             string           `mapstructure:"log_level" yaml:"log_level,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ValidateAuthority: true,
		FamilyRefresh:     true,
		BrokerScheme:      "oidcauth-broker",
		HTTPTimeout:       30 * time.Second,
		Cache: CacheConfig{
			Backend: BackendKeyring,
			Group:   "default",
		},
		Telemetry: TelemetryConfig{
			Aggregate:  true,
			KafkaTopic: "oidcauth-telemetry",
		},
	}
}

// DefaultPath returns the config file location, honoring OIDCAUTH_CONFIG.
func DefaultPath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".oidcauth", "config.yaml")
	}
	return filepath.Join(dir, "oidcauth", "config.yaml")
}

// NewViper returns a viper instance seeded with defaults and env bindings.
// Callers may bind flags to it before calling LoadWith.
func NewViper() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("validate_authority", d.ValidateAuthority)
	v.SetDefault("family_refresh", d.FamilyRefresh)
	v.SetDefault("broker_scheme", d.BrokerScheme)
	v.SetDefault("http_timeout", d.HTTPTimeout)
	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.group", d.Cache.Group)
	v.SetDefault("telemetry.aggregate", d.Telemetry.Aggregate)
	v.SetDefault("telemetry.kafka_topic", d.Telemetry.KafkaTopic)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path (a missing file is not an error) and
// applies environment overrides.
func Load(path string) (*Config, error) {
	return LoadWith(NewViper(), path)
}

// LoadWith is Load on a caller-prepared viper instance.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parsing: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes c as YAML to path, creating the directory with 0700.
func Save(path string, c *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate checks field values and normalizes empty ones.
func (c *Config) Validate() error {
	if c.Cache.Backend == "" {
		c.Cache.Backend = BackendKeyring
	}
	switch c.Cache.Backend {
	case BackendKeyring, BackendFile, BackendMemory:
	default:
		return fmt.Errorf("config: unknown cache backend %q (must be %q, %q or %q)",
			c.Cache.Backend, BackendKeyring, BackendFile, BackendMemory)
	}
	if c.Cache.Group == "" {
		c.Cache.Group = "default"
	}

	if c.Authority != "" {
		u, err := url.Parse(c.Authority)
		if err != nil || u.Host == "" {
			return fmt.Errorf("config: authority %q is not a valid URL", c.Authority)
		}
		if u.Scheme != "https" {
			return fmt.Errorf("config: authority %q must use https", c.Authority)
		}
	}

	if len(c.Telemetry.KafkaBrokers) > 0 && c.Telemetry.KafkaTopic == "" {
		return fmt.Errorf("config: telemetry.kafka_topic is required when kafka_brokers is set")
	}

	seen := make(map[string]struct{}, len(c.Resources))
	for i, rc := range c.Resources {
		if rc.Resource == "" {
			return fmt.Errorf("config: resources[%d] has an empty resource", i)
		}
		if _, dup := seen[rc.Resource]; dup {
			return fmt.Errorf("config: resource %q is listed twice", rc.Resource)
		}
		seen[rc.Resource] = struct{}{}
	}
	return nil
}

// ForResource returns the request settings for resource: top-level values
// first, then any per-resource overrides.
func (c *Config) ForResource(resource string) ResourceConfig {
	merged := ResourceConfig{
		Resource:             resource,
		Scope:                c.Scope,
		ExtraQueryParameters: c.ExtraQueryParameters,
	}
	var rc ResourceConfig
	for _, candidate := range c.Resources {
		if candidate.Resource == resource {
			rc = candidate
			break
		}
	}
	if rc.Scope != "" {
		merged.Scope = rc.Scope
	}
	if rc.ExtraQueryParameters != "" {
		merged.ExtraQueryParameters = rc.ExtraQueryParameters
	}
	if rc.Claims != "" {
		merged.Claims = rc.Claims
	}
	return merged
}

// ResourceNames returns the configured per-resource names, sorted.
func (c *Config) ResourceNames() []string {
	names := make([]string, 0, len(c.Resources))
	for _, rc := range c.Resources {
		names = append(names, rc.Resource)
	}
	sort.Strings(names)
	return names
}
