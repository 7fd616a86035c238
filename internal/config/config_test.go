package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, BackendKeyring, cfg.Cache.Backend)
	assert.Equal(t, "default", cfg.Cache.Group)
	assert.True(t, cfg.ValidateAuthority)
	assert.True(t, cfg.FamilyRefresh)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
authority: https://login.example.com/common
client_id: abc
redirect_uri: http://127.0.0.1/callback
extended_lifetime: true
http_timeout: 5s
cache:
  backend: file
  dir: /tmp/oidcauth
  group: team
telemetry:
  kafka_brokers: [kafka:9092]
resources:
  - resource: https://api.example.com
    scope: openid offline_access
    claims: '{"access_token":{"xms_cc":{"values":["cp1"]}}}'
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://login.example.com/common", cfg.Authority)
	assert.Equal(t, "abc", cfg.ClientID)
	assert.True(t, cfg.ExtendedLifetime)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, BackendFile, cfg.Cache.Backend)
	assert.Equal(t, "team", cfg.Cache.Group)
	assert.Equal(t, []string{"kafka:9092"}, cfg.Telemetry.KafkaBrokers)
	assert.Equal(t, "oidcauth-telemetry", cfg.Telemetry.KafkaTopic)
	require.Len(t, cfg.Resources, 1)
	assert.Equal(t, "https://api.example.com", cfg.Resources[0].Resource)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "client_id: from-file\n")
	t.Setenv("OIDCAUTH_CLIENT_ID", "from-env")
	t.Setenv("OIDCAUTH_CACHE_BACKEND", "memory")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.ClientID)
	assert.Equal(t, BackendMemory, cfg.Cache.Backend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown backend", func(c *Config) { c.Cache.Backend = "s3" }, "unknown cache backend"},
		{"http authority", func(c *Config) { c.Authority = "http://login.example.com" }, "must use https"},
		{"bad authority", func(c *Config) { c.Authority = "::" }, "not a valid URL"},
		{"kafka without topic", func(c *Config) {
			c.Telemetry.KafkaBrokers = []string{"k:9092"}
			c.Telemetry.KafkaTopic = ""
		}, "kafka_topic"},
		{"empty resource", func(c *Config) { c.Resources = []ResourceConfig{{Scope: "x"}} }, "empty resource"},
		{"duplicate resource", func(c *Config) {
			c.Resources = []ResourceConfig{{Resource: "r"}, {Resource: "r"}}
		}, "listed twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestForResourceOverridesTopLevel(t *testing.T) {
	cfg := Default()
	cfg.Scope = "openid"
	cfg.ExtraQueryParameters = "domain_hint=example.com"
	cfg.Resources = []ResourceConfig{
		{Resource: "https://graph.example.com", Scope: "openid profile"},
		{Resource: "https://api.example.com", Claims: `{"id_token":{}}`},
	}

	graph := cfg.ForResource("https://graph.example.com")
	assert.Equal(t, "openid profile", graph.Scope)
	assert.Equal(t, "domain_hint=example.com", graph.ExtraQueryParameters)
	assert.Empty(t, graph.Claims)

	api := cfg.ForResource("https://api.example.com")
	assert.Equal(t, "openid", api.Scope)
	assert.Equal(t, `{"id_token":{}}`, api.Claims)

	other := cfg.ForResource("https://other.example.com")
	assert.Equal(t, "https://other.example.com", other.Resource)
	assert.Equal(t, "openid", other.Scope)

	assert.Equal(t, []string{"https://api.example.com", "https://graph.example.com"}, cfg.ResourceNames())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.ClientID = "abc"
	cfg.LogLevel = "debug"

	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", loaded.ClientID)
	assert.Equal(t, "debug", loaded.LogLevel)
}
