package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.Discovery.CacheTTL)
	assert.Equal(t, 300*time.Millisecond, cfg.Persistence.ConnectionStateDebounce)
	assert.Less(t, cfg.Discovery.ProbeTimeout, time.Second)
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"inverted port range", func(c *Config) { c.Discovery.PortStart, c.Discovery.PortEnd = 9000, 8000 }},
		{"port out of range", func(c *Config) { c.Discovery.PortEnd = 70000 }},
		{"probe timeout of a second", func(c *Config) { c.Discovery.ProbeTimeout = time.Second }},
		{"zero liveness timeout", func(c *Config) { c.Discovery.LivenessTimeout = 0 }},
		{"zero cache ttl", func(c *Config) { c.Discovery.CacheTTL = 0 }},
		{"non-http manual peer", func(c *Config) { c.Discovery.ManualPeerURL = "ftp://10.0.0.2" }},
		{"non-http candidate", func(c *Config) { c.Discovery.Candidates = []string{"localhost:8765"} }},
		{"empty service name", func(c *Config) { c.Discovery.ServiceName = "" }},
		{"empty bridge url", func(c *Config) { c.Bridge.URL = "" }},
		{"zero breaker failures", func(c *Config) { c.Bridge.Breaker.MaxFailures = 0 }},
		{"negative reconnect attempts", func(c *Config) { c.Bridge.Reconnect.MaxAttempts = -1 }},
		{"unknown backend", func(c *Config) { c.Persistence.Backend = "etcd" }},
		{"sqlite without path", func(c *Config) { c.Persistence.SQLitePath = "" }},
		{"negative debounce", func(c *Config) { c.Persistence.ConnectionStateDebounce = -time.Millisecond }},
		{"redis without pool", func(c *Config) {
			c.Persistence.Backend = BackendRedis
			c.Redis.PoolSize = 0
		}},
		{"rate limit without rps", func(c *Config) { c.RateLimiting.RequestsPerSecond = 0 }},
		{"empty log level", func(c *Config) { c.Logging.Level = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_DisabledBridgeNeedsNoURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bridge.Enabled = false
	cfg.Bridge.URL = ""
	assert.NoError(t, cfg.Validate())
}

func TestValidate_CandidatesReplacePortRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discovery.Host = ""
	cfg.Discovery.Candidates = []string{"http://127.0.0.1:9000"}
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
discovery:
  port_start: 9100
  port_end: 9102
persistence:
  backend: memory
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("TABCAST_LOCALE", "de")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Discovery.PortStart)
	assert.Equal(t, 9102, cfg.Discovery.PortEnd)
	assert.Equal(t, BackendMemory, cfg.Persistence.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "de", cfg.Logging.Locale)
	// untouched keys keep their defaults
	assert.Equal(t, "tabcast-companion", cfg.Discovery.ServiceName)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Address, cfg.Server.Address)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("discovery: [unclosed"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
