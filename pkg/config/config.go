package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Persistence backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Discovery struct {
		Host            string        `yaml:"host"`
		PortStart       int           `yaml:"port_start"`
		PortEnd         int           `yaml:"port_end"`
		Candidates      []string      `yaml:"candidates,omitempty"` // explicit base URLs, overrides the port range
		ManualPeerURL   string        `yaml:"manual_peer_url,omitempty"`
		ServiceName     string        `yaml:"service_name"`
		ProbeTimeout    time.Duration `yaml:"probe_timeout"`
		LivenessTimeout time.Duration `yaml:"liveness_timeout"`
		CacheTTL        time.Duration `yaml:"cache_ttl"`
	} `yaml:"discovery"`

	Bridge struct {
		Enabled        bool          `yaml:"enabled"`
		URL            string        `yaml:"url"`
		StatusTimeout  time.Duration `yaml:"status_timeout"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		Reconnect      struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"reconnect"`
		Breaker struct {
			MaxFailures uint32        `yaml:"max_failures"`
			OpenTimeout time.Duration `yaml:"open_timeout"`
		} `yaml:"breaker"`
	} `yaml:"bridge"`

	Persistence struct {
		Backend                 string        `yaml:"backend"`
		SQLitePath              string        `yaml:"sqlite_path"`
		ConnectionStateDebounce time.Duration `yaml:"connection_state_debounce"`
		MediaCacheDebounce      time.Duration `yaml:"media_cache_debounce"`
	} `yaml:"persistence"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`

		// EventChannel enables the pub/sub event bus when non-empty.
		EventChannel string `yaml:"event_channel,omitempty"`
	} `yaml:"redis"`

	Power struct {
		WakeLockEnabled bool   `yaml:"wake_lock_enabled"`
		Reason          string `yaml:"reason"`
	} `yaml:"power"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Locale string `yaml:"locale"`
	} `yaml:"logging"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		MaxConcurrent     int     `yaml:"max_concurrent"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.read_timeout and server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Discovery
	if len(c.Discovery.Candidates) == 0 {
		if c.Discovery.Host == "" {
			return fmt.Errorf("discovery.host must not be empty")
		}
		if c.Discovery.PortStart <= 0 || c.Discovery.PortEnd > 65535 {
			return fmt.Errorf("discovery port range must be within 1-65535")
		}
		if c.Discovery.PortStart > c.Discovery.PortEnd {
			return fmt.Errorf("discovery.port_start must be <= port_end")
		}
	}
	for _, candidate := range c.Discovery.Candidates {
		if err := validateHTTPURL(candidate); err != nil {
			return fmt.Errorf("discovery.candidates: %w", err)
		}
	}
	if c.Discovery.ManualPeerURL != "" {
		if err := validateHTTPURL(c.Discovery.ManualPeerURL); err != nil {
			return fmt.Errorf("discovery.manual_peer_url: %w", err)
		}
	}
	if c.Discovery.ServiceName == "" {
		return fmt.Errorf("discovery.service_name must not be empty")
	}
	if c.Discovery.ProbeTimeout <= 0 || c.Discovery.ProbeTimeout >= time.Second {
		return fmt.Errorf("discovery.probe_timeout must be > 0 and below one second")
	}
	if c.Discovery.LivenessTimeout <= 0 {
		return fmt.Errorf("discovery.liveness_timeout must be > 0")
	}
	if c.Discovery.CacheTTL <= 0 {
		return fmt.Errorf("discovery.cache_ttl must be > 0")
	}

	// Bridge
	if c.Bridge.Enabled && c.Bridge.URL == "" {
		return fmt.Errorf("bridge.url must not be empty when the bridge is enabled")
	}
	if c.Bridge.StatusTimeout <= 0 || c.Bridge.RequestTimeout <= 0 {
		return fmt.Errorf("bridge.status_timeout and bridge.request_timeout must be > 0")
	}
	if c.Bridge.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("bridge.reconnect.max_attempts must be >= 0")
	}
	if c.Bridge.Breaker.MaxFailures == 0 || c.Bridge.Breaker.OpenTimeout <= 0 {
		return fmt.Errorf("bridge.breaker.max_failures and bridge.breaker.open_timeout must be > 0")
	}

	// Persistence
	switch c.Persistence.Backend {
	case BackendMemory, BackendRedis:
	case BackendSQLite:
		if c.Persistence.SQLitePath == "" {
			return fmt.Errorf("persistence.sqlite_path must not be empty when backend=sqlite")
		}
	default:
		return fmt.Errorf("persistence.backend must be one of memory, redis, sqlite (got %q)", c.Persistence.Backend)
	}
	if c.Persistence.ConnectionStateDebounce < 0 || c.Persistence.MediaCacheDebounce < 0 {
		return fmt.Errorf("persistence debounce intervals must be >= 0")
	}

	// Redis
	if c.Persistence.Backend == BackendRedis {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when backend=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when backend=redis")
		}
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an http(s) base URL", raw)
	}
	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = "127.0.0.1:7480"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Discovery.Host = "localhost"
	cfg.Discovery.PortStart = 8765
	cfg.Discovery.PortEnd = 8769
	cfg.Discovery.ServiceName = "tabcast-companion"
	cfg.Discovery.ProbeTimeout = 800 * time.Millisecond
	cfg.Discovery.LivenessTimeout = 500 * time.Millisecond
	cfg.Discovery.CacheTTL = 5 * time.Minute

	cfg.Bridge.Enabled = true
	cfg.Bridge.URL = "ws://127.0.0.1:7481/bridge"
	cfg.Bridge.StatusTimeout = 3 * time.Second
	cfg.Bridge.RequestTimeout = 10 * time.Second
	cfg.Bridge.Reconnect.MaxAttempts = 5
	cfg.Bridge.Reconnect.InitialDelay = 500 * time.Millisecond
	cfg.Bridge.Reconnect.MaxDelay = 10 * time.Second
	cfg.Bridge.Breaker.MaxFailures = 5
	cfg.Bridge.Breaker.OpenTimeout = 30 * time.Second

	cfg.Persistence.Backend = BackendSQLite
	cfg.Persistence.SQLitePath = "tabcast-state.db"
	cfg.Persistence.ConnectionStateDebounce = 300 * time.Millisecond
	cfg.Persistence.MediaCacheDebounce = time.Second

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Power.WakeLockEnabled = true
	cfg.Power.Reason = "Casting tab audio to speakers"

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Locale = "en"

	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.RequestsPerSecond = 50
	cfg.RateLimiting.Burst = 100
	cfg.RateLimiting.MaxConcurrent = 64

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("TABCAST_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if u := os.Getenv("TABCAST_BRIDGE_URL"); u != "" {
		c.Bridge.URL = u
	}
	if v := os.Getenv("TABCAST_BRIDGE_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Bridge.Enabled = enabled
		}
	}
	if u := os.Getenv("TABCAST_MANUAL_PEER_URL"); u != "" {
		c.Discovery.ManualPeerURL = u
	}
	if backend := os.Getenv("TABCAST_PERSISTENCE_BACKEND"); backend != "" {
		c.Persistence.Backend = backend
	}
	if path := os.Getenv("TABCAST_SQLITE_PATH"); path != "" {
		c.Persistence.SQLitePath = path
	}
	if addr := os.Getenv("TABCAST_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if level := os.Getenv("TABCAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if locale := os.Getenv("TABCAST_LOCALE"); locale != "" {
		c.Logging.Locale = locale
	}
	if v := os.Getenv("TABCAST_WAKE_LOCK"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Power.WakeLockEnabled = enabled
		}
	}
}
