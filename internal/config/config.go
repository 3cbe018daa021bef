package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Platform PlatformConfig `yaml:"platform"`
	Scripts  ScriptsConfig  `yaml:"scripts"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// SandboxConfig bounds script runs. Default values apply when a request
// leaves a limit unset; max values are ceilings a request may not exceed.
type SandboxConfig struct {
	MaxConcurrent        int           `yaml:"max_concurrent"`
	DefaultTimeout       time.Duration `yaml:"default_timeout"`
	MaxTimeout           time.Duration `yaml:"max_timeout"`
	DefaultMemoryBytes   int64         `yaml:"default_memory_bytes"`
	MaxMemoryBytes       int64         `yaml:"max_memory_bytes"`
	DefaultAPICalls      int64         `yaml:"default_api_calls"`
	MaxAPICalls          int64         `yaml:"max_api_calls"`
	GracePeriod          time.Duration `yaml:"grace_period"`
	TeardownTimeout      time.Duration `yaml:"teardown_timeout"`
	MemorySampleInterval time.Duration `yaml:"memory_sample_interval"`
	MaxCallStack         int           `yaml:"max_call_stack"`
	MaxScriptBytes       int           `yaml:"max_script_bytes"`
}

// PlatformConfig controls the mocked platform API.
type PlatformConfig struct {
	MinLatency   time.Duration `yaml:"min_latency"`
	MaxLatency   time.Duration `yaml:"max_latency"`
	FixturesPath string        `yaml:"fixtures_path"` // empty uses the embedded fixtures
}

// ScriptsConfig selects where scripts are loaded from.
type ScriptsConfig struct {
	Backend    string `yaml:"backend"` // "memory" (default), "postgres" or "sqlite"
	DSN        string `yaml:"dsn"`
	SQLitePath string `yaml:"sqlite_path"`
	Dir        string `yaml:"dir"` // loaded into the memory backend at startup
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
	IdentityHeader       string   `yaml:"identity_header"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    130 * time.Second, // > max sandbox timeout + teardown
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Sandbox: SandboxConfig{
			MaxConcurrent:        100,
			DefaultTimeout:       30 * time.Second,
			MaxTimeout:           120 * time.Second,
			DefaultMemoryBytes:   128 << 20,
			MaxMemoryBytes:       512 << 20,
			DefaultAPICalls:      100,
			MaxAPICalls:          1000,
			GracePeriod:          50 * time.Millisecond,
			TeardownTimeout:      time.Second,
			MemorySampleInterval: 10 * time.Millisecond,
			MaxCallStack:         1024,
			MaxScriptBytes:       1 << 20,
		},
		Platform: PlatformConfig{
			MinLatency: 10 * time.Millisecond,
			MaxLatency: 50 * time.Millisecond,
		},
		Scripts: ScriptsConfig{
			Backend:    "memory",
			SQLitePath: "scripts.db",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
			IdentityHeader: "X-Identity-Token",
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}

	sb := c.Sandbox
	if sb.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if sb.DefaultTimeout <= 0 || sb.DefaultTimeout > sb.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be > 0 and <= max_timeout (%s)",
			sb.DefaultTimeout, sb.MaxTimeout)
	}
	if sb.DefaultMemoryBytes <= 0 || sb.DefaultMemoryBytes > sb.MaxMemoryBytes {
		return fmt.Errorf("sandbox.default_memory_bytes (%d) must be > 0 and <= max_memory_bytes (%d)",
			sb.DefaultMemoryBytes, sb.MaxMemoryBytes)
	}
	if sb.DefaultAPICalls <= 0 || sb.DefaultAPICalls > sb.MaxAPICalls {
		return fmt.Errorf("sandbox.default_api_calls (%d) must be > 0 and <= max_api_calls (%d)",
			sb.DefaultAPICalls, sb.MaxAPICalls)
	}
	if sb.GracePeriod < 0 || sb.TeardownTimeout < 0 || sb.MemorySampleInterval < 0 {
		return fmt.Errorf("sandbox durations must not be negative")
	}
	if sb.MaxScriptBytes < 1 {
		return fmt.Errorf("sandbox.max_script_bytes must be >= 1")
	}

	if c.Platform.MinLatency < 0 || c.Platform.MaxLatency < c.Platform.MinLatency {
		return fmt.Errorf("platform latency range [%s, %s] is invalid",
			c.Platform.MinLatency, c.Platform.MaxLatency)
	}

	switch c.Scripts.Backend {
	case "memory":
	case "postgres":
		if c.Scripts.DSN == "" {
			return fmt.Errorf("scripts.dsn is required for the postgres backend")
		}
		if strings.Contains(c.Scripts.DSN, "sslmode=disable") {
			log.Warn().Msg("scripts DSN has sslmode=disable, connections to Postgres are unencrypted")
		}
	case "sqlite":
		if c.Scripts.SQLitePath == "" {
			return fmt.Errorf("scripts.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("scripts.backend must be memory, postgres or sqlite, got %q", c.Scripts.Backend)
	}

	if c.Security.IdentityHeader == "" {
		return fmt.Errorf("security.identity_header must not be empty")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	return nil
}

// ApplyEnv overrides selected values from environment variables. getenv is
// usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("HARNESS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HARNESS_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := getenv("HARNESS_SCRIPTS_BACKEND"); v != "" {
		c.Scripts.Backend = v
	}
	if v := getenv("HARNESS_SCRIPTS_DSN"); v != "" {
		c.Scripts.DSN = v
	}
	if v := getenv("HARNESS_SCRIPTS_DIR"); v != "" {
		c.Scripts.Dir = v
	}
	if v := getenv("HARNESS_API_KEYS"); v != "" {
		c.Security.AllowedKeys = nil
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.Security.AllowedKeys = append(c.Security.AllowedKeys, k)
			}
		}
	}
	return c.Validate()
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
