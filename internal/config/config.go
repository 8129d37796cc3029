package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

type Config struct {
	Service     ServiceConfig     `json:"service"`
	Credentials CredentialsConfig `json:"credentials"`
	Proxy       ProxyConfig       `json:"proxy"`
	Aggregator  AggregatorConfig  `json:"aggregator"`
	Storage     StorageConfig     `json:"storage"`
	API         APIConfig         `json:"api"`
	Metrics     MetricsConfig     `json:"metrics"`
	Logging     LoggingConfig     `json:"logging"`
}

type ServiceConfig struct {
	SessionURL          string   `json:"session_url"`
	PingURLs            []string `json:"ping_urls"`
	UserAgent           string   `json:"user_agent"`
	PingIntervalSeconds int      `json:"ping_interval_seconds"`
	RetryCeiling        int      `json:"retry_ceiling"`
	TimeoutMs           int      `json:"timeout_ms"`
}

type CredentialsConfig struct {
	Path string `json:"path"`
}

type ProxyConfig struct {
	Enabled             bool     `json:"enabled"`
	MaxPerCredential    int      `json:"max_per_credential"`
	AutoReplenish       bool     `json:"auto_replenish"`
	EmptyBackoffSeconds int      `json:"empty_backoff_seconds"`
	Schemes             []string `json:"schemes"`
	StoreName           string   `json:"store_name"`
}

type AggregatorConfig struct {
	Enabled                   bool     `json:"enabled"`
	IntervalSeconds           int      `json:"interval_seconds"`
	MinRefreshIntervalSeconds int      `json:"min_refresh_interval_seconds"`
	Sources                   []Source `json:"sources"`
	UserAgent                 string   `json:"user_agent"`
}

type Source struct {
	URL     string `json:"url"`
	Path    string `json:"path"`
	Type    string `json:"type"` // "text", "json" or "file"
	Enabled bool   `json:"enabled"`
}

type StorageConfig struct {
	Type                   string `json:"type"` // "file", "sqlite", "redis"
	Path                   string `json:"path"`
	PersistIntervalSeconds int    `json:"persist_interval_seconds"`
}

type APIConfig struct {
	Enabled            bool   `json:"enabled"`
	Addr               string `json:"addr"`
	APIKeyEnv          string `json:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	Namespace string `json:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// ConfigError marks a startup problem the process cannot continue from
type ConfigError struct {
	What string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return e.What
	}
	return fmt.Sprintf("%s: %v", e.What, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err carries a ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36"

// Load reads configuration from JSON file
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, &ConfigError{What: "read config file", Err: err}
	}

	return Parse(data)
}

// Parse decodes JSON configuration, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{What: "parse config JSON", Err: err}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{What: "invalid config", Err: err}
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Service.UserAgent == "" {
		c.Service.UserAgent = defaultUserAgent
	}
	if c.Service.PingIntervalSeconds == 0 {
		c.Service.PingIntervalSeconds = 60
	}
	if c.Service.RetryCeiling == 0 {
		c.Service.RetryCeiling = 3
	}
	if c.Service.TimeoutMs == 0 {
		c.Service.TimeoutMs = 10000
	}
	if c.Credentials.Path == "" {
		c.Credentials.Path = "token.txt"
	}
	if c.Proxy.MaxPerCredential == 0 {
		c.Proxy.MaxPerCredential = 1
	}
	if c.Proxy.EmptyBackoffSeconds == 0 {
		c.Proxy.EmptyBackoffSeconds = 30
	}
	if len(c.Proxy.Schemes) == 0 {
		c.Proxy.Schemes = []string{"http", "https"}
	}
	if c.Proxy.StoreName == "" {
		c.Proxy.StoreName = "proxies"
	}
	if c.Aggregator.IntervalSeconds == 0 {
		c.Aggregator.IntervalSeconds = 600
	}
	if c.Aggregator.MinRefreshIntervalSeconds == 0 {
		c.Aggregator.MinRefreshIntervalSeconds = 60
	}
	if c.Aggregator.UserAgent == "" {
		c.Aggregator.UserAgent = c.Service.UserAgent
	}
	for i := range c.Aggregator.Sources {
		if c.Aggregator.Sources[i].Type == "" {
			c.Aggregator.Sources[i].Type = "text"
		}
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data"
	}
	if c.Storage.PersistIntervalSeconds == 0 {
		c.Storage.PersistIntervalSeconds = 300
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8083"
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 600
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "keeper"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Service.SessionURL == "" {
		return fmt.Errorf("service.session_url is required")
	}
	if len(c.Service.PingURLs) == 0 {
		return fmt.Errorf("service.ping_urls must list at least one URL")
	}
	if c.Service.PingIntervalSeconds < 1 {
		return fmt.Errorf("ping_interval_seconds must be positive")
	}
	if c.Service.RetryCeiling < 1 {
		return fmt.Errorf("retry_ceiling must be positive")
	}
	if c.Service.TimeoutMs < 100 || c.Service.TimeoutMs > 300000 {
		return fmt.Errorf("timeout_ms must be between 100 and 300000")
	}
	if c.Proxy.MaxPerCredential < 1 {
		return fmt.Errorf("max_per_credential must be positive")
	}
	for _, s := range c.Proxy.Schemes {
		if s != "http" && s != "https" && s != "socks5" {
			return fmt.Errorf("unsupported proxy scheme %q", s)
		}
	}
	for _, src := range c.Aggregator.Sources {
		switch src.Type {
		case "text", "json":
			if src.URL == "" {
				return fmt.Errorf("%s source requires url", src.Type)
			}
		case "file":
			if src.Path == "" {
				return fmt.Errorf("file source requires path")
			}
		default:
			return fmt.Errorf("source type must be 'text', 'json' or 'file'")
		}
	}
	if c.Storage.Type != "file" && c.Storage.Type != "sqlite" && c.Storage.Type != "redis" {
		return fmt.Errorf("storage type must be 'file', 'sqlite', or 'redis'")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging format must be 'json' or 'text'")
	}
	return nil
}

func (s ServiceConfig) PingInterval() time.Duration {
	return time.Duration(s.PingIntervalSeconds) * time.Second
}

func (s ServiceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

func (p ProxyConfig) EmptyBackoff() time.Duration {
	return time.Duration(p.EmptyBackoffSeconds) * time.Second
}
