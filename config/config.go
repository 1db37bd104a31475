// Package config provides configuration loading and management for doctrack.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete doctrack configuration
type Config struct {
	API     APIConfig     `yaml:"api"`
	Query   QueryConfig   `yaml:"query"`
	Session SessionConfig `yaml:"session"`
	Cache   CacheConfig   `yaml:"cache"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// APIConfig configures the tracker API connection
type APIConfig struct {
	// BaseURL is the tracker API root (e.g., https://tracker.example.gov/api)
	BaseURL string `yaml:"base_url"`
	// Timeout bounds each HTTP request
	Timeout time.Duration `yaml:"timeout"`
}

// QueryConfig configures caching and retry of reads and mutations
type QueryConfig struct {
	// StaleTime is how long a cached result is served without refetching
	StaleTime time.Duration `yaml:"stale_time"`
	// Retries is the number of automatic retries after a transient failure.
	// Negative disables retries.
	Retries int `yaml:"retries"`
	// BackoffBase is the wait before the first retry
	BackoffBase time.Duration `yaml:"backoff_base"`
	// MaxBackoff caps the wait between retries
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// SessionConfig configures where the bearer token and user come from
type SessionConfig struct {
	// TokenFile is a YAML session file (token, office_code, account_type,
	// employee_number), reloaded when it changes
	TokenFile string `yaml:"token_file"`
}

// CacheConfig configures the NATS KV mirror of the query cache
type CacheConfig struct {
	// Enabled turns the mirror on
	Enabled bool `yaml:"enabled"`
	// NATSURL is an external NATS server (empty = use embedded server)
	NATSURL string `yaml:"nats_url"`
	// Embedded runs an in-process NATS server
	Embedded bool `yaml:"embedded"`
	// Bucket is the KV bucket name
	Bucket string `yaml:"bucket"`
	// StoreDir holds embedded JetStream data (empty = server default)
	StoreDir string `yaml:"store_dir"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 60 * time.Second,
		},
		Query: QueryConfig{
			StaleTime:   5 * time.Minute,
			Retries:     2,
			BackoffBase: 500 * time.Millisecond,
			MaxBackoff:  10 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:  false,
			Embedded: true,
			Bucket:   "DOCTRACK_QUERY_CACHE",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url must be an http or https URL")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.Query.StaleTime <= 0 {
		return fmt.Errorf("query.stale_time must be positive")
	}
	if c.Query.Retries > 10 {
		return fmt.Errorf("query.retries must be at most 10")
	}
	if c.Cache.Enabled && !c.Cache.Embedded && c.Cache.NATSURL == "" {
		return fmt.Errorf("cache.nats_url is required when cache.embedded is false")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// API
	if other.API.BaseURL != "" {
		c.API.BaseURL = other.API.BaseURL
	}
	if other.API.Timeout != 0 {
		c.API.Timeout = other.API.Timeout
	}

	// Query
	if other.Query.StaleTime != 0 {
		c.Query.StaleTime = other.Query.StaleTime
	}
	if other.Query.Retries != 0 {
		c.Query.Retries = other.Query.Retries
	}
	if other.Query.BackoffBase != 0 {
		c.Query.BackoffBase = other.Query.BackoffBase
	}
	if other.Query.MaxBackoff != 0 {
		c.Query.MaxBackoff = other.Query.MaxBackoff
	}

	// Session
	if other.Session.TokenFile != "" {
		c.Session.TokenFile = other.Session.TokenFile
	}

	// Cache
	if other.Cache.Enabled {
		c.Cache.Enabled = true
	}
	if other.Cache.NATSURL != "" {
		c.Cache.NATSURL = other.Cache.NATSURL
		c.Cache.Embedded = false
	}
	if other.Cache.Bucket != "" {
		c.Cache.Bucket = other.Cache.Bucket
	}
	if other.Cache.StoreDir != "" {
		c.Cache.StoreDir = other.Cache.StoreDir
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}
