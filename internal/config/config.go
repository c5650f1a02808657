// Package config loads pkgref settings from defaults, an optional YAML file,
// PKGREF_* environment variables and command line flags, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/git-pkgs/pkgref/internal/logging"
)

// EnvPrefix is the prefix of environment variables read by viper,
// e.g. PKGREF_REGISTRY_SERVICE_INDEX_URL for registry.service_index_url.
const EnvPrefix = "PKGREF"

// DefaultServiceIndexURL is the public NuGet feed.
const DefaultServiceIndexURL = "https://api.nuget.org/v3/index.json"

// Config represents the complete pkgref configuration
type Config struct {
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
}

// RegistryConfig controls how the NuGet feed is reached
type RegistryConfig struct {
	// ServiceIndexURL is the feed's v3 service index
	ServiceIndexURL string `mapstructure:"service_index_url" yaml:"service_index_url"`
	// TimeoutSeconds bounds each HTTP request
	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	// MaxRetries is the number of retries for transient failures (0 = fail fast)
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// CircuitBreakerThreshold is the number of consecutive failures before a
	// host is skipped (0 = disabled)
	CircuitBreakerThreshold int `mapstructure:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
	// DNSCacheRefreshSeconds enables a caching resolver refreshed at this interval (0 = disabled)
	DNSCacheRefreshSeconds int `mapstructure:"dns_cache_refresh_seconds" yaml:"dns_cache_refresh_seconds"`
	// UserAgent is sent with every request
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
	// Concurrency limits parallel lookups for the outdated report
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format is text or json
	Format string `mapstructure:"format" yaml:"format"`
}

// StoreConfig controls manifest writes
type StoreConfig struct {
	// SerializeWrites makes concurrent mutations of one manifest wait for
	// each other instead of racing (last write wins when false)
	SerializeWrites bool `mapstructure:"serialize_writes" yaml:"serialize_writes"`
}

// ServerConfig controls the panel server
type ServerConfig struct {
	// Addr is the listen address
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Timeout returns the request timeout as a time.Duration
func (c *RegistryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DNSCacheRefresh returns the resolver refresh interval (0 means disabled)
func (c *RegistryConfig) DNSCacheRefresh() time.Duration {
	return time.Duration(c.DNSCacheRefreshSeconds) * time.Second
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			ServiceIndexURL:         DefaultServiceIndexURL,
			TimeoutSeconds:          30,
			MaxRetries:              0,
			CircuitBreakerThreshold: 5,
			DNSCacheRefreshSeconds:  0,
			UserAgent:               "pkgref",
			Concurrency:             8,
		},
		Logging: LoggingConfig{
			Level:  logging.LevelInfo,
			Format: logging.FormatText,
		},
		Store: StoreConfig{
			SerializeWrites: false,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7315",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("registry.service_index_url", defaults.Registry.ServiceIndexURL)
	viper.SetDefault("registry.timeout_seconds", defaults.Registry.TimeoutSeconds)
	viper.SetDefault("registry.max_retries", defaults.Registry.MaxRetries)
	viper.SetDefault("registry.circuit_breaker_threshold", defaults.Registry.CircuitBreakerThreshold)
	viper.SetDefault("registry.dns_cache_refresh_seconds", defaults.Registry.DNSCacheRefreshSeconds)
	viper.SetDefault("registry.user_agent", defaults.Registry.UserAgent)
	viper.SetDefault("registry.concurrency", defaults.Registry.Concurrency)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.format", defaults.Logging.Format)

	viper.SetDefault("store.serialize_writes", defaults.Store.SerializeWrites)

	viper.SetDefault("server.addr", defaults.Server.Addr)
}

// Load unmarshals the current viper state and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// Dir returns the directory searched for config.yaml
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pkgref")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "pkgref")
}

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "registry.timeout_seconds")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if u, err := url.Parse(c.Registry.ServiceIndexURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "registry.service_index_url",
			Value:   c.Registry.ServiceIndexURL,
			Message: "must be an absolute http(s) URL",
		})
	}
	if c.Registry.TimeoutSeconds <= 0 {
		errs = append(errs, ValidationError{
			Field:   "registry.timeout_seconds",
			Value:   c.Registry.TimeoutSeconds,
			Message: "must be positive",
		})
	}
	if c.Registry.MaxRetries < 0 {
		errs = append(errs, ValidationError{
			Field:   "registry.max_retries",
			Value:   c.Registry.MaxRetries,
			Message: "must not be negative",
		})
	}
	if c.Registry.CircuitBreakerThreshold < 0 {
		errs = append(errs, ValidationError{
			Field:   "registry.circuit_breaker_threshold",
			Value:   c.Registry.CircuitBreakerThreshold,
			Message: "must not be negative",
		})
	}
	if c.Registry.DNSCacheRefreshSeconds < 0 {
		errs = append(errs, ValidationError{
			Field:   "registry.dns_cache_refresh_seconds",
			Value:   c.Registry.DNSCacheRefreshSeconds,
			Message: "must not be negative",
		})
	}
	if c.Registry.Concurrency < 1 {
		errs = append(errs, ValidationError{
			Field:   "registry.concurrency",
			Value:   c.Registry.Concurrency,
			Message: "must be at least 1",
		})
	}
	if !slices.Contains(logging.ValidLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of %s", strings.Join(logging.ValidLevels(), ", ")),
		})
	}
	if !slices.Contains(logging.ValidFormats(), strings.ToLower(c.Logging.Format)) {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Value:   c.Logging.Format,
			Message: fmt.Sprintf("must be one of %s", strings.Join(logging.ValidFormats(), ", ")),
		})
	}
	if c.Server.Addr == "" {
		errs = append(errs, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must not be empty",
		})
	}

	return errs
}
