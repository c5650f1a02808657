package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultIsValid(t *testing.T) {
	if errs := Default().Validate(); len(errs) != 0 {
		t.Errorf("default config has validation errors: %v", errs)
	}
}

func TestLoad_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Registry.ServiceIndexURL != DefaultServiceIndexURL {
		t.Errorf("ServiceIndexURL = %q", cfg.Registry.ServiceIndexURL)
	}
	if cfg.Registry.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0", cfg.Registry.MaxRetries)
	}
	if cfg.Registry.Timeout() != 30*time.Second {
		t.Errorf("Timeout = %v", cfg.Registry.Timeout())
	}
	if cfg.Store.SerializeWrites {
		t.Error("SerializeWrites should default to false")
	}
}

func TestLoad_Overrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	viper.Set("registry.service_index_url", "https://feed.example.com/v3/index.json")
	viper.Set("store.serialize_writes", true)
	viper.Set("logging.format", "json")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Registry.ServiceIndexURL != "https://feed.example.com/v3/index.json" {
		t.Errorf("ServiceIndexURL = %q", cfg.Registry.ServiceIndexURL)
	}
	if !cfg.Store.SerializeWrites {
		t.Error("SerializeWrites override ignored")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
}

func TestLoad_Environment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	t.Setenv("PKGREF_REGISTRY_MAX_RETRIES", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Registry.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", cfg.Registry.MaxRetries)
	}
}

func TestLoad_Invalid(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	viper.Set("registry.service_index_url", "not a url")
	viper.Set("logging.level", "loud")

	_, err := Load()
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if len(verrs) != 2 {
		t.Fatalf("expected 2 validation errors, got %v", verrs)
	}
	if !strings.Contains(err.Error(), "2 validation errors") {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"relative feed", func(c *Config) { c.Registry.ServiceIndexURL = "/v3/index.json" }, "registry.service_index_url"},
		{"zero timeout", func(c *Config) { c.Registry.TimeoutSeconds = 0 }, "registry.timeout_seconds"},
		{"negative retries", func(c *Config) { c.Registry.MaxRetries = -1 }, "registry.max_retries"},
		{"negative breaker", func(c *Config) { c.Registry.CircuitBreakerThreshold = -1 }, "registry.circuit_breaker_threshold"},
		{"negative dns refresh", func(c *Config) { c.Registry.DNSCacheRefreshSeconds = -5 }, "registry.dns_cache_refresh_seconds"},
		{"no concurrency", func(c *Config) { c.Registry.Concurrency = 0 }, "registry.concurrency"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			errs := cfg.Validate()
			if len(errs) != 1 {
				t.Fatalf("expected 1 error, got %v", errs)
			}
			if errs[0].Field != tt.field {
				t.Errorf("Field = %q, want %q", errs[0].Field, tt.field)
			}
		})
	}
}

func TestDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := Dir(); got != "/tmp/xdg/pkgref" {
		t.Errorf("Dir() = %q", got)
	}
}
