// Package config loads and validates the eventsync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// RemoteURLEnv overrides remote.url when set, so credentials can stay out of
// the config file.
const RemoteURLEnv = "EVENTSYNC_REMOTE_URL"

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// LocalDBPath is the SQLite cache file. Defaults to
	// ~/.local/share/eventsync/events.db when empty.
	LocalDBPath string `yaml:"local_db_path"`

	// Remote selects and locates the authoritative store.
	Remote RemoteConfig `yaml:"remote"`

	// Organizations lists the organization ids synchronized by this device.
	Organizations []string `yaml:"organizations"`

	// PollInterval controls how often the daemon synchronizes.
	// Minimum 10s, maximum 1h. Defaults to 1m if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// RemoteConfig locates the remote store.
type RemoteConfig struct {
	// Driver is "postgres" or "redis".
	Driver string `yaml:"driver"`

	// URL is a postgres:// or redis:// connection URL.
	URL string `yaml:"url"`

	// Timeout bounds every remote call. Minimum 1s, maximum 2m. Defaults to 10s.
	Timeout time.Duration `yaml:"timeout"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "eventsync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/eventsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "eventsync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if v := os.Getenv(RemoteURLEnv); v != "" {
		cfg.Remote.URL = v
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	switch c.Remote.Driver {
	case "postgres", "redis":
	case "":
		return fmt.Errorf("remote.driver is required")
	default:
		return fmt.Errorf("remote.driver %q must be postgres or redis", c.Remote.Driver)
	}

	if c.Remote.URL == "" {
		return fmt.Errorf("remote.url is required (or set %s)", RemoteURLEnv)
	}
	u, err := url.Parse(c.Remote.URL)
	if err != nil {
		return fmt.Errorf("remote.url is not a valid URL: %w", err)
	}
	if !schemeMatches(c.Remote.Driver, u.Scheme) {
		return fmt.Errorf("remote.url scheme %q does not match driver %q", u.Scheme, c.Remote.Driver)
	}

	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 10 * time.Second
	}
	if c.Remote.Timeout < time.Second {
		return fmt.Errorf("remote.timeout %v is too short (minimum 1s)", c.Remote.Timeout)
	}
	if c.Remote.Timeout > 2*time.Minute {
		return fmt.Errorf("remote.timeout %v is too long (maximum 2m)", c.Remote.Timeout)
	}

	if len(c.Organizations) == 0 {
		return fmt.Errorf("organizations must contain at least one entry")
	}
	seen := make(map[string]bool, len(c.Organizations))
	for _, org := range c.Organizations {
		if org == "" {
			return fmt.Errorf("organizations contains an empty id")
		}
		if seen[org] {
			return fmt.Errorf("organization %q is listed twice", org)
		}
		seen[org] = true
	}

	if c.PollInterval == 0 {
		c.PollInterval = time.Minute
	}
	if c.PollInterval < 10*time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 10s)", c.PollInterval)
	}
	if c.PollInterval > time.Hour {
		return fmt.Errorf("poll_interval %v is too long (maximum 1h)", c.PollInterval)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func schemeMatches(driver, scheme string) bool {
	switch driver {
	case "postgres":
		return scheme == "postgres" || scheme == "postgresql"
	case "redis":
		return scheme == "redis" || scheme == "rediss"
	}
	return false
}
