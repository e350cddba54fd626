// Package config loads and validates the ctsync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// BaseURL is the root of the ChurchTools instance
	// (e.g. "https://mychurch.church.tools").
	BaseURL string `yaml:"base_url"`

	// Token is the ChurchTools login token used on every API request.
	Token string `yaml:"token"`

	// CalendarIDs selects the calendars to synchronise. Must not be empty:
	// an empty selection would silently sync nothing.
	CalendarIDs []string `yaml:"calendar_ids"`

	// DaysPast and DaysFuture bound the sync window around the trigger
	// time. Defaults: 7 back, 183 ahead.
	DaysPast   int `yaml:"days_past"`
	DaysFuture int `yaml:"days_future"`

	// Schedule is the cron expression used by the daemon subcommand.
	// Defaults to "*/15 * * * *" (every 15 minutes).
	Schedule string `yaml:"schedule"`

	// DBPath is the sqlite database location.
	// Defaults to ~/.local/share/ctsync/events.db.
	DBPath string `yaml:"db_path"`

	// MediaDir is the local image cache directory.
	// Defaults to ~/.local/share/ctsync/media.
	MediaDir string `yaml:"media_dir"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "ctsync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

const (
	defaultDaysPast   = 7
	defaultDaysFuture = 183
	defaultSchedule   = "*/15 * * * *"
)

// DefaultPath returns the default config file path: ~/.config/ctsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "ctsync", "config.yaml"), nil
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks required fields and fills defaults.
func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	u, err := url.ParseRequestURI(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("base_url %q must be a valid http or https URL", c.BaseURL)
	}

	if c.Token == "" {
		return fmt.Errorf("token is required")
	}

	if len(c.CalendarIDs) == 0 {
		return fmt.Errorf("calendar_ids must contain at least one entry")
	}
	for i, id := range c.CalendarIDs {
		if id == "" {
			return fmt.Errorf("calendar_ids[%d] is empty", i)
		}
	}

	if c.DaysPast == 0 {
		c.DaysPast = defaultDaysPast
	}
	if c.DaysPast < 0 {
		return fmt.Errorf("days_past must not be negative")
	}
	if c.DaysFuture == 0 {
		c.DaysFuture = defaultDaysFuture
	}
	if c.DaysFuture < 0 {
		return fmt.Errorf("days_future must not be negative")
	}

	if c.Schedule == "" {
		c.Schedule = defaultSchedule
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("schedule %q is not a valid cron expression: %w", c.Schedule, err)
	}

	if c.DBPath == "" || c.MediaDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory for defaults: %w", err)
		}
		if c.DBPath == "" {
			c.DBPath = filepath.Join(home, ".local", "share", "ctsync", "events.db")
		}
		if c.MediaDir == "" {
			c.MediaDir = filepath.Join(home, ".local", "share", "ctsync", "media")
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
