package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/timzifer/threadwatchdog/reporter"
	"github.com/timzifer/threadwatchdog/watchdog"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Time source names accepted in the configuration.
const (
	TimeSourceNative = "native"
	TimeSourceProcfs = "procfs"
)

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig controls the metrics exporter.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"`
	Listen   string `yaml:"listen"`
}

// ReportersConfig selects the subscribers attached to the watchdog.
type ReportersConfig struct {
	Stdout     bool   `yaml:"stdout"`
	File       string `yaml:"file"`
	Log        bool   `yaml:"log"`
	Separator  string `yaml:"separator"`
	DateFormat string `yaml:"date_format"`
	Filter     string `yaml:"filter"`
}

// Config is the root configuration structure for the watchdog process.
type Config struct {
	Interval        Duration        `yaml:"interval"`
	ReportThreshold *float64        `yaml:"report_threshold"`
	ThrowErrors     bool            `yaml:"throw_errors"`
	StopTimeout     Duration        `yaml:"stop_timeout"`
	TimeSource      string          `yaml:"time_source"`
	StackSnapshots  *bool           `yaml:"stack_snapshots"`
	HotReload       bool            `yaml:"hot_reload"`
	Logging         LoggingConfig   `yaml:"logging"`
	Telemetry       TelemetryConfig `yaml:"telemetry"`
	Reporters       ReportersConfig `yaml:"reporters"`

	// Source is the file the configuration was loaded from.
	Source string `yaml:"-"`
}

// Load reads and decodes the configuration file from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		cfg.Source = abs
	} else {
		cfg.Source = path
	}
	return cfg, nil
}

// Parse decodes a YAML document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// PollInterval returns the watchdog interval or its default.
func (c *Config) PollInterval() time.Duration {
	if c == nil || c.Interval.Duration == 0 {
		return watchdog.DefaultInterval
	}
	return c.Interval.Duration
}

// Threshold returns the report threshold or its default.
func (c *Config) Threshold() float64 {
	if c == nil || c.ReportThreshold == nil {
		return watchdog.DefaultReportThreshold
	}
	return *c.ReportThreshold
}

// StopGrace returns how long shutdown waits for the scheduler loop.
func (c *Config) StopGrace() time.Duration {
	if c == nil || c.StopTimeout.Duration <= 0 {
		return watchdog.DefaultStopTimeout
	}
	return c.StopTimeout.Duration
}

// TimeSourceName returns the normalised time source name.
func (c *Config) TimeSourceName() string {
	if c == nil {
		return TimeSourceNative
	}
	name := strings.ToLower(strings.TrimSpace(c.TimeSource))
	if name == "" {
		return TimeSourceNative
	}
	return name
}

// SnapshotsEnabled reports whether text reports include stack snapshots.
func (c *Config) SnapshotsEnabled() bool {
	if c == nil || c.StackSnapshots == nil {
		return true
	}
	return *c.StackSnapshots
}

// SourcePath returns the absolute path of the file the configuration was
// loaded from, or "" when it was built in memory.
func (c *Config) SourcePath() string {
	if c == nil {
		return ""
	}
	path := strings.TrimSpace(c.Source)
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// Validate checks value ranges and references.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("configuration must not be nil")
	}
	var errs []error
	if c.Interval.Duration != 0 && c.Interval.Duration < watchdog.MinimumInterval {
		errs = append(errs, fmt.Errorf("interval %s: %w", c.Interval.Duration, watchdog.ErrInvalidInterval))
	}
	if t := c.Threshold(); !(t >= 0 && t <= 1) {
		errs = append(errs, fmt.Errorf("report_threshold %v: %w", t, watchdog.ErrInvalidThreshold))
	}
	if c.StopTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("stop_timeout %s must not be negative", c.StopTimeout.Duration))
	}
	switch c.TimeSourceName() {
	case TimeSourceNative, TimeSourceProcfs:
	default:
		errs = append(errs, fmt.Errorf("unknown time_source %q", c.TimeSource))
	}
	if c.Reporters.Filter != "" {
		if err := reporter.ValidateFilter(c.Reporters.Filter); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Telemetry.Enabled {
		switch strings.ToLower(strings.TrimSpace(c.Telemetry.Provider)) {
		case "", "prometheus":
		default:
			errs = append(errs, fmt.Errorf("unsupported telemetry provider %q", c.Telemetry.Provider))
		}
	}
	if c.Logging.Loki.Enabled && c.Logging.Loki.URL == "" {
		errs = append(errs, errors.New("logging.loki.url is required when loki is enabled"))
	}
	return errors.Join(errs...)
}
