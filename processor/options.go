package processor

import (
	"errors"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/timzifer/threadwatchdog/internal/config"
	"github.com/timzifer/threadwatchdog/telemetry"
	"github.com/timzifer/threadwatchdog/watchdog"
)

// WithLogger provides a custom logger instance for the processor.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.logger = logger
		cfg.customLogger = true
		return nil
	}
}

// WithConfigPath configures the processor to load configuration data from the provided path.
func WithConfigPath(path string, register func(ReloadFunc)) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.configPath = strings.TrimSpace(path)
		cfg.registerReload = register
		return nil
	}
}

// WithConfig supplies an already loaded configuration instance.
func WithConfig(cfgData *config.Config) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.config = cfgData
		return nil
	}
}

// WithTelemetry injects a collector instance overriding the default configuration-based behaviour.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		cfg.telemetryProvided = true
		return nil
	}
}

// WithSubscriber attaches a subscriber that survives configuration reloads.
func WithSubscriber(s watchdog.Subscriber) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if s == nil {
			return errors.New("subscriber must not be nil")
		}
		cfg.subscribers = append(cfg.subscribers, s)
		return nil
	}
}

// WithMetricsListen overrides telemetry.listen. The endpoint is only served
// when telemetry is enabled.
func WithMetricsListen(addr string) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.metricsListen = strings.TrimSpace(addr)
		return nil
	}
}

// WithMetricsGatherer selects the registry served on /metrics. It defaults
// to the Prometheus default gatherer.
func WithMetricsGatherer(g prometheus.Gatherer) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.gatherer = g
		return nil
	}
}

// WithOutput redirects the stdout reporter.
func WithOutput(w io.Writer) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if w == nil {
			return errors.New("output writer must not be nil")
		}
		cfg.output = w
		return nil
	}
}

// WithErrorHandler receives the watchdog's steady-state errors and stack
// capture failures.
func WithErrorHandler(handler func(error)) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.errorHandler = handler
		return nil
	}
}
