package watchdog

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/threadwatchdog/telemetry"
	"github.com/timzifer/threadwatchdog/threadtime"
)

// Option configures the watchdog during construction.
type Option func(*settings) error

type settings struct {
	interval     time.Duration
	threshold    float64
	throwErrors  bool
	errorHandler ErrorHandler
	stopTimeout  time.Duration
	source       threadtime.Source
	logger       zerolog.Logger
	collector    telemetry.Collector
	now          func() time.Time
}

// WithInterval sets the initial polling interval.
func WithInterval(d time.Duration) Option {
	return func(cfg *settings) error {
		if d < MinimumInterval {
			return &ConfigurationError{Field: "interval", Value: d, Err: ErrInvalidInterval}
		}
		cfg.interval = d
		return nil
	}
}

// WithReportThreshold sets the initial report threshold.
func WithReportThreshold(ratio float64) Option {
	return func(cfg *settings) error {
		if !(ratio >= 0 && ratio <= 1) {
			return &ConfigurationError{Field: "report threshold", Value: ratio, Err: ErrInvalidThreshold}
		}
		cfg.threshold = ratio
		return nil
	}
}

// WithThrowErrors makes steady-state errors stop the scheduler.
func WithThrowErrors(enabled bool) Option {
	return func(cfg *settings) error {
		cfg.throwErrors = enabled
		return nil
	}
}

// WithErrorHandler installs the callback for steady-state errors.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(cfg *settings) error {
		cfg.errorHandler = handler
		return nil
	}
}

// WithStopTimeout bounds how long Stop waits before abandoning the scheduler loop.
func WithStopTimeout(d time.Duration) Option {
	return func(cfg *settings) error {
		if d <= 0 {
			return errors.New("stop timeout must be positive")
		}
		cfg.stopTimeout = d
		return nil
	}
}

// WithTimeSource replaces the native per-thread time source.
func WithTimeSource(source threadtime.Source) Option {
	return func(cfg *settings) error {
		if source == nil {
			return errors.New("time source must not be nil")
		}
		cfg.source = source
		return nil
	}
}

// WithLogger provides a custom logger instance.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		cfg.logger = logger
		return nil
	}
}

// WithTelemetry injects a collector for watchdog metrics.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.collector = collector
		return nil
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(cfg *settings) error {
		if now == nil {
			return errors.New("clock must not be nil")
		}
		cfg.now = now
		return nil
	}
}
