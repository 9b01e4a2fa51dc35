package watchdog

import (
	"errors"
	"fmt"
)

// Sentinel errors for rejected configuration values.
var (
	ErrInvalidInterval  = errors.New("interval must be at least 1ms")
	ErrInvalidThreshold = errors.New("report threshold must be between 0.0 and 1.0")
)

// ConfigurationError reports a rejected configuration value.
type ConfigurationError struct {
	Field string
	Value any
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("watchdog: invalid %s %v: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// SamplingError reports that no cpu sample could be taken for a thread during
// one tick. It is handed to the error handler but never propagated.
type SamplingError struct {
	Thread Thread
}

func (e *SamplingError) Error() string {
	return fmt.Sprintf("watchdog: cpu time of thread %s unavailable", e.Thread.Label())
}

// SubscriberError wraps a failure returned or raised by a subscriber.
type SubscriberError struct {
	Subscriber Subscriber
	Report     Report
	Err        error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("watchdog: subscriber %T failed for thread %s: %v", e.Subscriber, e.Report.Thread.Label(), e.Err)
}

func (e *SubscriberError) Unwrap() error {
	return e.Err
}

// TickError wraps any other failure during one scheduling iteration.
type TickError struct {
	Err error
}

func (e *TickError) Error() string {
	return fmt.Sprintf("watchdog: tick failed: %v", e.Err)
}

func (e *TickError) Unwrap() error {
	return e.Err
}

// ErrLoopAbandoned is logged when the scheduler did not stop within the grace period.
var ErrLoopAbandoned = errors.New("watchdog: scheduler loop did not stop in time and was abandoned")

// PanicError carries a value recovered from a panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func errorKind(err error) string {
	var (
		sampling   *SamplingError
		subscriber *SubscriberError
		tick       *TickError
		cfg        *ConfigurationError
	)
	switch {
	case errors.As(err, &sampling):
		return "sampling"
	case errors.As(err, &subscriber):
		return "subscriber"
	case errors.As(err, &tick):
		return "tick"
	case errors.As(err, &cfg):
		return "configuration"
	default:
		return "other"
	}
}

// handleError forwards err to the logger, telemetry and the configured error
// handler. It returns the error to propagate, which is nil unless throw-errors
// is enabled.
func (w *Watchdog) handleError(err error) error {
	if err == nil {
		return nil
	}
	kind := errorKind(err)
	w.collector.IncError(kind)
	w.logger.Error().Err(err).Str("kind", kind).Msg("watchdog error")

	if handlerErr := w.invokeErrorHandler(err); handlerErr != nil {
		w.logger.Error().Err(handlerErr).Msg("error handler failed")
		if w.ThrowErrors() {
			return handlerErr
		}
	}
	if w.ThrowErrors() {
		return err
	}
	return nil
}

func (w *Watchdog) invokeErrorHandler(err error) (result error) {
	handler := w.errorHandler.Load()
	if handler == nil || *handler == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			result = &PanicError{Value: rec}
		}
	}()
	(*handler)(err)
	return nil
}
