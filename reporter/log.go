package reporter

import (
	"github.com/rs/zerolog"

	"github.com/timzifer/threadwatchdog/watchdog"
)

// Log writes every report as a structured log event.
type Log struct {
	logger zerolog.Logger
	level  zerolog.Level
}

// NewLog logs reports at warn level.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger, level: zerolog.WarnLevel}
}

// WithLevel returns a copy that logs at level.
func (l *Log) WithLevel(level zerolog.Level) *Log {
	return &Log{logger: l.logger, level: level}
}

func (l *Log) OnReport(report watchdog.Report) error {
	l.logger.WithLevel(l.level).
		Int("thread_id", report.Thread.ID).
		Str("thread", report.Thread.Label()).
		Int64("goroutine", report.Thread.GoroutineID).
		Dur("elapsed", report.Elapsed).
		Dur("cpu_elapsed", report.CPUElapsed).
		Float64("usage", report.Usage).
		Str("usage_percent", Percent(report.Usage)).
		Msg("thread exceeded cpu threshold")
	return nil
}
