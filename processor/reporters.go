package processor

import (
	"errors"
	"io"

	"github.com/rs/zerolog"

	"github.com/timzifer/threadwatchdog/internal/config"
	"github.com/timzifer/threadwatchdog/reporter"
	"github.com/timzifer/threadwatchdog/stacksnap"
	"github.com/timzifer/threadwatchdog/telemetry"
	"github.com/timzifer/threadwatchdog/watchdog"
)

// reporterSet holds the subscribers built from one configuration.
type reporterSet struct {
	subscribers []watchdog.Subscriber
	texts       []*reporter.Text
}

type reporterDeps struct {
	output       io.Writer
	logger       zerolog.Logger
	collector    telemetry.Collector
	errorHandler func(error)
}

func buildReporters(cfg config.ReportersConfig, snapshots bool, deps reporterDeps) (*reporterSet, error) {
	set := &reporterSet{}

	var suspender stacksnap.Suspender = stacksnap.Unsupported{}
	if snapshots {
		suspender = stacksnap.NewGoroutines()
	}
	textOpts := []reporter.TextOption{
		reporter.WithDateFormat(cfg.DateFormat),
		reporter.WithSuspender(suspender),
		reporter.WithTextLogger(deps.logger),
		reporter.WithErrorHandler(func(err error) {
			var suspErr *stacksnap.SuspensionError
			if errors.As(err, &suspErr) {
				if !snapshots {
					return
				}
				deps.collector.IncError("suspension")
			} else {
				deps.collector.IncError("sink")
			}
			if deps.errorHandler != nil {
				deps.errorHandler(err)
			}
		}),
	}

	if cfg.Stdout && deps.output != nil {
		set.texts = append(set.texts, reporter.NewText(reporter.NewStreamSink(deps.output, cfg.Separator), textOpts...))
	}
	if cfg.File != "" {
		sink := reporter.NewFileSink(cfg.File, reporter.WithSeparator(cfg.Separator))
		set.texts = append(set.texts, reporter.NewText(sink, textOpts...))
	}

	var subscribers []watchdog.Subscriber
	for _, text := range set.texts {
		subscribers = append(subscribers, text)
	}
	if cfg.Log {
		subscribers = append(subscribers, reporter.NewLog(deps.logger))
	}

	for _, sub := range subscribers {
		if cfg.Filter == "" {
			set.subscribers = append(set.subscribers, sub)
			continue
		}
		filtered, err := reporter.NewFilter(cfg.Filter, sub)
		if err != nil {
			set.close()
			return nil, err
		}
		set.subscribers = append(set.subscribers, filtered)
	}
	return set, nil
}

func (s *reporterSet) attach(w *watchdog.Watchdog) {
	if s == nil {
		return
	}
	for _, sub := range s.subscribers {
		w.Subscribe(sub)
	}
}

func (s *reporterSet) detach(w *watchdog.Watchdog) {
	if s == nil {
		return
	}
	for _, sub := range s.subscribers {
		w.Unsubscribe(sub)
	}
}

func (s *reporterSet) list() []watchdog.Subscriber {
	if s == nil {
		return nil
	}
	return s.subscribers
}

func (s *reporterSet) flush() {
	if s == nil {
		return
	}
	for _, text := range s.texts {
		text.Flush()
	}
}

func (s *reporterSet) close() {
	if s == nil {
		return
	}
	for _, text := range s.texts {
		_ = text.Close()
	}
}
