// Package watchdog detects OS threads that keep a CPU busy for longer than a
// configured share of wall-clock time.
//
// Goroutines opt in by calling RegisterCurrentThread, which wires them to their
// OS thread. A dedicated scheduler goroutine wakes up every interval, samples
// the CPU time of each registered thread, and hands a Report to every
// subscriber when the busy ratio exceeds the report threshold.
package watchdog

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
	"github.com/rs/zerolog"

	"github.com/timzifer/threadwatchdog/telemetry"
	"github.com/timzifer/threadwatchdog/threadtime"
)

const (
	// MinimumInterval is the smallest accepted polling interval.
	MinimumInterval = time.Millisecond
	// DefaultInterval is the polling interval used when none is configured.
	DefaultInterval = time.Second
	// DefaultReportThreshold is the busy ratio used when none is configured.
	DefaultReportThreshold = 0.75
	// DefaultStopTimeout bounds how long Stop waits for the scheduler loop.
	DefaultStopTimeout = 5 * time.Second
)

// ErrorHandler receives steady-state errors raised while monitoring.
type ErrorHandler func(error)

// Watchdog monitors registered threads. The zero value is not usable; create
// instances with New.
type Watchdog struct {
	interval     atomic.Int64
	threshold    atomic.Uint64
	throwErrors  atomic.Bool
	errorHandler atomic.Pointer[ErrorHandler]

	stopTimeout time.Duration
	source      threadtime.Source
	logger      zerolog.Logger
	collector   telemetry.Collector
	now         func() time.Time

	trackers    snapshotList[*tracker]
	subscribers snapshotList[Subscriber]

	workerMu sync.Mutex
	worker   *worker
	state    atomic.Int32
	errMu    sync.Mutex
	err      error
}

// New constructs a stopped watchdog.
func New(opts ...Option) (*Watchdog, error) {
	cfg := settings{
		interval:    DefaultInterval,
		threshold:   DefaultReportThreshold,
		stopTimeout: DefaultStopTimeout,
		logger:      zerolog.Nop(),
		collector:   telemetry.Noop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.source == nil {
		cfg.source = threadtime.Native()
	}

	w := &Watchdog{
		stopTimeout: cfg.stopTimeout,
		source:      cfg.source,
		logger:      cfg.logger.With().Str("component", "watchdog").Logger(),
		collector:   cfg.collector,
		now:         cfg.now,
	}
	if err := w.SetInterval(cfg.interval); err != nil {
		return nil, err
	}
	if err := w.SetReportThreshold(cfg.threshold); err != nil {
		return nil, err
	}
	w.SetThrowErrors(cfg.throwErrors)
	w.SetErrorHandler(cfg.errorHandler)
	return w, nil
}

// Interval returns the time between two checks.
func (w *Watchdog) Interval() time.Duration {
	return time.Duration(w.interval.Load())
}

// SetInterval changes the time between two checks. It takes effect on the
// next iteration of the scheduler.
func (w *Watchdog) SetInterval(d time.Duration) error {
	if d < MinimumInterval {
		return &ConfigurationError{Field: "interval", Value: d, Err: ErrInvalidInterval}
	}
	w.interval.Store(int64(d))
	return nil
}

// ReportThreshold returns the busy ratio above which reports are raised.
func (w *Watchdog) ReportThreshold() float64 {
	return math.Float64frombits(w.threshold.Load())
}

// SetReportThreshold changes the busy ratio, a value from 0 to 1, above which
// subscribers are notified.
func (w *Watchdog) SetReportThreshold(ratio float64) error {
	if math.IsNaN(ratio) || ratio < 0 || ratio > 1 {
		return &ConfigurationError{Field: "report threshold", Value: ratio, Err: ErrInvalidThreshold}
	}
	w.threshold.Store(math.Float64bits(ratio))
	return nil
}

// ThrowErrors reports whether steady-state errors abort monitoring.
func (w *Watchdog) ThrowErrors() bool {
	return w.throwErrors.Load()
}

// SetThrowErrors switches between swallowing errors (default) and stopping the
// scheduler on the first error.
func (w *Watchdog) SetThrowErrors(enabled bool) {
	w.throwErrors.Store(enabled)
}

// SetErrorHandler installs the callback for steady-state errors. A nil handler
// removes it.
func (w *Watchdog) SetErrorHandler(handler ErrorHandler) {
	if handler == nil {
		w.errorHandler.Store(nil)
		return
	}
	w.errorHandler.Store(&handler)
}

// RegisterCurrentThread starts monitoring the OS thread of the calling
// goroutine. The goroutine stays wired to that thread from now on. Calling it
// again from the same thread returns the existing registration.
func (w *Watchdog) RegisterCurrentThread() (Thread, error) {
	return w.RegisterCurrentThreadAs("")
}

// RegisterCurrentThreadAs is RegisterCurrentThread with a label used in
// reports, logs and metrics.
func (w *Watchdog) RegisterCurrentThreadAs(name string) (Thread, error) {
	runtime.LockOSThread()

	tid := w.source.CurrentThreadID()
	if existing, ok := w.lookup(tid); ok {
		if w.source.Alive(existing.handle) {
			runtime.UnlockOSThread()
			return existing.thread, nil
		}
		// The id was reused by a new thread before the tick noticed.
		w.remove(existing)
	}

	handle, err := w.source.Acquire()
	if err != nil {
		runtime.UnlockOSThread()
		w.logger.Error().Err(err).Int("thread_id", tid).Msg("failed to acquire thread handle")
		return Thread{}, err
	}

	item := &tracker{
		thread: Thread{ID: handle.ThreadID(), GoroutineID: goid.Get(), Name: name},
		handle: handle,
	}
	item.restart(w.now(), w.source.CPUTime(handle))

	stored, added := w.trackers.addUnless(item, func(candidate *tracker) bool {
		return candidate.thread.ID == item.thread.ID && w.source.Alive(candidate.handle)
	})
	if !added {
		_ = w.source.Release(handle)
		runtime.UnlockOSThread()
		return stored.thread, nil
	}

	w.collector.SetTrackedThreads(w.trackers.len())
	w.logger.Debug().
		Int("thread_id", item.thread.ID).
		Int64("goroutine", item.thread.GoroutineID).
		Str("name", name).
		Msg("thread registered")
	return item.thread, nil
}

// Unregister stops monitoring the thread. It reports whether the thread was tracked.
func (w *Watchdog) Unregister(thread Thread) bool {
	removed, ok := w.trackers.removeFirst(func(candidate *tracker) bool {
		return candidate.thread.ID == thread.ID
	})
	if !ok {
		return false
	}
	w.release(removed)
	return true
}

// Threads returns the currently monitored threads in registration order.
func (w *Watchdog) Threads() []Thread {
	snapshot := w.trackers.snapshot()
	threads := make([]Thread, 0, len(snapshot))
	for _, t := range snapshot {
		threads = append(threads, t.thread)
	}
	return threads
}

func (w *Watchdog) lookup(tid int) (*tracker, bool) {
	for _, t := range w.trackers.snapshot() {
		if t.thread.ID == tid {
			return t, true
		}
	}
	return nil, false
}

// remove drops one tracker instance and releases its handle.
func (w *Watchdog) remove(item *tracker) {
	_, ok := w.trackers.removeFirst(func(candidate *tracker) bool {
		return candidate == item
	})
	if ok {
		w.release(item)
	}
}

func (w *Watchdog) release(item *tracker) {
	if err := w.source.Release(item.handle); err != nil {
		w.logger.Warn().Err(err).Int("thread_id", item.thread.ID).Msg("failed to release thread handle")
	}
	w.collector.SetTrackedThreads(w.trackers.len())
	w.logger.Debug().Int("thread_id", item.thread.ID).Msg("thread removed")
}
