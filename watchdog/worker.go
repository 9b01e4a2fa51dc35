package watchdog

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/timzifer/threadwatchdog/threadtime"
)

// State describes the lifecycle of the scheduler loop.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

type worker struct {
	stop chan struct{}
	done chan struct{}
	// abandoned is set under errMu once Stop gave up waiting.
	abandoned atomic.Bool
}

func newWorker() *worker {
	return &worker{stop: make(chan struct{}), done: make(chan struct{})}
}

// State returns the current lifecycle state.
func (w *Watchdog) State() State {
	return State(w.state.Load())
}

// IsRunning reports whether the scheduler loop is alive.
func (w *Watchdog) IsRunning() bool {
	w.workerMu.Lock()
	current := w.worker
	w.workerMu.Unlock()
	if current == nil {
		return false
	}
	select {
	case <-current.done:
		return false
	default:
		return true
	}
}

// Err returns the error that terminated the scheduler loop in throw-errors
// mode, or nil.
func (w *Watchdog) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Start launches the scheduler loop. It is a no-op while the loop is running.
func (w *Watchdog) Start() {
	w.workerMu.Lock()
	defer w.workerMu.Unlock()

	if w.worker != nil {
		select {
		case <-w.worker.done:
			// Terminated by a propagated error; start over.
		default:
			return
		}
	}

	w.state.Store(int32(StateStarting))
	w.errMu.Lock()
	w.err = nil
	w.errMu.Unlock()

	current := newWorker()
	w.worker = current
	go w.run(current)
	w.logger.Info().Dur("interval", w.Interval()).Float64("threshold", w.ReportThreshold()).Msg("watchdog started")
}

// Stop signals the scheduler loop and waits for it up to the stop timeout. A
// tick in progress runs to completion. A loop that does not exit in time is
// abandoned: it skips the remaining trackers of its tick, exits afterwards and
// no longer updates State or Err.
func (w *Watchdog) Stop() {
	w.workerMu.Lock()
	defer w.workerMu.Unlock()

	current := w.worker
	if current == nil {
		return
	}
	w.state.Store(int32(StateStopping))
	close(current.stop)

	timer := time.NewTimer(w.stopTimeout)
	defer timer.Stop()
	select {
	case <-current.done:
		w.logger.Info().Msg("watchdog stopped")
	case <-timer.C:
		w.errMu.Lock()
		current.abandoned.Store(true)
		w.errMu.Unlock()
		w.collector.IncAbandonedLoop()
		w.logger.Warn().Err(ErrLoopAbandoned).Dur("timeout", w.stopTimeout).Msg("abandoning scheduler loop")
	}
	w.worker = nil
	w.state.Store(int32(StateStopped))
}

func (w *Watchdog) run(current *worker) {
	defer close(current.done)
	// Keep the scheduler off the threads it observes.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	w.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))

	timer := time.NewTimer(w.Interval())
	defer timer.Stop()
	for {
		select {
		case <-current.stop:
			return
		case <-timer.C:
		}

		if err := w.tick(current); err != nil {
			w.terminate(current, err)
			return
		}
		timer.Reset(w.Interval())
	}
}

// terminate records the error that ended the loop. An abandoned loop leaves
// State and Err to its successor.
func (w *Watchdog) terminate(current *worker, err error) {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if current.abandoned.Load() {
		w.logger.Warn().Err(err).Msg("abandoned scheduler loop terminated")
		return
	}
	w.err = err
	w.logger.Error().Err(err).Msg("scheduler loop terminated")
	w.state.CompareAndSwap(int32(StateRunning), int32(StateStopped))
}

// tick runs one scheduling iteration over the current registry snapshot. It
// evaluates every tracker even when a stop is pending; only an abandoned loop
// bails out early. The returned error is non-nil only when it must terminate
// the loop.
func (w *Watchdog) tick(current *worker) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = w.handleError(&TickError{Err: &PanicError{Value: rec}})
		}
	}()

	threshold := w.ReportThreshold()
	for _, item := range w.trackers.snapshot() {
		if current.abandoned.Load() {
			return nil
		}

		if !w.source.Alive(item.handle) {
			w.remove(item)
			continue
		}

		now := w.now()
		wall := now.Sub(item.wallStart)
		cpuNow := w.source.CPUTime(item.handle)
		cpuStart := item.cpuStart
		item.restart(now, cpuNow)

		if cpuNow == threadtime.Unavailable || cpuStart == threadtime.Unavailable {
			// Sampling failures are reported but never stop the loop.
			w.handleSampling(&SamplingError{Thread: item.thread})
			continue
		}

		cpu := cpuNow - cpuStart
		w.collector.ObserveUsage(item.thread.Label(), usageOf(wall, cpu))

		report, ok := evaluate(item.thread, wall, cpu, threshold, now)
		if !ok {
			continue
		}
		if err := w.dispatch(report); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watchdog) handleSampling(err *SamplingError) {
	w.collector.IncError(errorKind(err))
	w.logger.Warn().Err(err).Int("thread_id", err.Thread.ID).Msg("cpu sample unavailable")
	if handlerErr := w.invokeErrorHandler(err); handlerErr != nil {
		w.logger.Error().Err(handlerErr).Msg("error handler failed")
	}
}
