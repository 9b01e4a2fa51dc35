package watchdog

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/threadwatchdog/telemetry"
	"github.com/timzifer/threadwatchdog/threadtime"
)

// fakeSource is a scripted threadtime.Source keyed by thread id.
type fakeSource struct {
	mu          sync.Mutex
	current     int
	acquireErr  error
	cpu         map[int]time.Duration
	step        time.Duration
	dead        map[int]bool
	deadHandles map[*threadtime.Handle]bool
	unavailable map[int]bool
	acquired    map[int]int
	released    map[int]int
	alivePanic  bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		cpu:         make(map[int]time.Duration),
		dead:        make(map[int]bool),
		deadHandles: make(map[*threadtime.Handle]bool),
		unavailable: make(map[int]bool),
		acquired:    make(map[int]int),
		released:    make(map[int]int),
	}
}

func (f *fakeSource) setCurrent(id int) {
	f.mu.Lock()
	f.current = id
	f.mu.Unlock()
}

func (f *fakeSource) setCPU(id int, d time.Duration) {
	f.mu.Lock()
	f.cpu[id] = d
	f.mu.Unlock()
}

func (f *fakeSource) kill(id int) {
	f.mu.Lock()
	f.dead[id] = true
	f.mu.Unlock()
}

// killHandle ends the thread behind h only, as if its id had been reused.
func (f *fakeSource) killHandle(h *threadtime.Handle) {
	f.mu.Lock()
	f.deadHandles[h] = true
	f.mu.Unlock()
}

func (f *fakeSource) releases(id int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released[id]
}

func (f *fakeSource) acquisitions(id int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired[id]
}

func (f *fakeSource) CurrentThreadID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeSource) Acquire() (*threadtime.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, &threadtime.AcquireError{ThreadID: f.current, Err: f.acquireErr}
	}
	f.acquired[f.current]++
	return threadtime.NewHandle(f.current, 0), nil
}

func (f *fakeSource) CPUTime(h *threadtime.Handle) time.Duration {
	if h.Released() {
		return threadtime.Unavailable
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := h.ThreadID()
	if f.unavailable[id] {
		return threadtime.Unavailable
	}
	value := f.cpu[id]
	f.cpu[id] = value + f.step
	return value
}

func (f *fakeSource) Alive(h *threadtime.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alivePanic {
		panic("alive probe exploded")
	}
	return !h.Released() && !f.dead[h.ThreadID()] && !f.deadHandles[h]
}

func (f *fakeSource) Release(h *threadtime.Handle) error {
	return h.Close(func(uintptr) error {
		f.mu.Lock()
		f.released[h.ThreadID()]++
		f.mu.Unlock()
		return nil
	})
}

// fakeClock is a manually advanced wall clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder collects the reports it receives.
type recorder struct {
	mu      sync.Mutex
	reports []Report
	err     error
	onCall  func(Report)
}

func (r *recorder) OnReport(report Report) error {
	if r.onCall != nil {
		r.onCall(report)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return r.err
}

func (r *recorder) received() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Report, len(r.reports))
	copy(out, r.reports)
	return out
}

type panicking struct{}

func (panicking) OnReport(Report) error {
	panic("subscriber exploded")
}

// errorLog collects errors passed to the error handler.
type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) handle(err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func (l *errorLog) all() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]error, len(l.errs))
	copy(out, l.errs)
	return out
}

type recordingCollector struct {
	telemetry.Collector
	abandoned atomic.Int32
	reports   atomic.Int32
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{Collector: telemetry.Noop()}
}

func (c *recordingCollector) IncAbandonedLoop() {
	c.abandoned.Add(1)
}

func (c *recordingCollector) IncReport(string) {
	c.reports.Add(1)
}

// register registers the fake thread id from the calling goroutine and
// releases the OS thread lock taken by the registration.
func register(t *testing.T, w *Watchdog, src *fakeSource, id int) Thread {
	t.Helper()
	src.setCurrent(id)
	thread, err := w.RegisterCurrentThreadAs("")
	runtime.UnlockOSThread()
	require.NoError(t, err)
	return thread
}

func newTestWatchdog(t *testing.T, src *fakeSource, clock *fakeClock, opts ...Option) *Watchdog {
	t.Helper()
	base := []Option{WithTimeSource(src)}
	if clock != nil {
		base = append(base, WithClock(clock.Now))
	}
	w, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w
}
