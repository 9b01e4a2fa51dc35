package watchdog

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTickReportsThreadAboveThreshold(t *testing.T) {
	src := newFakeSource()
	clock := newFakeClock()
	w := newTestWatchdog(t, src, clock, WithReportThreshold(0.75))
	sub := &recorder{}
	w.Subscribe(sub)

	thread := register(t, w, src, 1)
	src.setCPU(1, 800*time.Millisecond)
	clock.Advance(time.Second)

	require.NoError(t, w.tick(newWorker()))

	reports := sub.received()
	require.Len(t, reports, 1)
	require.Equal(t, thread, reports[0].Thread)
	require.Equal(t, time.Second, reports[0].Elapsed)
	require.Equal(t, 800*time.Millisecond, reports[0].CPUElapsed)
	require.InDelta(t, 0.8, reports[0].Usage, 1e-9)
	require.Equal(t, clock.Now(), reports[0].ObservedAt)
}

func TestTickStaysQuietBelowThreshold(t *testing.T) {
	src := newFakeSource()
	clock := newFakeClock()
	w := newTestWatchdog(t, src, clock, WithReportThreshold(0.75))
	sub := &recorder{}
	w.Subscribe(sub)

	register(t, w, src, 1)
	src.setCPU(1, 700*time.Millisecond)
	clock.Advance(time.Second)
	require.NoError(t, w.tick(newWorker()))

	// Exactly at the threshold is not above it.
	src.setCPU(1, 700*time.Millisecond+750*time.Millisecond)
	clock.Advance(time.Second)
	require.NoError(t, w.tick(newWorker()))

	require.Empty(t, sub.received())
}

func TestTickIgnoresZeroWallInterval(t *testing.T) {
	src := newFakeSource()
	clock := newFakeClock()
	w := newTestWatchdog(t, src, clock, WithReportThreshold(0))
	sub := &recorder{}
	w.Subscribe(sub)

	register(t, w, src, 1)
	src.setCPU(1, time.Second)
	require.NoError(t, w.tick(newWorker()))
	require.Empty(t, sub.received())
}

func TestTickThresholdEdges(t *testing.T) {
	src := newFakeSource()
	clock := newFakeClock()
	w := newTestWatchdog(t, src, clock, WithReportThreshold(0))
	sub := &recorder{}
	w.Subscribe(sub)
	register(t, w, src, 1)

	clock.Advance(time.Second)
	require.NoError(t, w.tick(newWorker()))
	require.Empty(t, sub.received(), "idle thread never exceeds a zero threshold")

	src.setCPU(1, time.Nanosecond)
	clock.Advance(time.Second)
	require.NoError(t, w.tick(newWorker()))
	require.Len(t, sub.received(), 1)

	require.NoError(t, w.SetReportThreshold(1))
	src.setCPU(1, time.Nanosecond+time.Second)
	clock.Advance(time.Second)
	require.NoError(t, w.tick(newWorker()))
	require.Len(t, sub.received(), 1, "full saturation equals a threshold of one")
}

func TestTickRestartsBothTimers(t *testing.T) {
	src := newFakeSource()
	clock := newFakeClock()
	w := newTestWatchdog(t, src, clock)
	register(t, w, src, 1)

	src.setCPU(1, 300*time.Millisecond)
	clock.Advance(time.Second)
	require.NoError(t, w.tick(newWorker()))

	item := w.trackers.snapshot()[0]
	require.Equal(t, clock.Now(), item.wallStart)
	require.Equal(t, 300*time.Millisecond, item.cpuStart)

	// The next interval only sees the delta since the previous tick.
	sub := &recorder{}
	w.Subscribe(sub)
	src.setCPU(1, 300*time.Millisecond+900*time.Millisecond)
	clock.Advance(time.Second)
	require.NoError(t, w.tick(newWorker()))
	require.Len(t, sub.received(), 1)
	require.Equal(t, 900*time.Millisecond, sub.received()[0].CPUElapsed)
}

func TestTickRemovesDeadThreads(t *testing.T) {
	src := newFakeSource()
	clock := newFakeClock()
	w := newTestWatchdog(t, src, clock)
	sub := &recorder{}
	w.Subscribe(sub)

	register(t, w, src, 1)
	register(t, w, src, 2)
	src.kill(1)
	src.setCPU(1, 10*time.Second)
	clock.Advance(time.Second)

	require.NoError(t, w.tick(newWorker()))
	require.NoError(t, w.tick(newWorker()))

	threads := w.Threads()
	require.Len(t, threads, 1)
	require.Equal(t, 2, threads[0].ID)
	require.Equal(t, 1, src.releases(1))
	require.Zero(t, src.releases(2))
	require.Empty(t, sub.received())
}

func TestTickSamplingErrorIsNeverPropagated(t *testing.T) {
	src := newFakeSource()
	clock := newFakeClock()
	errs := &errorLog{}
	w := newTestWatchdog(t, src, clock, WithThrowErrors(true), WithErrorHandler(errs.handle), WithReportThreshold(0))
	sub := &recorder{}
	w.Subscribe(sub)
	thread := register(t, w, src, 1)

	src.mu.Lock()
	src.unavailable[1] = true
	src.mu.Unlock()
	src.setCPU(1, time.Second)
	clock.Advance(time.Second)
	require.NoError(t, w.tick(newWorker()))

	// The failed sample becomes the start of the next interval, which is
	// skipped as well.
	src.mu.Lock()
	src.unavailable[1] = false
	src.mu.Unlock()
	clock.Advance(time.Second)
	require.NoError(t, w.tick(newWorker()))

	src.setCPU(1, 2*time.Second)
	clock.Advance(time.Second)
	require.NoError(t, w.tick(newWorker()))

	all := errs.all()
	require.Len(t, all, 2)
	for _, err := range all {
		var sampling *SamplingError
		require.ErrorAs(t, err, &sampling)
		require.Equal(t, thread, sampling.Thread)
	}
	require.Len(t, sub.received(), 1)
	require.Equal(t, time.Second, sub.received()[0].CPUElapsed)
	require.Len(t, w.Threads(), 1)
}

func TestDispatchIsolatesSubscriberFailures(t *testing.T) {
	src := newFakeSource()
	clock := newFakeClock()
	errs := &errorLog{}
	w := newTestWatchdog(t, src, clock, WithErrorHandler(errs.handle))

	failing := &recorder{err: errors.New("disk full")}
	healthy := &recorder{}
	w.Subscribe(panicking{})
	w.Subscribe(failing)
	w.Subscribe(healthy)

	register(t, w, src, 1)
	src.setCPU(1, time.Second)
	clock.Advance(time.Second)
	require.NoError(t, w.tick(newWorker()))

	require.Len(t, failing.received(), 1)
	require.Len(t, healthy.received(), 1)

	all := errs.all()
	require.Len(t, all, 2)

	var subErr *SubscriberError
	require.ErrorAs(t, all[0], &subErr)
	var panicErr *PanicError
	require.ErrorAs(t, all[0], &panicErr)
	require.Equal(t, "subscriber exploded", panicErr.Value)

	require.ErrorAs(t, all[1], &subErr)
	require.Same(t, failing, subErr.Subscriber)
	require.EqualError(t, errors.Unwrap(subErr.Err), "disk full")
}

func TestDispatchAbortsInThrowMode(t *testing.T) {
	src := newFakeSource()
	clock := newFakeClock()
	errs := &errorLog{}
	w := newTestWatchdog(t, src, clock, WithThrowErrors(true), WithErrorHandler(errs.handle))

	failing := &recorder{err: errors.New("closed pipe")}
	healthy := &recorder{}
	w.Subscribe(failing)
	w.Subscribe(healthy)

	register(t, w, src, 1)
	src.setCPU(1, time.Second)
	clock.Advance(time.Second)

	err := w.tick(newWorker())
	var subErr *SubscriberError
	require.ErrorAs(t, err, &subErr)
	require.Len(t, errs.all(), 1, "handler sees the failure exactly once")
	require.Empty(t, healthy.received())
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	src := newFakeSource()
	clock := newFakeClock()
	w := newTestWatchdog(t, src, clock)

	second := &recorder{}
	first := &recorder{onCall: func(Report) { w.Unsubscribe(second) }}
	w.Subscribe(first)
	w.Subscribe(second)

	register(t, w, src, 1)
	src.setCPU(1, time.Second)
	clock.Advance(time.Second)
	require.NoError(t, w.tick(newWorker()))
	require.Len(t, second.received(), 1, "the running dispatch keeps its snapshot")

	src.setCPU(1, 2*time.Second)
	clock.Advance(time.Second)
	require.NoError(t, w.tick(newWorker()))
	require.Len(t, first.received(), 2)
	require.Len(t, second.received(), 1)
}

func TestReplaceSubscribersKeepsOthersInPlace(t *testing.T) {
	w := newTestWatchdog(t, newFakeSource(), nil)
	keep, before, after := &recorder{}, &recorder{}, &recorder{}
	w.Subscribe(before)
	w.Subscribe(keep)

	w.ReplaceSubscribers([]Subscriber{before, &recorder{}}, []Subscriber{after, nil})
	require.Equal(t, []Subscriber{keep, after}, w.Subscribers())

	w.ReplaceSubscribers(nil, nil)
	require.Equal(t, []Subscriber{keep, after}, w.Subscribers())
}

func TestReplaceSubscribersNeverDeliversTwice(t *testing.T) {
	w := newTestWatchdog(t, newFakeSource(), nil)
	var delivered atomic.Int32
	count := subscriberFunc(func(Report) error {
		delivered.Add(1)
		return nil
	})
	// Distinct pointers so the swap can tell them apart.
	first, second := &countingSubscriber{count}, &countingSubscriber{count}
	w.Subscribe(first)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			w.ReplaceSubscribers([]Subscriber{first}, []Subscriber{second})
			w.ReplaceSubscribers([]Subscriber{second}, []Subscriber{first})
		}
	}()

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		delivered.Store(0)
		require.NoError(t, w.dispatch(Report{Thread: Thread{ID: 1}}))
		require.Equal(t, int32(1), delivered.Load())
	}
}

type countingSubscriber struct {
	next Subscriber
}

func (c *countingSubscriber) OnReport(r Report) error { return c.next.OnReport(r) }

func TestErrorHandlerPanicIsContained(t *testing.T) {
	src := newFakeSource()
	clock := newFakeClock()
	w := newTestWatchdog(t, src, clock, WithErrorHandler(func(error) { panic("handler exploded") }))
	w.Subscribe(&recorder{err: errors.New("boom")})

	register(t, w, src, 1)
	src.setCPU(1, time.Second)
	clock.Advance(time.Second)
	require.NoError(t, w.tick(newWorker()))

	w.SetThrowErrors(true)
	src.setCPU(1, 2*time.Second)
	clock.Advance(time.Second)
	err := w.tick(newWorker())
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	require.Equal(t, "handler exploded", panicErr.Value)
}

func TestTickPanicBecomesTickError(t *testing.T) {
	src := newFakeSource()
	clock := newFakeClock()
	errs := &errorLog{}
	w := newTestWatchdog(t, src, clock, WithErrorHandler(errs.handle))
	register(t, w, src, 1)

	src.mu.Lock()
	src.alivePanic = true
	src.mu.Unlock()

	require.NoError(t, w.tick(newWorker()))
	require.Len(t, errs.all(), 1)
	var tickErr *TickError
	require.ErrorAs(t, errs.all()[0], &tickErr)

	w.SetThrowErrors(true)
	err := w.tick(newWorker())
	require.ErrorAs(t, err, &tickErr)
}

func TestTickCompletesWhenStopArrivesMidway(t *testing.T) {
	src := newFakeSource()
	clock := newFakeClock()
	w := newTestWatchdog(t, src, clock)

	current := newWorker()
	var once sync.Once
	sub := &recorder{onCall: func(Report) {
		once.Do(func() { close(current.stop) })
	}}
	w.Subscribe(sub)

	register(t, w, src, 1)
	register(t, w, src, 2)
	src.setCPU(1, time.Second)
	src.setCPU(2, time.Second)
	clock.Advance(time.Second)

	require.NoError(t, w.tick(current))

	reports := sub.received()
	require.Len(t, reports, 2)
	require.Equal(t, 1, reports[0].Thread.ID)
	require.Equal(t, 2, reports[1].Thread.ID)
	for _, item := range w.trackers.snapshot() {
		require.Equal(t, time.Second, item.cpuStart)
	}
}

func TestAbandonedTickSkipsRemainingThreads(t *testing.T) {
	src := newFakeSource()
	clock := newFakeClock()
	w := newTestWatchdog(t, src, clock)

	current := newWorker()
	sub := &recorder{onCall: func(Report) {
		current.abandoned.Store(true)
	}}
	w.Subscribe(sub)

	register(t, w, src, 1)
	register(t, w, src, 2)
	src.setCPU(1, time.Second)
	src.setCPU(2, time.Second)
	clock.Advance(time.Second)

	require.NoError(t, w.tick(current))

	reports := sub.received()
	require.Len(t, reports, 1)
	require.Equal(t, 1, reports[0].Thread.ID)
	require.Equal(t, time.Duration(0), w.trackers.snapshot()[1].cpuStart)
}

func TestEvaluate(t *testing.T) {
	now := time.Now()
	thread := Thread{ID: 9}

	_, ok := evaluate(thread, 0, time.Second, 0.5, now)
	require.False(t, ok)
	_, ok = evaluate(thread, -time.Second, time.Second, 0.5, now)
	require.False(t, ok)

	report, ok := evaluate(thread, 2*time.Second, 3*time.Second, 0.5, now)
	require.True(t, ok)
	require.InDelta(t, 1.5, report.Usage, 1e-9)

	require.Zero(t, usageOf(0, time.Second))
	require.InDelta(t, 0.25, usageOf(4*time.Second, time.Second), 1e-9)
}
