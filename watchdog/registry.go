package watchdog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/timzifer/threadwatchdog/threadtime"
)

// snapshotList is a copy-on-write slice. Readers load the current slice
// without locking; writers build a replacement under mu and swap it in.
type snapshotList[T any] struct {
	mu      sync.Mutex
	current atomic.Pointer[[]T]
}

func (l *snapshotList[T]) snapshot() []T {
	items := l.current.Load()
	if items == nil {
		return nil
	}
	return *items
}

// addUnless appends item unless exists reports a match in the current slice.
// It returns the matching element when one was found.
func (l *snapshotList[T]) addUnless(item T, exists func(T) bool) (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.snapshot()
	for _, candidate := range old {
		if exists != nil && exists(candidate) {
			return candidate, false
		}
	}
	next := make([]T, 0, len(old)+1)
	next = append(next, old...)
	next = append(next, item)
	l.current.Store(&next)
	return item, true
}

// removeFirst drops the first element matching match.
func (l *snapshotList[T]) removeFirst(match func(T) bool) (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.snapshot()
	for i, candidate := range old {
		if !match(candidate) {
			continue
		}
		next := make([]T, 0, len(old)-1)
		next = append(next, old[:i]...)
		next = append(next, old[i+1:]...)
		l.current.Store(&next)
		return candidate, true
	}
	var zero T
	return zero, false
}

// update replaces the slice with fn's result in one swap. fn must not modify
// its argument.
func (l *snapshotList[T]) update(fn func(old []T) []T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := fn(l.snapshot())
	l.current.Store(&next)
}

func (l *snapshotList[T]) len() int {
	return len(l.snapshot())
}

// tracker holds the timing state of one monitored thread. The timer fields
// are only touched by the scheduler goroutine.
type tracker struct {
	thread Thread
	handle *threadtime.Handle

	wallStart time.Time
	cpuStart  time.Duration
}

// restart resets the wall and cpu timers together.
func (t *tracker) restart(now time.Time, cpu time.Duration) {
	t.wallStart = now
	t.cpuStart = cpu
}
