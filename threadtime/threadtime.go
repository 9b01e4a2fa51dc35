// Package threadtime reads the CPU time consumed by individual OS threads of the
// current process.
//
// Platform-specific implementations live in separate files guarded by build
// tags (clock_linux.go, clock_windows.go, clock_other.go). All of them are
// exposed through the Source interface.
package threadtime

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Unavailable is returned by Source.CPUTime when the underlying query fails.
const Unavailable time.Duration = -1

// ErrUnsupported indicates that the platform offers no per-thread CPU clock.
var ErrUnsupported = errors.New("threadtime: per-thread cpu time not supported on this platform")

// ErrReleased is returned when a handle is used after Release.
var ErrReleased = errors.New("threadtime: handle already released")

// Source hands out handles for OS threads and samples their CPU time.
//
// Acquire must be called on the thread that is to be observed; the returned
// handle stays valid on any other thread until it is released.
type Source interface {
	// CurrentThreadID returns the OS identifier of the calling thread.
	CurrentThreadID() int
	// Acquire returns an independent handle for the calling thread.
	Acquire() (*Handle, error)
	// CPUTime returns kernel plus user time consumed by the thread since it
	// was created, or Unavailable.
	CPUTime(h *Handle) time.Duration
	// Alive reports whether the thread behind the handle still exists.
	Alive(h *Handle) bool
	// Release closes the native resource. Further calls are no-ops.
	Release(h *Handle) error
}

// AcquireError reports that no handle could be created for a thread.
type AcquireError struct {
	ThreadID int
	Err      error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("threadtime: acquire handle for thread %d: %v", e.ThreadID, e.Err)
}

func (e *AcquireError) Unwrap() error {
	return e.Err
}

// Handle references one OS thread. It is owned by the Source that created it.
type Handle struct {
	threadID int
	native   uintptr

	once     sync.Once
	mu       sync.RWMutex
	released bool
}

// NewHandle wraps a native thread reference for use by a Source
// implementation. native is passed back to the close function on Close.
func NewHandle(threadID int, native uintptr) *Handle {
	return &Handle{threadID: threadID, native: native}
}

// ThreadID returns the OS thread identifier the handle was acquired for.
func (h *Handle) ThreadID() int {
	if h == nil {
		return 0
	}
	return h.threadID
}

// Released reports whether the handle has been closed.
func (h *Handle) Released() bool {
	if h == nil {
		return true
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.released
}

// use runs fn with the native value while holding the handle open.
func (h *Handle) use(fn func(native uintptr) error) error {
	if h == nil {
		return ErrReleased
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.released {
		return ErrReleased
	}
	return fn(h.native)
}

// Close marks the handle released and invokes closeFn exactly once, after
// in-flight users have finished. closeFn may be nil.
func (h *Handle) Close(closeFn func(native uintptr) error) error {
	if h == nil {
		return nil
	}
	var err error
	h.once.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.released = true
		if closeFn != nil {
			err = closeFn(h.native)
		}
	})
	return err
}

// Native returns the most precise Source for the running platform.
func Native() Source {
	return nativeSource{}
}

// CurrentThreadID returns the OS identifier of the calling thread, or -1 when
// the platform does not expose one.
func CurrentThreadID() int {
	return currentThreadID()
}
