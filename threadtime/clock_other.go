//go:build !linux && !windows

// Stub implementation for platforms without a per-thread CPU clock.

package threadtime

import "time"

type nativeSource struct{}

func currentThreadID() int {
	return -1
}

func (nativeSource) CurrentThreadID() int {
	return -1
}

func (nativeSource) Acquire() (*Handle, error) {
	return nil, &AcquireError{ThreadID: -1, Err: ErrUnsupported}
}

func (nativeSource) CPUTime(*Handle) time.Duration {
	return Unavailable
}

func (nativeSource) Alive(*Handle) bool {
	return false
}

func (nativeSource) Release(h *Handle) error {
	return h.Close(nil)
}
