//go:build linux

// Linux implementation backed by the per-thread CPU clocks exposed through
// clock_gettime and the /proc/self/task directory of the thread.

package threadtime

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Kernel clock encoding, see MAKE_THREAD_CPUCLOCK in include/linux/posix-timers.h.
const (
	cpuClockSched         = 2
	cpuClockPerThreadMask = 4
)

type nativeSource struct{}

func currentThreadID() int {
	return unix.Gettid()
}

func threadCPUClock(tid int) int32 {
	return (^int32(tid))<<3 | cpuClockSched | cpuClockPerThreadMask
}

func (nativeSource) CurrentThreadID() int {
	return unix.Gettid()
}

// Acquire opens the /proc task directory of the calling thread. The descriptor
// stays bound to the thread even if its numeric id is later reused.
func (nativeSource) Acquire() (*Handle, error) {
	tid := unix.Gettid()
	path := fmt.Sprintf("/proc/self/task/%d", tid)
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &AcquireError{ThreadID: tid, Err: fmt.Errorf("open %s: %w", path, err)}
	}
	var ts unix.Timespec
	if err := unix.ClockGettime(threadCPUClock(tid), &ts); err != nil {
		unix.Close(fd)
		return nil, &AcquireError{ThreadID: tid, Err: fmt.Errorf("thread cpu clock: %w", err)}
	}
	return NewHandle(tid, uintptr(fd)), nil
}

func (nativeSource) CPUTime(h *Handle) time.Duration {
	result := Unavailable
	_ = h.use(func(uintptr) error {
		var ts unix.Timespec
		if err := unix.ClockGettime(threadCPUClock(h.threadID), &ts); err != nil {
			return err
		}
		result = time.Duration(ts.Nano())
		return nil
	})
	return result
}

func (nativeSource) Alive(h *Handle) bool {
	err := h.use(func(native uintptr) error {
		var st unix.Stat_t
		return unix.Fstatat(int(native), "stat", &st, 0)
	})
	return err == nil
}

func (nativeSource) Release(h *Handle) error {
	return h.Close(func(native uintptr) error {
		return unix.Close(int(native))
	})
}
