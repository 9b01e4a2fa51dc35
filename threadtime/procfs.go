package threadtime

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Procfs samples thread times from the process table via gopsutil. Resolution
// is limited to the kernel's clock tick, so it is a fallback for systems where
// the per-thread clock is unavailable.
type Procfs struct {
	proc    *process.Process
	timeout time.Duration
}

// NewProcfs returns a Source reading thread times of the current process.
func NewProcfs() (*Procfs, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("threadtime: open process: %w", err)
	}
	return &Procfs{proc: proc, timeout: time.Second}, nil
}

// CurrentThreadID returns the OS identifier of the calling thread.
func (p *Procfs) CurrentThreadID() int {
	return currentThreadID()
}

// Acquire verifies that the calling thread is listed in the process table.
func (p *Procfs) Acquire() (*Handle, error) {
	tid := currentThreadID()
	if tid < 0 {
		return nil, &AcquireError{ThreadID: tid, Err: ErrUnsupported}
	}
	if _, err := p.lookup(tid); err != nil {
		return nil, &AcquireError{ThreadID: tid, Err: err}
	}
	return NewHandle(tid, 0), nil
}

// CPUTime returns user plus system time of the thread.
func (p *Procfs) CPUTime(h *Handle) time.Duration {
	result := Unavailable
	_ = h.use(func(uintptr) error {
		seconds, err := p.lookup(h.threadID)
		if err != nil {
			return err
		}
		result = time.Duration(math.Round(seconds * float64(time.Second)))
		return nil
	})
	return result
}

// Alive reports whether the thread is still listed.
func (p *Procfs) Alive(h *Handle) bool {
	err := h.use(func(uintptr) error {
		_, err := p.lookup(h.threadID)
		return err
	})
	return err == nil
}

// Release marks the handle closed; there is no native resource.
func (p *Procfs) Release(h *Handle) error {
	return h.Close(nil)
}

func (p *Procfs) lookup(tid int) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	threads, err := p.proc.ThreadsWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("list threads: %w", err)
	}
	stat, ok := threads[int32(tid)]
	if !ok || stat == nil {
		return 0, fmt.Errorf("thread %d not found", tid)
	}
	return stat.User + stat.System, nil
}
