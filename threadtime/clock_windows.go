//go:build windows

// Windows implementation using a duplicated thread handle and GetThreadTimes.

package threadtime

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

const stillActive = 259

var (
	kernel32              = windows.NewLazySystemDLL("kernel32.dll")
	procGetThreadTimes    = kernel32.NewProc("GetThreadTimes")
	procGetExitCodeThread = kernel32.NewProc("GetExitCodeThread")
)

type nativeSource struct{}

func currentThreadID() int {
	return int(windows.GetCurrentThreadId())
}

func (nativeSource) CurrentThreadID() int {
	return currentThreadID()
}

// Acquire duplicates the GetCurrentThread pseudo handle. The pseudo handle only
// means "the calling thread" and cannot be used from the scheduler.
func (nativeSource) Acquire() (*Handle, error) {
	tid := currentThreadID()
	process := windows.CurrentProcess()
	var actual windows.Handle
	err := windows.DuplicateHandle(process, windows.CurrentThread(), process, &actual, 0, false, windows.DUPLICATE_SAME_ACCESS)
	if err != nil {
		return nil, &AcquireError{ThreadID: tid, Err: fmt.Errorf("duplicate thread handle: %w", err)}
	}
	return NewHandle(tid, uintptr(actual)), nil
}

func (nativeSource) CPUTime(h *Handle) time.Duration {
	result := Unavailable
	_ = h.use(func(native uintptr) error {
		var creation, exit, kernel, user windows.Filetime
		ret, _, err := procGetThreadTimes.Call(
			native,
			uintptr(unsafe.Pointer(&creation)),
			uintptr(unsafe.Pointer(&exit)),
			uintptr(unsafe.Pointer(&kernel)),
			uintptr(unsafe.Pointer(&user)),
		)
		if ret == 0 {
			return err
		}
		ticks := filetimeTicks(kernel) + filetimeTicks(user)
		result = time.Duration(ticks * 100)
		return nil
	})
	return result
}

func (nativeSource) Alive(h *Handle) bool {
	err := h.use(func(native uintptr) error {
		var code uint32
		ret, _, err := procGetExitCodeThread.Call(native, uintptr(unsafe.Pointer(&code)))
		if ret == 0 {
			return err
		}
		if code != stillActive {
			return fmt.Errorf("thread exited with code %d", code)
		}
		return nil
	})
	return err == nil
}

func (nativeSource) Release(h *Handle) error {
	return h.Close(func(native uintptr) error {
		return windows.CloseHandle(windows.Handle(native))
	})
}

func filetimeTicks(ft windows.Filetime) int64 {
	return int64(ft.HighDateTime)<<32 | int64(ft.LowDateTime)
}
