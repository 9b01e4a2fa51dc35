// Package stacksnap captures the call stack of another goroutine on behalf of
// a report.
//
// Capturing a foreign stack means briefly taking control away from the target.
// That is inherently hazardous: a target paused while it holds a lock the
// capturing side needs can deadlock the process. Take therefore always resumes
// the target once it was suspended, so a failed capture loses one report but
// never leaves the target paused.
package stacksnap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/petermattis/goid"

	"github.com/timzifer/threadwatchdog/threadtime"
)

// ErrUnsupported is returned by suspenders that cannot capture stacks.
var ErrUnsupported = errors.New("stacksnap: stack capture not supported")

// Target identifies the thread and goroutine to capture.
type Target struct {
	ThreadID    int
	GoroutineID int64
}

// Frame is one call site of a captured stack.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Stack is a point-in-time capture of one goroutine.
type Stack struct {
	GoroutineID int64
	State       string
	Frames      []Frame
	// Raw is the unparsed dump block of the goroutine.
	Raw string
}

// String renders the frames innermost first, one call site per line.
func (s *Stack) String() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	for i, f := range s.Frames {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "\tat %s (%s:%d)", f.Function, f.File, f.Line)
	}
	return b.String()
}

// Suspender is the platform capability behind Take.
//
// Implementations may block the whole process while suspended. Callers must
// pair every successful Suspend with exactly one Resume.
type Suspender interface {
	Suspend(Target) error
	Capture(Target) (*Stack, error)
	Resume(Target) error
}

// SuspensionError reports a failed step of the snapshot protocol.
type SuspensionError struct {
	Op     string
	Target Target
	Err    error
}

func (e *SuspensionError) Error() string {
	return fmt.Sprintf("stacksnap: %s thread %d (goroutine %d): %v", e.Op, e.Target.ThreadID, e.Target.GoroutineID, e.Err)
}

func (e *SuspensionError) Unwrap() error {
	return e.Err
}

// Result is the outcome of Take. Exactly one of Stack, Err or Skipped is set,
// except that a failed resume after a good capture keeps the stack and sets Err.
type Result struct {
	Stack   *Stack
	Err     error
	Skipped bool
}

// Take suspends the target, captures its stack and resumes it. A target that
// is the calling goroutine or thread is skipped without being suspended.
func Take(s Suspender, t Target) (result Result) {
	if isSelf(t) {
		return Result{Skipped: true}
	}
	if s == nil {
		return Result{Err: &SuspensionError{Op: "suspend", Target: t, Err: ErrUnsupported}}
	}
	if err := s.Suspend(t); err != nil {
		return Result{Err: &SuspensionError{Op: "suspend", Target: t, Err: err}}
	}
	defer func() {
		if err := resume(s, t); err != nil && result.Err == nil {
			result.Err = err
		}
	}()

	stack, err := capture(s, t)
	if err != nil {
		return Result{Err: &SuspensionError{Op: "capture", Target: t, Err: err}}
	}
	return Result{Stack: stack}
}

func capture(s Suspender, t Target) (stack *Stack, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stack, err = nil, fmt.Errorf("panic: %v", rec)
		}
	}()
	stack, err = s.Capture(t)
	if err == nil && stack == nil {
		err = errors.New("no stack captured")
	}
	return stack, err
}

func resume(s Suspender, t Target) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &SuspensionError{Op: "resume", Target: t, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	if err := s.Resume(t); err != nil {
		return &SuspensionError{Op: "resume", Target: t, Err: err}
	}
	return nil
}

func isSelf(t Target) bool {
	if t.GoroutineID != 0 && t.GoroutineID == goid.Get() {
		return true
	}
	return t.ThreadID > 0 && t.ThreadID == threadtime.CurrentThreadID()
}

// Unsupported is the Suspender for platforms without stack capture. Every
// call fails with ErrUnsupported.
type Unsupported struct{}

func (Unsupported) Suspend(Target) error {
	return ErrUnsupported
}

func (Unsupported) Capture(Target) (*Stack, error) {
	return nil, ErrUnsupported
}

func (Unsupported) Resume(Target) error {
	return nil
}
