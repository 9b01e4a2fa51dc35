package stacksnap

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
)

const minDumpSize = 64 * 1024

var (
	// ErrNotSuspended is returned by Resume without a matching Suspend.
	ErrNotSuspended = errors.New("stacksnap: not suspended")
	// ErrGoroutineNotFound is returned when the target no longer exists.
	ErrGoroutineNotFound = errors.New("stacksnap: goroutine not found")
)

var (
	headerRe   = regexp.MustCompile(`(?m)^goroutine (\d+) \[([^\]]+)\]:\s*$`)
	locationRe = regexp.MustCompile(`^\t(.+):(\d+)(?: \+0x[0-9a-f]+)?$`)
)

// Goroutines captures stacks from a full goroutine dump. runtime.Stack stops
// the world while it copies the stacks, which is the suspension of the target;
// Suspend and Resume only serialise captures.
type Goroutines struct {
	sem      chan struct{}
	lastSize atomic.Int64
}

// NewGoroutines returns a ready Goroutines suspender.
func NewGoroutines() *Goroutines {
	return &Goroutines{sem: make(chan struct{}, 1)}
}

func (g *Goroutines) Suspend(Target) error {
	g.sem <- struct{}{}
	return nil
}

func (g *Goroutines) Resume(Target) error {
	select {
	case <-g.sem:
		return nil
	default:
		return ErrNotSuspended
	}
}

func (g *Goroutines) Capture(t Target) (*Stack, error) {
	if t.GoroutineID <= 0 {
		return nil, fmt.Errorf("goroutine id %d: %w", t.GoroutineID, ErrGoroutineNotFound)
	}
	return findStack(g.dump(), t.GoroutineID)
}

// dump returns all goroutine stacks, growing the buffer until the dump fits.
func (g *Goroutines) dump() []byte {
	size := int(float64(g.lastSize.Load()) * 1.3)
	if size < minDumpSize {
		size = minDumpSize
	}
	for {
		buf := make([]byte, size)
		n := runtime.Stack(buf, true)
		if n == size {
			size *= 2
			continue
		}
		g.lastSize.Store(int64(n))
		return buf[:n]
	}
}

func findStack(dump []byte, id int64) (*Stack, error) {
	headers := headerRe.FindAllSubmatchIndex(dump, -1)
	for i, h := range headers {
		gid, err := strconv.ParseInt(string(dump[h[2]:h[3]]), 10, 64)
		if err != nil || gid != id {
			continue
		}
		end := len(dump)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		block := bytes.TrimSpace(dump[h[0]:end])
		return &Stack{
			GoroutineID: gid,
			State:       string(dump[h[4]:h[5]]),
			Frames:      parseFrames(dump[h[1]:end]),
			Raw:         string(block),
		}, nil
	}
	return nil, fmt.Errorf("goroutine %d: %w", id, ErrGoroutineNotFound)
}

// parseFrames reads function/location line pairs.
func parseFrames(body []byte) []Frame {
	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	frames := make([]Frame, 0, len(lines)/2)
	for i := 0; i+1 < len(lines); i++ {
		fn := strings.TrimSpace(lines[i])
		if fn == "" || strings.HasPrefix(lines[i], "\t") {
			continue
		}
		m := locationRe.FindStringSubmatch(lines[i+1])
		if m == nil {
			continue
		}
		line, _ := strconv.Atoi(m[2])
		frames = append(frames, Frame{Function: trimArgs(fn), File: m[1], Line: line})
		i++
	}
	return frames
}

func trimArgs(fn string) string {
	if !strings.HasSuffix(fn, ")") {
		return fn
	}
	if idx := strings.LastIndexByte(fn, '('); idx > 0 {
		return fn[:idx]
	}
	return fn
}
