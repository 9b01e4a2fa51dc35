package watchdog

import (
	"strconv"
	"time"
)

// Thread identifies a monitored OS thread. Two values refer to the same thread
// when their IDs match.
type Thread struct {
	// ID is the OS thread identifier.
	ID int
	// GoroutineID is the goroutine wired to the thread at registration.
	GoroutineID int64
	// Name is an optional label supplied at registration.
	Name string
}

// Label returns the name of the thread, falling back to its numeric id.
func (t Thread) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return strconv.Itoa(t.ID)
}

// Report describes one interval in which a thread exceeded the threshold.
type Report struct {
	Thread     Thread
	Elapsed    time.Duration
	CPUElapsed time.Duration
	// Usage is CPUElapsed divided by Elapsed; 1.0 saturates one logical CPU.
	Usage      float64
	ObservedAt time.Time
}
