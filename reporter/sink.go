package reporter

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultSeparator is written after every report.
var DefaultSeparator = strings.Repeat("*", 100)

const (
	defaultFileRetries = 10
	defaultFilePause   = 10 * time.Millisecond
)

// Sink receives rendered report texts.
type Sink interface {
	WriteReport(text string) error
}

// StreamSink writes reports to an io.Writer owned by the caller.
type StreamSink struct {
	mu        sync.Mutex
	w         io.Writer
	separator string
}

// NewStreamSink writes to w. An empty separator selects DefaultSeparator.
func NewStreamSink(w io.Writer, separator string) *StreamSink {
	if separator == "" {
		separator = DefaultSeparator
	}
	return &StreamSink{w: w, separator: separator}
}

func (s *StreamSink) WriteReport(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintln(s.w, text); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if _, err := fmt.Fprintln(s.w, s.separator); err != nil {
		return fmt.Errorf("write separator: %w", err)
	}
	return nil
}

// FileSink appends reports to a file. Failed writes are retried after a short
// pause before the error is returned.
type FileSink struct {
	mu        sync.Mutex
	path      string
	separator string
	retries   int
	pause     time.Duration
}

// FileOption configures a FileSink.
type FileOption func(*FileSink)

// WithRetry sets how often a failed write is retried and the pause in between.
func WithRetry(retries int, pause time.Duration) FileOption {
	return func(f *FileSink) {
		if retries >= 0 {
			f.retries = retries
		}
		if pause >= 0 {
			f.pause = pause
		}
	}
}

// WithSeparator replaces DefaultSeparator.
func WithSeparator(separator string) FileOption {
	return func(f *FileSink) {
		if separator != "" {
			f.separator = separator
		}
	}
}

// NewFileSink appends to path, creating the file when needed.
func NewFileSink(path string, opts ...FileOption) *FileSink {
	f := &FileSink{
		path:      path,
		separator: DefaultSeparator,
		retries:   defaultFileRetries,
		pause:     defaultFilePause,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Path returns the target file.
func (f *FileSink) Path() string {
	return f.path
}

func (f *FileSink) WriteReport(text string) error {
	payload := text + f.separator + "\n"
	var err error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(f.pause)
		}
		if err = f.appendOnce(payload); err == nil {
			return nil
		}
	}
	return fmt.Errorf("append report to %s after %d attempts: %w", f.path, f.retries+1, err)
}

func (f *FileSink) appendOnce(payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.WriteString(payload); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
