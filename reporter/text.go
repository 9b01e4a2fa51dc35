// Package reporter contains watchdog subscribers that turn reports into text,
// log events or filtered deliveries.
package reporter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/shopspring/decimal"

	"github.com/timzifer/threadwatchdog/stacksnap"
	"github.com/timzifer/threadwatchdog/watchdog"
)

// DefaultDateFormat is the timestamp layout of the first report line.
const DefaultDateFormat = "2006-01-02 15:04:05 -07:00"

// ErrClosed is returned by subscribers that no longer accept reports.
var ErrClosed = errors.New("reporter: closed")

var hundred = decimal.NewFromInt(100)

// Text renders a report together with a stack snapshot of the offending
// thread and hands the text to a Sink. Rendering and capture happen on the
// scheduler goroutine; the sink is written from a background goroutine.
type Text struct {
	sink         Sink
	suspender    stacksnap.Suspender
	dateFormat   string
	processName  string
	now          func() time.Time
	logger       zerolog.Logger
	errorHandler func(error)
	writer       *asyncWriter
}

// TextOption configures a Text reporter.
type TextOption func(*Text)

// WithDateFormat sets the time layout of the first line.
func WithDateFormat(layout string) TextOption {
	return func(t *Text) {
		if layout != "" {
			t.dateFormat = layout
		}
	}
}

// WithSuspender replaces the stack capture mechanism. A nil suspender makes
// every capture fail with stacksnap.ErrUnsupported.
func WithSuspender(s stacksnap.Suspender) TextOption {
	return func(t *Text) {
		t.suspender = s
	}
}

// WithProcessName overrides the process name printed in every report.
func WithProcessName(name string) TextOption {
	return func(t *Text) {
		t.processName = name
	}
}

// WithTextLogger provides a logger for sink and capture failures.
func WithTextLogger(logger zerolog.Logger) TextOption {
	return func(t *Text) {
		t.logger = logger
	}
}

// WithTextClock replaces the clock used when a report carries no timestamp.
func WithTextClock(now func() time.Time) TextOption {
	return func(t *Text) {
		if now != nil {
			t.now = now
		}
	}
}

// WithErrorHandler receives capture failures and sink errors.
func WithErrorHandler(handler func(error)) TextOption {
	return func(t *Text) {
		t.errorHandler = handler
	}
}

// NewText creates a text reporter writing to sink. Call Close to flush
// pending texts and stop the writer goroutine.
func NewText(sink Sink, opts ...TextOption) *Text {
	t := &Text{
		sink:       sink,
		suspender:  stacksnap.NewGoroutines(),
		dateFormat: DefaultDateFormat,
		now:        time.Now,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if t.processName == "" {
		t.processName = currentProcessName()
	}
	t.writer = newAsyncWriter(t.sink.WriteReport, func(err error) {
		t.logger.Error().Err(err).Msg("failed to write report")
		t.handleError(err)
	})
	return t
}

// OnReport implements watchdog.Subscriber.
func (t *Text) OnReport(report watchdog.Report) error {
	result := stacksnap.Take(t.suspender, stacksnap.Target{
		ThreadID:    report.Thread.ID,
		GoroutineID: report.Thread.GoroutineID,
	})
	if result.Err != nil {
		t.logger.Warn().Err(result.Err).Int("thread_id", report.Thread.ID).Msg("stack snapshot failed")
		t.handleError(result.Err)
	}
	text, ok := t.Format(report, result)
	if !ok {
		return nil
	}
	return t.writer.enqueue(text)
}

// Format renders the text for one report. It returns false when the snapshot
// was skipped and nothing should be written.
func (t *Text) Format(report watchdog.Report, result stacksnap.Result) (string, bool) {
	if result.Skipped {
		return "", false
	}
	at := report.ObservedAt
	if at.IsZero() {
		at = t.now()
	}

	var b strings.Builder
	b.WriteString(at.Format(t.dateFormat))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "%s [%s] @ %s CPU usage\n", t.processName, threadRef(report.Thread), Percent(report.Usage))

	if result.Stack != nil {
		b.WriteString("\nThread exceeded threshold CPU usage.\n")
		b.WriteString(result.Stack.String())
		b.WriteByte('\n')
		return b.String(), true
	}
	msg := "no stack captured"
	if result.Err != nil {
		msg = result.Err.Error()
	}
	b.WriteString("Unable to read the stack trace due to an error: ")
	b.WriteString(msg)
	b.WriteString("\n\n")
	return b.String(), true
}

// Flush blocks until every accepted text has been written.
func (t *Text) Flush() {
	t.writer.flush()
}

// Close drains pending texts and stops the writer. Later reports fail with ErrClosed.
func (t *Text) Close() error {
	t.writer.close()
	return nil
}

func (t *Text) handleError(err error) {
	if t.errorHandler != nil {
		t.errorHandler(err)
	}
}

// Percent renders a usage ratio as a percentage with two decimals.
func Percent(usage float64) string {
	return decimal.NewFromFloat(usage).Mul(hundred).StringFixed(2) + "%"
}

func threadRef(thread watchdog.Thread) string {
	id := strconv.Itoa(thread.ID)
	if thread.Name == "" {
		return id
	}
	return id + " " + thread.Name
}

func currentProcessName() string {
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if name, err := proc.Name(); err == nil && name != "" {
			return name
		}
	}
	return filepath.Base(os.Args[0])
}
