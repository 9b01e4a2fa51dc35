package reporter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/timzifer/threadwatchdog/watchdog"
)

// Filter forwards only the reports for which a boolean expression holds.
//
// The expression sees thread_id, thread, goroutine, usage (ratio), elapsed_ms
// and cpu_ms, for example `usage > 0.9 && thread != "gc"`.
type Filter struct {
	source  string
	program *vm.Program
	next    watchdog.Subscriber
}

// NewFilter compiles expression and wraps next.
func NewFilter(expression string, next watchdog.Subscriber) (*Filter, error) {
	if next == nil {
		return nil, fmt.Errorf("filter %q: next subscriber is nil", expression)
	}
	program, err := expr.Compile(expression, expr.Env(filterEnv(watchdog.Report{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", expression, err)
	}
	return &Filter{source: expression, program: program, next: next}, nil
}

// Expression returns the filter source.
func (f *Filter) Expression() string {
	return f.source
}

func (f *Filter) OnReport(report watchdog.Report) error {
	out, err := vm.Run(f.program, filterEnv(report))
	if err != nil {
		return fmt.Errorf("evaluate filter %q: %w", f.source, err)
	}
	if pass, _ := out.(bool); !pass {
		return nil
	}
	return f.next.OnReport(report)
}

func filterEnv(report watchdog.Report) map[string]interface{} {
	return map[string]interface{}{
		"thread_id":  report.Thread.ID,
		"thread":     report.Thread.Label(),
		"goroutine":  report.Thread.GoroutineID,
		"usage":      report.Usage,
		"elapsed_ms": float64(report.Elapsed.Microseconds()) / 1000,
		"cpu_ms":     float64(report.CPUElapsed.Microseconds()) / 1000,
	}
}

// ValidateFilter reports whether expression compiles to a boolean predicate.
func ValidateFilter(expression string) error {
	_, err := NewFilter(expression, nopSubscriber{})
	return err
}

type nopSubscriber struct{}

func (nopSubscriber) OnReport(watchdog.Report) error { return nil }
