package watchdog

import (
	"fmt"
	"reflect"
)

// Subscriber receives reports from the scheduler goroutine. OnReport runs
// synchronously, so a slow subscriber delays the remaining ones and the next
// tick.
type Subscriber interface {
	OnReport(report Report) error
}

// Subscribe adds a subscriber. It receives reports from the next dispatch on.
func (w *Watchdog) Subscribe(s Subscriber) {
	if s == nil {
		return
	}
	w.subscribers.addUnless(s, nil)
}

// Unsubscribe removes the first registration of s. A dispatch already in
// progress may still deliver to it.
func (w *Watchdog) Unsubscribe(s Subscriber) {
	if s == nil {
		return
	}
	w.subscribers.removeFirst(func(candidate Subscriber) bool {
		return sameSubscriber(candidate, s)
	})
}

// sameSubscriber reports a == b without panicking. Comparability is checked on
// the dynamic values, since a comparable struct type may still carry funcs or
// maps in its interface fields.
// Subscribers returns the current subscribers in dispatch order.
func (w *Watchdog) Subscribers() []Subscriber {
	return append([]Subscriber(nil), w.subscribers.snapshot()...)
}

// ReplaceSubscribers removes the first registration of each subscriber in old
// and appends next in a single step, so a dispatch sees either the old or the
// new set but never both.
func (w *Watchdog) ReplaceSubscribers(old, next []Subscriber) {
	w.subscribers.update(func(current []Subscriber) []Subscriber {
		kept := make([]Subscriber, 0, len(current)+len(next))
		removed := make([]bool, len(old))
	outer:
		for _, candidate := range current {
			for i, s := range old {
				if !removed[i] && s != nil && sameSubscriber(candidate, s) {
					removed[i] = true
					continue outer
				}
			}
			kept = append(kept, candidate)
		}
		for _, s := range next {
			if s != nil {
				kept = append(kept, s)
			}
		}
		return kept
	})
}

func sameSubscriber(a, b Subscriber) bool {
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	if !reflect.ValueOf(a).Comparable() || !reflect.ValueOf(b).Comparable() {
		return false
	}
	return a == b
}

// dispatch delivers the report to a snapshot of the subscribers. Failures are
// isolated per subscriber; in throw-errors mode the first failure aborts the
// dispatch and is returned after it has been handled.
func (w *Watchdog) dispatch(report Report) error {
	w.collector.IncReport(report.Thread.Label())
	w.logger.Debug().
		Int("thread_id", report.Thread.ID).
		Float64("usage", report.Usage).
		Dur("elapsed", report.Elapsed).
		Dur("cpu_elapsed", report.CPUElapsed).
		Msg("threshold exceeded")

	for _, s := range w.subscribers.snapshot() {
		if err := deliver(s, report); err != nil {
			if propagated := w.handleError(&SubscriberError{Subscriber: s, Report: report, Err: err}); propagated != nil {
				return propagated
			}
		}
	}
	return nil
}

func deliver(s Subscriber, report Report) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec}
		}
	}()
	if err := s.OnReport(report); err != nil {
		return fmt.Errorf("on report: %w", err)
	}
	return nil
}
