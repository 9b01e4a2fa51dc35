package reporter

import (
	"sync"

	"github.com/eapache/queue"
)

// asyncWriter serialises writes on a single background goroutine in the order
// they were enqueued.
type asyncWriter struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.Queue
	busy    bool
	closed  bool
	done    chan struct{}

	write   func(string) error
	onError func(error)
}

func newAsyncWriter(write func(string) error, onError func(error)) *asyncWriter {
	a := &asyncWriter{
		pending: queue.New(),
		done:    make(chan struct{}),
		write:   write,
		onError: onError,
	}
	a.cond = sync.NewCond(&a.mu)
	go a.loop()
	return a
}

func (a *asyncWriter) enqueue(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	a.pending.Add(text)
	a.cond.Broadcast()
	return nil
}

func (a *asyncWriter) loop() {
	defer close(a.done)
	for {
		a.mu.Lock()
		for a.pending.Length() == 0 && !a.closed {
			a.cond.Wait()
		}
		if a.pending.Length() == 0 {
			a.mu.Unlock()
			return
		}
		text := a.pending.Remove().(string)
		a.busy = true
		a.mu.Unlock()

		if err := a.write(text); err != nil && a.onError != nil {
			a.onError(err)
		}

		a.mu.Lock()
		a.busy = false
		a.cond.Broadcast()
		a.mu.Unlock()
	}
}

func (a *asyncWriter) flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.pending.Length() > 0 || a.busy {
		a.cond.Wait()
	}
}

func (a *asyncWriter) close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		a.cond.Broadcast()
	}
	a.mu.Unlock()
	<-a.done
}
