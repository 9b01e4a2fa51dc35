//go:build linux

package processor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/threadwatchdog/internal/config"
	"github.com/timzifer/threadwatchdog/watchdog"
)

type failingSubscriber struct{}

func (failingSubscriber) OnReport(watchdog.Report) error {
	return errors.New("downstream unavailable")
}

func spin(t *testing.T, wd *watchdog.Watchdog) func() {
	t.Helper()
	var quit atomic.Bool
	registered := make(chan error, 1)
	go func() {
		_, err := wd.RegisterCurrentThreadAs("spinner")
		registered <- err
		if err != nil {
			return
		}
		for !quit.Load() {
		}
	}()
	require.NoError(t, <-registered)
	return func() { quit.Store(true) }
}

func TestRunWritesTextReports(t *testing.T) {
	if testing.Short() {
		t.Skip("spins a cpu")
	}
	cfg, err := config.Parse([]byte(`interval: 50ms
report_threshold: 0.3
reporters:
  stdout: true
  separator: "====="
`))
	require.NoError(t, err)

	out := &syncBuffer{}
	proc := newTestProcessor(t, WithConfig(cfg), WithOutput(out))
	stop := spin(t, proc.Watchdog())
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx) }()

	require.Eventually(t, func() bool {
		proc.Flush()
		return len(out.String()) > 0
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	<-done
	text := out.String()
	require.Contains(t, text, "CPU usage")
	require.Contains(t, text, "spinner")
	require.Contains(t, text, "=====")
	require.Contains(t, text, "Thread exceeded threshold CPU usage.")
}

func TestRunStopsWhenWatchdogFailsInThrowMode(t *testing.T) {
	if testing.Short() {
		t.Skip("spins a cpu")
	}
	cfg, err := config.Parse([]byte("interval: 20ms\nreport_threshold: 0.1\nthrow_errors: true\n"))
	require.NoError(t, err)

	proc := newTestProcessor(t, WithConfig(cfg), WithSubscriber(failingSubscriber{}))
	stop := spin(t, proc.Watchdog())
	defer stop()

	done := make(chan error, 1)
	go func() { done <- proc.Run(context.Background()) }()

	select {
	case err := <-done:
		var subErr *watchdog.SubscriberError
		require.ErrorAs(t, err, &subErr)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not stop")
	}
}
