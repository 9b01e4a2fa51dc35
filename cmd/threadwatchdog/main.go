package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/timzifer/threadwatchdog/internal/config"
	"github.com/timzifer/threadwatchdog/processor"
	"github.com/timzifer/threadwatchdog/watchdog"
)

const defaultConfigPath = "threadwatchdog.yaml"

func main() {
	cfgPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	burn := flag.Bool("burn", false, "Start a goroutine that keeps its thread busy")
	metricsListen := flag.String("metrics-listen", "", "Override the metrics listen address")
	flag.Parse()

	opts, err := configOptions(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(os.Stdout, *cfgPath))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *metricsListen != "" {
		opts = append(opts, processor.WithMetricsListen(*metricsListen))
	}
	proc, err := processor.New(ctx, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create processor")
	}
	defer proc.Close()

	if *burn {
		go burnThread(ctx, proc.Watchdog())
	}

	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("watchdog stopped")
		proc.Close()
		os.Exit(1)
	}
}

// configOptions loads the configuration file. A missing default file falls
// back to built-in settings with the stdout reporter enabled.
func configOptions(path string) ([]processor.Option, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
			return []processor.Option{processor.WithConfig(defaultConfig())}, nil
		}
		return nil, err
	}
	return []processor.Option{processor.WithConfigPath(path, nil)}, nil
}

func defaultConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Reporters.Stdout = true
	cfg.Logging.Format = "text"
	return cfg
}

func executeConfigCheck(out io.Writer, path string) int {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		cfg, err = defaultConfig(), nil
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Interval:         %s\n", cfg.PollInterval())
	fmt.Fprintf(out, "Report threshold: %.2f\n", cfg.Threshold())
	fmt.Fprintf(out, "Throw errors:     %t\n", cfg.ThrowErrors)
	fmt.Fprintf(out, "Stop timeout:     %s\n", cfg.StopGrace())
	fmt.Fprintf(out, "Time source:      %s\n", cfg.TimeSourceName())
	fmt.Fprintf(out, "Stack snapshots:  %t\n", cfg.SnapshotsEnabled())
	fmt.Fprintf(out, "Hot reload:       %t\n", cfg.HotReload)
	if cfg.Reporters.Filter != "" {
		fmt.Fprintf(out, "Report filter:    %s\n", cfg.Reporters.Filter)
	}
	fmt.Fprintln(out, "Status: OK")
	return 0
}

// burnThread registers its thread and spins until ctx is done. It checks the
// context only every few milliseconds so the thread stays saturated.
func burnThread(ctx context.Context, wd *watchdog.Watchdog) {
	thread, err := wd.RegisterCurrentThreadAs("burn")
	if err != nil {
		log.Error().Err(err).Msg("failed to register burn thread")
		return
	}
	log.Info().Int("thread_id", thread.ID).Msg("burning cpu")
	for {
		deadline := time.Now().Add(5 * time.Millisecond)
		for time.Now().Before(deadline) {
		}
		if ctx.Err() != nil {
			return
		}
	}
}
