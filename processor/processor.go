package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/threadwatchdog/internal/config"
	"github.com/timzifer/threadwatchdog/internal/logging"
	"github.com/timzifer/threadwatchdog/internal/reload"
	"github.com/timzifer/threadwatchdog/telemetry"
	"github.com/timzifer/threadwatchdog/threadtime"
	"github.com/timzifer/threadwatchdog/watchdog"
)

const pollPeriod = time.Second

// ReloadFunc represents a function that reloads the processor configuration.
type ReloadFunc func(ctx context.Context) error

// Option configures the processor during construction.
type Option func(*settings) error

type settings struct {
	config            *config.Config
	configPath        string
	registerReload    func(ReloadFunc)
	logger            zerolog.Logger
	customLogger      bool
	telemetry         telemetry.Collector
	telemetryProvided bool
	subscribers       []watchdog.Subscriber
	metricsListen     string
	gatherer          prometheus.Gatherer
	output            io.Writer
	errorHandler      func(error)
}

// Processor runs a watchdog from a configuration file, including reporters,
// the metrics endpoint and hot reloads.
type Processor struct {
	mu sync.Mutex

	config     *config.Config
	configPath string

	collector     telemetry.Collector
	gatherer      prometheus.Gatherer
	metricsListen string
	metrics       *metricsServer

	logger  zerolog.Logger
	cleanup func()

	output       io.Writer
	errorHandler func(error)

	wd        *watchdog.Watchdog
	reporters *reporterSet

	watcher  *reload.Watcher
	reloadCh chan reloadRequest

	running bool
	closed  bool
}

type reloadRequest struct {
	done  chan error
	files []string
}

// New constructs a processor with the supplied options.
func New(ctx context.Context, opts ...Option) (*Processor, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	cfg := settings{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
		output:    os.Stdout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		if cfg.configPath == "" {
			return nil, errors.New("configuration path required")
		}
		loaded, err := config.Load(cfg.configPath)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		cfg.config = loaded
	}
	if err := cfg.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	proc := &Processor{
		config:        cfg.config,
		configPath:    cfg.configPath,
		gatherer:      cfg.gatherer,
		metricsListen: cfg.metricsListen,
		logger:        cfg.logger,
		cleanup:       func() {},
		output:        cfg.output,
		errorHandler:  cfg.errorHandler,
	}
	if !cfg.customLogger {
		logger, cleanup, err := logging.Setup(cfg.config.Logging)
		if err != nil {
			return nil, err
		}
		proc.logger = logger
		proc.cleanup = cleanup
		log.Logger = logger
	}

	proc.collector = cfg.telemetry
	if !cfg.telemetryProvided {
		collector, err := newTelemetryCollector(cfg.config.Telemetry)
		if err != nil {
			proc.logger.Warn().Err(err).Msg("telemetry disabled")
			collector = telemetry.Noop()
		}
		proc.collector = collector
	}

	if err := proc.init(cfg.config, cfg.subscribers); err != nil {
		proc.cleanup()
		return nil, err
	}

	if cfg.configPath != "" {
		proc.reloadCh = make(chan reloadRequest)
	}
	if err := proc.initWatcher(cfg.config); err != nil {
		proc.Close()
		return nil, err
	}
	if cfg.registerReload != nil {
		cfg.registerReload(proc.Reload)
	}
	return proc, nil
}

func (p *Processor) init(cfg *config.Config, extra []watchdog.Subscriber) error {
	source, err := newTimeSource(cfg.TimeSourceName())
	if err != nil {
		return err
	}
	wd, err := watchdog.New(
		watchdog.WithInterval(cfg.PollInterval()),
		watchdog.WithReportThreshold(cfg.Threshold()),
		watchdog.WithThrowErrors(cfg.ThrowErrors),
		watchdog.WithStopTimeout(cfg.StopGrace()),
		watchdog.WithTimeSource(source),
		watchdog.WithLogger(p.logger),
		watchdog.WithTelemetry(p.collector),
		watchdog.WithErrorHandler(p.errorHandler),
	)
	if err != nil {
		return err
	}
	reporters, err := buildReporters(cfg.Reporters, cfg.SnapshotsEnabled(), p.reporterDeps())
	if err != nil {
		return err
	}
	for _, sub := range extra {
		wd.Subscribe(sub)
	}
	reporters.attach(wd)
	p.wd = wd
	p.reporters = reporters
	return nil
}

func (p *Processor) reporterDeps() reporterDeps {
	return reporterDeps{
		output:       p.output,
		logger:       p.logger,
		collector:    p.collector,
		errorHandler: p.errorHandler,
	}
}

func newTimeSource(name string) (threadtime.Source, error) {
	switch name {
	case config.TimeSourceProcfs:
		source, err := threadtime.NewProcfs()
		if err != nil {
			return nil, fmt.Errorf("procfs time source: %w", err)
		}
		return source, nil
	default:
		return threadtime.Native(), nil
	}
}

// Watchdog returns the engine so application goroutines can register their
// threads.
func (p *Processor) Watchdog() *watchdog.Watchdog {
	return p.wd
}

// Config returns the active configuration.
func (p *Processor) Config() *config.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// MetricsAddr returns the address of the metrics endpoint while Run serves it.
func (p *Processor) MetricsAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics.addr()
}

// Run starts monitoring and blocks until the context is cancelled or the
// watchdog terminates with an error in throw-errors mode.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("processor closed")
	}
	if p.running {
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	reloadCh := p.reloadCh
	cfg := p.config
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	if err := p.startMetrics(cfg); err != nil {
		return err
	}
	defer p.stopMetrics()

	p.wd.Start()
	defer p.wd.Stop()

	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-reloadCh:
			err := p.reloadFromDisk(req.files)
			if req.done != nil {
				req.done <- err
			}
		case <-ticker.C:
			if err := p.wd.Err(); err != nil && !p.wd.IsRunning() {
				return fmt.Errorf("watchdog terminated: %w", err)
			}
			p.checkWatcher()
		}
	}
}

func (p *Processor) checkWatcher() {
	p.mu.Lock()
	watcher := p.watcher
	p.mu.Unlock()
	if watcher == nil {
		return
	}
	changes, err := watcher.Check()
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to check configuration changes")
		return
	}
	if len(changes) == 0 {
		return
	}
	if err := p.reloadFromDisk(changes); err != nil {
		p.logger.Error().Err(err).Strs("files", changes).Msg("failed to reload configuration")
	}
}

// Reload re-reads the configuration file and applies it.
func (p *Processor) Reload(ctx context.Context) error {
	p.mu.Lock()
	running := p.running
	reloadCh := p.reloadCh
	p.mu.Unlock()

	if reloadCh == nil {
		return errors.New("reload not supported without configuration path")
	}
	if !running {
		return p.reloadFromDisk(nil)
	}

	req := reloadRequest{done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case reloadCh <- req:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-req.done:
		return err
	}
}

func (p *Processor) reloadFromDisk(files []string) error {
	cfg, err := p.loadConfig()
	if err != nil {
		return err
	}
	if err := p.apply(cfg); err != nil {
		p.logger.Error().Err(err).Msg("reloaded configuration invalid")
		return err
	}
	if len(files) == 0 {
		if source := cfg.SourcePath(); source != "" {
			files = []string{source}
		}
	}
	for _, file := range files {
		p.collector.IncHotReload(file)
	}
	p.logger.Info().Strs("files", files).Msg("configuration reloaded")
	return nil
}

// apply pushes the live settings into the running watchdog and rebuilds the
// reporters. Settings that are fixed at construction are only logged.
func (p *Processor) apply(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	reporters, err := buildReporters(cfg.Reporters, cfg.SnapshotsEnabled(), p.reporterDeps())
	if err != nil {
		return err
	}
	if err := p.wd.SetInterval(cfg.PollInterval()); err != nil {
		reporters.close()
		return err
	}
	if err := p.wd.SetReportThreshold(cfg.Threshold()); err != nil {
		reporters.close()
		return err
	}
	p.wd.SetThrowErrors(cfg.ThrowErrors)

	p.mu.Lock()
	previous := p.config
	old := p.reporters
	p.reporters = reporters
	p.config = cfg
	watchErr := p.initWatcher(cfg)
	p.mu.Unlock()

	p.wd.ReplaceSubscribers(old.list(), reporters.subscribers)
	old.close()

	if watchErr != nil {
		p.logger.Error().Err(watchErr).Msg("failed to update configuration watcher")
	}
	p.warnRestartOnly(previous, cfg)
	return nil
}

func (p *Processor) warnRestartOnly(previous, next *config.Config) {
	if previous == nil {
		return
	}
	if previous.TimeSourceName() != next.TimeSourceName() {
		p.logger.Warn().Str("time_source", next.TimeSourceName()).Msg("time source change requires a restart")
	}
	if previous.StopGrace() != next.StopGrace() {
		p.logger.Warn().Dur("stop_timeout", next.StopGrace()).Msg("stop timeout change requires a restart")
	}
	if previous.Telemetry != next.Telemetry {
		p.logger.Warn().Msg("telemetry change requires a restart")
	}
}

// Flush waits until the text reporters have written every pending report.
func (p *Processor) Flush() {
	p.mu.Lock()
	reporters := p.reporters
	p.mu.Unlock()
	reporters.flush()
}

// Close stops the watchdog and releases reporters and log sinks.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	reporters := p.reporters
	p.reporters = nil
	p.mu.Unlock()

	if p.wd != nil {
		p.wd.Stop()
		reporters.detach(p.wd)
	}
	reporters.close()
	p.stopMetrics()
	p.cleanup()
}

func (p *Processor) startMetrics(cfg *config.Config) error {
	if !cfg.Telemetry.Enabled {
		return nil
	}
	listen := p.metricsListen
	if listen == "" {
		listen = cfg.Telemetry.Listen
	}
	if listen == "" {
		return nil
	}
	srv, err := newMetricsServer(listen, p.gatherer, p.logger)
	if err != nil {
		return fmt.Errorf("start metrics endpoint: %w", err)
	}
	p.mu.Lock()
	p.metrics = srv
	p.mu.Unlock()
	return nil
}

func (p *Processor) stopMetrics() {
	p.mu.Lock()
	srv := p.metrics
	p.metrics = nil
	p.mu.Unlock()
	srv.close()
}

func (p *Processor) loadConfig() (*config.Config, error) {
	if p.configPath == "" {
		return nil, errors.New("configuration path not configured")
	}
	return config.Load(p.configPath)
}

func (p *Processor) initWatcher(cfg *config.Config) error {
	if p.configPath == "" || !cfg.HotReload {
		p.watcher = nil
		return nil
	}
	if p.watcher == nil {
		watcher, err := reload.NewWatcher(p.configPath, cfg)
		if err != nil {
			return err
		}
		p.watcher = watcher
		return nil
	}
	return p.watcher.Update(p.configPath, cfg)
}
