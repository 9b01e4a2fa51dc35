package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the watchdog.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline on the scheduler goroutine.
type Collector interface {
	IncHotReload(file string)
	ObserveUsage(thread string, usage float64)
	IncReport(thread string)
	IncError(kind string)
	SetTrackedThreads(count int)
	IncAbandonedLoop()
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)          {}
func (noopCollector) ObserveUsage(string, float64) {}
func (noopCollector) IncReport(string)             {}
func (noopCollector) IncError(string)              {}
func (noopCollector) SetTrackedThreads(int)        {}
func (noopCollector) IncAbandonedLoop()            {}

// PrometheusCollector exposes watchdog metrics via Prometheus.
type PrometheusCollector struct {
	hotReloads *prometheus.CounterVec
	usage      *prometheus.GaugeVec
	reports    *prometheus.CounterVec
	errors     *prometheus.CounterVec
	tracked    prometheus.Gauge
	abandoned  prometheus.Counter
}

var (
	collectorsLock sync.Mutex
	collectors     = make(map[prometheus.Registerer]*PrometheusCollector)
)

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Calling it twice for the same registerer returns collectors
// sharing the already registered metrics.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectorsLock.Lock()
	defer collectorsLock.Unlock()
	if existing, ok := collectors[reg]; ok {
		return existing, nil
	}

	hotReloads, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "threadwatchdog_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration source file.",
	}, []string{"file"})
	if err != nil {
		return nil, err
	}
	usage, err := registerGaugeVec(reg, prometheus.GaugeOpts{
		Name: "threadwatchdog_thread_cpu_usage_ratio",
		Help: "CPU time divided by wall time of each monitored thread during the last interval.",
	}, []string{"thread"})
	if err != nil {
		return nil, err
	}
	reports, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "threadwatchdog_reports_total",
		Help: "Number of reports raised for threads exceeding the threshold.",
	}, []string{"thread"})
	if err != nil {
		return nil, err
	}
	errs, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "threadwatchdog_errors_total",
		Help: "Number of steady-state errors handled by the watchdog per kind.",
	}, []string{"kind"})
	if err != nil {
		return nil, err
	}
	tracked, err := registerGauge(reg, prometheus.GaugeOpts{
		Name: "threadwatchdog_tracked_threads",
		Help: "Number of threads currently monitored.",
	})
	if err != nil {
		return nil, err
	}
	abandoned, err := registerCounter(reg, prometheus.CounterOpts{
		Name: "threadwatchdog_scheduler_abandoned_total",
		Help: "Number of scheduler loops abandoned because they did not stop in time.",
	})
	if err != nil {
		return nil, err
	}

	collector := &PrometheusCollector{
		hotReloads: hotReloads,
		usage:      usage,
		reports:    reports,
		errors:     errs,
		tracked:    tracked,
		abandoned:  abandoned,
	}
	collectors[reg] = collector
	return collector, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerGaugeVec(reg prometheus.Registerer, opts prometheus.GaugeOpts, labels []string) (*prometheus.GaugeVec, error) {
	gauge := prometheus.NewGaugeVec(opts, labels)
	if err := reg.Register(gauge); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}

func registerGauge(reg prometheus.Registerer, opts prometheus.GaugeOpts) (prometheus.Gauge, error) {
	gauge := prometheus.NewGauge(opts)
	if err := reg.Register(gauge); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, opts prometheus.CounterOpts) (prometheus.Counter, error) {
	counter := prometheus.NewCounter(opts)
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// ObserveUsage records the busy ratio of a thread for the last interval.
func (p *PrometheusCollector) ObserveUsage(thread string, usage float64) {
	if p == nil || p.usage == nil {
		return
	}
	p.usage.WithLabelValues(thread).Set(usage)
}

// IncReport counts a report raised for a thread.
func (p *PrometheusCollector) IncReport(thread string) {
	if p == nil || p.reports == nil {
		return
	}
	p.reports.WithLabelValues(thread).Inc()
}

// IncError counts a handled error of the given kind.
func (p *PrometheusCollector) IncError(kind string) {
	if p == nil || p.errors == nil {
		return
	}
	p.errors.WithLabelValues(kind).Inc()
}

// SetTrackedThreads updates the number of monitored threads.
func (p *PrometheusCollector) SetTrackedThreads(count int) {
	if p == nil || p.tracked == nil {
		return
	}
	p.tracked.Set(float64(count))
}

// IncAbandonedLoop counts a scheduler loop that had to be abandoned.
func (p *PrometheusCollector) IncAbandonedLoop() {
	if p == nil || p.abandoned == nil {
		return
	}
	p.abandoned.Inc()
}
