package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncHotReload("watchdog.yaml")
	collector.ObserveUsage("worker", 0.5)
	collector.IncReport("worker")
	collector.IncError("tick")
	collector.SetTrackedThreads(3)
	collector.IncAbandonedLoop()
}

func TestPrometheusCollectorRegistersAndReusesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.IncHotReload("a.yaml")
	collector.IncReport("worker")

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.hotReloads, again.hotReloads)

	again.IncHotReload("a.yaml")

	requireCounterValue(t, findFamily(t, reg, "threadwatchdog_config_hot_reload_total"), 2)
	requireCounterValue(t, findFamily(t, reg, "threadwatchdog_reports_total"), 1)
}

func TestPrometheusCollectorAdoptsForeignRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	existing := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "threadwatchdog_errors_total",
		Help: "Number of steady-state errors handled by the watchdog per kind.",
	}, []string{"kind"})
	require.NoError(t, reg.Register(existing))

	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, existing, collector.errors)

	collector.IncError("subscriber")
	require.Equal(t, 1.0, counterValue(t, existing.WithLabelValues("subscriber")))
}

func TestPrometheusCollectorGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.ObserveUsage("worker", 0.8)
	collector.SetTrackedThreads(2)
	collector.IncAbandonedLoop()

	usage := findFamily(t, reg, "threadwatchdog_thread_cpu_usage_ratio")
	require.Len(t, usage.Metric, 1)
	require.InDelta(t, 0.8, usage.Metric[0].GetGauge().GetValue(), 1e-9)

	tracked := findFamily(t, reg, "threadwatchdog_tracked_threads")
	require.Equal(t, 2.0, tracked.Metric[0].GetGauge().GetValue())

	requireCounterValue(t, findFamily(t, reg, "threadwatchdog_scheduler_abandoned_total"), 1)
}

func TestNilPrometheusCollectorIsSafe(t *testing.T) {
	var collector *PrometheusCollector
	collector.IncHotReload("x")
	collector.ObserveUsage("x", 1)
	collector.IncReport("x")
	collector.IncError("x")
	collector.SetTrackedThreads(1)
	collector.IncAbandonedLoop()
}

func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func counterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, counter.Write(&metric))
	return metric.GetCounter().GetValue()
}

func requireCounterValue(t *testing.T, mf *dto.MetricFamily, value float64) {
	t.Helper()
	require.Len(t, mf.Metric, 1)
	require.NotNil(t, mf.Metric[0].Counter)
	require.Equal(t, value, mf.Metric[0].Counter.GetValue())
}
