// Package metrics exposes the security event counters and pipeline
// percentiles as Prometheus collectors.
//
// The collectors are read-only bridges: they snapshot the underlying
// counter and monitor at scrape time and emit const metrics, so the hot
// validation path carries no Prometheus machinery.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/deep-rent/sentinel/event"
	"github.com/deep-rent/sentinel/perf"
)

type eventCollector struct {
	counter *event.Counter
	desc    *prometheus.Desc
}

// NewEventCollector creates a prometheus.Collector over a security event
// counter. Each event kind appears as one series of the counter metric
// "<namespace>_security_events_total" with a "kind" label.
func NewEventCollector(c *event.Counter, namespace string) prometheus.Collector {
	return &eventCollector{
		counter: c,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "security_events_total"),
			"Number of security events observed during token validation.",
			[]string{"kind"},
			nil,
		),
	}
}

func (e *eventCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.desc
}

func (e *eventCollector) Collect(ch chan<- prometheus.Metric) {
	for kind, count := range e.counter.Snapshot() {
		ch <- prometheus.MustNewConstMetric(
			e.desc,
			prometheus.CounterValue,
			float64(count),
			kind.String(),
		)
	}
}

type perfCollector struct {
	monitor *perf.Monitor
	latency *prometheus.Desc
	samples *prometheus.Desc
}

// NewPerfCollector creates a prometheus.Collector over a performance
// monitor. Each pipeline step appears as the summary-style gauge
// "<namespace>_pipeline_step_seconds" with "step" and "quantile" labels,
// plus a sample count.
func NewPerfCollector(m *perf.Monitor, namespace string) prometheus.Collector {
	return &perfCollector{
		monitor: m,
		latency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pipeline_step_seconds"),
			"Latency percentiles per validation pipeline step.",
			[]string{"step", "quantile"},
			nil,
		),
		samples: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pipeline_step_samples"),
			"Number of samples in the rolling window per pipeline step.",
			[]string{"step"},
			nil,
		),
	}
}

func (p *perfCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.latency
	ch <- p.samples
}

func (p *perfCollector) Collect(ch chan<- prometheus.Metric) {
	for step, stats := range p.monitor.Snapshot() {
		quantiles := []struct {
			label string
			value float64
		}{
			{"0.5", stats.P50.Seconds()},
			{"0.95", stats.P95.Seconds()},
			{"0.99", stats.P99.Seconds()},
		}
		for _, q := range quantiles {
			ch <- prometheus.MustNewConstMetric(
				p.latency,
				prometheus.GaugeValue,
				q.value,
				step.String(), q.label,
			)
		}
		ch <- prometheus.MustNewConstMetric(
			p.samples,
			prometheus.GaugeValue,
			float64(stats.Samples),
			step.String(),
		)
	}
}
