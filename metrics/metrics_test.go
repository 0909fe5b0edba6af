package metrics_test

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-rent/sentinel/event"
	"github.com/deep-rent/sentinel/metrics"
	"github.com/deep-rent/sentinel/perf"
)

func TestEventCollector(t *testing.T) {
	counter := event.NewCounter()
	counter.Add(event.TokenExpired)
	counter.Add(event.TokenExpired)
	counter.Add(event.SignatureInvalid)

	c := metrics.NewEventCollector(counter, "sentinel")
	assert.Equal(t, 2, testutil.CollectAndCount(c,
		"sentinel_security_events_total"))

	expected := strings.NewReader(`# HELP sentinel_security_events_total Number of security events observed during token validation.
# TYPE sentinel_security_events_total counter
sentinel_security_events_total{kind="TokenExpired"} 2
sentinel_security_events_total{kind="SignatureInvalid"} 1
`)
	require.NoError(t, testutil.CollectAndCompare(c, expected,
		"sentinel_security_events_total"))
}

func TestEventCollectorEmpty(t *testing.T) {
	c := metrics.NewEventCollector(event.NewCounter(), "sentinel")
	assert.Zero(t, testutil.CollectAndCount(c))
}

func TestPerfCollector(t *testing.T) {
	monitor := perf.NewMonitor()
	monitor.Record(perf.MeasureDecode, time.Millisecond)
	monitor.Record(perf.MeasureDecode, 2*time.Millisecond)

	c := metrics.NewPerfCollector(monitor, "sentinel")
	// Three quantile series plus one sample-count series.
	assert.Equal(t, 4, testutil.CollectAndCount(c))
}

func TestCollectorsRegister(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(
		metrics.NewEventCollector(event.NewCounter(), "sentinel")))
	require.NoError(t, reg.Register(
		metrics.NewPerfCollector(perf.NewMonitor(), "sentinel")))

	_, err := reg.Gather()
	assert.NoError(t, err)
}
