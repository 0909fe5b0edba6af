// Package perf provides a low-overhead monitor for the latency of the
// individual validation pipeline steps.
//
// Samples are written into fixed-size ring buffers. Each measurement type
// owns several stripes of rings; a writer picks a stripe at random and
// advances an atomic cursor, so concurrent validators do not contend on a
// shared slot. Readers assemble percentile statistics from a copy of the
// rings, trading a small amount of accuracy (a rolling window, torn reads of
// in-flight slots) for a hot path that is a single atomic add and store.
package perf

import (
	"iter"
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"time"
)

// Measurement identifies one instrumented step of the validation pipeline.
type Measurement uint8

const (
	MeasureDecode Measurement = iota
	MeasureHeaderCheck
	MeasureIssuerResolve
	MeasureKeyLookup
	MeasureSignatureVerify
	MeasureClaimCheck
	MeasureCacheLookup
	MeasureJwksRefresh
	MeasureComplete

	measurementCount
)

var measurementNames = [measurementCount]string{
	MeasureDecode:          "Decode",
	MeasureHeaderCheck:     "HeaderCheck",
	MeasureIssuerResolve:   "IssuerResolve",
	MeasureKeyLookup:       "KeyLookup",
	MeasureSignatureVerify: "SignatureVerify",
	MeasureClaimCheck:      "ClaimCheck",
	MeasureCacheLookup:     "CacheLookup",
	MeasureJwksRefresh:     "JwksRefresh",
	MeasureComplete:        "Complete",
}

// String returns the stable identifier of the measurement.
func (m Measurement) String() string {
	if m >= measurementCount {
		return "Unknown"
	}
	return measurementNames[m]
}

// Measurements returns an iterator over all defined measurement types.
func Measurements() iter.Seq[Measurement] {
	return func(yield func(Measurement) bool) {
		for m := Measurement(0); m < measurementCount; m++ {
			if !yield(m) {
				return
			}
		}
	}
}

// Stats summarizes the rolling sample window of one measurement type.
type Stats struct {
	P50     time.Duration
	P95     time.Duration
	P99     time.Duration
	Samples int
}

// Default sizing for the sample stripes.
const (
	// DefaultStripes is the default number of independent rings per
	// measurement type.
	DefaultStripes = 8
	// DefaultWindow is the default number of slots per ring.
	DefaultWindow = 128
)

// ring is a single fixed-size sample buffer. The cursor counts writes; the
// slot index is cursor modulo the window size.
type ring struct {
	cursor atomic.Uint64
	slots  []atomic.Int64 // Durations in nanoseconds.
}

func (r *ring) record(nanos int64) {
	n := r.cursor.Add(1) - 1
	r.slots[n%uint64(len(r.slots))].Store(nanos)
}

// filled returns the number of slots holding a sample.
func (r *ring) filled() int {
	return int(min(r.cursor.Load(), uint64(len(r.slots))))
}

// Monitor records pipeline step durations and reports rolling percentiles.
// The zero value is not usable; construct one with NewMonitor. A nil Monitor
// is a valid no-op receiver for Record and Start, so instrumentation sites
// need no guards.
type Monitor struct {
	window  int
	stripes [][]*ring // indexed by measurement, then stripe
}

// Option configures a Monitor.
type Option func(*monitorConfig)

type monitorConfig struct {
	stripes int
	window  int
}

// WithStripes sets the number of independent rings per measurement type.
// Values below 1 are ignored.
func WithStripes(n int) Option {
	return func(c *monitorConfig) {
		if n > 0 {
			c.stripes = n
		}
	}
}

// WithWindow sets the number of samples retained per stripe. Values below 1
// are ignored.
func WithWindow(n int) Option {
	return func(c *monitorConfig) {
		if n > 0 {
			c.window = n
		}
	}
}

// NewMonitor creates a Monitor with pre-allocated sample rings.
func NewMonitor(opts ...Option) *Monitor {
	cfg := monitorConfig{
		stripes: DefaultStripes,
		window:  DefaultWindow,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	m := &Monitor{
		window:  cfg.window,
		stripes: make([][]*ring, measurementCount),
	}
	for i := range m.stripes {
		rings := make([]*ring, cfg.stripes)
		for j := range rings {
			rings[j] = &ring{slots: make([]atomic.Int64, cfg.window)}
		}
		m.stripes[i] = rings
	}
	return m
}

// Record stores one duration sample for the given measurement type.
func (m *Monitor) Record(t Measurement, d time.Duration) {
	if m == nil || t >= measurementCount {
		return
	}
	rings := m.stripes[t]
	// A cheap per-P random pick spreads concurrent writers across stripes.
	rings[rand.IntN(len(rings))].record(int64(d))
}

// Start begins timing the given measurement and returns a function that
// records the elapsed duration when called.
func (m *Monitor) Start(t Measurement) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() { m.Record(t, time.Since(start)) }
}

// Stats assembles percentile statistics over the current sample window of
// the given measurement type.
func (m *Monitor) Stats(t Measurement) Stats {
	if m == nil || t >= measurementCount {
		return Stats{}
	}
	var samples []int64
	for _, r := range m.stripes[t] {
		n := r.filled()
		for i := 0; i < n; i++ {
			samples = append(samples, r.slots[i].Load())
		}
	}
	if len(samples) == 0 {
		return Stats{}
	}
	slices.Sort(samples)
	return Stats{
		P50:     percentile(samples, 50),
		P95:     percentile(samples, 95),
		P99:     percentile(samples, 99),
		Samples: len(samples),
	}
}

// Snapshot returns statistics for every measurement type that has recorded
// at least one sample.
func (m *Monitor) Snapshot() map[Measurement]Stats {
	out := make(map[Measurement]Stats)
	if m == nil {
		return out
	}
	for t := range Measurements() {
		if s := m.Stats(t); s.Samples > 0 {
			out[t] = s
		}
	}
	return out
}

// percentile returns the nearest-rank percentile of the sorted samples.
func percentile(sorted []int64, p int) time.Duration {
	idx := (len(sorted)*p + 99) / 100
	if idx > 0 {
		idx--
	}
	return time.Duration(sorted[idx])
}
