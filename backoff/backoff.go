// Package backoff computes the delays between consecutive retries of a
// failing operation.
//
// The core of the package is the Strategy interface. Implementations are
// stateful: Next returns progressively longer durations with each call, and
// Done must be called once the retried operation succeeds or is abandoned to
// reset the attempt counter.
//
// The default Strategy returned by New grows exponentially and applies
// subtractive random jitter, which scatters retry attempts in time to avoid
// the thundering herd problem against a recovering server.
package backoff

import (
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

const (
	// DefaultMinDelay is the default delay before the first retry.
	DefaultMinDelay = 1 * time.Second
	// DefaultMaxDelay is the default upper bound on the delay between retries.
	DefaultMaxDelay = 1 * time.Minute
	// DefaultGrowthFactor is the default multiplier applied per attempt.
	DefaultGrowthFactor = 2.0
	// DefaultJitterAmount is the default fraction of the delay that may be
	// randomly subtracted.
	DefaultJitterAmount = 0.3
)

// Strategy computes the delay before the next retry attempt. Implementations
// must be safe for concurrent use.
type Strategy interface {
	// Next returns the delay to wait before the upcoming attempt. The result
	// grows with the number of calls made since the last call to Done.
	Next() time.Duration
	// Done resets the internal attempt counter. It must be called after the
	// retried operation succeeds or is given up on.
	Done()
}

type constant struct {
	delay time.Duration
}

// Constant returns a Strategy that always yields the same delay. A negative
// delay is treated as zero.
func Constant(delay time.Duration) Strategy {
	return &constant{delay: max(0, delay)}
}

func (c *constant) Next() time.Duration { return c.delay }
func (c *constant) Done()               {}

var _ Strategy = (*constant)(nil)

// Rand is a minimal facade over a random number source to ease mocking.
type Rand interface {
	// Float64 generates a pseudo-random number in [0.0, 1.0).
	Float64() float64
}

var _ Rand = (*rand.Rand)(nil)

// seeded is shared by all strategies that were not given an explicit source.
// It draws from the package-level rand/v2 generator, which is safe for
// concurrent use, unlike a dedicated *rand.Rand.
var seeded Rand = globalRand{}

// globalRand delegates to the package-level functions of math/rand/v2.
type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

type exponential struct {
	minDelay time.Duration
	maxDelay time.Duration
	growth   float64
	jitter   float64
	r        Rand
	attempts atomic.Int64
}

func (e *exponential) Next() time.Duration {
	n := e.attempts.Add(1) - 1
	d := time.Duration(float64(e.minDelay) * math.Pow(e.growth, float64(n)))
	if d < e.minDelay || d > e.maxDelay {
		d = e.maxDelay // Also catches float overflow for large n.
	}
	if e.jitter > 0 {
		d = time.Duration(float64(d) * (1 - e.jitter*e.r.Float64()))
	}
	return d
}

func (e *exponential) Done() { e.attempts.Store(0) }

var _ Strategy = (*exponential)(nil)

type config struct {
	minDelay time.Duration
	maxDelay time.Duration
	growth   float64
	jitter   float64
	r        Rand
}

// Option customizes the Strategy returned by New.
type Option func(*config)

// WithMinDelay sets the delay before the first retry. Negative values are
// treated as zero. Defaults to DefaultMinDelay.
func WithMinDelay(d time.Duration) Option {
	return func(c *config) {
		c.minDelay = max(0, d)
	}
}

// WithMaxDelay sets the upper bound on the delay between retries. Negative
// values are treated as zero. Defaults to DefaultMaxDelay.
func WithMaxDelay(d time.Duration) Option {
	return func(c *config) {
		c.maxDelay = max(0, d)
	}
}

// WithGrowthFactor sets the multiplier applied to the delay per attempt.
// Factors below 1 are clamped to 1, which yields a constant cadence at the
// minimum delay. Defaults to DefaultGrowthFactor.
func WithGrowthFactor(f float64) Option {
	return func(c *config) {
		c.growth = max(1, f)
	}
}

// WithJitterAmount sets the fraction of each delay that may be randomly
// subtracted, clamped into [0, 1]. Zero disables jitter. Defaults to
// DefaultJitterAmount.
func WithJitterAmount(p float64) Option {
	return func(c *config) {
		c.jitter = min(1, max(0, p))
	}
}

// WithRand sets the source of randomness used for jittering. A nil value is
// ignored, in which case a shared pre-seeded source is used.
func WithRand(r Rand) Option {
	return func(c *config) {
		if r != nil {
			c.r = r
		}
	}
}

// New creates an exponential backoff Strategy configured by the given
// options.
func New(opts ...Option) Strategy {
	c := config{
		minDelay: DefaultMinDelay,
		maxDelay: DefaultMaxDelay,
		growth:   DefaultGrowthFactor,
		jitter:   DefaultJitterAmount,
		r:        seeded,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.minDelay >= c.maxDelay {
		return &constant{delay: c.maxDelay}
	}
	return &exponential{
		minDelay: c.minDelay,
		maxDelay: c.maxDelay,
		growth:   c.growth,
		jitter:   c.jitter,
		r:        c.r,
	}
}
