// Package cache provides a concurrent, fingerprint-keyed cache for
// successfully validated tokens.
//
// Entries are keyed by a non-cryptographic 64-bit hash of the raw token
// bytes. Because the hash is not collision resistant, every hit is
// confirmed by a byte comparison against the stored raw token; a mismatch
// is treated as a collision, evicted, and handled as a miss.
//
// Each entry carries a mandatory expiry taken from the token's "exp"
// claim. Expired entries are dropped on access and by a periodic background
// sweeper. When the cache is full, the oldest tenth of the entries by
// access time is evicted in one batched pass.
//
// Computation of missing values is linearized per fingerprint: when many
// goroutines ask for the same uncached token concurrently, the underlying
// compute function runs exactly once and all callers share its outcome.
package cache

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/deep-rent/sentinel/clock"
	"github.com/deep-rent/sentinel/event"
	"github.com/deep-rent/sentinel/scheduler"
)

// ErrExpired is returned by GetOrCompute when the looked-up token is cached
// but its recorded expiry has passed. The entry is evicted and the compute
// function is deliberately not invoked: an expired token cannot become
// valid again.
var ErrExpired = errors.New("cached entry is expired")

// Default configuration values for a Cache.
const (
	// DefaultMaxSize is the default entry capacity.
	DefaultMaxSize = 1000
	// DefaultSweepInterval is the default cadence of the expiry sweeper.
	DefaultSweepInterval = 10 * time.Second
)

// entry is one cached validation outcome.
type entry[T any] struct {
	raw       []byte
	value     T
	expiresAt time.Time
	accessed  atomic.Int64 // Unix nanoseconds of the last hit.
}

// Cache maps raw token bytes to previously computed values of type T. A nil
// *Cache is a valid no-op: every lookup misses and nothing is stored, which
// is how caching is disabled.
type Cache[T any] struct {
	max     int
	sweep   time.Duration
	clock   clock.Clock
	events  *event.Counter
	hash    func([]byte) uint64
	entries sync.Map // uint64 -> *entry[T]
	size    atomic.Int64
	evictMu sync.Mutex
	group   singleflight.Group
}

type config struct {
	max    int
	sweep  time.Duration
	clock  clock.Clock
	events *event.Counter
	hash   func([]byte) uint64
}

// Option configures a Cache.
type Option func(*config)

// WithMaxSize sets the entry capacity. Values below 1 are ignored; to
// disable caching altogether, use a nil *Cache instead.
func WithMaxSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.max = n
		}
	}
}

// WithSweepInterval sets the cadence of the background expiry sweeper.
// Values of zero or below are ignored.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.sweep = d
		}
	}
}

// WithClock provides a custom time source, primarily for testing. A nil
// value is ignored.
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithEvents attaches a security event counter. A nil value is ignored.
func WithEvents(ev *event.Counter) Option {
	return func(c *config) {
		if ev != nil {
			c.events = ev
		}
	}
}

// WithHash replaces the fingerprint function. Intended for tests that need
// to provoke collisions; the default is xxhash. A nil value is ignored.
func WithHash(h func([]byte) uint64) Option {
	return func(c *config) {
		if h != nil {
			c.hash = h
		}
	}
}

// New creates a Cache.
func New[T any](opts ...Option) *Cache[T] {
	cfg := config{
		max:   DefaultMaxSize,
		sweep: DefaultSweepInterval,
		clock: clock.SystemClock(),
		hash:  xxhash.Sum64,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Cache[T]{
		max:    cfg.max,
		sweep:  cfg.sweep,
		clock:  cfg.clock,
		events: cfg.events,
		hash:   cfg.hash,
	}
}

// Len returns the current number of entries.
func (c *Cache[T]) Len() int {
	if c == nil {
		return 0
	}
	return int(c.size.Load())
}

// GetOrCompute returns the cached value for raw, or invokes compute to
// produce it.
//
// The compute function returns the value together with its expiry; values
// without an expiry (the zero time) are returned to the caller but never
// stored. At most one computation per fingerprint is in flight at any
// moment; concurrent callers for the same token await and share the first
// outcome. hit is true only for callers served from an already stored
// entry, not for those that merely shared an in-flight computation.
//
// A cached-but-expired token returns ErrExpired without invoking compute.
func (c *Cache[T]) GetOrCompute(
	raw []byte,
	compute func() (T, time.Time, error),
) (value T, hit bool, err error) {
	if c == nil {
		value, _, err = compute()
		return value, false, err
	}

	fp := c.hash(raw)
	if e, ok := c.load(fp); ok {
		switch {
		case !bytes.Equal(e.raw, raw):
			// Fingerprint collision: only the entry whose bytes match may
			// ever be returned.
			c.remove(fp)
			c.events.Add(event.CacheEvicted)
		case !c.clock().Before(e.expiresAt):
			c.remove(fp)
			c.events.Add(event.CacheExpired)
			return value, false, ErrExpired
		default:
			e.accessed.Store(c.clock().UnixNano())
			c.events.Add(event.CacheHit)
			return e.value, true, nil
		}
	}
	c.events.Add(event.CacheMiss)

	v, err, _ := c.group.Do(strconv.FormatUint(fp, 16), func() (any, error) {
		value, expiresAt, err := compute()
		if err != nil {
			return nil, err
		}
		if !expiresAt.IsZero() {
			c.store(fp, raw, value, expiresAt)
		}
		return value, nil
	})
	if err != nil {
		return value, false, err
	}
	return v.(T), false, nil
}

func (c *Cache[T]) load(fp uint64) (*entry[T], bool) {
	v, ok := c.entries.Load(fp)
	if !ok {
		return nil, false
	}
	return v.(*entry[T]), true
}

func (c *Cache[T]) remove(fp uint64) {
	if _, loaded := c.entries.LoadAndDelete(fp); loaded {
		c.size.Add(-1)
	}
}

func (c *Cache[T]) store(fp uint64, raw []byte, value T, expiresAt time.Time) {
	if int(c.size.Load()) >= c.max {
		c.evictBatch()
	}
	e := &entry[T]{
		raw:       slices.Clone(raw),
		value:     value,
		expiresAt: expiresAt,
	}
	e.accessed.Store(c.clock().UnixNano())
	if _, loaded := c.entries.Swap(fp, e); !loaded {
		c.size.Add(1)
	}
}

// evictBatch removes the oldest tenth of the entries by access time in one
// pass. Concurrent batch evictions collapse into one.
func (c *Cache[T]) evictBatch() {
	if !c.evictMu.TryLock() {
		return // Another goroutine is already evicting.
	}
	defer c.evictMu.Unlock()
	if int(c.size.Load()) < c.max {
		return
	}

	type aged struct {
		fp       uint64
		accessed int64
	}
	var all []aged
	c.entries.Range(func(k, v any) bool {
		all = append(all, aged{k.(uint64), v.(*entry[T]).accessed.Load()})
		return true
	})
	slices.SortFunc(all, func(a, b aged) int {
		return cmp.Compare(a.accessed, b.accessed)
	})
	n := max(1, len(all)/10)
	for _, a := range all[:min(n, len(all))] {
		c.remove(a.fp)
		c.events.Add(event.CacheEvicted)
	}
}

// Run implements scheduler.Tick. Each tick scans for expired entries and
// removes them, then schedules the next sweep.
func (c *Cache[T]) Run(ctx context.Context) time.Duration {
	now := c.clock()
	c.entries.Range(func(k, v any) bool {
		if !now.Before(v.(*entry[T]).expiresAt) {
			c.remove(k.(uint64))
			c.events.Add(event.CacheExpired)
		}
		return true
	})
	return c.sweep
}

var _ scheduler.Tick = (*Cache[any])(nil)

// Clear removes all entries, e.g. on shutdown.
func (c *Cache[T]) Clear() {
	if c == nil {
		return
	}
	c.entries.Range(func(k, _ any) bool {
		c.remove(k.(uint64))
		return true
	})
}

// SweepInterval returns the configured sweeper cadence.
func (c *Cache[T]) SweepInterval() time.Duration {
	if c == nil {
		return 0
	}
	return c.sweep
}
