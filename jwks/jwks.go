// Package jwks loads and caches JSON Web Key Sets for signature
// verification, with graceful key rotation.
//
// A Loader holds the current key generation plus a bounded list of retired
// generations. Lookups are lock-free reads of an atomically swapped
// snapshot; the hot path performs no allocation. During a configurable
// grace window after a rotation, keys of the retired generation remain
// resolvable, so tokens signed moments before the rotation keep verifying.
//
// Refreshes never block a lookup: a miss triggers at most one coalesced
// background refresh, and the current caller simply reports the key as not
// found. Periodic background refreshing is available by dispatching the
// Loader to a scheduler.
package jwks

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/deep-rent/sentinel/clock"
	"github.com/deep-rent/sentinel/event"
	"github.com/deep-rent/sentinel/fetch"
	"github.com/deep-rent/sentinel/jose/jwa"
	"github.com/deep-rent/sentinel/jose/jwk"
	"github.com/deep-rent/sentinel/scheduler"
)

// Status describes the health of a Loader.
type Status uint8

const (
	// StatusUnstarted means no load has been attempted yet.
	StatusUnstarted Status = iota
	// StatusLoading means the first load is in flight.
	StatusLoading
	// StatusHealthy means the last refresh succeeded.
	StatusHealthy
	// StatusDegraded means the last refresh failed, but a previously loaded
	// generation still answers lookups.
	StatusDegraded
	// StatusError means no load has ever succeeded.
	StatusError
)

// String returns the lower-case name of the status.
func (s Status) String() string {
	switch s {
	case StatusUnstarted:
		return "unstarted"
	case StatusLoading:
		return "loading"
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	default:
		return "error"
	}
}

// Ok reports whether the loader can answer lookups from some generation.
func (s Status) Ok() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// ErrKeyMismatch signals that a key was found by its id, but its family
// does not match the requested algorithm family. This is the signal for an
// algorithm-confusion attempt.
var ErrKeyMismatch = errors.New("key family does not match algorithm family")

// Source abstracts where a JWKS document comes from.
type Source interface {
	// Fetch returns the raw JWKS document. When the source can prove the
	// content is unchanged since the previous call (HTTP 304, unchanged
	// file metadata), it returns changed == false with a nil body.
	Fetch(ctx context.Context) (body []byte, changed bool, err error)
}

type httpSource struct {
	resolve func(ctx context.Context) (string, error)
	opts    []fetch.Option

	mu           sync.Mutex
	fetcher      *fetch.Fetcher
	etag         string
	lastModified string
}

// NewHTTPSource creates a Source that fetches a fixed JWKS URL with
// conditional requests.
func NewHTTPSource(url string, opts ...fetch.Option) Source {
	return NewResolvedHTTPSource(
		func(context.Context) (string, error) { return url, nil },
		opts...,
	)
}

// NewResolvedHTTPSource creates a Source whose JWKS URL is determined
// lazily, e.g. from an OIDC discovery document. The resolve function is
// consulted until it first succeeds; afterwards the URL is fixed.
func NewResolvedHTTPSource(
	resolve func(ctx context.Context) (string, error),
	opts ...fetch.Option,
) Source {
	return &httpSource{resolve: resolve, opts: opts}
}

func (s *httpSource) Fetch(ctx context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetcher == nil {
		url, err := s.resolve(ctx)
		if err != nil {
			return nil, false, err
		}
		s.fetcher = fetch.New(url, s.opts...)
	}
	res, err := s.fetcher.Fetch(ctx, s.etag, s.lastModified)
	if err != nil {
		return nil, false, err
	}
	if res.NotModified {
		return nil, false, nil
	}
	s.etag = res.ETag
	s.lastModified = res.LastModified
	return res.Body, true, nil
}

type fileSource struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
}

// NewFileSource creates a Source that reads a JWKS document from the local
// filesystem. File modification time and size serve as change validators.
func NewFileSource(path string) Source {
	return &fileSource{path: path}
}

func (s *fileSource) Fetch(ctx context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, false, err
	}
	if !s.modTime.IsZero() &&
		info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return nil, false, nil
	}
	body, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false, err
	}
	s.modTime = info.ModTime()
	s.size = info.Size()
	return body, true, nil
}

type staticSource struct {
	body []byte
	done atomic.Bool
}

// NewStaticSource creates a Source serving a fixed in-memory JWKS document.
// The first fetch reports the document as changed; subsequent fetches
// report it unchanged.
func NewStaticSource(body []byte) Source {
	return &staticSource{body: body}
}

func (s *staticSource) Fetch(ctx context.Context) ([]byte, bool, error) {
	if s.done.Swap(true) {
		return nil, false, nil
	}
	return s.body, true, nil
}

// generation is an immutable snapshot of the key set as of one successful
// fetch.
type generation struct {
	set       jwk.Set
	fetchedAt time.Time
	retiredAt time.Time // Zero while the generation is current.
}

// snapshot is the complete, immutable loader state. It is replaced as a
// whole on every transition, so readers never observe a half-built
// generation.
type snapshot struct {
	status  Status
	current *generation
	retired []*generation // Newest first.
}

// Default configuration values for a Loader.
const (
	// DefaultGraceWindow is how long retired keys remain resolvable.
	DefaultGraceWindow = 10 * time.Minute
	// DefaultMaxRetired bounds the number of retained retired generations.
	DefaultMaxRetired = 3
	// DefaultRefreshTimeout bounds a single refresh attempt, including all
	// of its retries.
	DefaultRefreshTimeout = 30 * time.Second
)

// Loader resolves verification keys by id, refreshing them from a Source.
// It implements scheduler.Tick for periodic background refreshing.
type Loader struct {
	source     Source
	clock      clock.Clock
	grace      time.Duration
	maxRetired int
	interval   time.Duration
	timeout    time.Duration
	minRSABits int
	events     *event.Counter
	logger     *slog.Logger

	state atomic.Pointer[snapshot]
	group singleflight.Group
	busy  atomic.Bool
}

type config struct {
	clock      clock.Clock
	grace      time.Duration
	maxRetired int
	interval   time.Duration
	timeout    time.Duration
	minRSABits int
	events     *event.Counter
	logger     *slog.Logger
}

// Option configures a Loader.
type Option func(*config)

// WithClock provides a custom time source, primarily for testing. A nil
// value is ignored.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) {
		if c != nil {
			cfg.clock = c
		}
	}
}

// WithGraceWindow sets how long retired keys remain resolvable after a
// rotation. Negative values are treated as zero, which disables the grace
// period entirely.
func WithGraceWindow(d time.Duration) Option {
	return func(cfg *config) {
		cfg.grace = max(0, d)
	}
}

// WithMaxRetired bounds the number of retained retired generations.
// Values below zero are treated as zero.
func WithMaxRetired(n int) Option {
	return func(cfg *config) {
		cfg.maxRetired = max(0, n)
	}
}

// WithRefreshInterval enables periodic background refreshing at the given
// cadence once the Loader is dispatched to a scheduler. Values of zero or
// below leave periodic refreshing disabled.
func WithRefreshInterval(d time.Duration) Option {
	return func(cfg *config) {
		cfg.interval = max(0, d)
	}
}

// WithRefreshTimeout bounds a single refresh attempt. Values of zero or
// below are ignored.
func WithRefreshTimeout(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.timeout = d
		}
	}
}

// WithMinRSABits sets the minimum acceptable RSA modulus size for parsed
// keys. Values of zero or below are ignored.
func WithMinRSABits(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.minRSABits = n
		}
	}
}

// WithEvents attaches a security event counter. A nil value is ignored.
func WithEvents(c *event.Counter) Option {
	return func(cfg *config) {
		if c != nil {
			cfg.events = c
		}
	}
}

// WithLogger sets the logger. If not provided, slog.Default() is used. A
// nil value is ignored.
func WithLogger(log *slog.Logger) Option {
	return func(cfg *config) {
		if log != nil {
			cfg.logger = log
		}
	}
}

// New creates a Loader over the given source.
func New(source Source, opts ...Option) *Loader {
	cfg := config{
		clock:      clock.SystemClock(),
		grace:      DefaultGraceWindow,
		maxRetired: DefaultMaxRetired,
		timeout:    DefaultRefreshTimeout,
		minRSABits: jwk.DefaultMinRSABits,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	l := &Loader{
		source:     source,
		clock:      cfg.clock,
		grace:      cfg.grace,
		maxRetired: cfg.maxRetired,
		interval:   cfg.interval,
		timeout:    cfg.timeout,
		minRSABits: cfg.minRSABits,
		events:     cfg.events,
		logger:     cfg.logger,
	}
	l.state.Store(&snapshot{status: StatusUnstarted})
	return l
}

// Status returns the loader's current health.
func (l *Loader) Status() Status {
	return l.state.Load().status
}

// Interval returns the configured periodic refresh cadence, or zero when
// periodic refreshing is disabled.
func (l *Loader) Interval() time.Duration { return l.interval }

// Key resolves a verification key for the given key id and algorithm
// family.
//
// The lookup order is: current generation by id, then retired generations
// newest-first while inside the grace window, then — only when kid is
// empty — the single key of the requested family in the current
// generation. A key found by id whose family does not match returns
// ErrKeyMismatch. A miss triggers one coalesced background refresh and
// returns nil without blocking.
func (l *Loader) Key(kid string, fam jwa.Family) (jwk.Key, error) {
	snap := l.state.Load()
	if cur := snap.current; cur != nil {
		if kid != "" {
			if k := cur.set.Lookup(kid); k != nil {
				if k.Family() != fam {
					return nil, ErrKeyMismatch
				}
				return k, nil
			}
		} else if k := cur.set.Sole(fam); k != nil {
			return k, nil
		}
	}
	if kid != "" {
		now := l.clock()
		for _, gen := range snap.retired {
			if now.Sub(gen.retiredAt) > l.grace {
				break // Retired list is ordered newest first.
			}
			k := gen.set.Lookup(kid)
			if k == nil || k.Family() != fam {
				continue
			}
			l.events.Add(event.UsedRetiredKey)
			l.logger.Debug("Resolved key from retired generation", "kid", kid)
			return k, nil
		}
	}
	l.poke()
	return nil, nil
}

// Refresh fetches the key set synchronously, coalescing with any refresh
// already in flight. It is intended for warm-up and tests; the validation
// pipeline itself never calls it.
func (l *Loader) Refresh(ctx context.Context) error {
	return l.refreshShared(ctx)
}

// poke triggers a background refresh unless one is already in flight. It
// never blocks, and concurrent demand spawns at most one goroutine.
func (l *Loader) poke() {
	if !l.busy.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer l.busy.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		l.refreshShared(ctx)
	}()
}

// refreshShared funnels all refresh demand through a single in-flight
// attempt.
func (l *Loader) refreshShared(ctx context.Context) error {
	_, err, _ := l.group.Do("refresh", func() (any, error) {
		return nil, l.refresh(ctx)
	})
	return err
}

// refresh performs one fetch-parse-rotate cycle.
func (l *Loader) refresh(ctx context.Context) error {
	if prev := l.state.Load(); prev.status == StatusUnstarted {
		l.swap(func(s *snapshot) { s.status = StatusLoading })
	}

	body, changed, err := l.source.Fetch(ctx)
	if err != nil {
		l.fail(err)
		return err
	}

	now := l.clock()
	if !changed {
		l.events.Add(event.NotModified)
		l.swap(func(s *snapshot) {
			s.status = StatusHealthy
			if s.current != nil {
				cur := *s.current
				cur.fetchedAt = now
				s.current = &cur
			}
		})
		return nil
	}

	set, perr := jwk.ParseSet(body,
		jwk.WithMinRSABits(l.minRSABits),
		jwk.WithLogger(l.logger),
	)
	if set.Len() == 0 {
		// An empty or unparsable key set never replaces a working one.
		if perr == nil {
			perr = errors.New("key set contains no usable keys")
		}
		l.events.Add(event.JwksJsonParseFailed)
		l.degrade()
		l.logger.Error("Rejected fetched key set", "error", perr)
		return perr
	}
	if perr != nil {
		// Some entries were dropped; the set is still usable.
		l.logger.Warn("Partially parsed key set", "error", perr)
	}

	next := &generation{set: set, fetchedAt: now}
	l.swap(func(s *snapshot) {
		if s.current != nil {
			old := *s.current
			old.retiredAt = now
			s.retired = append([]*generation{&old}, s.retired...)
		}
		s.retired = l.prune(s.retired, now)
		s.current = next
		s.status = StatusHealthy
	})
	l.logger.Info("Key set updated", "keys", set.Len())
	return nil
}

// prune drops retired generations that fell out of the grace window and
// enforces the retained-set bound.
func (l *Loader) prune(retired []*generation, now time.Time) []*generation {
	kept := retired[:0:0]
	for _, gen := range retired {
		if now.Sub(gen.retiredAt) <= l.grace {
			kept = append(kept, gen)
		}
	}
	if len(kept) > l.maxRetired {
		kept = kept[:l.maxRetired]
	}
	return kept
}

// fail records a fetch failure, degrading rather than erroring when a
// previously loaded generation can still answer lookups.
func (l *Loader) fail(err error) {
	switch {
	case errors.Is(err, fetch.ErrSizeExceeded):
		l.events.Add(event.JwksContentSizeExceeded)
	case l.state.Load().current != nil:
		l.events.Add(event.JwksRefreshFailed)
	default:
		l.events.Add(event.JwksFetchFailed)
	}
	l.degrade()
	if !errors.Is(err, context.Canceled) {
		l.logger.Error("Key set refresh failed", "error", err)
	}
}

// degrade moves the loader to Degraded when it still has keys, or to Error
// when it never had any.
func (l *Loader) degrade() {
	l.swap(func(s *snapshot) {
		if s.current != nil {
			s.status = StatusDegraded
		} else {
			s.status = StatusError
		}
	})
}

// swap publishes a modified copy of the current snapshot. The single-writer
// discipline is upheld by the refresh singleflight; swap exists so every
// transition still goes through one atomic pointer store.
func (l *Loader) swap(mutate func(*snapshot)) {
	old := l.state.Load()
	next := &snapshot{
		status:  old.status,
		current: old.current,
		retired: old.retired,
	}
	mutate(next)
	l.state.Store(next)
}

// Run implements scheduler.Tick, performing one refresh and scheduling the
// next one at the configured interval.
func (l *Loader) Run(ctx context.Context) time.Duration {
	l.Refresh(ctx)
	return l.interval
}

var _ scheduler.Tick = (*Loader)(nil)
