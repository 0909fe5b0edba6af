// Package validator orchestrates the token validation pipeline: decode the
// compact JWS, police the header, resolve the issuer, verify the signature
// against the issuer's key set, validate the claims, and cache the outcome.
//
// The pipeline is ordered so that structural and cheap checks run before
// any cryptography, cryptography runs before semantic policy checks (so
// nothing about the policy is revealed for unauthenticated content), and
// caching happens last, for fully validated tokens only.
//
// Validation is fully synchronous and never blocks on the network: key-set
// and discovery refreshes happen in the background, and a missing key
// surfaces as KeyNotFound rather than a stall.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/deep-rent/sentinel/cache"
	"github.com/deep-rent/sentinel/clock"
	"github.com/deep-rent/sentinel/event"
	"github.com/deep-rent/sentinel/issuer"
	"github.com/deep-rent/sentinel/jose/jwa"
	"github.com/deep-rent/sentinel/jose/jwt"
	"github.com/deep-rent/sentinel/jwks"
	"github.com/deep-rent/sentinel/perf"
	"github.com/deep-rent/sentinel/scheduler"
)

// TokenType distinguishes the kinds of tokens this validator accepts.
type TokenType uint8

const (
	TypeAccess TokenType = iota
	TypeID
	TypeRefresh
)

// String returns the lower-case name of the token type.
func (t TokenType) String() string {
	switch t {
	case TypeAccess:
		return "access"
	case TypeID:
		return "id"
	default:
		return "refresh"
	}
}

// AccessToken is the validated view over an OAuth 2.0 access token.
type AccessToken struct {
	*jwt.Claims
	raw string
}

// Raw returns the original compact serialization.
func (t *AccessToken) Raw() string { return t.raw }

// IDToken is the validated view over an OIDC ID token.
type IDToken struct {
	*jwt.Claims
	raw string
}

// Raw returns the original compact serialization.
func (t *IDToken) Raw() string { return t.raw }

// RefreshToken wraps a refresh token. Refresh tokens are treated as opaque:
// only minimal structural checks are applied, and Claims is populated on a
// best-effort basis when the token happens to be a readable JWS.
type RefreshToken struct {
	Claims *jwt.Claims // May be nil.
	raw    string
}

// Raw returns the original token string.
func (t *RefreshToken) Raw() string { return t.raw }

// outcome is the cacheable result of one successful validation.
type outcome struct {
	typ    TokenType
	claims *jwt.Claims
}

// Default configuration values for a Validator.
const (
	// DefaultNbfTolerance is the default upper bound on a legitimate
	// future-dated "nbf" claim.
	DefaultNbfTolerance = 60 * time.Second
	// DefaultShutdownGrace is how long Shutdown waits for the background
	// tasks before giving up on them.
	DefaultShutdownGrace = 10 * time.Second
)

// Validator is the façade over the validation pipeline. Construct one with
// New; it is safe for concurrent use by many goroutines.
type Validator struct {
	limits        jwt.Limits
	algs          map[string]jwa.Verifier
	resolver      *issuer.Resolver
	cache         *cache.Cache[outcome]
	events        *event.Counter
	monitor       *perf.Monitor
	clock         clock.Clock
	leeway        time.Duration
	nbfTolerance  time.Duration
	idSubOptional bool
	grace         time.Duration
	sched         scheduler.Scheduler
	owned         bool
	shutdown      sync.Once
	logger        *slog.Logger
}

type config struct {
	limits        jwt.Limits
	algorithms    []string
	cacheSize     int
	cacheSweep    time.Duration
	clock         clock.Clock
	leeway        time.Duration
	nbfTolerance  time.Duration
	idSubOptional bool
	grace         time.Duration
	sched         scheduler.Scheduler
	logger        *slog.Logger
}

// Option configures a Validator.
type Option func(*config)

// WithLimits replaces the default parser limits.
func WithLimits(l jwt.Limits) Option {
	return func(c *config) {
		c.limits = l
	}
}

// WithAlgorithms restricts the global algorithm allow-list to the given JWA
// names. Unknown names are rejected at construction time. The default
// allow-list covers the RSA and EC families (RS, PS, and ES variants);
// EdDSA must be enabled explicitly.
func WithAlgorithms(names ...string) Option {
	return func(c *config) {
		c.algorithms = names
	}
}

// WithCacheSize sets the capacity of the validated-token cache. A value of
// 0 disables caching entirely.
func WithCacheSize(n int) Option {
	return func(c *config) {
		c.cacheSize = max(0, n)
	}
}

// WithCacheSweepInterval sets the cadence of the cache's background expiry
// sweeper. Values of zero or below are ignored.
func WithCacheSweepInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.cacheSweep = d
		}
	}
}

// WithLeeway sets the clock-skew allowance applied to the "exp" and "nbf"
// claims. Negative values are treated as zero. The default is zero.
func WithLeeway(d time.Duration) Option {
	return func(c *config) {
		c.leeway = max(0, d)
	}
}

// WithNbfTolerance sets the upper bound on a legitimate future-dated "nbf"
// claim. Negative values are treated as zero. Defaults to
// DefaultNbfTolerance.
func WithNbfTolerance(d time.Duration) Option {
	return func(c *config) {
		c.nbfTolerance = max(0, d)
	}
}

// WithIDSubjectOptional relaxes the requirement that ID tokens carry a
// "sub" claim. The corresponding relaxation for access tokens is
// per-issuer, via issuer.Config.SubjectOptional.
func WithIDSubjectOptional(optional bool) Option {
	return func(c *config) {
		c.idSubOptional = optional
	}
}

// WithShutdownGrace bounds how long Shutdown waits for background tasks.
// Values of zero or below are ignored.
func WithShutdownGrace(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.grace = d
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

// WithScheduler provides an externally managed scheduler for the background
// tasks. The caller then owns its lifecycle; Shutdown will not stop it. A
// nil value is ignored.
func WithScheduler(s scheduler.Scheduler) Option {
	return func(c *config) {
		if s != nil {
			c.sched = s
		}
	}
}

// WithLogger sets the logger. If not provided, slog.Default() is used. A
// nil value is ignored.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.logger = log
		}
	}
}

// DefaultAlgorithms returns the default global algorithm allow-list.
func DefaultAlgorithms() []string {
	return []string{
		"RS256", "RS384", "RS512",
		"ES256", "ES384", "ES512",
		"PS256", "PS384", "PS512",
	}
}

// New creates a Validator over the given issuer configurations and starts
// its background tasks: one key-set refresh loop per issuer with a
// configured refresh interval, and the cache's expiry sweeper.
func New(configs []*issuer.Config, opts ...Option) (*Validator, error) {
	cfg := config{
		limits:       jwt.DefaultLimits(),
		algorithms:   DefaultAlgorithms(),
		cacheSize:    cache.DefaultMaxSize,
		cacheSweep:   cache.DefaultSweepInterval,
		clock:        clock.SystemClock(),
		nbfTolerance: DefaultNbfTolerance,
		grace:        DefaultShutdownGrace,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	algs := make(map[string]jwa.Verifier, len(cfg.algorithms))
	for _, name := range cfg.algorithms {
		v := jwa.Lookup(name)
		if v == nil {
			return nil, fmt.Errorf("unsupported algorithm %q in allow-list", name)
		}
		algs[name] = v
	}

	events := event.NewCounter()
	v := &Validator{
		limits:        cfg.limits.Normalized(),
		algs:          algs,
		resolver:      issuer.NewResolver(configs...),
		events:        events,
		monitor:       perf.NewMonitor(),
		clock:         cfg.clock,
		leeway:        cfg.leeway,
		nbfTolerance:  cfg.nbfTolerance,
		idSubOptional: cfg.idSubOptional,
		grace:         cfg.grace,
		logger:        cfg.logger,
	}
	if cfg.cacheSize > 0 {
		v.cache = cache.New[outcome](
			cache.WithMaxSize(cfg.cacheSize),
			cache.WithSweepInterval(cfg.cacheSweep),
			cache.WithClock(cfg.clock),
			cache.WithEvents(events),
		)
	}

	sched := cfg.sched
	if sched == nil {
		sched = scheduler.New(context.Background())
		v.owned = true
	}
	v.sched = sched
	for _, ic := range v.resolver.Configs() {
		if ic.Loader != nil && ic.Loader.Interval() > 0 {
			sched.Dispatch(ic.Loader)
		}
	}
	if v.cache != nil {
		sched.Dispatch(v.cache)
	}
	return v, nil
}

// ValidateAccessToken runs the full validation pipeline over an access
// token.
func (v *Validator) ValidateAccessToken(raw string) (*AccessToken, error) {
	out, err := v.validate(raw, TypeAccess)
	if err != nil {
		return nil, err
	}
	return &AccessToken{Claims: out.claims, raw: raw}, nil
}

// ValidateIDToken runs the full validation pipeline over an OIDC ID token.
func (v *Validator) ValidateIDToken(raw string) (*IDToken, error) {
	out, err := v.validate(raw, TypeID)
	if err != nil {
		return nil, err
	}
	return &IDToken{Claims: out.claims, raw: raw}, nil
}

// ValidateRefreshToken applies the minimal checks appropriate for an opaque
// refresh token: presence and size. When the token happens to be a readable
// JWS, its claims are exposed without any signature or claim validation.
func (v *Validator) ValidateRefreshToken(raw string) (*RefreshToken, error) {
	if raw == "" {
		return nil, v.fail(event.TokenEmpty, "refresh token is empty")
	}
	if len(raw) > v.limits.MaxTokenSize {
		return nil, v.fail(event.TokenTooLarge, "refresh token exceeds size limit")
	}
	t := &RefreshToken{raw: raw}
	if tok, err := jwt.Decode([]byte(raw), v.limits); err == nil {
		t.Claims = tok.Claims
	}
	return t, nil
}

// Health reports the key-loader status per configured issuer.
func (v *Validator) Health() map[string]jwks.Status {
	out := make(map[string]jwks.Status)
	for _, ic := range v.resolver.Configs() {
		status := jwks.StatusError
		if ic.Loader != nil {
			status = ic.Loader.Status()
		}
		label := ic.Label()
		if label == "" {
			label = "unidentified"
		}
		out[label] = status
	}
	return out
}

// Counters returns a snapshot of the security event counters.
func (v *Validator) Counters() map[event.Kind]uint64 {
	return v.events.Snapshot()
}

// ResetCounters resets all security event counters to zero.
func (v *Validator) ResetCounters() {
	v.events.Reset()
}

// Performance returns percentile statistics per pipeline step.
func (v *Validator) Performance() map[perf.Measurement]perf.Stats {
	return v.monitor.Snapshot()
}

// Shutdown stops the background tasks, waiting up to the configured grace
// period, and clears the validated-token cache. It is idempotent. An
// externally provided scheduler is left running.
func (v *Validator) Shutdown() {
	v.shutdown.Do(func() {
		if v.owned {
			done := make(chan struct{})
			go func() {
				v.sched.Shutdown()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(v.grace):
				v.logger.Warn("Background tasks did not stop in time")
			}
		}
		v.cache.Clear()
	})
}

// fail records the failure's primary event and builds the caller-visible
// error.
func (v *Validator) fail(kind event.Kind, message string) *Error {
	v.events.Add(kind)
	return newError(kind, message)
}

// validate runs the cache probe and, on a miss, the pipeline.
func (v *Validator) validate(raw string, typ TokenType) (outcome, error) {
	stop := v.monitor.Start(perf.MeasureComplete)
	defer stop()

	if raw == "" {
		return outcome{}, v.fail(event.TokenEmpty, "token is empty")
	}
	if v.cache == nil {
		return v.pipeline(raw, typ)
	}

	start := time.Now()
	out, hit, err := v.cache.GetOrCompute([]byte(raw),
		func() (outcome, time.Time, error) {
			res, verr := v.pipeline(raw, typ)
			if verr != nil {
				return outcome{}, time.Time{}, verr
			}
			return res, res.claims.ExpiresAt(), nil
		})
	if hit {
		v.monitor.Record(perf.MeasureCacheLookup, time.Since(start))
		// A fingerprint is derived from the raw bytes alone, so a cached
		// outcome may have been produced for a different token type.
		if out.typ != typ {
			return v.pipeline(raw, typ)
		}
		// Cached entries outlive intermediate clock readings; re-check
		// expiry against this call's clock.
		if !v.clock().Before(out.claims.ExpiresAt().Add(v.leeway)) {
			return outcome{}, v.fail(event.TokenExpired, "token is expired")
		}
		return out, nil
	}
	if err != nil {
		if errors.Is(err, cache.ErrExpired) {
			return outcome{}, v.fail(event.TokenExpired, "token is expired")
		}
		return outcome{}, err
	}
	return out, nil
}

// pipeline performs one full validation: decode, header checks, issuer
// resolution, signature verification, and claim validation.
func (v *Validator) pipeline(raw string, typ TokenType) (outcome, error) {
	stop := v.monitor.Start(perf.MeasureDecode)
	tok, err := jwt.Decode([]byte(raw), v.limits)
	stop()
	if err != nil {
		return outcome{}, v.decodeError(err)
	}

	stop = v.monitor.Start(perf.MeasureHeaderCheck)
	alg, herr := v.checkHeader(tok.Header)
	stop()
	if herr != nil {
		return outcome{}, herr
	}

	stop = v.monitor.Start(perf.MeasureIssuerResolve)
	cfg, rerr := v.resolveIssuer(tok.Claims.Issuer())
	stop()
	if rerr != nil {
		return outcome{}, rerr
	}
	if len(cfg.Algorithms) > 0 && !slices.Contains(cfg.Algorithms, alg.String()) {
		return outcome{}, v.fail(event.UnsupportedAlgorithm,
			"algorithm not allowed for this issuer")
	}

	if serr := v.verifySignature(tok, alg, cfg); serr != nil {
		return outcome{}, serr
	}

	stop = v.monitor.Start(perf.MeasureClaimCheck)
	cerr := v.checkClaims(tok.Claims, cfg, typ)
	stop()
	if cerr != nil {
		return outcome{}, cerr
	}

	return outcome{typ: typ, claims: tok.Claims}, nil
}

// resolveIssuer maps the "iss" claim to a configured issuer.
func (v *Validator) resolveIssuer(iss string) (*issuer.Config, error) {
	cfg := v.resolver.Resolve(iss)
	if cfg == nil {
		return nil, v.fail(event.NoIssuerConfig,
			"token issuer is not configured")
	}
	if cfg.Discovery != nil && cfg.Discovery.Failed() {
		return nil, v.fail(event.IssuerDiscoveryMismatch,
			"issuer discovery reported an identity violation")
	}
	return cfg, nil
}

// decodeError maps the decoder's sentinel errors onto the event taxonomy.
func (v *Validator) decodeError(err error) *Error {
	switch {
	case errors.Is(err, jwt.ErrEmpty):
		return v.fail(event.TokenEmpty, "token is empty")
	case errors.Is(err, jwt.ErrTooLarge):
		return v.fail(event.TokenTooLarge, "token exceeds size limit")
	case errors.Is(err, jwt.ErrStructure):
		return v.fail(event.InvalidStructure, "malformed token structure")
	case errors.Is(err, jwt.ErrPartTooLarge):
		return v.fail(event.PartTooLarge, "token part exceeds size limit")
	case errors.Is(err, jwt.ErrBase64):
		return v.fail(event.Base64Invalid, "invalid base64url encoding")
	case errors.Is(err, jwt.ErrJSONLimit):
		return v.fail(event.JsonLimitExceeded, "json document exceeds limits")
	case errors.Is(err, jwt.ErrClaimRange):
		return v.fail(event.ClaimOutOfRange, "claim value out of range")
	default:
		return v.fail(event.JsonParseFailed, "malformed json")
	}
}
