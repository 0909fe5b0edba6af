// Package issuer maps the "iss" claim of incoming tokens to their trust
// configuration.
//
// Resolution is two-phased. During warm-up, enabled configurations wait in
// a pending queue: their identifiers may not be known yet, because dynamic
// issuers learn their identity from OIDC discovery. Lookups drain the queue
// under a mutex, moving identified configurations into a concurrent map.
// Once the queue is empty, the map is frozen into an immutable snapshot and
// every further lookup is a single lock-free read.
package issuer

import (
	"sync"
	"sync/atomic"

	"github.com/deep-rent/sentinel/jwks"
	"github.com/deep-rent/sentinel/oidc"
)

// Config describes one trusted issuer.
//
// A Config is immutable once handed to a Resolver. Either Identifier or
// Discovery must be set: a static identifier is matched directly, while a
// dynamic one is learned from the discovery document when it first becomes
// available.
type Config struct {
	// Name labels the issuer in health reports. If empty, the resolved
	// identifier is used.
	Name string
	// Identifier is the expected "iss" claim value. Leave empty to derive
	// it from Discovery.
	Identifier string
	// Discovery optionally locates the issuer's metadata. When set and
	// Identifier is empty, the announced issuer becomes the identifier.
	Discovery *oidc.Resolver
	// Loader resolves this issuer's verification keys. Required.
	Loader *jwks.Loader
	// Audiences lists the acceptable values of the "aud" claim. Empty
	// disables audience validation.
	Audiences []string
	// ClientID, when set, must equal the token's "azp" claim.
	ClientID string
	// SubjectOptional relaxes the requirement that access tokens carry a
	// "sub" claim.
	SubjectOptional bool
	// Scopes, Roles, and Groups list entries that validated access tokens
	// must carry.
	Scopes []string
	Roles  []string
	Groups []string
	// Algorithms restricts the acceptable "alg" values to a subset of the
	// global allow-list. Empty means no further restriction.
	Algorithms []string
	// Enabled gates the whole configuration. Disabled configurations are
	// never resolved.
	Enabled bool
}

// Label returns the name under which the issuer appears in health reports.
func (c *Config) Label() string {
	if c.Name != "" {
		return c.Name
	}
	if c.Identifier == "" && c.Discovery != nil {
		if doc := c.Discovery.Document(); doc != nil {
			return doc.Issuer
		}
	}
	return c.Identifier
}

// identify returns the issuer identifier, consulting the cached discovery
// document when no static identifier is configured. It never blocks: while
// the identity is not yet known, it triggers a background resolve and
// returns an empty string.
func (c *Config) identify() string {
	if c.Identifier != "" {
		return c.Identifier
	}
	if c.Discovery == nil {
		return ""
	}
	doc := c.Discovery.Document()
	if doc == nil {
		c.Discovery.Poke()
		return ""
	}
	return doc.Issuer
}

// Resolver selects the issuer configuration matching an "iss" claim.
type Resolver struct {
	cache   sync.Map // string -> *Config (warm-up phase)
	mu      sync.Mutex
	pending []*Config
	frozen  atomic.Pointer[map[string]*Config]
}

// NewResolver creates a Resolver over the given configurations. Disabled
// configurations are dropped immediately.
func NewResolver(configs ...*Config) *Resolver {
	r := &Resolver{}
	for _, cfg := range configs {
		if cfg != nil && cfg.Enabled {
			r.pending = append(r.pending, cfg)
		}
	}
	if len(r.pending) == 0 {
		r.freeze()
	}
	return r
}

// Resolve returns the configuration whose identifier equals iss, or nil if
// no enabled issuer matches. After warm-up completes, resolution is a
// single lock-free map read. Resolve never blocks on I/O: issuers whose
// identity is still being discovered are skipped until it is known.
func (r *Resolver) Resolve(iss string) *Config {
	if iss == "" {
		return nil
	}
	if m := r.frozen.Load(); m != nil {
		return (*m)[iss]
	}
	if v, ok := r.cache.Load(iss); ok {
		return v.(*Config)
	}

	// Warm-up: identify pending configurations. Only one goroutine drains
	// at a time; the rest briefly queue on the mutex and then re-check.
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.frozen.Load(); m != nil {
		return (*m)[iss]
	}
	if v, ok := r.cache.Load(iss); ok {
		return v.(*Config)
	}

	var match *Config
	remaining := r.pending[:0]
	for _, cfg := range r.pending {
		id := cfg.identify()
		if id == "" {
			remaining = append(remaining, cfg)
			continue
		}
		r.cache.Store(id, cfg)
		if id == iss {
			match = cfg
		}
	}
	r.pending = remaining
	if len(r.pending) == 0 {
		r.freeze()
	}
	return match
}

// Optimized reports whether warm-up has completed and lookups run
// lock-free.
func (r *Resolver) Optimized() bool {
	return r.frozen.Load() != nil
}

// Configs returns all enabled configurations, identified or not. The
// result is a point-in-time copy for health reporting.
func (r *Resolver) Configs() []*Config {
	var out []*Config
	seen := make(map[*Config]bool)
	r.cache.Range(func(_, v any) bool {
		cfg := v.(*Config)
		if !seen[cfg] {
			seen[cfg] = true
			out = append(out, cfg)
		}
		return true
	})
	r.mu.Lock()
	for _, cfg := range r.pending {
		if !seen[cfg] {
			seen[cfg] = true
			out = append(out, cfg)
		}
	}
	r.mu.Unlock()
	return out
}

// freeze snapshots the cache into an immutable map. Must be called with
// r.mu held, or before the resolver is shared.
func (r *Resolver) freeze() {
	m := make(map[string]*Config)
	r.cache.Range(func(k, v any) bool {
		m[k.(string)] = v.(*Config)
		return true
	})
	r.frozen.Store(&m)
}
