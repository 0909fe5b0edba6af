// Package oidc resolves OpenID Connect discovery metadata from an issuer's
// /.well-known/openid-configuration endpoint.
//
// The document is fetched lazily, exactly once on success, and cached for
// the lifetime of the Resolver. A failed fetch may be retried by later
// callers; an issuer identity violation is permanent.
package oidc

import (
	"context"
	"encoding/json/v2"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/deep-rent/sentinel/fetch"
)

// WellKnownPath is the discovery document's path suffix per OIDC Discovery
// 1.0.
const WellKnownPath = "/.well-known/openid-configuration"

// ErrIssuerMismatch signals that the issuer announced inside the discovery
// document does not belong to the location the document was fetched from.
// Accepting such a document would let one issuer impersonate another, so
// the resolver shuts down permanently.
var ErrIssuerMismatch = errors.New("discovery document issuer mismatch")

// Document holds the subset of the OIDC discovery metadata consumed by this
// module. Issuer and JWKSURI are required; the remaining endpoints are
// carried for embedding services.
type Document struct {
	Issuer                string `json:"issuer"`
	JWKSURI               string `json:"jwks_uri"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
}

// DefaultResolveTimeout bounds a background resolve triggered by Poke.
const DefaultResolveTimeout = 30 * time.Second

// Resolver lazily fetches and caches one discovery document.
type Resolver struct {
	url     string
	fetcher *fetch.Fetcher

	group  singleflight.Group
	doc    atomic.Pointer[Document]
	broken atomic.Bool
	busy   atomic.Bool
}

// New creates a Resolver for the given well-known URL. The URL must point
// at the full discovery path, e.g.
// "https://id.example.com/realms/acme/.well-known/openid-configuration".
// The options configure the underlying fetcher.
func New(wellKnownURL string, opts ...fetch.Option) *Resolver {
	return &Resolver{
		url:     wellKnownURL,
		fetcher: fetch.New(wellKnownURL, opts...),
	}
}

// Resolve returns the discovery document, fetching it on first use.
// Concurrent callers share a single fetch. Transient fetch failures are
// returned but leave the resolver retryable; ErrIssuerMismatch is terminal.
func (r *Resolver) Resolve(ctx context.Context) (*Document, error) {
	if doc := r.doc.Load(); doc != nil {
		return doc, nil
	}
	if r.broken.Load() {
		return nil, ErrIssuerMismatch
	}
	v, err, _ := r.group.Do("resolve", func() (any, error) {
		if doc := r.doc.Load(); doc != nil {
			return doc, nil
		}
		doc, err := r.load(ctx)
		if err != nil {
			return nil, err
		}
		r.doc.Store(doc)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

// Document returns the cached discovery document without performing any
// I/O. It returns nil while the document has not been resolved yet.
func (r *Resolver) Document() *Document { return r.doc.Load() }

// Poke triggers a background resolve unless the document is already cached
// or a resolve is in flight. It never blocks; callers that need the result
// synchronously use Resolve instead.
func (r *Resolver) Poke() {
	if r.doc.Load() != nil || r.broken.Load() {
		return
	}
	if !r.busy.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer r.busy.Store(false)
		ctx, cancel := context.WithTimeout(
			context.Background(), DefaultResolveTimeout)
		defer cancel()
		r.Resolve(ctx)
	}()
}

// Failed reports whether the resolver is permanently broken due to an
// issuer identity violation.
func (r *Resolver) Failed() bool { return r.broken.Load() }

func (r *Resolver) load(ctx context.Context) (*Document, error) {
	res, err := r.fetcher.Fetch(ctx, "", "")
	if err != nil {
		return nil, fmt.Errorf("fetch discovery document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(res.Body, &doc); err != nil {
		return nil, fmt.Errorf("parse discovery document: %w", err)
	}
	if doc.Issuer == "" {
		return nil, errors.New("discovery document lacks 'issuer'")
	}
	if doc.JWKSURI == "" {
		return nil, errors.New("discovery document lacks 'jwks_uri'")
	}
	if err := checkOrigin(doc.Issuer, r.url); err != nil {
		r.broken.Store(true)
		return nil, err
	}
	return &doc, nil
}

// checkOrigin verifies that the announced issuer and the well-known URL
// share scheme, host, and port, and that the well-known path extends the
// issuer path. This binds the document to the identity it claims.
func checkOrigin(issuer, wellKnown string) error {
	iss, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("%w: unparsable issuer", ErrIssuerMismatch)
	}
	wk, err := url.Parse(wellKnown)
	if err != nil {
		return fmt.Errorf("%w: unparsable well-known url", ErrIssuerMismatch)
	}
	if iss.Scheme != wk.Scheme || iss.Host != wk.Host {
		return fmt.Errorf("%w: %q not served by %q", ErrIssuerMismatch,
			issuer, wellKnown)
	}
	prefix := strings.TrimSuffix(iss.Path, "/")
	if wk.Path != prefix+WellKnownPath {
		return fmt.Errorf("%w: issuer path %q does not anchor %q",
			ErrIssuerMismatch, iss.Path, wk.Path)
	}
	return nil
}
