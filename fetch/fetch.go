// Copyright (c) 2025-present deep.rent GmbH (https://deep.rent)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fetch retrieves remote JSON documents (key sets, discovery
// metadata) resiliently.
//
// A Fetcher owns one shared connection pool and layers the transport
// middlewares of this module on top of it: automatic retries with
// exponential backoff for transient failures, static request headers, and
// strict TLS policy. Conditional requests via ETag and Last-Modified keep
// refresh traffic cheap, and a hard response size cap bounds the memory an
// untrusted endpoint can make us buffer.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/deep-rent/sentinel/backoff"
	"github.com/deep-rent/sentinel/header"
	"github.com/deep-rent/sentinel/retry"
)

// Default configuration values for a Fetcher.
const (
	// DefaultConnectTimeout bounds the TCP connect and TLS handshake.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultReadTimeout bounds the wait for response headers.
	DefaultReadTimeout = 10 * time.Second
	// DefaultAttemptLimit is the maximum number of attempts per fetch,
	// including the initial one.
	DefaultAttemptLimit = 3
	// DefaultMaxBodySize caps the response body in bytes.
	DefaultMaxBodySize = 131072
)

// ErrSizeExceeded signals a response body larger than the configured cap.
// The connection is abandoned as soon as the cap is crossed.
var ErrSizeExceeded = errors.New("response body exceeds size limit")

// StatusError signals a response with an unexpected HTTP status code. By
// the time it surfaces, the retry policy has already given up on the
// request: client errors other than 408 and 429 are terminal immediately,
// server errors after the attempt limit.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d", e.Code)
}

// Result is the outcome of a single conditional fetch.
type Result struct {
	// Body holds the response body. It is nil when NotModified is true.
	Body []byte
	// ETag and LastModified echo the response validators, to be replayed
	// on the next conditional request.
	ETag         string
	LastModified string
	// NotModified is true when the server answered 304, meaning the
	// previously fetched body is still current.
	NotModified bool
	// Header is the full response header, for cache-lifetime hints.
	Header http.Header
}

// Fetcher retrieves one URL with conditional requests, retries, and a
// response size cap. It is safe for concurrent use.
type Fetcher struct {
	url    string
	client *http.Client
	limit  int64
	logger *slog.Logger
}

type config struct {
	connectTimeout time.Duration
	readTimeout    time.Duration
	attempts       int
	limit          int64
	tls            *tls.Config
	tlsMinVersion  uint16
	headers        []header.Header
	backoff        backoff.Strategy
	client         *http.Client
	logger         *slog.Logger
}

// Option configures a Fetcher.
type Option func(*config)

// WithConnectTimeout bounds the TCP connect and TLS handshake. Values of
// zero or below are ignored.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithReadTimeout bounds the wait for the response headers. Values of zero
// or below are ignored.
func WithReadTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.readTimeout = d
		}
	}
}

// WithAttemptLimit sets the maximum number of attempts per fetch, including
// the initial one. Values below 1 are ignored.
func WithAttemptLimit(n int) Option {
	return func(c *config) {
		if n >= 1 {
			c.attempts = n
		}
	}
}

// WithMaxBodySize caps the response body in bytes. Values of zero or below
// are ignored.
func WithMaxBodySize(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.limit = n
		}
	}
}

// WithTLSConfig provides a custom tls.Config for the transport. The
// minimum-version floor still applies: a config below TLS 1.2 is raised.
func WithTLSConfig(t *tls.Config) Option {
	return func(c *config) {
		c.tls = t
	}
}

// WithTLSMinVersion raises the minimum accepted TLS version. Values below
// tls.VersionTLS12 are ignored; the floor never goes down.
func WithTLSMinVersion(v uint16) Option {
	return func(c *config) {
		if v >= tls.VersionTLS12 {
			c.tlsMinVersion = v
		}
	}
}

// WithHeader adds a static header to every request. This can be called
// multiple times to add multiple headers.
func WithHeader(k, v string) Option {
	return func(c *config) {
		c.headers = append(c.headers, header.New(k, v))
	}
}

// WithBackoff sets the backoff strategy between retry attempts. A nil value
// is ignored.
func WithBackoff(strategy backoff.Strategy) Option {
	return func(c *config) {
		if strategy != nil {
			c.backoff = strategy
		}
	}
}

// WithClient provides a fully custom http.Client, bypassing the transport
// assembled from the other options. A nil value is ignored.
func WithClient(client *http.Client) Option {
	return func(c *config) {
		if client != nil {
			c.client = client
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

// New creates a Fetcher for the given URL.
func New(url string, opts ...Option) *Fetcher {
	cfg := config{
		connectTimeout: DefaultConnectTimeout,
		readTimeout:    DefaultReadTimeout,
		attempts:       DefaultAttemptLimit,
		limit:          DefaultMaxBodySize,
		tlsMinVersion:  tls.VersionTLS12,
		backoff: backoff.New(
			backoff.WithMinDelay(500 * time.Millisecond),
			backoff.WithMaxDelay(5 * time.Second),
		),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	client := cfg.client
	if client == nil {
		tlsConfig := cfg.tls
		if tlsConfig == nil {
			tlsConfig = &tls.Config{}
		} else {
			tlsConfig = tlsConfig.Clone()
		}
		if tlsConfig.MinVersion < cfg.tlsMinVersion {
			tlsConfig.MinVersion = cfg.tlsMinVersion
		}
		d := &net.Dialer{
			Timeout: cfg.connectTimeout,
		}
		var t http.RoundTripper = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           d.DialContext,
			TLSClientConfig:       tlsConfig,
			TLSHandshakeTimeout:   cfg.connectTimeout,
			ResponseHeaderTimeout: cfg.readTimeout,
			MaxIdleConnsPerHost:   2,
		}
		t = retry.NewTransport(
			header.NewTransport(t, cfg.headers...),
			retry.WithAttemptLimit(cfg.attempts),
			retry.WithBackoff(cfg.backoff),
			retry.WithLogger(cfg.logger),
		)
		client = &http.Client{Transport: t}
	}

	return &Fetcher{
		url:    url,
		client: client,
		limit:  cfg.limit,
		logger: cfg.logger,
	}
}

// URL returns the fetched URL.
func (f *Fetcher) URL() string { return f.url }

// Fetch performs one conditional GET. The etag and lastModified validators
// from the previous Result may be passed to enable a 304 short-circuit;
// empty strings disable the conditional headers.
func (f *Fetcher) Fetch(ctx context.Context, etag, lastModified string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	res, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotModified:
		return &Result{
			NotModified:  true,
			ETag:         etag,
			LastModified: lastModified,
			Header:       res.Header,
		}, nil

	case res.StatusCode >= 200 && res.StatusCode < 300:
		// Read one byte past the cap to distinguish "exactly at the limit"
		// from "over it".
		body, err := io.ReadAll(io.LimitReader(res.Body, f.limit+1))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if int64(len(body)) > f.limit {
			return nil, fmt.Errorf("%w: > %d bytes", ErrSizeExceeded, f.limit)
		}
		return &Result{
			Body:         body,
			ETag:         res.Header.Get("ETag"),
			LastModified: res.Header.Get("Last-Modified"),
			Header:       res.Header,
		}, nil

	default:
		return nil, &StatusError{Code: res.StatusCode}
	}
}
