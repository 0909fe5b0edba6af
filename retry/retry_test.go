package retry_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-rent/sentinel/retry"
)

// flaky fails with the given status until the remaining failure budget is
// used up, then answers 200.
type flaky struct {
	status int
	fails  int32
	count  atomic.Int32
}

func (h *flaky) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := h.count.Add(1)
	if n <= h.fails {
		w.WriteHeader(h.status)
		return
	}
	io.WriteString(w, "ok")
}

func client(opts ...retry.Option) *http.Client {
	return &http.Client{
		Transport: retry.NewTransport(http.DefaultTransport, opts...),
	}
}

func TestRetriesTemporaryFailures(t *testing.T) {
	h := &flaky{status: http.StatusServiceUnavailable, fails: 2}
	server := httptest.NewServer(h)
	defer server.Close()

	res, err := client(retry.WithAttemptLimit(3)).Get(server.URL)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int32(3), h.count.Load())
}

func TestAttemptLimitExhausted(t *testing.T) {
	h := &flaky{status: http.StatusServiceUnavailable, fails: 10}
	server := httptest.NewServer(h)
	defer server.Close()

	res, err := client(retry.WithAttemptLimit(3)).Get(server.URL)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, int32(3), h.count.Load())
}

func TestTerminalClientErrors(t *testing.T) {
	h := &flaky{status: http.StatusNotFound, fails: 10}
	server := httptest.NewServer(h)
	defer server.Close()

	res, err := client(retry.WithAttemptLimit(3)).Get(server.URL)
	require.NoError(t, err)
	defer res.Body.Close()

	// 4xx responses other than 408/429 must not be retried.
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, int32(1), h.count.Load())
}

func TestRetries429(t *testing.T) {
	h := &flaky{status: http.StatusTooManyRequests, fails: 1}
	server := httptest.NewServer(h)
	defer server.Close()

	res, err := client(retry.WithAttemptLimit(3)).Get(server.URL)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int32(2), h.count.Load())
}

func TestNonIdempotentNotRetried(t *testing.T) {
	h := &flaky{status: http.StatusServiceUnavailable, fails: 10}
	server := httptest.NewServer(h)
	defer server.Close()

	res, err := client(retry.WithAttemptLimit(3)).
		Post(server.URL, "text/plain", strings.NewReader("body"))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, int32(1), h.count.Load())
}

func TestCustomPolicy(t *testing.T) {
	h := &flaky{status: http.StatusNotFound, fails: 1}
	server := httptest.NewServer(h)
	defer server.Close()

	always := retry.Policy(func(a retry.Attempt) bool {
		return a.Response != nil && a.Response.StatusCode != http.StatusOK
	})
	res, err := client(
		retry.WithPolicy(always),
		retry.WithAttemptLimit(5),
	).Get(server.URL)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int32(2), h.count.Load())
}

func TestAttemptClassification(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://x", nil)

	a := retry.Attempt{Request: req}
	assert.True(t, a.Idempotent())
	assert.False(t, a.Temporary())
	assert.False(t, a.Transient())

	a.Response = &http.Response{StatusCode: http.StatusBadGateway}
	assert.True(t, a.Temporary())

	a.Response = &http.Response{StatusCode: http.StatusForbidden}
	assert.False(t, a.Temporary())

	a.Error = io.ErrUnexpectedEOF
	assert.True(t, a.Transient())
}
