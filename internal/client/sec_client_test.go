package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourorg/form4-ingest/internal/apperror"
	"github.com/yourorg/form4-ingest/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testUserAgent = "Acme Research ops@acme.io"

// countingLimiter admits everything and counts admissions
type countingLimiter struct {
	calls atomic.Int32
}

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.calls.Add(1)
	return ctx.Err()
}

func newTestFetcher(t *testing.T, limiter ratelimit.Limiter, opts ...FetcherOption) *RateLimitedFetcher {
	t.Helper()
	opts = append([]FetcherOption{WithInitialBackoff(5 * time.Millisecond)}, opts...)
	f, err := NewRateLimitedFetcher(testUserAgent, limiter, zap.NewNop(), opts...)
	require.NoError(t, err)
	return f
}

func TestNewRateLimitedFetcherRequiresUserAgent(t *testing.T) {
	f, err := NewRateLimitedFetcher("  ", ratelimit.NewLocal(10, time.Second), zap.NewNop())

	assert.Nil(t, f)
	require.Error(t, err)
	assert.True(t, apperror.IsConfiguration(err))
}

func TestFetchSendsUserAgentAndHeaders(t *testing.T) {
	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte("<ok/>"))
	}))
	defer srv.Close()

	limiter := &countingLimiter{}
	f := newTestFetcher(t, limiter)

	body, status, err := f.Fetch(context.Background(), srv.URL, map[string]string{
		"Accept":     "application/xml",
		"User-Agent": "override-attempt",
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "<ok/>", string(body))
	assert.Equal(t, testUserAgent, gotUA)
	assert.Equal(t, "application/xml", gotAccept)
	assert.Equal(t, int32(1), limiter.calls.Load())
}

func TestFetchReturnsNonOKStatusWithoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("missing"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, &countingLimiter{})

	body, status, err := f.Fetch(context.Background(), srv.URL, nil)

	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "missing", string(body))
}

func TestFetchRetriesThrottledResponses(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch hits.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.Write([]byte("done"))
		}
	}))
	defer srv.Close()

	limiter := &countingLimiter{}
	f := newTestFetcher(t, limiter)

	body, status, err := f.Fetch(context.Background(), srv.URL, nil)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "done", string(body))
	assert.Equal(t, int32(3), hits.Load())
	// every attempt spends budget
	assert.Equal(t, int32(3), limiter.calls.Load())
}

func TestFetchHonoursRetryAfter(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, &countingLimiter{})
	start := time.Now()

	_, status, err := f.Fetch(context.Background(), srv.URL, nil)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestFetchGivesUpAfterThrottleRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher(t, &countingLimiter{}, WithThrottleRetries(2))

	_, status, err := f.Fetch(context.Background(), srv.URL, nil)

	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, status)
	var netErr *apperror.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusTooManyRequests, netErr.StatusCode)
}

func TestFetchTransportErrorIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	limiter := &countingLimiter{}
	f := newTestFetcher(t, limiter)

	_, _, err := f.Fetch(context.Background(), url, nil)

	require.Error(t, err)
	assert.True(t, apperror.IsNetwork(err))
	// transport failures are not retried
	assert.Equal(t, int32(1), limiter.calls.Load())
}

func TestFetchSharesLimiterAcrossCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, ratelimit.NewLocal(20, time.Second))
	start := time.Now()

	for i := 0; i < 5; i++ {
		_, _, err := f.Fetch(context.Background(), srv.URL, nil)
		require.NoError(t, err)
	}

	// four 50ms gaps after the first admission
	assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))

	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 5*time.Second)
	assert.LessOrEqual(t, d, 10*time.Second)
}
