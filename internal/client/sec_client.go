package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/form4-ingest/internal/apperror"
	"github.com/yourorg/form4-ingest/internal/ratelimit"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// MaxResponseBytes caps any single EDGAR response body
	MaxResponseBytes = 64 << 20

	tracerName = "github.com/yourorg/form4-ingest/internal/client"
)

// Fetcher performs one budgeted GET against SEC EDGAR
type Fetcher interface {
	Fetch(ctx context.Context, url string, headers map[string]string) ([]byte, int, error)
}

// RateLimitedFetcher issues every SEC request through one shared limiter and
// always identifies itself with the configured User-Agent.
type RateLimitedFetcher struct {
	httpClient         *http.Client
	limiter            ratelimit.Limiter
	userAgent          string
	maxThrottleRetries int
	initialBackoff     time.Duration
	logger             *zap.Logger
	tracer             trace.Tracer
}

// FetcherOption customises a RateLimitedFetcher
type FetcherOption func(*RateLimitedFetcher)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *RateLimitedFetcher) { f.httpClient = c }
}

// WithThrottleRetries bounds how often a 429/503 is retried before giving up
func WithThrottleRetries(n int) FetcherOption {
	return func(f *RateLimitedFetcher) { f.maxThrottleRetries = n }
}

// WithInitialBackoff sets the first delay after a throttled response
func WithInitialBackoff(d time.Duration) FetcherOption {
	return func(f *RateLimitedFetcher) { f.initialBackoff = d }
}

// NewRateLimitedFetcher creates the SEC fetcher. An empty user agent is a
// configuration error: SEC blocks anonymous clients.
func NewRateLimitedFetcher(userAgent string, limiter ratelimit.Limiter, logger *zap.Logger, opts ...FetcherOption) (*RateLimitedFetcher, error) {
	userAgent = strings.TrimSpace(userAgent)
	if userAgent == "" {
		return nil, &apperror.ConfigurationError{
			Field:   "sec.userAgent",
			Message: "a User-Agent identifying the caller is required for SEC requests",
		}
	}
	if limiter == nil {
		return nil, &apperror.ConfigurationError{Field: "limiter", Message: "a shared rate limiter is required"}
	}

	f := &RateLimitedFetcher{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter:            limiter,
		userAgent:          userAgent,
		maxThrottleRetries: 5,
		initialBackoff:     time.Second,
		logger:             logger,
		tracer:             otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

// throttledError marks a response SEC asked us to retry later
type throttledError struct {
	status     int
	retryAfter time.Duration
}

func (e *throttledError) Error() string {
	return fmt.Sprintf("throttled by SEC with status %d", e.status)
}

// Fetch performs a GET. Throttling responses (429, 503) are retried
// internally with backoff; transport failures return a *apperror.NetworkError.
// Any other status is returned to the caller together with the body.
func (f *RateLimitedFetcher) Fetch(ctx context.Context, url string, headers map[string]string) ([]byte, int, error) {
	ctx, span := f.tracer.Start(ctx, "sec.fetch", trace.WithAttributes(attribute.String("http.url", url)))
	defer span.End()

	var (
		body   []byte
		status int
	)

	hint := &retryAfterBackOff{ctx: ctx}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = f.initialBackoff
	eb.MaxInterval = 30 * time.Second
	eb.MaxElapsedTime = 0
	hint.base = backoff.WithContext(backoff.WithMaxRetries(eb, uint64(f.maxThrottleRetries)), ctx)

	operation := func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		req.Header.Set("User-Agent", f.userAgent)

		resp, err := f.httpClient.Do(req)
		if err != nil {
			f.logger.Error("Failed to fetch from SEC", zap.Error(err), zap.String("url", url))
			return backoff.Permanent(apperror.NewNetworkError(url, 0, err))
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
		if err != nil {
			return backoff.Permanent(apperror.NewNetworkError(url, resp.StatusCode, fmt.Errorf("failed to read body: %w", err)))
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			throttled := &throttledError{
				status:     resp.StatusCode,
				retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			}
			hint.next = throttled.retryAfter
			status = resp.StatusCode
			body = data
			return throttled
		}

		status = resp.StatusCode
		body = data
		return nil
	}

	notify := func(err error, wait time.Duration) {
		f.logger.Warn("SEC throttled request, backing off",
			zap.String("url", url),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(operation, hint, notify)
	if err != nil {
		var throttled *throttledError
		if errors.As(err, &throttled) {
			err = apperror.NewNetworkError(url, throttled.status, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, status, err
	}

	span.SetAttributes(attribute.Int("http.status_code", status))
	if status != http.StatusOK {
		f.logger.Debug("SEC returned non-OK status",
			zap.String("url", url),
			zap.Int("statusCode", status))
	}

	return body, status, nil
}

// retryAfterBackOff lets a Retry-After header stretch the next delay
type retryAfterBackOff struct {
	ctx  context.Context
	base backoff.BackOff
	next time.Duration
}

func (b *retryAfterBackOff) Context() context.Context {
	return b.ctx
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	d := b.base.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if b.next > d {
		d = b.next
	}
	b.next = 0
	return d
}

func (b *retryAfterBackOff) Reset() {
	b.base.Reset()
	b.next = 0
}

func parseRetryAfter(val string) time.Duration {
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(val); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
