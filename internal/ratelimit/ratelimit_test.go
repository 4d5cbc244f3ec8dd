package ratelimit

import (
	"context"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// timing slack for goroutine scheduling between Wait returning and the
// timestamp being taken
const slack = 50 * time.Millisecond

func dispatch(t *testing.T, l Limiter, workers, total int) []time.Time {
	t.Helper()

	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)

	jobs := make(chan struct{}, total)
	for i := 0; i < total; i++ {
		jobs <- struct{}{}
	}
	close(jobs)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				assert.NoError(t, l.Wait(context.Background()))
				mu.Lock()
				times = append(times, time.Now())
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return times
}

func assertWindowCeiling(t *testing.T, times []time.Time, n int, window time.Duration) {
	t.Helper()
	for i := n; i < len(times); i++ {
		gap := times[i].Sub(times[i-n])
		assert.GreaterOrEqual(t, gap, window-slack,
			"requests %d..%d dispatched within %s", i-n, i, gap)
	}
}

func TestLocalRateCeiling(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 10s timing test in short mode")
	}

	limiter := NewLocal(10, time.Second)
	start := time.Now()

	times := dispatch(t, limiter, 8, 100)

	assert.Len(t, times, 100)
	assert.GreaterOrEqual(t, time.Since(start), 9*time.Second)
	assertWindowCeiling(t, times, 10, time.Second)
}

func TestLocalSpacing(t *testing.T) {
	limiter := NewLocal(20, time.Second)

	times := dispatch(t, limiter, 4, 10)

	require.Len(t, times, 10)
	// nine gaps of 50ms
	assert.GreaterOrEqual(t, times[9].Sub(times[0]), 450*time.Millisecond-slack)
}

func TestLocalWaitHonoursContext(t *testing.T) {
	limiter := NewLocal(1, time.Hour)
	require.NoError(t, limiter.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx)
	assert.Error(t, err)
}

func TestNewLocalClampsInvalidCount(t *testing.T) {
	limiter := NewLocal(0, 10*time.Millisecond)
	assert.NoError(t, limiter.Wait(context.Background()))
}

func TestRedisFallsBackWhenUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	limiter := NewRedis(client, "test:"+uuid.NewString(), 10, time.Second, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, limiter.Wait(ctx))
}

func TestRedisSlidingWindow(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	key := "test:ratelimit:" + uuid.NewString()
	defer client.Del(context.Background(), key)

	// two limiters on one key behave like two processes sharing a budget
	a := NewRedis(client, key, 5, 500*time.Millisecond, zap.NewNop())
	b := NewRedis(client, key, 5, 500*time.Millisecond, zap.NewNop())

	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)
	for _, l := range []Limiter{a, b} {
		wg.Add(1)
		go func(l Limiter) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, l.Wait(context.Background()))
				mu.Lock()
				times = append(times, time.Now())
				mu.Unlock()
			}
		}(l)
	}
	wg.Wait()

	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	require.Len(t, times, 20)
	assertWindowCeiling(t, times, 5, 500*time.Millisecond)
}
