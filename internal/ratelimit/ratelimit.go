package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is the request budget shared by every SEC fetch in the process.
// Wait blocks until one request may be dispatched; it only fails when ctx
// is done.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Local is an in-process limiter. Requests are spaced evenly across the
// period with no burst, so any rolling period contains at most n dispatches.
type Local struct {
	limiter *rate.Limiter
}

// NewLocal creates a limiter admitting n requests per period
func NewLocal(n int, per time.Duration) *Local {
	if n < 1 {
		n = 1
	}
	interval := per / time.Duration(n)
	return &Local{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (l *Local) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}
