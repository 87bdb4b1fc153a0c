package completion

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy decides whether and when RetryMiddleware re-sends a failed
// completion request.
type RetryPolicy struct {
	// MaxRetries counts re-sends; the first attempt is not a retry.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter scales each backoff by a random factor in [0.5, 1.5).
	Jitter  bool
	OnRetry func(err error, retry int, delay time.Duration)
}

// DefaultRetryPolicy re-sends twice, waiting about one then two seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Backoff is the wait before retry n, counting from 1.
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < n && d < float64(p.MaxDelay); i++ {
		d *= p.Multiplier
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// next reports how long to wait after err before retry n, or false when
// the request should fail now. A provider's Retry-After hint replaces the
// backoff, and one longer than MaxDelay ends the request.
func (p RetryPolicy) next(err error, n int) (time.Duration, bool) {
	if n > p.MaxRetries || !IsRetryable(err) {
		return 0, false
	}
	var limited *RateLimitError
	if errors.As(err, &limited) && limited.RetryAfter != nil {
		hint := time.Duration(*limited.RetryAfter * float64(time.Second))
		if hint > p.MaxDelay {
			return 0, false
		}
		return hint, true
	}
	return p.Backoff(n), true
}

// RetryMiddleware re-sends requests that fail with a retryable error.
// Cancelling ctx while waiting yields an AbortError.
func RetryMiddleware(policy RetryPolicy) Middleware {
	return func(ctx context.Context, req Request, send func(context.Context, Request) (*Response, error)) (*Response, error) {
		for n := 1; ; n++ {
			resp, err := send(ctx, req)
			if err == nil {
				return resp, nil
			}
			if ctx.Err() != nil {
				return nil, err
			}
			delay, ok := policy.next(err, n)
			if !ok {
				return nil, err
			}
			if policy.OnRetry != nil {
				policy.OnRetry(err, n, delay)
			}
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, &AbortError{SDKError: SDKError{Message: "completion cancelled while waiting to retry", Cause: err}}
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
