package completion

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// TimeoutMiddleware bounds each downstream call. A deadline hit inside the
// call surfaces as RequestTimeoutError; cancellation of the caller's context
// is passed through untouched.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		if d <= 0 {
			return next(ctx, req)
		}
		callCtx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		resp, err := next(callCtx, req)
		if err != nil && ctx.Err() == nil && callCtx.Err() == context.DeadlineExceeded {
			return nil, &RequestTimeoutError{SDKError: SDKError{
				Message: "completion exceeded " + d.String(),
				Cause:   err,
			}}
		}
		return resp, err
	}
}

// LoggingMiddleware records each request's provider, model, duration and
// token usage.
func LoggingMiddleware(log *logrus.Entry) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)

		entry := log.WithFields(logrus.Fields{
			"provider": req.Provider,
			"model":    req.Sampling.Model,
			"turns":    len(req.Turns),
			"duration": time.Since(start),
		})
		if err != nil {
			entry.WithError(err).Warn("completion failed")
			return nil, err
		}
		if resp == nil {
			return nil, nil
		}
		entry.WithFields(logrus.Fields{
			"response_id":   resp.ID,
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		}).Debug("completion finished")
		return resp, nil
	}
}
