package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-rpc-broker/rpc"
)

// RateLimitMiddleware rejects invocations once the token bucket is
// empty. The limiter is built once, outside the returned HandlerFunc,
// so the bucket is shared across every invocation instead of being
// reset on each call.
//
//   - r: token refill rate (tokens per second)
//   - burst: maximum bucket size
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *rpc.Call) rpc.Result {
			if !limiter.Allow() {
				return rpc.Err(rpc.NewError(rpc.ErrorKindInvalidArgs, "rate limit exceeded"))
			}
			return next(ctx, call)
		}
	}
}
