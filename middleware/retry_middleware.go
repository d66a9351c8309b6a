package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"mini-rpc-broker/rpc"
)

// RetryMiddleware retries a handler with exponential backoff as long as
// it keeps failing with an Io error, up to maxRetries retries after the
// first attempt (maxRetries+1 attempts in all). Any other error kind is
// returned immediately without retrying.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *rpc.Call) rpc.Result {
			result := next(ctx, call)
			for i := 0; i < maxRetries; i++ {
				if !result.IsErr() || result.Unwrap().Kind != rpc.ErrorKindIo {
					return result
				}
				log.Warn().Str("function", call.Function).Int("attempt", i+1).
					Msg("retrying rpc call after io error")
				time.Sleep(baseDelay * time.Duration(1<<i))
				result = next(ctx, call)
			}
			return result
		}
	}
}
