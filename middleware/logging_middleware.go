package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"mini-rpc-broker/rpc"
)

// LoggingMiddleware records the procedure name, duration, and outcome
// of each invocation.
func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *rpc.Call) rpc.Result {
			start := time.Now()
			result := next(ctx, call)

			event := log.Info()
			if result.IsErr() {
				event = log.Warn().Err(result.Unwrap())
			}
			event.Str("function", call.Function).
				Dur("duration", time.Since(start)).
				Msg("handled rpc call")
			return result
		}
	}
}
