package middleware

import (
	"context"
	"time"

	"mini-rpc-broker/rpc"
)

// TimeOutMiddleware bounds how long a procedure may take before the
// caller gives up waiting. The handler goroutine is not cancelled when
// the timeout fires — it keeps running in the background — so handlers
// that must stop promptly should also watch ctx.Done() themselves.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *rpc.Call) rpc.Result {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan rpc.Result, 1)
			go func() {
				done <- next(ctx, call)
			}()

			select {
			case result := <-done:
				return result
			case <-ctx.Done():
				return rpc.Err(rpc.NewError(rpc.ErrorKindIo, "request timed out"))
			}
		}
	}
}
