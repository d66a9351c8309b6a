// Package middleware implements the onion-model chain used to wrap a
// synchronous procedure invocation with cross-cutting concerns
// (logging, timeout, rate limiting, retry) without modifying the
// procedure itself.
//
// It wraps client.HandlerFunc's synchronous sibling — a plain
// rpc.Call-in, rpc.Result-out function — rather than the streaming
// client.HandlerFunc directly, since a handler that may call Update
// zero or more times before Finish has no single return value for a
// middleware to post-process. client.Simple adapts a synchronous
// function built through this chain into a registrable HandlerFunc.
//
// Onion model execution order:
//
//	Chain(A, B, C)(handler)  →  A(B(C(handler)))
//
//	Request:   A.before → B.before → C.before → handler
//	Response:  handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"mini-rpc-broker/rpc"
)

// HandlerFunc is the function signature for a synchronous procedure and
// for every middleware-wrapped handler sharing its signature.
type HandlerFunc func(ctx context.Context, call *rpc.Call) rpc.Result

// Middleware takes a handler and returns a new handler that wraps it.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes multiple middlewares into one, in order: the first
// middleware passed is the outermost layer.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
