package client

import (
	"context"
	"encoding/json"

	"mini-rpc-broker/middleware"
	"mini-rpc-broker/rpc"
)

// Simple adapts a synchronous, middleware-wrapped procedure into a
// registrable HandlerFunc: it invokes fn exactly once and forwards its
// Result to ctx.Finish, with no intermediate Update calls. Use this for
// procedures that don't stream partial results, so they can still be
// wrapped with middleware.Chain (logging, timeout, rate limiting,
// retry) the way a streaming handler cannot be.
func Simple(name string, fn middleware.HandlerFunc) HandlerFunc {
	return func(ctx *HandlerContext, args json.RawMessage) {
		call := &rpc.Call{Function: name, Context: ctx.ContextID(), Args: args}
		result := fn(context.Background(), call)
		_ = ctx.Finish(result)
	}
}
