package client

import (
	"encoding/json"
	"fmt"

	"mini-rpc-broker/rpc"
)

// Context tracks one outbound call from the caller's side: it receives
// zero or more Partial responses followed by exactly one Last response
// (spec.md §4.6). Grounded on swiboe's src/client/rpc/client.rs Context.
type Context struct {
	client  *Client
	context string
	values  chan rpc.Response
	result  *rpc.Result
}

func newContext(c *Client, context string, values chan rpc.Response) *Context {
	return &Context{client: c, context: context, values: values}
}

// TryRecv returns the next Partial value without blocking. ok is false
// both when no value is available yet and once the call has finished;
// callers distinguish the latter with Done.
func (ctx *Context) TryRecv() (value json.RawMessage, ok bool, err error) {
	if ctx.result != nil {
		return nil, false, nil
	}
	select {
	case resp := <-ctx.values:
		return ctx.consume(resp)
	default:
		return nil, false, nil
	}
}

// Recv blocks for the next Partial value, or returns ok=false once the
// terminal response has been consumed.
func (ctx *Context) Recv() (value json.RawMessage, ok bool, err error) {
	if ctx.result != nil {
		return nil, false, nil
	}
	resp, open := <-ctx.values
	if !open {
		return nil, false, fmt.Errorf("client: response channel closed")
	}
	return ctx.consume(resp)
}

func (ctx *Context) consume(resp rpc.Response) (json.RawMessage, bool, error) {
	switch resp.Kind {
	case rpc.KindPartial:
		return resp.Partial, true, nil
	case rpc.KindLast:
		ctx.result = &resp.Last
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("client: unknown response kind %d", resp.Kind)
	}
}

// Wait drains every remaining Partial value and returns the terminal
// Result.
func (ctx *Context) Wait() (rpc.Result, error) {
	for {
		_, ok, err := ctx.Recv()
		if err != nil {
			return rpc.Result{}, err
		}
		if !ok {
			break
		}
	}
	if ctx.result == nil {
		return rpc.Result{}, fmt.Errorf("client: no result available")
	}
	return *ctx.result, nil
}

// WaitFor waits for the terminal result and JSON-decodes its Ok payload
// into v. It returns the call's Err as a Go error, and treats
// NotHandled as an error too since a caller almost never wants to
// special-case it (use Wait directly when that distinction matters).
func (ctx *Context) WaitFor(v any) error {
	result, err := ctx.Wait()
	if err != nil {
		return err
	}
	switch {
	case result.IsOk():
		return json.Unmarshal(result.Value(), v)
	case result.IsErr():
		return result.Unwrap()
	default:
		return fmt.Errorf("client: call was not handled by any registered procedure")
	}
}

// Done reports whether the terminal response has already been consumed.
func (ctx *Context) Done() bool { return ctx.result != nil }

// Cancel asks the broker to cancel this call. It is a no-op, not an
// error, if the call has already finished.
func (ctx *Context) Cancel() error {
	if ctx.Done() {
		return nil
	}
	return ctx.client.send(rpc.CancelMessage(rpc.Cancel{Context: ctx.context}))
}
