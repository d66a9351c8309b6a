package client

import (
	"fmt"
	"sync"
	"sync/atomic"

	"mini-rpc-broker/rpc"
)

type handlerState int32

const (
	stateAlive handlerState = iota
	stateFinished
	stateCancelled
)

// ErrHandlerFinished is returned by Update/Finish/Call once the handler
// context has already produced a terminal response.
var ErrHandlerFinished = fmt.Errorf("client: handler context already finished")

// ErrHandlerCancelled is returned by Update/Finish/Call once the caller
// has cancelled this call.
var ErrHandlerCancelled = fmt.Errorf("client: handler context was cancelled")

// HandlerContext is passed to a HandlerFunc for one dispatched call. It
// is the Go port of swiboe's src/client/rpc/server.rs Context: a small
// state machine (Alive → Finished or Cancelled) wrapping the connection
// needed to stream partial results, finish the call, make further
// outbound calls, and observe cancellation.
type HandlerContext struct {
	client  *Client
	context string

	mu    sync.Mutex
	state handlerState

	cancelled atomic.Bool
}

func newHandlerContext(c *Client, context string) *HandlerContext {
	return &HandlerContext{client: c, context: context, state: stateAlive}
}

func (h *HandlerContext) checkLiveness() error {
	if h.cancelled.Load() {
		h.mu.Lock()
		h.state = stateCancelled
		h.mu.Unlock()
		return ErrHandlerCancelled
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case stateFinished:
		return ErrHandlerFinished
	case stateCancelled:
		return ErrHandlerCancelled
	default:
		return nil
	}
}

// Update sends an intermediate (Partial) result to the caller. Any
// number of calls to Update may precede Finish.
func (h *HandlerContext) Update(value any) error {
	if err := h.checkLiveness(); err != nil {
		return err
	}
	result, err := rpc.OkValue(value)
	if err != nil {
		return fmt.Errorf("client: marshal partial update: %w", err)
	}
	return h.client.send(rpc.ResponseMessage(rpc.PartialResponse(h.context, result.Value())))
}

// Finish sends the terminal result for this call. result may be built
// with rpc.Ok, rpc.OkValue, rpc.Err, or rpc.NotHandled (the last one
// asks the broker to try the next-priority handler).
func (h *HandlerContext) Finish(result rpc.Result) error {
	if err := h.checkLiveness(); err != nil {
		return err
	}
	h.mu.Lock()
	h.state = stateFinished
	h.mu.Unlock()
	return h.client.send(rpc.ResponseMessage(rpc.LastResponse(h.context, result)))
}

// Call lets a handler itself issue an outbound call while still
// processing its own, sharing the same underlying connection.
func (h *HandlerContext) Call(function string, args any) (*Context, error) {
	if err := h.checkLiveness(); err != nil {
		return nil, err
	}
	return h.client.Call(function, args)
}

// Cancelled reports whether the caller has cancelled this call. A
// well-behaved handler polls this during long-running work and stops
// once it observes true; from then on Update, Finish and Call return
// ErrHandlerCancelled without sending anything.
func (h *HandlerContext) Cancelled() bool {
	return h.cancelled.Load()
}

// ContextID returns the call context id this handler is responding to.
func (h *HandlerContext) ContextID() string {
	return h.context
}

func (h *HandlerContext) markCancelled() {
	h.cancelled.Store(true)
}
