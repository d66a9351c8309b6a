// Package client implements the broker's client runtime: a single
// multiplexed connection shared by any number of concurrent outbound
// calls and any number of locally-registered inbound procedure
// handlers (spec.md §4.5/§4.6).
//
// Grounded on swiboe's src/client/event_loop.rs + src/client/rpc_loop.rs,
// collapsed from two cooperating mio/mpsc threads into one read-loop
// goroutine plus a sync.Map-routed pending table, in the shape of the
// teacher's transport.ClientTransport (recvLoop + pending map + write
// mutex).
package client

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"mini-rpc-broker/codec"
	"mini-rpc-broker/protocol"
	"mini-rpc-broker/rpc"
)

// HandlerFunc implements one registered procedure. It must eventually
// call ctx.Finish (directly, or with NotHandled so the broker tries the
// next-priority handler); it may call ctx.Update any number of times
// first to stream partial results (spec.md §4.7).
type HandlerFunc func(ctx *HandlerContext, args json.RawMessage)

type registeredHandler struct {
	fn       HandlerFunc
	priority uint16
}

// Client owns one connection to a broker and multiplexes every
// outbound call and every inbound dispatched call over it.
type Client struct {
	conn  net.Conn
	codec codec.Codec

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]registeredHandler
	running  map[string]*HandlerContext // context -> in-progress inbound call

	pending sync.Map // context string -> chan rpc.Response

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to a broker over network ("unix" or "tcp") at address
// and starts the client's read loop.
func Dial(network, address string) (*Client, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	c := &Client{
		conn:     conn,
		codec:    codec.New(),
		handlers: make(map[string]registeredHandler),
		running:  make(map[string]*HandlerContext),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call issues a new RPC and returns a Context for reading its
// responses. args is JSON-marshaled before sending.
func (c *Client) Call(function string, args any) (*Context, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("client: marshal args: %w", err)
	}
	context := uuid.NewString()
	values := make(chan rpc.Response, 8)
	c.pending.Store(context, values)

	call := rpc.Call{Function: function, Context: context, Args: payload}
	if err := c.send(rpc.CallMessage(call)); err != nil {
		c.pending.Delete(context)
		return nil, err
	}
	return newContext(c, context, values), nil
}

type newRPCArgs struct {
	Name     string `json:"name"`
	Priority uint16 `json:"priority"`
}

// NewRPC registers fn as a handler for name at priority, first asking
// the broker (via the synthetic core.new_rpc procedure) to add this
// client to name's handler chain. The local registration only takes
// effect once the broker confirms (spec.md §4.4.3).
func (c *Client) NewRPC(name string, priority uint16, fn HandlerFunc) error {
	ctx, err := c.Call("core.new_rpc", newRPCArgs{Name: name, Priority: priority})
	if err != nil {
		return err
	}
	result, err := ctx.Wait()
	if err != nil {
		return err
	}
	if result.IsErr() {
		return result.Unwrap()
	}

	c.mu.Lock()
	c.handlers[name] = registeredHandler{fn: fn, priority: priority}
	c.mu.Unlock()
	return nil
}

// Clone returns a ThinClient sharing this Client's connection, for
// handing to code that should only be able to issue calls, not
// register handlers or close the connection (mirrors swiboe's
// Client::clone -> ThinClient).
func (c *Client) Clone() *ThinClient {
	return &ThinClient{client: c}
}

// Close shuts down the underlying connection and unblocks the read
// loop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) send(msg rpc.Message) error {
	payload, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("client: encode message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.Encode(c.conn, payload); err != nil {
		return fmt.Errorf("client: write message: %w", err)
	}
	return nil
}

// readLoop is the connection's sole reader: it decodes every inbound
// frame and routes it either to a pending call's response channel or
// to a locally registered handler, spawning a goroutine per dispatched
// call so a slow handler can't stall the next frame's read.
func (c *Client) readLoop() {
	for {
		payload, err := protocol.Decode(c.conn, 0)
		if err != nil {
			c.closeAllPending()
			return
		}

		var msg rpc.Message
		if err := c.codec.Decode(payload, &msg); err != nil {
			continue
		}

		switch {
		case msg.Response != nil:
			c.routeResponse(*msg.Response)
		case msg.Call != nil:
			c.dispatchCall(*msg.Call)
		case msg.Cancel != nil:
			c.dispatchCancel(*msg.Cancel)
		}
	}
}

func (c *Client) routeResponse(resp rpc.Response) {
	v, ok := c.pending.Load(resp.Context)
	if !ok {
		return
	}
	ch := v.(chan rpc.Response)
	ch <- resp
	if resp.Kind == rpc.KindLast {
		c.pending.Delete(resp.Context)
	}
}

func (c *Client) dispatchCall(call rpc.Call) {
	c.mu.Lock()
	h, ok := c.handlers[call.Function]
	c.mu.Unlock()
	if !ok {
		// No local handler; the broker should never have routed here,
		// but reply NotHandled defensively so the caller isn't stuck.
		_ = c.send(rpc.ResponseMessage(rpc.LastResponse(call.Context, rpc.NotHandled())))
		return
	}

	ctx := newHandlerContext(c, call.Context)
	c.mu.Lock()
	c.running[call.Context] = ctx
	c.mu.Unlock()

	go func() {
		defer c.forgetRunning(call.Context)
		h.fn(ctx, call.Args)
	}()
}

func (c *Client) dispatchCancel(cancel rpc.Cancel) {
	c.mu.Lock()
	ctx, ok := c.running[cancel.Context]
	c.mu.Unlock()
	if ok {
		ctx.markCancelled()
	}
}

func (c *Client) forgetRunning(context string) {
	c.mu.Lock()
	delete(c.running, context)
	c.mu.Unlock()
}

func (c *Client) closeAllPending() {
	c.pending.Range(func(key, value any) bool {
		ch := value.(chan rpc.Response)
		ch <- rpc.LastResponse(key.(string), rpc.Err(rpc.NewError(rpc.ErrorKindIo, "connection closed")))
		c.pending.Delete(key)
		return true
	})
}

// ThinClient is a call-only handle sharing its parent Client's
// connection (swiboe's ThinClient). It has no handler-registration or
// lifecycle-management surface.
type ThinClient struct {
	client *Client
}

// Call issues a call exactly like Client.Call.
func (t *ThinClient) Call(function string, args any) (*Context, error) {
	return t.client.Call(function, args)
}

// Clone returns another handle sharing the same underlying connection.
func (t *ThinClient) Clone() *ThinClient {
	return &ThinClient{client: t.client}
}
