// Package dispatch implements the broker's dispatch core: the single
// command-queue actor that owns the procedure registry, the live-client
// set, and the in-flight call table (spec.md §4.4).
//
// Grounded on swiboe's src/server/swiboe.rs Handler and
// src/server/plugin_core.rs CorePlugin, translated from a blocking
// mpsc::Receiver loop into a goroutine draining a Go channel.
package dispatch

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"mini-rpc-broker/registry"
	"mini-rpc-broker/rpc"
)

// Sender delivers a Message to a specific client. Implemented by
// bridge.Bridge; kept as an interface so dispatch has no import-time
// dependency on the transport layer.
type Sender interface {
	Send(client rpc.ClientID, msg rpc.Message)
}

// Metrics receives counter/gauge updates for dispatch-core activity.
// Implemented by broker.metrics (Prometheus-backed); kept as an
// interface, with a nil Metrics on Core meaning "don't instrument", so
// dispatch has no import-time dependency on the metrics library.
type Metrics interface {
	CallRouted()
	FallThrough()
	Cancelled()
	ClientConnected()
	ClientDisconnected()
}

// Config tunes synthetic procedure behavior.
type Config struct {
	// AllowRemoteExit gates core.exit (spec.md §4.4.3: "Optional, may be
	// gated by configuration").
	AllowRemoteExit bool
}

// runningCall tracks one in-flight call. handlers is the
// procedure's priority-ordered handler list snapshotted at dispatch
// time (spec.md §3); lastIndex points into that snapshot, never into
// the live registry. A handler registering or deregistering after
// dispatch never reshuffles an already-dispatched call's chain, which
// is what lets currentHandler and advanceFallThrough resolve the
// assigned handler by plain index instead of reconciling it against a
// registry that may have moved under them.
type runningCall struct {
	caller    rpc.ClientID
	call      rpc.Call
	handlers  []registry.Handler
	lastIndex int
}

// Core is the dispatch core. All state is private to the goroutine
// running Run; external callers communicate through the exported
// command-submission methods below, each of which enqueues a command
// rather than touching state directly.
type Core struct {
	cfg      Config
	sender   Sender
	registry *registry.Registry
	clients  map[rpc.ClientID]struct{}
	inFlight map[string]*runningCall
	commands chan command
	quit     chan struct{}
	onQuit   func()
	log      zerolog.Logger
	metrics  Metrics
}

// New creates a dispatch core. sender is used to deliver messages to
// clients; onQuit (optional, see SetOnQuit) is invoked once when a
// core.exit or explicit Quit command terminates Run.
func New(sender Sender, cfg Config, log zerolog.Logger) *Core {
	return &Core{
		cfg:      cfg,
		sender:   sender,
		registry: registry.New(),
		clients:  make(map[rpc.ClientID]struct{}),
		inFlight: make(map[string]*runningCall),
		commands: make(chan command, 256),
		quit:     make(chan struct{}),
		log:      log.With().Str("component", "dispatch").Logger(),
	}
}

// SetOnQuit registers a callback invoked once when the dispatch loop
// terminates (used by broker.Broker to tear down the bridge on
// core.exit).
func (c *Core) SetOnQuit(fn func()) { c.onQuit = fn }

// SetMetrics wires an optional Metrics sink. Call before Run; the
// command loop itself never locks, so metrics updates stay on the same
// single goroutine as every other state mutation.
func (c *Core) SetMetrics(m Metrics) { c.metrics = m }

// Run drains the command queue until a Quit command (or an accepted
// core.exit) is processed. It is meant to run in its own goroutine for
// the lifetime of the broker.
func (c *Core) Run() {
	for cmd := range c.commands {
		if !c.handle(cmd) {
			if c.onQuit != nil {
				c.onQuit()
			}
			close(c.quit)
			return
		}
	}
}

// Done returns a channel closed once Run has returned.
func (c *Core) Done() <-chan struct{} { return c.quit }

// ---- command submission API (safe to call from any goroutine) ----

func (c *Core) ClientConnected(id rpc.ClientID) {
	c.commands <- command{kind: cmdClientConnected, clientID: id}
}

func (c *Core) ClientDisconnected(id rpc.ClientID) {
	c.commands <- command{kind: cmdClientDisconnected, clientID: id}
}

// NewRPC enqueues a registration of caller as a handler for name at
// priority, with no reply to anyone; a rejected registration is only
// logged. The core.new_rpc procedure does not go through this command:
// it registers inside the dispatch loop and replies to the caller.
func (c *Core) NewRPC(caller rpc.ClientID, name string, priority uint16) {
	c.commands <- command{kind: cmdNewRPC, clientID: caller, name: name, priority: priority}
}

func (c *Core) RPCCall(caller rpc.ClientID, call rpc.Call) {
	c.commands <- command{kind: cmdRPCCall, clientID: caller, call: call}
}

func (c *Core) RPCResponse(handler rpc.ClientID, resp rpc.Response) {
	c.commands <- command{kind: cmdRPCResponse, clientID: handler, response: resp}
}

func (c *Core) RPCCancel(sender rpc.ClientID, cancel rpc.Cancel) {
	c.commands <- command{kind: cmdRPCCancel, clientID: sender, cancel: cancel}
}

// SendDataFailed reports that msg could not be delivered to target (the
// connection died mid-write). For an undelivered Call this re-enters
// fall-through exactly as a NotHandled response would; for an
// undelivered Response/Cancel it is merely logged, since the opposite
// party will in turn observe target's disconnect.
func (c *Core) SendDataFailed(target rpc.ClientID, msg rpc.Message, err error) {
	c.commands <- command{kind: cmdSendDataFailed, clientID: target, failedMsg: msg, failErr: err}
}

// Quit asks the dispatch loop to terminate after draining its current
// queue.
func (c *Core) Quit() {
	c.commands <- command{kind: cmdQuit}
}

type commandKind int

const (
	cmdClientConnected commandKind = iota
	cmdClientDisconnected
	cmdNewRPC
	cmdRPCCall
	cmdRPCResponse
	cmdRPCCancel
	cmdSendDataFailed
	cmdQuit
)

type command struct {
	kind      commandKind
	clientID  rpc.ClientID
	name      string
	priority  uint16
	call      rpc.Call
	response  rpc.Response
	cancel    rpc.Cancel
	failedMsg rpc.Message
	failErr   error
}

// handle processes a single command; it returns false when the loop
// should terminate.
func (c *Core) handle(cmd command) bool {
	switch cmd.kind {
	case cmdQuit:
		return false
	case cmdClientConnected:
		c.clients[cmd.clientID] = struct{}{}
		if c.metrics != nil {
			c.metrics.ClientConnected()
		}
	case cmdClientDisconnected:
		c.onClientDisconnected(cmd.clientID)
		if c.metrics != nil {
			c.metrics.ClientDisconnected()
		}
	case cmdNewRPC:
		if err := c.registry.Register(cmd.name, cmd.clientID, cmd.priority); err != nil {
			c.log.Debug().Err(err).Str("name", cmd.name).Msg("rejected registration")
		}
	case cmdRPCCall:
		return c.onRPCCall(cmd.clientID, cmd.call)
	case cmdRPCResponse:
		c.onRPCResponseFrom(cmd.clientID, cmd.response)
	case cmdRPCCancel:
		c.onRPCCancel(cmd.clientID, cmd.cancel)
	case cmdSendDataFailed:
		c.onSendDataFailed(cmd.clientID, cmd.failedMsg, cmd.failErr)
	}
	return true
}

func (c *Core) onClientDisconnected(id rpc.ClientID) {
	delete(c.clients, id)
	c.registry.DeregisterByClient(id)

	// Calls this client made are owed nothing further.
	for ctx, rc := range c.inFlight {
		if rc.caller == id {
			delete(c.inFlight, ctx)
		}
	}

	// Calls currently assigned to this client as handler must be
	// re-dispatched via fall-through, since it can no longer reply.
	// This corrects swiboe's ClientDisconnected, which only swept calls
	// where the disconnecting client was the caller (see SPEC_FULL.md
	// §4.4).
	for ctx, rc := range c.inFlight {
		handler, ok := c.currentHandler(rc)
		if ok && handler.ClientID == id {
			c.advanceFallThrough(ctx, rc)
		}
	}
}

// currentHandler resolves the handler an in-flight call is presently
// assigned to, purely from its own snapshot and lastIndex; it never
// touches the live registry.
func (c *Core) currentHandler(rc *runningCall) (registry.Handler, bool) {
	if rc.lastIndex < 0 || rc.lastIndex >= len(rc.handlers) {
		return registry.Handler{}, false
	}
	return rc.handlers[rc.lastIndex], true
}

const coreFunctionPrefix = "core."

// onRPCCall dispatches a freshly submitted call, either to a synthetic
// core.* procedure or to the first-priority registered handler. It
// returns false only when a core.exit is accepted and the dispatch loop
// should terminate.
func (c *Core) onRPCCall(caller rpc.ClientID, call rpc.Call) bool {
	if strings.HasPrefix(call.Function, coreFunctionPrefix) {
		return c.callCoreFunction(caller, call)
	}

	handlers := c.registry.Handlers(call.Function)
	if len(handlers) == 0 {
		c.sender.Send(caller, rpc.ResponseMessage(rpc.LastResponse(call.Context,
			rpc.Err(rpc.NewError(rpc.ErrorKindUnknownRpc, call.Function)))))
		return true
	}

	c.inFlight[call.Context] = &runningCall{
		caller:    caller,
		call:      call,
		handlers:  handlers,
		lastIndex: 0,
	}
	if c.metrics != nil {
		c.metrics.CallRouted()
	}
	c.sender.Send(handlers[0].ClientID, rpc.CallMessage(call))
	return true
}

type newRPCArgs struct {
	Name     string  `json:"name"`
	Priority *uint16 `json:"priority"`
}

// callCoreFunction implements the broker's two synthetic procedures
// (spec.md §4.4.3). It replies directly to caller and never enters the
// in-flight table, since core.* calls never fall through.
func (c *Core) callCoreFunction(caller rpc.ClientID, call rpc.Call) bool {
	switch call.Function {
	case "core.new_rpc":
		var args newRPCArgs
		if err := json.Unmarshal(call.Args, &args); err != nil {
			c.sender.Send(caller, rpc.ResponseMessage(rpc.LastResponse(call.Context,
				rpc.Err(rpc.NewError(rpc.ErrorKindInvalidArgs, err.Error())))))
			return true
		}
		priority := registry.DefaultPriority
		if args.Priority != nil {
			priority = *args.Priority
		}
		var result rpc.Result
		if err := c.registry.Register(args.Name, caller, priority); err != nil {
			detail := err.Error()
			switch err {
			case registry.ErrAlreadyRegistered:
				detail = "already_registered"
			case registry.ErrReservedName:
				detail = "reserved_name"
			}
			result = rpc.Err(rpc.NewError(rpc.ErrorKindInvalidArgs, detail))
		} else {
			result = rpc.Ok(nil)
		}
		c.sender.Send(caller, rpc.ResponseMessage(rpc.LastResponse(call.Context, result)))
		return true

	case "core.exit":
		if !c.cfg.AllowRemoteExit {
			c.sender.Send(caller, rpc.ResponseMessage(rpc.LastResponse(call.Context,
				rpc.Err(rpc.NewError(rpc.ErrorKindInvalidArgs, "core.exit disabled")))))
			return true
		}
		c.sender.Send(caller, rpc.ResponseMessage(rpc.LastResponse(call.Context, rpc.Ok(nil))))
		return false

	default:
		c.sender.Send(caller, rpc.ResponseMessage(rpc.LastResponse(call.Context,
			rpc.Err(rpc.NewError(rpc.ErrorKindUnknownRpc, call.Function)))))
		return true
	}
}

// onRPCResponseFrom processes a Response sent by handler for one of its
// assigned calls. A NotHandled Last response re-enters fall-through
// instead of reaching the caller.
func (c *Core) onRPCResponseFrom(handler rpc.ClientID, resp rpc.Response) {
	rc, ok := c.inFlight[resp.Context]
	if !ok {
		return // Caller already gone, or context unknown; drop.
	}
	current, ok := c.currentHandler(rc)
	if !ok || current.ClientID != handler {
		return // Stale reply from a handler no longer on the chain.
	}

	switch resp.Kind {
	case rpc.KindPartial:
		c.sender.Send(rc.caller, rpc.ResponseMessage(rpc.PartialResponse(rc.call.Context, resp.Partial)))
	case rpc.KindLast:
		if resp.Last.IsNotHandled() {
			c.advanceFallThrough(resp.Context, rc)
			return
		}
		delete(c.inFlight, resp.Context)
		c.sender.Send(rc.caller, rpc.ResponseMessage(rpc.LastResponse(rc.call.Context, resp.Last)))
	}
}

// advanceFallThrough implements spec.md §4.4's fall-through algorithm:
// try the next-priority handler from the call's own snapshot, or
// report UnknownRpc to the caller once the snapshot is exhausted.
// Walking the snapshot rather than the live registry is what
// guarantees a handler is never called twice for the same context: a
// handler registering mid-call can't shift an already-dispatched
// call's remaining positions, and a handler that already declined or
// was skipped can never be reached again by advancing an index that
// only ever increases.
func (c *Core) advanceFallThrough(context string, rc *runningCall) {
	rc.lastIndex++
	if c.metrics != nil {
		c.metrics.FallThrough()
	}
	if rc.lastIndex < len(rc.handlers) {
		c.sender.Send(rc.handlers[rc.lastIndex].ClientID, rpc.CallMessage(rc.call))
		return
	}
	delete(c.inFlight, context)
	c.sender.Send(rc.caller, rpc.ResponseMessage(rpc.LastResponse(rc.call.Context,
		rpc.Err(rpc.NewError(rpc.ErrorKindUnknownRpc, rc.call.Function)))))
}

// onRPCCancel forwards a cancellation to the call's current handler.
// Only the original caller's cancel is honored (spec.md §9's resolved
// Open Question); any other sender is silently ignored.
func (c *Core) onRPCCancel(sender rpc.ClientID, cancel rpc.Cancel) {
	rc, ok := c.inFlight[cancel.Context]
	if !ok || rc.caller != sender {
		return
	}
	delete(c.inFlight, cancel.Context)
	if c.metrics != nil {
		c.metrics.Cancelled()
	}

	handler, ok := c.currentHandler(rc)
	if !ok {
		return
	}
	c.sender.Send(handler.ClientID, rpc.CancelMessage(cancel))
}

// onSendDataFailed reacts to a transport-level delivery failure reported
// by the bridge. An undeliverable Call is treated exactly like a
// NotHandled response from its intended handler; anything else is just
// logged, since the peer's own disconnect will be reported separately.
func (c *Core) onSendDataFailed(target rpc.ClientID, msg rpc.Message, err error) {
	switch {
	case msg.Call != nil:
		c.log.Warn().Err(err).Stringer("target", target).Str("function", msg.Call.Function).
			Msg("delivery to handler failed, continuing fall-through")
		if rc, ok := c.inFlight[msg.Call.Context]; ok {
			c.advanceFallThrough(msg.Call.Context, rc)
		}
	default:
		c.log.Warn().Err(err).Stringer("target", target).Msg("dropped undeliverable response or cancel")
	}
}

// InFlightCount reports the number of outstanding calls; exposed for
// tests verifying the disconnect-reclamation invariant.
func (c *Core) InFlightCount() int { return len(c.inFlight) }

// Registry exposes the procedure registry for tests and metrics.
func (c *Core) Registry() *registry.Registry { return c.registry }
