package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-rpc-broker/rpc"
)

type sent struct {
	to  rpc.ClientID
	msg rpc.Message
}

type fakeSender struct {
	out []sent
}

func (f *fakeSender) Send(to rpc.ClientID, msg rpc.Message) {
	f.out = append(f.out, sent{to: to, msg: msg})
}

func (f *fakeSender) last() sent { return f.out[len(f.out)-1] }

func client(serial uint64) rpc.ClientID {
	return rpc.ClientID{Serial: serial, Slot: uint32(serial)}
}

func newTestCore(t *testing.T, cfg Config) (*Core, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	core := New(sender, cfg, zerolog.Nop())
	return core, sender
}

func TestDirectDispatchToSoleHandler(t *testing.T) {
	core, sender := newTestCore(t, Config{})
	caller, handler := client(1), client(2)

	require.NoError(t, core.registry.Register("echo", handler, 10))
	require.True(t, core.onRPCCall(caller, rpc.Call{Function: "echo", Context: "ctx-1", Args: json.RawMessage(`"hi"`)}))

	require.Len(t, sender.out, 1)
	got := sender.last()
	assert.Equal(t, handler, got.to)
	require.NotNil(t, got.msg.Call)
	assert.Equal(t, "echo", got.msg.Call.Function)
	assert.Equal(t, 1, core.InFlightCount())
}

func TestUnknownProcedureRespondsImmediately(t *testing.T) {
	core, sender := newTestCore(t, Config{})
	caller := client(1)

	require.True(t, core.onRPCCall(caller, rpc.Call{Function: "nope", Context: "ctx-1"}))

	got := sender.last()
	assert.Equal(t, caller, got.to)
	require.NotNil(t, got.msg.Response)
	assert.True(t, got.msg.Response.Last.IsErr())
	assert.Equal(t, rpc.ErrorKindUnknownRpc, got.msg.Response.Last.Unwrap().Kind)
	assert.Equal(t, 0, core.InFlightCount())
}

func TestFallThroughOnNotHandled(t *testing.T) {
	core, sender := newTestCore(t, Config{})
	caller, first, second := client(1), client(2), client(3)

	require.NoError(t, core.registry.Register("pick", first, 10))
	require.NoError(t, core.registry.Register("pick", second, 20))

	require.True(t, core.onRPCCall(caller, rpc.Call{Function: "pick", Context: "ctx-1"}))
	assert.Equal(t, first, sender.last().to)

	core.onRPCResponseFrom(first, rpc.LastResponse("ctx-1", rpc.NotHandled()))
	assert.Equal(t, second, sender.last().to)
	assert.Equal(t, 1, core.InFlightCount())

	core.onRPCResponseFrom(second, rpc.LastResponse("ctx-1", rpc.Ok(json.RawMessage(`42`))))
	final := sender.last()
	assert.Equal(t, caller, final.to)
	require.NotNil(t, final.msg.Response)
	assert.True(t, final.msg.Response.Last.IsOk())
	assert.Equal(t, 0, core.InFlightCount())
}

func TestAllHandlersDeclineReportsUnknownRpc(t *testing.T) {
	core, sender := newTestCore(t, Config{})
	caller, only := client(1), client(2)

	require.NoError(t, core.registry.Register("pick", only, 10))
	require.True(t, core.onRPCCall(caller, rpc.Call{Function: "pick", Context: "ctx-1"}))

	core.onRPCResponseFrom(only, rpc.LastResponse("ctx-1", rpc.NotHandled()))

	final := sender.last()
	assert.Equal(t, caller, final.to)
	assert.True(t, final.msg.Response.Last.IsErr())
	assert.Equal(t, rpc.ErrorKindUnknownRpc, final.msg.Response.Last.Unwrap().Kind)
}

func TestPartialResponsesForwardWithoutConsumingInFlight(t *testing.T) {
	core, sender := newTestCore(t, Config{})
	caller, handler := client(1), client(2)

	require.NoError(t, core.registry.Register("stream", handler, 10))
	require.True(t, core.onRPCCall(caller, rpc.Call{Function: "stream", Context: "ctx-1"}))

	core.onRPCResponseFrom(handler, rpc.PartialResponse("ctx-1", json.RawMessage(`1`)))
	assert.Equal(t, 1, core.InFlightCount())
	got := sender.last()
	assert.Equal(t, caller, got.to)
	assert.Equal(t, rpc.KindPartial, got.msg.Response.Kind)

	core.onRPCResponseFrom(handler, rpc.LastResponse("ctx-1", rpc.Ok(nil)))
	assert.Equal(t, 0, core.InFlightCount())
}

func TestCancelOnlyHonoredFromOriginalCaller(t *testing.T) {
	core, sender := newTestCore(t, Config{})
	caller, impostor, handler := client(1), client(9), client(2)

	require.NoError(t, core.registry.Register("slow", handler, 10))
	require.True(t, core.onRPCCall(caller, rpc.Call{Function: "slow", Context: "ctx-1"}))

	core.onRPCCancel(impostor, rpc.Cancel{Context: "ctx-1"})
	assert.Equal(t, 1, core.InFlightCount(), "cancel from non-caller must be ignored")

	core.onRPCCancel(caller, rpc.Cancel{Context: "ctx-1"})
	assert.Equal(t, 0, core.InFlightCount())
	got := sender.last()
	assert.Equal(t, handler, got.to)
	require.NotNil(t, got.msg.Cancel)
}

func TestClientDisconnectReclaimsCallsItWasHandling(t *testing.T) {
	core, sender := newTestCore(t, Config{})
	caller, dead, fallback := client(1), client(2), client(3)

	require.NoError(t, core.registry.Register("pick", dead, 10))
	require.NoError(t, core.registry.Register("pick", fallback, 20))
	require.True(t, core.onRPCCall(caller, rpc.Call{Function: "pick", Context: "ctx-1"}))
	require.Equal(t, dead, sender.last().to)

	core.onClientDisconnected(dead)

	got := sender.last()
	assert.Equal(t, fallback, got.to, "disconnected handler's call should fall through to the next handler")
	assert.Equal(t, 1, core.InFlightCount())
	handlers := core.registry.Handlers("pick")
	require.Len(t, handlers, 1)
	assert.Equal(t, fallback, handlers[0].ClientID)
}

func TestClientDisconnectDropsCallsItMade(t *testing.T) {
	core, _ := newTestCore(t, Config{})
	caller, handler := client(1), client(2)

	require.NoError(t, core.registry.Register("pick", handler, 10))
	require.True(t, core.onRPCCall(caller, rpc.Call{Function: "pick", Context: "ctx-1"}))
	require.Equal(t, 1, core.InFlightCount())

	core.onClientDisconnected(caller)
	assert.Equal(t, 0, core.InFlightCount())
}

func TestCoreNewRPCRegistersHandler(t *testing.T) {
	core, sender := newTestCore(t, Config{})
	caller := client(5)

	ok := core.onRPCCall(caller, rpc.Call{
		Function: "core.new_rpc",
		Context:  "ctx-1",
		Args:     json.RawMessage(`{"name":"echo","priority":7}`),
	})
	assert.True(t, ok)

	got := sender.last()
	assert.True(t, got.msg.Response.Last.IsOk())
	handlers := core.registry.Handlers("echo")
	require.Len(t, handlers, 1)
	assert.Equal(t, caller, handlers[0].ClientID)
	assert.Equal(t, uint16(7), handlers[0].Priority)
}

func TestCoreExitDisabledByDefault(t *testing.T) {
	core, sender := newTestCore(t, Config{AllowRemoteExit: false})
	caller := client(1)

	keepRunning := core.onRPCCall(caller, rpc.Call{Function: "core.exit", Context: "ctx-1"})
	assert.True(t, keepRunning)
	assert.True(t, sender.last().msg.Response.Last.IsErr())
}

func TestCoreExitWhenEnabledStopsTheLoop(t *testing.T) {
	core, sender := newTestCore(t, Config{AllowRemoteExit: true})
	caller := client(1)

	keepRunning := core.onRPCCall(caller, rpc.Call{Function: "core.exit", Context: "ctx-1"})
	assert.False(t, keepRunning)
	assert.True(t, sender.last().msg.Response.Last.IsOk())
}

func TestSendDataFailedOnCallContinuesFallThrough(t *testing.T) {
	core, sender := newTestCore(t, Config{})
	caller, first, second := client(1), client(2), client(3)

	require.NoError(t, core.registry.Register("pick", first, 10))
	require.NoError(t, core.registry.Register("pick", second, 20))
	require.True(t, core.onRPCCall(caller, rpc.Call{Function: "pick", Context: "ctx-1"}))

	core.onSendDataFailed(first, rpc.CallMessage(rpc.Call{Function: "pick", Context: "ctx-1"}), assertError{})

	assert.Equal(t, second, sender.last().to)
}

type assertError struct{}

func (assertError) Error() string { return "delivery failed" }

type fakeMetrics struct {
	routed, fallThroughs, cancels, connects, disconnects int
}

func (m *fakeMetrics) CallRouted()         { m.routed++ }
func (m *fakeMetrics) FallThrough()        { m.fallThroughs++ }
func (m *fakeMetrics) Cancelled()          { m.cancels++ }
func (m *fakeMetrics) ClientConnected()    { m.connects++ }
func (m *fakeMetrics) ClientDisconnected() { m.disconnects++ }

func TestMetricsAreReportedForRoutingAndLifecycleEvents(t *testing.T) {
	core, _ := newTestCore(t, Config{})
	metrics := &fakeMetrics{}
	core.SetMetrics(metrics)
	caller, first, second := client(1), client(2), client(3)

	require.True(t, core.handle(command{kind: cmdClientConnected, clientID: caller}))
	require.NoError(t, core.registry.Register("pick", first, 10))
	require.NoError(t, core.registry.Register("pick", second, 20))

	require.True(t, core.onRPCCall(caller, rpc.Call{Function: "pick", Context: "ctx-1"}))
	core.onRPCResponseFrom(first, rpc.LastResponse("ctx-1", rpc.NotHandled()))
	core.onRPCCancel(caller, rpc.Cancel{Context: "ctx-1"})
	require.True(t, core.handle(command{kind: cmdClientDisconnected, clientID: caller}))

	assert.Equal(t, 1, metrics.routed)
	assert.Equal(t, 1, metrics.fallThroughs)
	assert.Equal(t, 1, metrics.cancels)
	assert.Equal(t, 1, metrics.connects)
	assert.Equal(t, 1, metrics.disconnects)
}
