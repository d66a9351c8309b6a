package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mini-rpc-broker/client"
	"mini-rpc-broker/internal/config"
	"mini-rpc-broker/rpc"
)

func startTestBroker(t *testing.T, cfg config.Config) (*Broker, string) {
	t.Helper()
	b := New(cfg, zerolog.Nop())
	require.NoError(t, b.Listen("tcp", "127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = b.Shutdown(context.Background())
		<-done
	})

	return b, b.Addrs()[0].String()
}

func TestBrokerServesAnEndToEndCall(t *testing.T) {
	_, addr := startTestBroker(t, config.Config{WorkerPoolSize: 2, MaxFrameSize: 1 << 20})

	handlerClient, err := client.Dial("tcp", addr)
	require.NoError(t, err)
	defer handlerClient.Close()

	require.NoError(t, handlerClient.NewRPC("echo", 10, func(ctx *client.HandlerContext, args json.RawMessage) {
		result, _ := rpc.OkValue("pong")
		_ = ctx.Finish(result)
	}))

	caller, err := client.Dial("tcp", addr)
	require.NoError(t, err)
	defer caller.Close()

	callCtx, err := caller.Call("echo", nil)
	require.NoError(t, err)
	var reply string
	require.NoError(t, callCtx.WaitFor(&reply))
	require.Equal(t, "pong", reply)
}

func TestBrokerExposesMetricsEndpointWhenEnabled(t *testing.T) {
	cfg := config.Config{
		WorkerPoolSize: 2,
		MaxFrameSize:   1 << 20,
		Metrics:        config.Metrics{Enabled: true, Address: "127.0.0.1:0"},
	}
	b := New(cfg, zerolog.Nop())
	require.NotNil(t, b.metricsSrv)
}

func TestBrokerShutdownStopsServe(t *testing.T) {
	b := New(config.Config{WorkerPoolSize: 2, MaxFrameSize: 1 << 20}, zerolog.Nop())
	require.NoError(t, b.Listen("tcp", "127.0.0.1:0"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Serve(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Shutdown(context.Background()))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve never returned after Shutdown")
	}
}
