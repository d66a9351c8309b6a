package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-rpc-broker/broker"
	"mini-rpc-broker/client"
	"mini-rpc-broker/internal/config"
	"mini-rpc-broker/rpc"
)

func startCallTestBroker(t *testing.T) string {
	t.Helper()
	b := broker.New(config.Config{WorkerPoolSize: 2, MaxFrameSize: 1 << 20}, zerolog.Nop())
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
	return b.Addrs()[0].String()
}

func TestCallCommandDialsViaRoundRobinAndPrintsResponse(t *testing.T) {
	addr := startCallTestBroker(t)

	handler, err := client.Dial("tcp", addr)
	require.NoError(t, err)
	defer handler.Close()
	require.NoError(t, handler.NewRPC("echo", 10, func(ctx *client.HandlerContext, args json.RawMessage) {
		_ = ctx.Finish(rpc.Ok(args))
	}))

	root := GetRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"call", "--broker", addr, "echo", `{"x":1}`})
	require.NoError(t, root.Execute())

	var reply map[string]int
	require.NoError(t, json.Unmarshal(out.Bytes(), &reply))
	assert.Equal(t, map[string]int{"x": 1}, reply)
}

func TestCallCommandRejectsUnknownStrategy(t *testing.T) {
	addr := startCallTestBroker(t)

	root := GetRootCmd()
	root.SetArgs([]string{"call", "--broker", addr, "--strategy", "bogus", "echo", "{}"})
	err := root.Execute()
	assert.Error(t, err)
}

func TestCallCommandConsistentHashRequiresKey(t *testing.T) {
	addr := startCallTestBroker(t)

	root := GetRootCmd()
	root.SetArgs([]string{"call", "--broker", addr, "--strategy", "consistent-hash", "echo", "{}"})
	err := root.Execute()
	assert.Error(t, err)
}
