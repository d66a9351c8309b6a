package test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"mini-rpc-broker/broker"
	"mini-rpc-broker/client"
	"mini-rpc-broker/codec"
	"mini-rpc-broker/internal/config"
	"mini-rpc-broker/protocol"
	"mini-rpc-broker/rpc"
)

func startBrokerForBench(b *testing.B) string {
	b.Helper()

	bk := broker.New(config.Config{WorkerPoolSize: 4, MaxFrameSize: 1 << 20}, zerolog.Nop())
	if err := bk.Listen("tcp", "127.0.0.1:0"); err != nil {
		b.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bk.Serve(ctx)
	}()
	b.Cleanup(func() {
		cancel()
		_ = bk.Shutdown(context.Background())
		<-done
	})

	return bk.Addrs()[0].String()
}

// benchEcho starts a broker with a single "echo" handler, for
// benchmarks that only care about round-trip overhead.
func benchEcho(b *testing.B) *client.Client {
	b.Helper()

	addr := startBrokerForBench(b)
	handler, err := client.Dial("tcp", addr)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = handler.Close() })

	if err := handler.NewRPC("echo", 100, func(ctx *client.HandlerContext, args json.RawMessage) {
		_ = ctx.Finish(rpc.Ok(args))
	}); err != nil {
		b.Fatal(err)
	}

	caller, err := client.Dial("tcp", addr)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = caller.Close() })

	return caller
}

// BenchmarkSerialCall measures a single goroutine issuing calls back to
// back over one connection.
func BenchmarkSerialCall(b *testing.B) {
	caller := benchEcho(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		callCtx, err := caller.Call("echo", map[string]int{"x": i})
		if err != nil {
			b.Fatal(err)
		}
		var reply map[string]int
		if err := callCtx.WaitFor(&reply); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkConcurrentCall measures many goroutines sharing one
// multiplexed connection, exercising client.Client's pending-table
// routing under contention.
func BenchmarkConcurrentCall(b *testing.B) {
	caller := benchEcho(b)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			callCtx, err := caller.Call("echo", map[string]int{"x": 1})
			if err != nil {
				b.Error(err)
				return
			}
			var reply map[string]int
			if err := callCtx.WaitFor(&reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// BenchmarkCodecJSON measures the tagged-union JSON encode/decode path
// without any network I/O.
func BenchmarkCodecJSON(b *testing.B) {
	c := &codec.JSONCodec{}
	msg := rpc.CallMessage(rpc.Call{Function: "echo", Context: "ctx-1", Args: json.RawMessage(`{"x":1}`)})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := c.Encode(msg)
		if err != nil {
			b.Fatal(err)
		}
		var out rpc.Message
		if err := c.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkFrameCodec measures the length-prefixed frame encode/decode
// path in isolation, with no JSON involved.
func BenchmarkFrameCodec(b *testing.B) {
	payload := []byte(`{"RpcCall":{"function":"echo","context":"ctx-1","args":{"x":1}}}`)
	var buf bytes.Buffer

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		if err := protocol.Encode(&buf, payload); err != nil {
			b.Fatal(err)
		}
		if _, err := protocol.Decode(&buf, 0); err != nil {
			b.Fatal(err)
		}
	}
}
