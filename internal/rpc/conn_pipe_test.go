package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/holesch/not-my-board/internal/transport/pipe"
)

// TestConnOverPipeListener drives a full accept-loop Conn lifecycle —
// Handshake, then Serve, then a Call/response round trip — over an
// internal/transport/pipe.Listener instead of a real socket, the way
// §8's loopback-socket integration tests are meant to exercise the
// control-channel plumbing without a kernel network stack.
func TestConnOverPipeListener(t *testing.T) {
	ln := pipe.NewListener()
	defer ln.Close()

	serverDispatch := NewDispatcher()
	serverDispatch.Handle("echo", func(_ context.Context, _ *Conn, params json.RawMessage) (any, error) {
		var s string
		if err := json.Unmarshal(params, &s); err != nil {
			return nil, err
		}
		return s, nil
	})

	accepted := make(chan *Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		transport := NewFrameTransport(conn)
		if err := Handshake(transport); err != nil {
			t.Errorf("server handshake: %v", err)
			return
		}
		c := NewConn(transport, serverDispatch, false)
		accepted <- c
		c.Serve(context.Background()) //nolint:errcheck // Serve's error surfaces via the blocked Call in the main goroutine
	}()

	clientConn, err := ln.Dial()
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	clientTransport := NewFrameTransport(clientConn)
	if err := Handshake(clientTransport); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	client := NewConn(clientTransport, NewDispatcher(), true)
	go client.Serve(context.Background()) //nolint:errcheck // same as above

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never accepted the connection")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply string
	if err := client.Call(ctx, "echo", "hello", &reply); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply != "hello" {
		t.Fatalf("reply = %q, want %q", reply, "hello")
	}
}
