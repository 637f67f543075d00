package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestHandshakeReachesReady(t *testing.T) {
	tools := []ToolDescriptor{
		{Name: "search", Description: "Search things", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "fetch", Description: "Fetch a thing"},
	}
	conn, _ := startFakeServer(t, "alpha", tools, time.Second)

	if err := conn.handshake(context.Background()); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if got := conn.State(); got != StateReady {
		t.Fatalf("state = %v, want ready", got)
	}

	got := conn.Tools()
	if len(got) != 2 {
		t.Fatalf("tools = %d, want 2", len(got))
	}
	if got[0].Name != "search" || string(got[0].InputSchema) != `{"type":"object"}` {
		t.Fatalf("descriptor passed through wrong: %+v", got[0])
	}
}

func TestHandshakeInitializeErrorFails(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	t.Cleanup(func() { stdinW.Close(); stdoutW.Close() })

	go func() {
		scanner := bufio.NewScanner(stdinR)
		if scanner.Scan() {
			var req struct {
				ID *int64 `json:"id"`
			}
			_ = json.Unmarshal(scanner.Bytes(), &req)
			fmt.Fprintf(stdoutW,
				`{"jsonrpc":"2.0","id":%d,"error":{"code":-32600,"message":"unsupported protocol"}}`+"\n", *req.ID)
		}
	}()

	conn := newConnection("broken", stdinW, stdoutR, time.Second, zap.NewNop())
	err := conn.handshake(context.Background())
	if err == nil {
		t.Fatal("handshake succeeded against a rejecting server")
	}
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("err = %v, want *ToolError", err)
	}
	if got := conn.State(); got != StateFailed {
		t.Fatalf("state = %v, want failed", got)
	}
	if len(conn.Tools()) != 0 {
		t.Fatal("failed handshake must leave the catalog empty")
	}
}

func TestHandshakeDiscoveryTimeoutFails(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	t.Cleanup(func() { stdinW.Close(); stdoutW.Close() })

	// Answer initialize, then go silent on tools/list.
	go func() {
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			var req struct {
				ID     *int64 `json:"id"`
				Method string `json:"method"`
			}
			_ = json.Unmarshal(scanner.Bytes(), &req)
			if req.Method == "initialize" {
				fmt.Fprintf(stdoutW,
					`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"%s","serverInfo":{"name":"mute","version":"0"}}}`+"\n",
					*req.ID, protocolVersion)
			}
		}
	}()

	conn := newConnection("mute", stdinW, stdoutR, 50*time.Millisecond, zap.NewNop())
	err := conn.handshake(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if got := conn.State(); got != StateFailed {
		t.Fatalf("state = %v, want failed", got)
	}
}
