package toolserver

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeServer emulates a tool-server process over in-memory pipes. It
// answers the handshake methods and delegates tools/call to onCall,
// recording every tool invocation it receives.
type fakeServer struct {
	t     *testing.T
	name  string
	tools []ToolDescriptor

	// onCall handles tools/call; nil means echo an empty text result.
	onCall func(tool string, args json.RawMessage) (any, *rpcError)

	in  *io.PipeReader // server's stdin (the connection writes here)
	out *io.PipeWriter // server's stdout (the connection reads here)

	writeMu sync.Mutex

	mu       sync.Mutex
	calls    []string
	mutePing bool
}

// startFakeServer wires a Connection to a scripted server and returns both.
// The connection uses callTimeout for every request.
func startFakeServer(t *testing.T, name string, tools []ToolDescriptor, callTimeout time.Duration) (*Connection, *fakeServer) {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	srv := &fakeServer{t: t, name: name, tools: tools, in: stdinR, out: stdoutW}
	go srv.serve()

	conn := newConnection(name, stdinW, stdoutR, callTimeout, zap.NewNop())
	t.Cleanup(func() {
		stdinW.Close()
		stdoutW.Close()
	})
	return conn, srv
}

func (s *fakeServer) serve() {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		var req struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		if req.ID == nil {
			continue // notification
		}
		switch req.Method {
		case "initialize":
			s.respond(*req.ID, map[string]any{
				"protocolVersion": protocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": s.name, "version": "test"},
			}, nil)
		case "ping":
			s.mu.Lock()
			mute := s.mutePing
			s.mu.Unlock()
			if !mute {
				s.respond(*req.ID, map[string]any{}, nil)
			}
		case "tools/list":
			s.respond(*req.ID, map[string]any{"tools": s.tools}, nil)
		case "tools/call":
			var params callToolParams
			_ = json.Unmarshal(req.Params, &params)
			s.mu.Lock()
			s.calls = append(s.calls, params.Name)
			s.mu.Unlock()

			if s.onCall != nil {
				result, rpcErr := s.onCall(params.Name, params.Arguments)
				s.respond(*req.ID, result, rpcErr)
				break
			}
			s.respond(*req.ID, map[string]any{
				"content": []map[string]any{{"type": "text", "text": "ok"}},
			}, nil)
		default:
			s.respond(*req.ID, nil, &rpcError{Code: -32601, Message: "method not found"})
		}
	}
}

func (s *fakeServer) respond(id int64, result any, rpcErr *rpcError) {
	msg := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		msg["error"] = rpcErr
	} else {
		msg["result"] = result
	}
	s.writeLine(msg)
}

// writeLine marshals v and writes it as one line to the server's stdout.
func (s *fakeServer) writeLine(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.t.Errorf("fake server marshal: %v", err)
		return
	}
	s.writeRaw(append(data, '\n'))
}

func (s *fakeServer) writeRaw(data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.out.Write(data)
}

// silencePings makes the server swallow ping requests without answering.
func (s *fakeServer) silencePings() {
	s.mu.Lock()
	s.mutePing = true
	s.mu.Unlock()
}

// kill closes both pipes, emulating process death.
func (s *fakeServer) kill() {
	s.out.Close()
	s.in.Close()
}

func (s *fakeServer) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
