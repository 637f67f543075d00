package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State is a Connection's position in its lifecycle.
type State int32

const (
	StateSpawned State = iota
	StateInitializing
	StateInitialized
	StateDiscovering
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateDiscovering:
		return "discovering"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Connection owns one live tool-server process: its stdin, the reader loop
// on its stdout, a monotonic request-id counter, and the table of requests
// awaiting a response. All methods are safe for concurrent use.
type Connection struct {
	name   string
	logger *zap.Logger

	cmd   *exec.Cmd // nil when backed by raw streams (tests)
	stdin io.WriteCloser

	writeMu sync.Mutex // serializes writes to stdin

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *response
	closed  bool

	state atomic.Int32

	tools []ToolDescriptor // populated once by handshake, immutable after

	callTimeout time.Duration

	done     chan struct{}
	readDone chan struct{} // closed when the reader loop returns
}

const defaultCallTimeout = 30 * time.Second

// spawn starts the server process described by spec with the parent
// environment overlaid by the spec's env entries, and wires a Connection to
// its standard streams. The returned connection has not been through the
// handshake yet.
func spawn(spec ServerSpec, callTimeout time.Duration, logger *zap.Logger) (*Connection, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", spec.Command, err)
	}

	c := newConnection(spec.Name, stdin, stdout, callTimeout, logger)
	c.cmd = cmd
	go c.drainStderr(stderr)
	go func() {
		// Wait closes the stdout pipe, so reaping must not start until the
		// reader has drained it; otherwise a response written just before
		// exit is lost.
		<-c.readDone
		if err := cmd.Wait(); err != nil {
			c.logger.Warn("tool server process exited", zap.Error(err))
		}
	}()
	return c, nil
}

// newConnection wires a Connection over already-open streams and starts the
// reader loop. Production connections come from spawn; tests feed pipes in
// directly.
func newConnection(name string, stdin io.WriteCloser, stdout io.Reader, callTimeout time.Duration, logger *zap.Logger) *Connection {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	c := &Connection{
		name:        name,
		logger:      logger.With(zap.String("server", name)),
		stdin:       stdin,
		pending:     make(map[int64]chan *response),
		callTimeout: callTimeout,
		done:        make(chan struct{}),
		readDone:    make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

// Name returns the server name from the spec this connection was created for.
func (c *Connection) Name() string { return c.name }

// State returns the connection's current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Done is closed when the process exits or its streams close.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Tools returns the catalog discovered during the handshake. Empty until
// the connection is Ready.
func (c *Connection) Tools() []ToolDescriptor {
	out := make([]ToolDescriptor, len(c.tools))
	copy(out, c.tools)
	return out
}

// Call sends a request and blocks until the matching response arrives, the
// per-request deadline fires, or the connection dies. Responses may arrive
// in any order; correlation is by id only. Exactly one of result, tool
// error, timeout, or connection-lost is observed per call.
func (c *Connection) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan *response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", c.name, ErrConnectionLost)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: write %s request: %w", c.name, method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		return c.resolve(method, resp)

	case <-ctx.Done():
		// Removing the entry and concluding timeout must be atomic with
		// respect to the reader's lookup: whichever side deletes the id
		// wins; the loser sees it absent and stands down.
		c.mu.Lock()
		_, stillPending := c.pending[id]
		if stillPending {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if !stillPending {
			// Either the reader dispatched a response in the same instant,
			// or the connection failed and cleared the table.
			select {
			case resp := <-ch:
				return c.resolve(method, resp)
			case <-c.done:
				return nil, fmt.Errorf("%s: %s: %w", c.name, method, ErrConnectionLost)
			}
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s: %s: %w", c.name, method, ErrTimeout)
		}
		return nil, ctx.Err()

	case <-c.done:
		select {
		case resp := <-ch:
			return c.resolve(method, resp)
		default:
		}
		return nil, fmt.Errorf("%s: %s: %w", c.name, method, ErrConnectionLost)
	}
}

func (c *Connection) resolve(method string, resp *response) (json.RawMessage, error) {
	if resp.err != nil {
		return nil, fmt.Errorf("%s: %s: %w", c.name, method, &ToolError{Code: resp.err.Code, Message: resp.err.Message})
	}
	return resp.result, nil
}

// Notify sends a fire-and-forget notification. No pending entry is created
// and no response will ever arrive for it.
func (c *Connection) Notify(method string, params any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("%s: %w", c.name, ErrConnectionLost)
	}
	if err := c.write(request{JSONRPC: "2.0", Method: method, Params: params}); err != nil {
		return fmt.Errorf("%s: write %s notification: %w", c.name, method, err)
	}
	return nil
}

func (c *Connection) write(msg request) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(data)
	return err
}

// readLoop consumes the server's stdout for the connection's lifetime,
// framing raw chunks into lines and dispatching responses to their waiting
// callers. Malformed lines are logged and skipped; they never stop the
// stream.
func (c *Connection) readLoop(r io.Reader) {
	defer close(c.readDone)

	var f framer
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			dropped := f.Dropped()
			for _, line := range f.Push(buf[:n]) {
				c.handleLine(line)
			}
			if d := f.Dropped(); d > dropped {
				c.logger.Warn("dropping oversized line from tool server",
					zap.Int("dropped_total", d))
			}
		}
		if err != nil {
			if err != io.EOF {
				c.logger.Debug("tool server read error", zap.Error(err))
			}
			c.fail()
			return
		}
	}
}

func (c *Connection) handleLine(line []byte) {
	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("dropping malformed line from tool server", zap.Error(err))
		return
	}

	resp, ok := msg.asResponse()
	if !ok {
		// Server-initiated requests and notifications are not part of the
		// contract with our servers; log at debug and move on.
		c.logger.Debug("discarding unexpected message from tool server",
			zap.String("method", msg.Method))
		return
	}

	c.mu.Lock()
	ch, waiting := c.pending[resp.id]
	if waiting {
		delete(c.pending, resp.id)
	}
	c.mu.Unlock()

	if !waiting {
		// Late arrival after a timeout, or an id we never issued.
		c.logger.Debug("discarding response with no pending request",
			zap.Int64("id", resp.id))
		return
	}
	ch <- resp // buffered; never blocks the reader
}

// fail marks the connection dead and wakes every pending caller with a
// connection-lost error. Idempotent.
func (c *Connection) fail() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pending = nil
	c.mu.Unlock()

	c.state.Store(int32(StateFailed))
	close(c.done)
}

func (c *Connection) drainStderr(r io.Reader) {
	// Stderr is diagnostic text only, never protocol. Surface it in our
	// logs so server-side failures are visible.
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			c.logger.Debug("tool server stderr", zap.String("line", line))
		}
	}
}

// Close terminates the connection: stdin is closed (the conventional stop
// signal for a stdio server) and the process, if any, is killed. Pending
// requests observe a connection-lost error.
func (c *Connection) Close() {
	c.writeMu.Lock()
	_ = c.stdin.Close()
	c.writeMu.Unlock()

	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	c.fail()
}
