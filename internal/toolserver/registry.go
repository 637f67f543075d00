package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options tunes registry behavior. Zero values select the defaults.
type Options struct {
	// CallTimeout bounds each individual request on a connection.
	CallTimeout time.Duration
	// StartupTimeout bounds the whole handshake of one server.
	StartupTimeout time.Duration
}

const defaultStartupTimeout = 45 * time.Second

// Tool is one entry of the aggregate catalog. Name is the namespaced form;
// Server and RawName are its decomposition.
type Tool struct {
	Name        string          `json:"name"`
	Server      string          `json:"server"`
	RawName     string          `json:"raw_name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ServerStatus is a point-in-time view of one managed connection.
type ServerStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Tools int    `json:"tools"`
}

// Registry owns every tool-server connection. It brings servers up from
// their specs, aggregates their catalogs under namespaced names, routes
// calls to the owning connection, and tears everything down on shutdown.
// There is no ambient instance: callers hold and inject a *Registry.
type Registry struct {
	logger         *zap.Logger
	callTimeout    time.Duration
	startupTimeout time.Duration

	// dial is replaced in tests to wire connections over in-memory pipes.
	dial func(spec ServerSpec) (*Connection, error)

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewRegistry creates an empty registry. Call Start to bring servers up.
func NewRegistry(logger *zap.Logger, opts Options) *Registry {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaultStartupTimeout
	}
	r := &Registry{
		logger:         logger,
		callTimeout:    opts.CallTimeout,
		startupTimeout: opts.StartupTimeout,
		conns:          make(map[string]*Connection),
	}
	r.dial = func(spec ServerSpec) (*Connection, error) {
		return spawn(spec, r.callTimeout, r.logger)
	}
	return r
}

// Start attempts to bring up every spec. Servers are independent: one
// failing to spawn or handshake never affects the others, and partial
// success is a normal outcome. Returns the number of servers that reached
// Ready.
func (r *Registry) Start(ctx context.Context, specs []ServerSpec) int {
	var wg sync.WaitGroup
	for _, spec := range specs {
		wg.Add(1)
		go func(spec ServerSpec) {
			defer wg.Done()
			if err := r.startOne(ctx, spec); err != nil {
				r.logger.Warn("tool server failed to start",
					zap.String("server", spec.Name),
					zap.Error(err),
				)
			}
		}(spec)
	}
	wg.Wait()

	ready := len(r.snapshot())
	r.logger.Info("tool servers started",
		zap.Int("ready", ready),
		zap.Int("configured", len(specs)),
	)
	return ready
}

func (r *Registry) startOne(ctx context.Context, spec ServerSpec) error {
	if err := ValidateSpec(spec); err != nil {
		return err
	}

	r.mu.RLock()
	_, exists := r.conns[spec.Name]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("duplicate tool server name %q", spec.Name)
	}

	conn, err := r.dial(spec)
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, r.startupTimeout)
	defer cancel()
	if err := conn.handshake(hctx); err != nil {
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	r.mu.Lock()
	if _, exists := r.conns[spec.Name]; exists {
		r.mu.Unlock()
		conn.Close()
		return fmt.Errorf("duplicate tool server name %q", spec.Name)
	}
	r.conns[spec.Name] = conn
	serversReady.Set(float64(len(r.conns)))
	r.mu.Unlock()

	go r.watch(spec.Name, conn)
	return nil
}

// watch removes a connection from the active set once its process dies.
// There is no automatic restart; the server stays absent until brought back
// externally.
func (r *Registry) watch(name string, conn *Connection) {
	<-conn.Done()

	r.mu.Lock()
	if r.conns[name] == conn {
		delete(r.conns, name)
		serversReady.Set(float64(len(r.conns)))
		r.logger.Warn("tool server disconnected", zap.String("server", name))
	}
	r.mu.Unlock()
}

// ListTools returns the union of every ready server's catalog, each tool
// under its namespaced name, sorted. Uniqueness is structural: the server
// prefix is unique, so no extra dedup is needed.
func (r *Registry) ListTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var tools []Tool
	for name, conn := range r.conns {
		for _, td := range conn.Tools() {
			tools = append(tools, Tool{
				Name:        NamespacedName(name, td.Name),
				Server:      name,
				RawName:     td.Name,
				Description: td.Description,
				InputSchema: td.InputSchema,
			})
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Servers returns a status snapshot of the active connections, sorted by
// name.
func (r *Registry) Servers() []ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerStatus, 0, len(r.conns))
	for name, conn := range r.conns {
		out = append(out, ServerStatus{
			Name:  name,
			State: conn.State().String(),
			Tools: len(conn.Tools()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call routes a namespaced tool invocation to the owning connection. When
// the name does not resolve to a connected server the call fails with
// ErrNotConnected before any I/O happens.
func (r *Registry) Call(ctx context.Context, namespaced string, args json.RawMessage) (*ToolResult, error) {
	server, tool, err := SplitName(namespaced)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	conn := r.conns[server]
	r.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("%s: %w", server, ErrNotConnected)
	}

	start := time.Now()
	raw, err := conn.Call(ctx, "tools/call", callToolParams{Name: tool, Arguments: args})
	if err != nil {
		recordToolCall(server, tool, outcomeOf(err), time.Since(start).Seconds())
		return nil, err
	}

	res, err := parseToolResult(raw)
	if err != nil {
		recordToolCall(server, tool, "bad_result", time.Since(start).Seconds())
		return nil, fmt.Errorf("%s: %w", namespaced, err)
	}

	outcome := "ok"
	if res.IsError {
		outcome = "tool_error"
	}
	recordToolCall(server, tool, outcome, time.Since(start).Seconds())
	return res, nil
}

func outcomeOf(err error) string {
	var toolErr *ToolError
	switch {
	case errors.As(err, &toolErr):
		return "tool_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	default:
		return "error"
	}
}

// IsEnabled reports whether at least one tool server is ready.
func (r *Registry) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns) > 0
}

// Shutdown terminates every managed server and empties the registry. Safe
// to call more than once.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	serversReady.Set(0)
	r.mu.Unlock()

	for name, conn := range conns {
		conn.Close()
		r.logger.Info("tool server stopped", zap.String("server", name))
	}
}

// snapshot returns the current active connections. Used internally and by
// the health monitor.
func (r *Registry) snapshot() map[string]*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Connection, len(r.conns))
	for name, conn := range r.conns {
		out[name] = conn
	}
	return out
}
