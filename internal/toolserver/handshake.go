package toolserver

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// clientName and clientVersion identify us to servers during initialize.
const (
	clientName    = "halcyon"
	clientVersion = "0.1.0"
)

// handshake drives a freshly spawned connection to Ready:
//
//	Spawned → Initializing → Initialized → Discovering → Ready
//
// Any error moves the connection to Failed and is returned; the caller is
// expected to Close it. The initialize request doubles as the readiness
// probe — writes to the child's stdin block until it reads, so no grace
// delay is needed before the first request.
func (c *Connection) handshake(ctx context.Context) error {
	c.state.Store(int32(StateInitializing))
	raw, err := c.Call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
	})
	if err != nil {
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("initialize: %w", err)
	}

	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("decode initialize result: %w", err)
	}
	c.state.Store(int32(StateInitialized))
	c.logger.Debug("tool server initialized",
		zap.String("server_name", init.ServerInfo.Name),
		zap.String("server_version", init.ServerInfo.Version),
		zap.String("protocol_version", init.ProtocolVersion),
	)

	if err := c.Notify("notifications/initialized", map[string]any{}); err != nil {
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("acknowledge initialize: %w", err)
	}

	c.state.Store(int32(StateDiscovering))
	raw, err = c.Call(ctx, "tools/list", map[string]any{})
	if err != nil {
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("tools/list: %w", err)
	}
	var list listToolsResult
	if err := json.Unmarshal(raw, &list); err != nil {
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("decode tools/list result: %w", err)
	}

	// The catalog is written exactly once, before the connection becomes
	// visible to the registry; readers only ever see it complete.
	c.tools = list.Tools
	c.state.Store(int32(StateReady))
	c.logger.Info("tool server ready", zap.Int("tools", len(list.Tools)))
	return nil
}
