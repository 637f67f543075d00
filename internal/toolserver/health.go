package toolserver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthConfig holds health probe configuration.
type HealthConfig struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// HealthMonitor periodically pings every ready tool server. A server that
// fails the probe FailThreshold times in a row is shut down and removed
// from the registry, the same path an unexpected process exit takes.
type HealthMonitor struct {
	registry *Registry
	cfg      HealthConfig
	logger   *zap.Logger

	mu         sync.Mutex
	failCounts map[string]int
}

// NewHealthMonitor creates a monitor for the given registry. Zero config
// fields select the defaults.
func NewHealthMonitor(registry *Registry, cfg HealthConfig, logger *zap.Logger) *HealthMonitor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &HealthMonitor{
		registry:   registry,
		cfg:        cfg,
		logger:     logger,
		failCounts: make(map[string]int),
	}
}

// Start runs the probe loop until ctx is cancelled.
func (h *HealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every active connection once, concurrently.
func (h *HealthMonitor) CheckAll(ctx context.Context) {
	conns := h.registry.snapshot()

	var wg sync.WaitGroup
	for name, conn := range conns {
		wg.Add(1)
		go func(name string, conn *Connection) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			_, err := conn.Call(probeCtx, "ping", map[string]any{})
			cancel()

			success := err == nil
			recordPing(success)

			h.mu.Lock()
			if success {
				h.failCounts[name] = 0
			} else {
				h.failCounts[name]++
			}
			count := h.failCounts[name]
			h.mu.Unlock()

			if !success {
				h.logger.Warn("tool server ping failed",
					zap.String("server", name),
					zap.Int("fail_count", count),
					zap.Error(err),
				)
			}
			if count == h.cfg.FailThreshold {
				h.logger.Warn("tool server unresponsive, shutting it down",
					zap.String("server", name),
				)
				conn.Close()
				h.mu.Lock()
				delete(h.failCounts, name)
				h.mu.Unlock()
			}
		}(name, conn)
	}
	wg.Wait()
}
