package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/huykuka/lidargraph/internal/pointcloud"
	"github.com/huykuka/lidargraph/internal/stream"
)

// statusInterval is the cadence of the status broadcast (~2 Hz).
const statusInterval = 500 * time.Millisecond

// StatusAll composes the health report for every persisted node, joining
// each instance's runtime status with its persisted category/enabled flags
// and its deterministic topic. Nodes without a live instance report
// running=false.
func (m *Manager) StatusAll() []map[string]any {
	persisted, err := m.store.ListNodes()
	if err != nil {
		m.log.Error().Err(err).Msg("status: could not list nodes")
		return nil
	}

	var out []map[string]any
	for _, cfg := range persisted {
		m.mu.Lock()
		instance, ok := m.nodes[cfg.ID]
		routeErr := m.routeErr[cfg.ID]
		m.mu.Unlock()

		var status map[string]any
		if ok {
			status = instance.Status()
			if status == nil {
				status = map[string]any{}
			}
		} else {
			status = map[string]any{
				"id":         cfg.ID,
				"name":       cfg.Name,
				"type":       cfg.Type,
				"running":    false,
				"last_error": "node instance not found",
			}
		}
		if _, present := status["category"]; !present {
			status["category"] = cfg.Category
		}
		if _, present := status["enabled"]; !present {
			status["enabled"] = cfg.Enabled
		}
		if routeErr != "" {
			status["last_error"] = routeErr
		}
		status["topic"] = pointcloud.Topic(cfg.Name, cfg.ID)
		status["throttled_count"] = m.throttle.ThrottledCount(cfg.ID)
		out = append(out, status)
	}
	return out
}

// StatusAggregator periodically broadcasts the composed node health report
// on the reserved system_status topic.
type StatusAggregator struct {
	manager *Manager
	hub     *stream.Hub
	log     zerolog.Logger
}

// NewStatusAggregator wires an aggregator.
func NewStatusAggregator(log zerolog.Logger, manager *Manager, hub *stream.Hub) *StatusAggregator {
	return &StatusAggregator{
		manager: manager,
		hub:     hub,
		log:     log.With().Str("component", "status_aggregator").Logger(),
	}
}

// Run broadcasts until the context is cancelled.
func (a *StatusAggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(map[string]any{"nodes": a.manager.StatusAll()})
			if err != nil {
				a.log.Error().Err(err).Msg("failed to marshal status")
				continue
			}
			a.hub.Broadcast(stream.StatusTopic, payload)
		}
	}
}
