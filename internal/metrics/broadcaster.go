package metrics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/huykuka/lidargraph/internal/stream"
)

// QueueDepthFunc reports the live ingress queue depth at snapshot time.
type QueueDepthFunc func() int

// Broadcaster emits the metrics snapshot on the reserved system_metrics
// topic at 1 Hz.
type Broadcaster struct {
	registry   *Registry
	probe      *SystemProbe
	hub        *stream.Hub
	queueDepth QueueDepthFunc
	log        zerolog.Logger
}

// NewBroadcaster wires a broadcaster. queueDepth may be nil.
func NewBroadcaster(log zerolog.Logger, registry *Registry, probe *SystemProbe, hub *stream.Hub, queueDepth QueueDepthFunc) *Broadcaster {
	return &Broadcaster{
		registry:   registry,
		probe:      probe,
		hub:        hub,
		queueDepth: queueDepth,
		log:        log.With().Str("component", "metrics_broadcaster").Logger(),
	}
}

// Run broadcasts until the context is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth := 0
			if b.queueDepth != nil {
				depth = b.queueDepth()
			}
			snap := b.registry.Snapshot(depth, b.probe.Sample())
			payload, err := json.Marshal(snap)
			if err != nil {
				b.log.Error().Err(err).Msg("failed to marshal metrics snapshot")
				continue
			}
			b.hub.Broadcast(stream.MetricsTopic, payload)
		}
	}
}
