package realtime

import (
	"context"

	v1 "taskhive/shared/contracts/realtime/v1"
)

// Fanout delivers a room event to every session in the room, wherever it is connected.
type Fanout interface {
	Publish(ctx context.Context, conversationID string, env v1.Envelope) error
}

// LocalFanout delivers to the sessions of one process.
type LocalFanout struct {
	registry *Registry
	metrics  *Metrics
}

// NewLocalFanout constructs a LocalFanout over registry. metrics may be nil.
func NewLocalFanout(registry *Registry, metrics *Metrics) *LocalFanout {
	return &LocalFanout{registry: registry, metrics: metrics}
}

// Publish broadcasts env to the room. It never blocks on slow sessions.
func (f *LocalFanout) Publish(_ context.Context, conversationID string, env v1.Envelope) error {
	f.metrics.delivered(f.registry.Broadcast(conversationID, env))
	return nil
}
