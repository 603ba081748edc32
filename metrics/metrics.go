package metrics

import (
	"context"
	"time"

	"github.com/marcelsud/webhook-dispatcher/stats"
)

// Snapshot represents the current state of the dispatcher fleet and its subscribers.
type Snapshot struct {
	// Overall is the rollup across non-deleted subscribers
	Overall stats.OverallStats `json:"overall"`

	// Subscribers holds one rollup per non-deleted subscriber
	Subscribers []stats.SubscriberStats `json:"subscribers"`

	// Dispatchers lists processes that sent a heartbeat recently
	Dispatchers []DispatcherInfo `json:"dispatchers"`

	// Timestamp when metrics were collected
	Timestamp time.Time `json:"timestamp"`
}

// DispatcherInfo represents information about a running dispatcher process.
type DispatcherInfo struct {
	// DispatcherID is a unique identifier for the process
	DispatcherID string `json:"dispatcher_id"`

	// Topic is the event bus topic the dispatcher consumes
	Topic string `json:"topic"`

	// Bus is the event bus driver in use (memory, redis, kafka)
	Bus string `json:"bus"`

	// Status is the current status of the dispatcher (e.g., "running", "draining")
	Status string `json:"status"`

	// LastHeartbeat is the timestamp of the last heartbeat
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Heartbeats stores dispatcher liveness.
type Heartbeats interface {
	// SetHeartbeat records that a dispatcher is alive for ttl
	SetHeartbeat(ctx context.Context, info DispatcherInfo, ttl time.Duration) error

	// ActiveDispatchers returns dispatchers whose heartbeat has not expired
	ActiveDispatchers(ctx context.Context) ([]DispatcherInfo, error)
}

// Collector defines the interface for collecting metrics from the webhook system.
type Collector interface {
	// Collect gathers current metrics from the system
	Collect(ctx context.Context) (Snapshot, error)

	// GetOverall returns the rollup across all subscribers
	GetOverall(ctx context.Context) (stats.OverallStats, error)

	// GetSubscriberStats returns one rollup per subscriber
	GetSubscriberStats(ctx context.Context) ([]stats.SubscriberStats, error)

	// GetActiveDispatchers returns dispatchers with a live heartbeat
	GetActiveDispatchers(ctx context.Context) ([]DispatcherInfo, error)
}
