package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/marcelsud/webhook-dispatcher/stats"
	"github.com/marcelsud/webhook-dispatcher/subscriber"
)

// StoreCollector implements Collector over any subscriber store
type StoreCollector struct {
	store      subscriber.Reader
	heartbeats Heartbeats
}

// NewStoreCollector creates a collector; heartbeats may be nil
func NewStoreCollector(store subscriber.Reader, heartbeats Heartbeats) *StoreCollector {
	return &StoreCollector{
		store:      store,
		heartbeats: heartbeats,
	}
}

// Collect gathers all metrics in one pass over the store
func (c *StoreCollector) Collect(ctx context.Context) (Snapshot, error) {
	subs, err := c.store.List(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("listing subscribers: %w", err)
	}

	dispatchers, err := c.GetActiveDispatchers(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("getting active dispatchers: %w", err)
	}

	return Snapshot{
		Overall:     stats.Overall(subs),
		Subscribers: perSubscriber(subs),
		Dispatchers: dispatchers,
		Timestamp:   time.Now(),
	}, nil
}

func (c *StoreCollector) GetOverall(ctx context.Context) (stats.OverallStats, error) {
	subs, err := c.store.List(ctx)
	if err != nil {
		return stats.OverallStats{}, fmt.Errorf("listing subscribers: %w", err)
	}
	return stats.Overall(subs), nil
}

func (c *StoreCollector) GetSubscriberStats(ctx context.Context) ([]stats.SubscriberStats, error) {
	subs, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing subscribers: %w", err)
	}
	return perSubscriber(subs), nil
}

func (c *StoreCollector) GetActiveDispatchers(ctx context.Context) ([]DispatcherInfo, error) {
	if c.heartbeats == nil {
		return nil, nil
	}
	return c.heartbeats.ActiveDispatchers(ctx)
}

func perSubscriber(subs []subscriber.Subscriber) []stats.SubscriberStats {
	out := make([]stats.SubscriberStats, 0, len(subs))
	for _, s := range subs {
		out = append(out, stats.Of(s))
	}
	return out
}
