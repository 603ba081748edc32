package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const heartbeatKeyPrefix = "dispatcher:heartbeat:"

// RedisHeartbeats keeps one expiring key per dispatcher process
type RedisHeartbeats struct {
	client *redis.Client
}

func NewRedisHeartbeats(client *redis.Client) *RedisHeartbeats {
	return &RedisHeartbeats{client: client}
}

// SetHeartbeat stores or refreshes a dispatcher's heartbeat.
// A dispatcher that misses its ttl is considered gone.
func (h *RedisHeartbeats) SetHeartbeat(ctx context.Context, info DispatcherInfo, ttl time.Duration) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshaling heartbeat: %w", err)
	}

	if err := h.client.Set(ctx, heartbeatKeyPrefix+info.DispatcherID, data, ttl).Err(); err != nil {
		return fmt.Errorf("setting heartbeat: %w", err)
	}
	return nil
}

// ActiveDispatchers scans the live heartbeat keys
func (h *RedisHeartbeats) ActiveDispatchers(ctx context.Context) ([]DispatcherInfo, error) {
	var (
		cursor uint64
		out    []DispatcherInfo
	)
	for {
		keys, next, err := h.client.Scan(ctx, cursor, heartbeatKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning heartbeat keys: %w", err)
		}

		for _, key := range keys {
			data, err := h.client.Get(ctx, key).Result()
			if err == redis.Nil {
				// Key expired between scan and get
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("getting heartbeat: %w", err)
			}

			var info DispatcherInfo
			if err := json.Unmarshal([]byte(data), &info); err != nil {
				continue
			}
			out = append(out, info)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	sortDispatchers(out)
	return out, nil
}

// LocalHeartbeats is the single-process variant used without redis
type LocalHeartbeats struct {
	mu      sync.Mutex
	entries map[string]localEntry
	now     func() time.Time
}

type localEntry struct {
	info    DispatcherInfo
	expires time.Time
}

func NewLocalHeartbeats() *LocalHeartbeats {
	return &LocalHeartbeats{
		entries: make(map[string]localEntry),
		now:     time.Now,
	}
}

func (h *LocalHeartbeats) SetHeartbeat(_ context.Context, info DispatcherInfo, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[info.DispatcherID] = localEntry{info: info, expires: h.now().Add(ttl)}
	return nil
}

func (h *LocalHeartbeats) ActiveDispatchers(_ context.Context) ([]DispatcherInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	var out []DispatcherInfo
	for id, e := range h.entries {
		if now.After(e.expires) {
			delete(h.entries, id)
			continue
		}
		out = append(out, e.info)
	}
	sortDispatchers(out)
	return out, nil
}

func sortDispatchers(infos []DispatcherInfo) {
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].DispatcherID < infos[j].DispatcherID
	})
}

/* Beat refreshes info every interval until ctx is done.
 * The ttl is three intervals so one slow write does not drop the dispatcher.
 */
func Beat(ctx context.Context, hb Heartbeats, info DispatcherInfo, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		info.LastHeartbeat = time.Now().UTC()
		if err := hb.SetHeartbeat(ctx, info, 3*interval); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Str("dispatcher_id", info.DispatcherID).Msg("Failed to refresh heartbeat")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
