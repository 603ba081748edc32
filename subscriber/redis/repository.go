package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/marcelsud/webhook-dispatcher/subscriber"
	"github.com/redis/go-redis/v9"
)

/* Redis implementation of subscriber.Repository
 * Uses one hash per subscriber and sets as indexes:
 * subscriber:{id}, subscribers:all and subscribers:event:{type}
 */

const (
	hashPrefix     = "subscriber"        // Hash naming: subscriber:{id}
	allKey         = "subscribers:all"   // Set of non-deleted subscriber ids
	eventKeyPrefix = "subscribers:event" // Set naming: subscribers:event:{type}
)

type Repository struct {
	client *redis.Client
	now    func() time.Time
}

// NewRepository creates a new Redis repository
func NewRepository(addr, password string, db int) (*Repository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	return NewRepositoryWithClient(client), nil
}

// NewRepositoryWithClient shares an existing client, e.g. with the redis event bus
func NewRepositoryWithClient(client *redis.Client) *Repository {
	return &Repository{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *Repository) Insert(ctx context.Context, s subscriber.Subscriber) error {
	fields, err := configFields(s)
	if err != nil {
		return fmt.Errorf("encoding subscriber: %w", err)
	}
	fields[fieldCreatedAt] = formatTime(s.CreatedAt)
	fields[fieldTotalCalls] = s.TotalCalls
	fields[fieldSuccessfulCalls] = s.SuccessfulCalls
	fields[fieldFailedCalls] = s.FailedCalls

	key := hashKey(s.ID)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		// soft-deleted hashes still hold history, so any existing hash blocks the insert
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return subscriber.ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			pipe.SAdd(ctx, allKey, s.ID)
			for _, t := range s.EventTypes {
				pipe.SAdd(ctx, eventKey(t), s.ID)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, subscriber.ErrAlreadyExists) {
		return err
	}
	if err != nil {
		return fmt.Errorf("storing subscriber: %w", err)
	}
	return nil
}

// Update rewrites configuration fields and re-indexes event types; counters are untouched
func (r *Repository) Update(ctx context.Context, s subscriber.Subscriber) error {
	current, err := r.Get(ctx, s.ID)
	if err != nil {
		return err
	}

	fields, err := configFields(s)
	if err != nil {
		return fmt.Errorf("encoding subscriber: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hashKey(s.ID), fields)
		for _, t := range current.EventTypes {
			pipe.SRem(ctx, eventKey(t), s.ID)
		}
		for _, t := range s.EventTypes {
			pipe.SAdd(ctx, eventKey(t), s.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("updating subscriber: %w", err)
	}
	return nil
}

// SoftDelete marks the hash deleted and drops it from every index
func (r *Repository) SoftDelete(ctx context.Context, id string) error {
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	now := formatTime(r.now())
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hashKey(id), fieldDeletedAt, now, fieldUpdatedAt, now)
		pipe.SRem(ctx, allKey, id)
		for _, t := range current.EventTypes {
			pipe.SRem(ctx, eventKey(t), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting subscriber: %w", err)
	}
	return nil
}

/* RecordCall applies one outcome with HINCRBY inside MULTI/EXEC.
 * Concurrent outcomes for the same subscriber never overwrite each other.
 */
func (r *Repository) RecordCall(ctx context.Context, id string, call subscriber.Call) error {
	key := hashKey(id)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("checking subscriber: %w", err)
	}
	if exists == 0 {
		return subscriber.ErrNotFound
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, fieldTotalCalls, 1)
		pipe.HSet(ctx, key, fieldLastCalledAt, formatTime(call.CalledAt))
		if call.Status != nil {
			pipe.HSet(ctx, key, fieldLastStatus, *call.Status)
		} else {
			pipe.HDel(ctx, key, fieldLastStatus)
		}
		if call.Success {
			pipe.HIncrBy(ctx, key, fieldSuccessfulCalls, 1)
			pipe.HDel(ctx, key, fieldLastError)
		} else {
			pipe.HIncrBy(ctx, key, fieldFailedCalls, 1)
			pipe.HSet(ctx, key, fieldLastError, call.ErrorMessage())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording call: %w", err)
	}
	return nil
}

// Get retrieves a subscriber by ID from its hash
func (r *Repository) Get(ctx context.Context, id string) (subscriber.Subscriber, error) {
	data, err := r.client.HGetAll(ctx, hashKey(id)).Result()
	if err != nil {
		return subscriber.Subscriber{}, fmt.Errorf("getting subscriber: %w", err)
	}
	if len(data) == 0 {
		return subscriber.Subscriber{}, subscriber.ErrNotFound
	}

	s, err := decode(data)
	if err != nil {
		return subscriber.Subscriber{}, fmt.Errorf("decoding subscriber %s: %w", id, err)
	}
	if s.IsDeleted() {
		return subscriber.Subscriber{}, subscriber.ErrNotFound
	}
	return s, nil
}

func (r *Repository) List(ctx context.Context) ([]subscriber.Subscriber, error) {
	return r.loadSet(ctx, allKey, func(s subscriber.Subscriber) bool { return !s.IsDeleted() })
}

func (r *Repository) FindByEventType(ctx context.Context, eventType string) ([]subscriber.Subscriber, error) {
	return r.loadSet(ctx, eventKey(eventType), func(s subscriber.Subscriber) bool { return s.Matches(eventType) })
}

// loadSet fetches every hash referenced by an index set in one pipeline
func (r *Repository) loadSet(ctx context.Context, setKey string, keep func(subscriber.Subscriber) bool) ([]subscriber.Subscriber, error) {
	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("reading index %s: %w", setKey, err)
	}
	if len(ids) == 0 {
		return []subscriber.Subscriber{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, hashKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("executing pipeline: %w", err)
	}

	out := make([]subscriber.Subscriber, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		s, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("decoding subscriber %s: %w", ids[i], err)
		}
		if keep(s) {
			out = append(out, s)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Close closes the Redis connection
func (r *Repository) Close(ctx context.Context) error {
	return r.client.Close()
}

// GetClient returns the underlying Redis client for the bus and heartbeats
func (r *Repository) GetClient() *redis.Client {
	return r.client
}

func hashKey(id string) string {
	return fmt.Sprintf("%s:%s", hashPrefix, id)
}

func eventKey(eventType string) string {
	return fmt.Sprintf("%s:%s", eventKeyPrefix, eventType)
}
