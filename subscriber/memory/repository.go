package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/marcelsud/webhook-dispatcher/subscriber"
)

/* Repository keeps subscribers in process memory.
 * Used by tests and single-node setups without redis or postgres.
 */
type Repository struct {
	mu   sync.RWMutex
	subs map[string]subscriber.Subscriber
	now  func() time.Time
}

// NewRepository creates an empty in-memory store
func NewRepository() *Repository {
	return &Repository{
		subs: make(map[string]subscriber.Subscriber),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *Repository) Get(_ context.Context, id string) (subscriber.Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.subs[id]
	if !ok || s.IsDeleted() {
		return subscriber.Subscriber{}, subscriber.ErrNotFound
	}
	return clone(s), nil
}

func (r *Repository) List(_ context.Context) ([]subscriber.Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]subscriber.Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		if !s.IsDeleted() {
			out = append(out, clone(s))
		}
	}
	sortByCreation(out)
	return out, nil
}

func (r *Repository) FindByEventType(_ context.Context, eventType string) ([]subscriber.Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []subscriber.Subscriber
	for _, s := range r.subs {
		if s.Matches(eventType) {
			out = append(out, clone(s))
		}
	}
	sortByCreation(out)
	return out, nil
}

func (r *Repository) Insert(_ context.Context, s subscriber.Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[s.ID]; ok {
		return subscriber.ErrAlreadyExists
	}
	r.subs[s.ID] = clone(s)
	return nil
}

func (r *Repository) Update(_ context.Context, s subscriber.Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.subs[s.ID]
	if !ok || current.IsDeleted() {
		return subscriber.ErrNotFound
	}
	s.TotalCalls = current.TotalCalls
	s.SuccessfulCalls = current.SuccessfulCalls
	s.FailedCalls = current.FailedCalls
	s.LastCalledAt = current.LastCalledAt
	s.LastStatus = current.LastStatus
	s.LastError = current.LastError
	s.CreatedAt = current.CreatedAt
	r.subs[s.ID] = clone(s)
	return nil
}

func (r *Repository) SoftDelete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subs[id]
	if !ok || s.IsDeleted() {
		return subscriber.ErrNotFound
	}
	now := r.now()
	s.DeletedAt = &now
	s.UpdatedAt = now
	r.subs[id] = s
	return nil
}

// RecordCall also applies to soft-deleted subscribers so in-flight outcomes are kept
func (r *Repository) RecordCall(_ context.Context, id string, call subscriber.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subs[id]
	if !ok {
		return subscriber.ErrNotFound
	}
	r.subs[id] = s.Apply(call)
	return nil
}

func (r *Repository) Close(_ context.Context) error {
	return nil
}

func clone(s subscriber.Subscriber) subscriber.Subscriber {
	s.EventTypes = slices.Clone(s.EventTypes)
	s.CustomHeaders = maps.Clone(s.CustomHeaders)
	return s
}

func sortByCreation(subs []subscriber.Subscriber) {
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}
