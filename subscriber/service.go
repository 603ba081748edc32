package subscriber

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

/* Service is the administration surface over subscriber records
 * Uses pointer semantics as it's an API, not data
 */

// UseCase defines the administration operations for subscribers
type UseCase interface {
	Create(ctx context.Context, s Subscriber) (Subscriber, error)
	Get(ctx context.Context, id string) (Subscriber, error)
	List(ctx context.Context) ([]Subscriber, error)
	Update(ctx context.Context, s Subscriber) (Subscriber, error)
	Delete(ctx context.Context, id string) error
}

type Service struct {
	Repo Repository
	now  func() time.Time
}

// NewService creates a new subscriber service with dependency injection
func NewService(repo Repository) *Service {
	return &Service{
		Repo: repo,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Create validates and stores a new subscriber, assigning its id
func (s *Service) Create(ctx context.Context, sub Subscriber) (Subscriber, error) {
	if sub.Auth == nil {
		sub.Auth = NoAuth{}
	}
	if err := sub.Validate(); err != nil {
		return Subscriber{}, fmt.Errorf("validating subscriber: %w: %w", ErrInvalid, err)
	}
	now := s.now()
	sub.ID = uuid.New().String()
	sub.TotalCalls, sub.SuccessfulCalls, sub.FailedCalls = 0, 0, 0
	sub.LastCalledAt, sub.LastStatus, sub.LastError = nil, nil, nil
	sub.DeletedAt = nil
	sub.CreatedAt = now
	sub.UpdatedAt = now

	if err := s.Repo.Insert(ctx, sub); err != nil {
		return Subscriber{}, fmt.Errorf("inserting subscriber: %w", err)
	}
	return sub, nil
}

// Get returns a subscriber by id
func (s *Service) Get(ctx context.Context, id string) (Subscriber, error) {
	sub, err := s.Repo.Get(ctx, id)
	if err != nil {
		return Subscriber{}, fmt.Errorf("getting subscriber: %w", err)
	}
	return sub, nil
}

// List returns all subscribers that are not soft-deleted
func (s *Service) List(ctx context.Context) ([]Subscriber, error) {
	all, err := s.Repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing subscribers: %w", err)
	}
	return all, nil
}

// Update replaces the configuration of an existing subscriber, keeping its history
func (s *Service) Update(ctx context.Context, sub Subscriber) (Subscriber, error) {
	if sub.Auth == nil {
		sub.Auth = NoAuth{}
	}
	if err := sub.Validate(); err != nil {
		return Subscriber{}, fmt.Errorf("validating subscriber: %w: %w", ErrInvalid, err)
	}
	current, err := s.Repo.Get(ctx, sub.ID)
	if err != nil {
		return Subscriber{}, fmt.Errorf("getting subscriber: %w", err)
	}

	current.Name = sub.Name
	current.Description = sub.Description
	current.URL = sub.URL
	current.IsActive = sub.IsActive
	current.EventTypes = sub.EventTypes
	current.Auth = sub.Auth
	current.CustomHeaders = sub.CustomHeaders
	current.SigningSecret = sub.SigningSecret
	current.RetryCount = sub.RetryCount
	current.RetryDelay = sub.RetryDelay
	current.Timeout = sub.Timeout
	current.UpdatedAt = s.now()

	if err := s.Repo.Update(ctx, current); err != nil {
		return Subscriber{}, fmt.Errorf("updating subscriber: %w", err)
	}
	return current, nil
}

// Delete soft-deletes a subscriber; its history is retained
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.Repo.SoftDelete(ctx, id); err != nil {
		return fmt.Errorf("deleting subscriber: %w", err)
	}
	return nil
}
