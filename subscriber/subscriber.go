package subscriber

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/marcelsud/webhook-dispatcher/delivery/signature"
	"github.com/marcelsud/webhook-dispatcher/event"
)

const (
	DefaultRetryCount = 3
	DefaultRetryDelay = 5 * time.Second
	DefaultTimeout    = 10 * time.Second
)

// UnknownError is stored as LastError when a failure carries no message
const UnknownError = "Unknown error"

/* Subscriber is a configured webhook destination with filtering, auth and retry policy
 * Uses value semantics as it represents data, not behavior
 */
type Subscriber struct {
	ID            string
	Name          string
	Description   string
	URL           string
	IsActive      bool
	EventTypes    []string
	Auth          AuthConfig
	CustomHeaders map[string]string
	SigningSecret string

	// RetryCount is the number of retries after the first attempt
	RetryCount int
	RetryDelay time.Duration
	Timeout    time.Duration

	TotalCalls      int64
	SuccessfulCalls int64
	FailedCalls     int64
	LastCalledAt    *time.Time
	LastStatus      *int
	LastError       *string

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

/* Call is the terminal outcome of one delivery sequence, as recorded
 * against the subscriber's counters
 */
type Call struct {
	Success  bool
	Status   *int
	Error    string
	CalledAt time.Time
}

// New returns a subscriber with the documented defaults applied
func New(name, rawURL string, eventTypes []string) Subscriber {
	return Subscriber{
		Name:       name,
		URL:        rawURL,
		IsActive:   true,
		EventTypes: eventTypes,
		Auth:       NoAuth{},
		RetryCount: DefaultRetryCount,
		RetryDelay: DefaultRetryDelay,
		Timeout:    DefaultTimeout,
	}
}

// Validate checks the configuration invariants of a subscriber
func (s Subscriber) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if s.URL == "" {
		return fmt.Errorf("url cannot be empty for subscriber %s", s.Name)
	}
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) url for subscriber %s", s.Name)
	}
	if len(s.EventTypes) == 0 {
		return fmt.Errorf("at least one event type is required for subscriber %s", s.Name)
	}
	for _, eventType := range s.EventTypes {
		if err := event.ValidateType(eventType); err != nil {
			return fmt.Errorf("invalid event type '%s' for subscriber %s: %w", eventType, s.Name, err)
		}
	}
	if err := AuthTypeOf(s.Auth).Validate(); err != nil {
		return fmt.Errorf("invalid auth for subscriber %s: %w", s.Name, err)
	}
	if s.RetryCount < 0 {
		return fmt.Errorf("retry_count cannot be negative for subscriber %s", s.Name)
	}
	if s.RetryDelay <= 0 {
		return fmt.Errorf("retry_delay must be positive for subscriber %s", s.Name)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive for subscriber %s", s.Name)
	}
	if s.SigningSecret != "" {
		if _, err := signature.ParseSecret(s.SigningSecret); err != nil {
			return fmt.Errorf("invalid signing_secret for subscriber %s: %w", s.Name, err)
		}
	}
	return nil
}

// IsSubscribedTo reports whether eventType is in the subscriber's set
func (s Subscriber) IsSubscribedTo(eventType string) bool {
	return slices.Contains(s.EventTypes, eventType)
}

// IsDeleted reports whether the subscriber was soft-deleted
func (s Subscriber) IsDeleted() bool {
	return s.DeletedAt != nil
}

// Matches reports whether an event of eventType must be delivered to s
func (s Subscriber) Matches(eventType string) bool {
	return s.IsActive && !s.IsDeleted() && s.IsSubscribedTo(eventType)
}

/* Apply folds a recorded call into a copy of the subscriber.
 * Stores that cannot increment atomically use it under their own lock.
 */
func (s Subscriber) Apply(c Call) Subscriber {
	s.TotalCalls++
	calledAt := c.CalledAt
	s.LastCalledAt = &calledAt
	s.LastStatus = c.Status
	if c.Success {
		s.SuccessfulCalls++
		s.LastError = nil
		return s
	}
	s.FailedCalls++
	msg := c.ErrorMessage()
	s.LastError = &msg
	return s
}

// ErrorMessage returns the message persisted for a failed call
func (c Call) ErrorMessage() string {
	if c.Error == "" {
		return UnknownError
	}
	return c.Error
}
