package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/marcelsud/webhook-dispatcher/subscriber"
	"gopkg.in/yaml.v3"
)

/* Loader reads subscriber definitions from a YAML seed file
 * and upserts them into a subscriber.Repository at startup
 */

// Config represents the structure of subscribers.yaml
type Config struct {
	Subscribers []SubscriberConfig `yaml:"subscribers"`
}

// SubscriberConfig represents a single subscriber in the YAML file
type SubscriberConfig struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	Description   string            `yaml:"description"`
	URL           string            `yaml:"url"`
	IsActive      *bool             `yaml:"is_active"` // Default: true
	EventTypes    []string          `yaml:"event_types"`
	Auth          AuthConfig        `yaml:"auth"`
	CustomHeaders map[string]string `yaml:"custom_headers"`
	SigningSecret string            `yaml:"signing_secret"`
	RetryCount    *int              `yaml:"retry_count"`    // Default: 3
	RetryDelayMs  *int64            `yaml:"retry_delay_ms"` // Default: 5000
	TimeoutMs     *int64            `yaml:"timeout_ms"`     // Default: 10000
}

// AuthConfig is the flattened YAML form of subscriber.AuthConfig
type AuthConfig struct {
	Type       string `yaml:"type"`
	Token      string `yaml:"token"`
	APIKey     string `yaml:"api_key"`
	HeaderName string `yaml:"header_name"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
}

// Loader holds the loaded subscribers in file order
type Loader struct {
	subscribers []subscriber.Subscriber
	now         func() time.Time
}

// NewLoader creates a new subscriber loader
func NewLoader() *Loader {
	return &Loader{
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Load reads and parses the seed file
func (l *Loader) Load(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("reading subscribers file: %w", err)
	}
	return l.Parse(data)
}

// Parse decodes and validates seed YAML
func (l *Loader) Parse(data []byte) error {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("parsing subscribers YAML: %w", err)
	}

	seen := make(map[string]bool, len(config.Subscribers))
	subs := make([]subscriber.Subscriber, 0, len(config.Subscribers))
	for i, sc := range config.Subscribers {
		if sc.ID == "" {
			return fmt.Errorf("subscriber #%d: id is required", i+1)
		}
		if seen[sc.ID] {
			return fmt.Errorf("duplicate subscriber id: %s", sc.ID)
		}
		seen[sc.ID] = true

		s := sc.toSubscriber()
		if err := s.Validate(); err != nil {
			return fmt.Errorf("validating subscriber: %w", err)
		}
		subs = append(subs, s)
	}

	l.subscribers = subs
	return nil
}

func (sc SubscriberConfig) toSubscriber() subscriber.Subscriber {
	s := subscriber.New(sc.Name, sc.URL, sc.EventTypes)
	s.ID = sc.ID
	s.Description = sc.Description
	s.CustomHeaders = sc.CustomHeaders
	s.SigningSecret = sc.SigningSecret
	s.Auth = sc.Auth.toAuthConfig()
	if sc.IsActive != nil {
		s.IsActive = *sc.IsActive
	}
	if sc.RetryCount != nil {
		s.RetryCount = *sc.RetryCount
	}
	if sc.RetryDelayMs != nil {
		s.RetryDelay = time.Duration(*sc.RetryDelayMs) * time.Millisecond
	}
	if sc.TimeoutMs != nil {
		s.Timeout = time.Duration(*sc.TimeoutMs) * time.Millisecond
	}
	return s
}

func (a AuthConfig) toAuthConfig() subscriber.AuthConfig {
	switch subscriber.NewAuthType(a.Type) {
	case subscriber.AuthBearer:
		return subscriber.BearerAuth{Token: a.Token}
	case subscriber.AuthAPIKey:
		return subscriber.APIKeyAuth{APIKey: a.APIKey, HeaderName: a.HeaderName}
	case subscriber.AuthBasic:
		return subscriber.BasicAuth{Username: a.Username, Password: a.Password}
	default:
		return subscriber.NoAuth{}
	}
}

// List returns the loaded subscribers in file order
func (l *Loader) List() []subscriber.Subscriber {
	return append([]subscriber.Subscriber(nil), l.subscribers...)
}

/* Seed upserts every loaded subscriber by id.
 * Existing records keep their counters and creation time; only configuration is replaced.
 * Returns the number of inserted and updated subscribers.
 */
func (l *Loader) Seed(ctx context.Context, repo subscriber.Repository) (inserted, updated int, err error) {
	for _, s := range l.subscribers {
		now := l.now()
		current, err := repo.Get(ctx, s.ID)
		switch {
		case errors.Is(err, subscriber.ErrNotFound):
			s.CreatedAt = now
			s.UpdatedAt = now
			if err := repo.Insert(ctx, s); err != nil {
				return inserted, updated, fmt.Errorf("inserting subscriber %s: %w", s.ID, err)
			}
			inserted++
		case err != nil:
			return inserted, updated, fmt.Errorf("getting subscriber %s: %w", s.ID, err)
		default:
			s.CreatedAt = current.CreatedAt
			s.UpdatedAt = now
			if err := repo.Update(ctx, s); err != nil {
				return inserted, updated, fmt.Errorf("updating subscriber %s: %w", s.ID, err)
			}
			updated++
		}
	}
	return inserted, updated, nil
}
