package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/marcelsud/webhook-dispatcher/subscriber"
)

/*
PostgreSQL implementation of subscriber.Repository

- One row per subscriber in webhook_subscribers, soft-deleted via deleted_at
- subscribed_event_types is a text[] matched with = ANY($1)
- auth_config and custom_headers are jsonb
- Call counters are incremented in SQL, never read-modify-written in Go
*/

// uniqueViolation is the postgres SQLSTATE for a duplicate primary key
const uniqueViolation = "23505"

type Repository struct {
	DB  *sql.DB
	now func() time.Time
}

const selectColumns = `id, name, description, url, is_active, subscribed_event_types,
		auth_type, auth_config, custom_headers, signing_secret,
		retry_count, retry_delay_ms, timeout_ms,
		total_calls, successful_calls, failed_calls,
		last_called_at, last_status, last_error,
		created_at, updated_at, deleted_at`

// NewRepository opens a pooled connection with the default pool (25, 5, 5 min)
func NewRepository(connectionString string) (*Repository, error) {
	return NewRepositoryWithPoolConfig(connectionString, 25, 5, 5)
}

// NewRepositoryWithPoolConfig opens a connection with a custom pool
// maxOpenConns: maximum simultaneous connections (0 = unlimited)
// maxIdleConns: maximum idle connections kept in the pool
// maxLifeMinutes: maximum minutes a connection may be reused
func NewRepositoryWithPoolConfig(connectionString string, maxOpenConns, maxIdleConns, maxLifeMinutes int) (*Repository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if maxIdleConns > 0 {
		db.SetMaxIdleConns(maxIdleConns)
	}
	if maxLifeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(maxLifeMinutes) * time.Minute)
	}

	return NewRepositoryWithDB(db), nil
}

func NewRepositoryWithDB(db *sql.DB) *Repository {
	return &Repository{
		DB:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a non-deleted subscriber by ID
func (r *Repository) Get(ctx context.Context, id string) (subscriber.Subscriber, error) {
	query := "SELECT " + selectColumns + " FROM webhook_subscribers WHERE id = $1 AND deleted_at IS NULL"

	s, err := scanSubscriber(r.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return subscriber.Subscriber{}, subscriber.ErrNotFound
	}
	if err != nil {
		return subscriber.Subscriber{}, fmt.Errorf("selecting subscriber: %w", err)
	}
	return s, nil
}

// List returns every non-deleted subscriber, oldest first
func (r *Repository) List(ctx context.Context) ([]subscriber.Subscriber, error) {
	query := "SELECT " + selectColumns + " FROM webhook_subscribers WHERE deleted_at IS NULL ORDER BY created_at, id"
	return r.query(ctx, query)
}

// FindByEventType returns active, non-deleted subscribers of eventType
func (r *Repository) FindByEventType(ctx context.Context, eventType string) ([]subscriber.Subscriber, error) {
	query := "SELECT " + selectColumns + ` FROM webhook_subscribers
		WHERE deleted_at IS NULL AND is_active AND $1 = ANY(subscribed_event_types)
		ORDER BY created_at, id`
	return r.query(ctx, query, eventType)
}

func (r *Repository) query(ctx context.Context, query string, args ...interface{}) ([]subscriber.Subscriber, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting subscribers: %w", err)
	}
	defer rows.Close()

	subs := []subscriber.Subscriber{}
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscriber: %w", err)
		}
		subs = append(subs, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscribers: %w", err)
	}
	return subs, nil
}

// Insert stores a new subscriber row
func (r *Repository) Insert(ctx context.Context, s subscriber.Subscriber) error {
	authConfig, customHeaders, err := encodeJSON(s)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO webhook_subscribers (id, name, description, url, is_active, subscribed_event_types,
			auth_type, auth_config, custom_headers, signing_secret,
			retry_count, retry_delay_ms, timeout_ms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err = r.DB.ExecContext(ctx, query,
		s.ID, s.Name, s.Description, s.URL, s.IsActive, pq.Array(s.EventTypes),
		subscriber.AuthTypeOf(s.Auth).String(), authConfig, customHeaders, s.SigningSecret,
		s.RetryCount, s.RetryDelay.Milliseconds(), s.Timeout.Milliseconds(), s.CreatedAt, s.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return subscriber.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting subscriber: %w", err)
	}
	return nil
}

// Update overwrites configuration columns only
func (r *Repository) Update(ctx context.Context, s subscriber.Subscriber) error {
	authConfig, customHeaders, err := encodeJSON(s)
	if err != nil {
		return err
	}

	query := `
		UPDATE webhook_subscribers
		SET name = $1, description = $2, url = $3, is_active = $4, subscribed_event_types = $5,
			auth_type = $6, auth_config = $7, custom_headers = $8, signing_secret = $9,
			retry_count = $10, retry_delay_ms = $11, timeout_ms = $12, updated_at = $13
		WHERE id = $14 AND deleted_at IS NULL
	`

	result, err := r.DB.ExecContext(ctx, query,
		s.Name, s.Description, s.URL, s.IsActive, pq.Array(s.EventTypes),
		subscriber.AuthTypeOf(s.Auth).String(), authConfig, customHeaders, s.SigningSecret,
		s.RetryCount, s.RetryDelay.Milliseconds(), s.Timeout.Milliseconds(), s.UpdatedAt,
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("updating subscriber: %w", err)
	}
	return expectOneRow(result)
}

// SoftDelete sets deleted_at; the row and its history stay
func (r *Repository) SoftDelete(ctx context.Context, id string) error {
	query := `
		UPDATE webhook_subscribers
		SET deleted_at = $1, updated_at = $1
		WHERE id = $2 AND deleted_at IS NULL
	`

	result, err := r.DB.ExecContext(ctx, query, r.now(), id)
	if err != nil {
		return fmt.Errorf("deleting subscriber: %w", err)
	}
	return expectOneRow(result)
}

// RecordCall increments the counters in a single UPDATE
func (r *Repository) RecordCall(ctx context.Context, id string, call subscriber.Call) error {
	var (
		succeeded, failed int
		lastError         sql.NullString
		lastStatus        sql.NullInt64
	)
	if call.Success {
		succeeded = 1
	} else {
		failed = 1
		lastError = sql.NullString{String: call.ErrorMessage(), Valid: true}
	}
	if call.Status != nil {
		lastStatus = sql.NullInt64{Int64: int64(*call.Status), Valid: true}
	}

	query := `
		UPDATE webhook_subscribers
		SET total_calls = total_calls + 1,
			successful_calls = successful_calls + $1,
			failed_calls = failed_calls + $2,
			last_called_at = $3, last_status = $4, last_error = $5
		WHERE id = $6
	`

	result, err := r.DB.ExecContext(ctx, query, succeeded, failed, call.CalledAt, lastStatus, lastError, id)
	if err != nil {
		return fmt.Errorf("recording call: %w", err)
	}
	return expectOneRow(result)
}

// Close closes the database connection
func (r *Repository) Close(ctx context.Context) error {
	if r.DB != nil {
		return r.DB.Close()
	}
	return nil
}

// CreateTable creates webhook_subscribers when missing
func (r *Repository) CreateTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS webhook_subscribers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			subscribed_event_types TEXT[] NOT NULL DEFAULT '{}',
			auth_type TEXT NOT NULL DEFAULT 'none',
			auth_config JSONB NOT NULL DEFAULT '{}',
			custom_headers JSONB NOT NULL DEFAULT '{}',
			signing_secret TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 3 CHECK (retry_count >= 0),
			retry_delay_ms BIGINT NOT NULL DEFAULT 5000 CHECK (retry_delay_ms > 0),
			timeout_ms BIGINT NOT NULL DEFAULT 10000 CHECK (timeout_ms > 0),
			total_calls BIGINT NOT NULL DEFAULT 0,
			successful_calls BIGINT NOT NULL DEFAULT 0,
			failed_calls BIGINT NOT NULL DEFAULT 0,
			last_called_at TIMESTAMPTZ,
			last_status INTEGER,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS webhook_subscribers_event_types_idx
			ON webhook_subscribers USING GIN (subscribed_event_types)
	`

	if _, err := r.DB.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("creating table: %w", err)
	}
	return nil
}

// DropTable removes webhook_subscribers (useful for tests)
func (r *Repository) DropTable(ctx context.Context) error {
	if _, err := r.DB.ExecContext(ctx, "DROP TABLE IF EXISTS webhook_subscribers CASCADE"); err != nil {
		return fmt.Errorf("dropping table: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscriber(row scanner) (subscriber.Subscriber, error) {
	var (
		s                         subscriber.Subscriber
		authType                  string
		authConfig, customHeaders []byte
		retryDelayMs, timeoutMs   int64
		lastCalledAt, deletedAt   sql.NullTime
		lastStatus                sql.NullInt64
		lastError                 sql.NullString
	)

	err := row.Scan(
		&s.ID, &s.Name, &s.Description, &s.URL, &s.IsActive, pq.Array(&s.EventTypes),
		&authType, &authConfig, &customHeaders, &s.SigningSecret,
		&s.RetryCount, &retryDelayMs, &timeoutMs,
		&s.TotalCalls, &s.SuccessfulCalls, &s.FailedCalls,
		&lastCalledAt, &lastStatus, &lastError,
		&s.CreatedAt, &s.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return subscriber.Subscriber{}, err
	}

	s.RetryDelay = time.Duration(retryDelayMs) * time.Millisecond
	s.Timeout = time.Duration(timeoutMs) * time.Millisecond

	s.Auth, err = subscriber.UnmarshalAuthConfig(subscriber.NewAuthType(authType), authConfig)
	if err != nil {
		return subscriber.Subscriber{}, err
	}
	if len(customHeaders) > 0 {
		if err := json.Unmarshal(customHeaders, &s.CustomHeaders); err != nil {
			return subscriber.Subscriber{}, fmt.Errorf("unmarshaling custom headers: %w", err)
		}
	}

	if lastCalledAt.Valid {
		t := lastCalledAt.Time
		s.LastCalledAt = &t
	}
	if lastStatus.Valid {
		status := int(lastStatus.Int64)
		s.LastStatus = &status
	}
	if lastError.Valid {
		msg := lastError.String
		s.LastError = &msg
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		s.DeletedAt = &t
	}
	return s, nil
}

// encodeJSON returns strings: lib/pq would send []byte as bytea, which jsonb rejects
func encodeJSON(s subscriber.Subscriber) (authConfig, customHeaders string, err error) {
	auth, err := subscriber.MarshalAuthConfig(s.Auth)
	if err != nil {
		return "", "", err
	}
	headers := s.CustomHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	encoded, err := json.Marshal(headers)
	if err != nil {
		return "", "", fmt.Errorf("marshaling custom headers: %w", err)
	}
	return string(auth), string(encoded), nil
}

func expectOneRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return subscriber.ErrNotFound
	}
	return nil
}
