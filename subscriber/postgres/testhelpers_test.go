//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/marcelsud/webhook-dispatcher/subscriber"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

/*
Test helpers for PostgreSQL integration tests

- Starts a postgres:16-alpine container
- Creates webhook_subscribers
- Terminates the container on cleanup
*/

const (
	defaultDatabase = "testdb"
	defaultUser     = "testuser"
	defaultPassword = "testpass"
)

// SetupTestRepository starts a container and returns a repository with the table created
func SetupTestRepository(t *testing.T, ctx context.Context) (*Repository, func()) {
	t.Helper()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(defaultDatabase),
		postgres.WithUsername(defaultUser),
		postgres.WithPassword(defaultPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	repo, err := NewRepository(connStr)
	require.NoError(t, err)
	require.NoError(t, repo.CreateTable(ctx))

	cleanup := func() {
		repo.Close(ctx)
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return repo, cleanup
}

// NewTestSubscriber builds a valid subscriber with a fixed id
func NewTestSubscriber(id string, eventTypes ...string) subscriber.Subscriber {
	s := subscriber.New("sub-"+id, "https://example.com/"+id, eventTypes)
	s.ID = id
	s.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	s.UpdatedAt = s.CreatedAt
	return s
}
