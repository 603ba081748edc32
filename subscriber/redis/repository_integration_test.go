//go:build integration

package redis_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marcelsud/webhook-dispatcher/subscriber"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository_Integration(t *testing.T) {
	ctx := context.Background()

	redisContainer, cleanup := SetupRedisContainer(t, ctx)
	defer cleanup()

	repo := CreateTestRepository(t, redisContainer.Addr)
	defer repo.Close(ctx)

	t.Run("insert and get", func(t *testing.T) {
		s := NewTestSubscriber("get-1", "event.created")
		s.Auth = subscriber.BearerAuth{Token: "abc"}
		require.NoError(t, repo.Insert(ctx, s))

		got, err := repo.Get(ctx, "get-1")
		require.NoError(t, err)
		assert.Equal(t, "sub-get-1", got.Name)
		assert.Equal(t, subscriber.BearerAuth{Token: "abc"}, got.Auth)
		assert.Equal(t, []string{"event.created"}, got.EventTypes)
	})

	t.Run("get unknown id", func(t *testing.T) {
		_, err := repo.Get(ctx, "missing")
		assert.ErrorIs(t, err, subscriber.ErrNotFound)
	})

	t.Run("find by event type honours active and deleted flags", func(t *testing.T) {
		require.NoError(t, repo.Insert(ctx, NewTestSubscriber("find-a", "campaign.sent")))
		inactive := NewTestSubscriber("find-b", "campaign.sent")
		inactive.IsActive = false
		require.NoError(t, repo.Insert(ctx, inactive))
		require.NoError(t, repo.Insert(ctx, NewTestSubscriber("find-c", "campaign.sent")))
		require.NoError(t, repo.SoftDelete(ctx, "find-c"))

		found, err := repo.FindByEventType(ctx, "campaign.sent")
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "find-a", found[0].ID)

		assert.NotContains(t, SetMembers(t, redisContainer.Addr, "subscribers:all"), "find-c")
	})

	t.Run("update re-indexes event types and keeps counters", func(t *testing.T) {
		s := NewTestSubscriber("upd-1", "certificate.issued")
		require.NoError(t, repo.Insert(ctx, s))
		require.NoError(t, repo.RecordCall(ctx, "upd-1", subscriber.Call{Success: true, CalledAt: time.Now()}))

		s.EventTypes = []string{"certificate.revoked"}
		require.NoError(t, repo.Update(ctx, s))

		old, err := repo.FindByEventType(ctx, "certificate.issued")
		require.NoError(t, err)
		assert.Empty(t, old)

		current, err := repo.FindByEventType(ctx, "certificate.revoked")
		require.NoError(t, err)
		require.Len(t, current, 1)
		assert.Equal(t, int64(1), current[0].TotalCalls)
	})

	t.Run("record call keeps the counter invariant under concurrency", func(t *testing.T) {
		require.NoError(t, repo.Insert(ctx, NewTestSubscriber("cnt-1", "event.created")))

		const n = 50
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				status := 200
				call := subscriber.Call{Success: i%5 != 0, Status: &status, CalledAt: time.Now()}
				if !call.Success {
					call.Error = "HTTP 500"
				}
				assert.NoError(t, repo.RecordCall(ctx, "cnt-1", call))
			}(i)
		}
		wg.Wait()

		got, err := repo.Get(ctx, "cnt-1")
		require.NoError(t, err)
		assert.Equal(t, int64(n), got.TotalCalls)
		assert.Equal(t, int64(40), got.SuccessfulCalls)
		assert.Equal(t, int64(10), got.FailedCalls)
	})

	t.Run("success clears last error", func(t *testing.T) {
		require.NoError(t, repo.Insert(ctx, NewTestSubscriber("err-1", "event.created")))
		require.NoError(t, repo.RecordCall(ctx, "err-1", subscriber.Call{CalledAt: time.Now()}))

		got, err := repo.Get(ctx, "err-1")
		require.NoError(t, err)
		require.NotNil(t, got.LastError)
		assert.Equal(t, subscriber.UnknownError, *got.LastError)

		require.NoError(t, repo.RecordCall(ctx, "err-1", subscriber.Call{Success: true, CalledAt: time.Now()}))
		got, err = repo.Get(ctx, "err-1")
		require.NoError(t, err)
		assert.Nil(t, got.LastError)
	})

	t.Run("insert rejects a taken id, even when soft-deleted", func(t *testing.T) {
		s := NewTestSubscriber("dup-1", "certificate.issued")
		require.NoError(t, repo.Insert(ctx, s))
		assert.ErrorIs(t, repo.Insert(ctx, s), subscriber.ErrAlreadyExists)

		require.NoError(t, repo.SoftDelete(ctx, "dup-1"))
		assert.ErrorIs(t, repo.Insert(ctx, s), subscriber.ErrAlreadyExists)

		_, err := repo.Get(ctx, "dup-1")
		assert.ErrorIs(t, err, subscriber.ErrNotFound)
		found, err := repo.FindByEventType(ctx, "certificate.issued")
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("record call on unknown id", func(t *testing.T) {
		err := repo.RecordCall(ctx, "missing", subscriber.Call{Success: true, CalledAt: time.Now()})
		assert.ErrorIs(t, err, subscriber.ErrNotFound)
	})
}
