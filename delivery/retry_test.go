package delivery_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marcelsud/webhook-dispatcher/delivery"
	"github.com/marcelsud/webhook-dispatcher/subscriber"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedAttempter returns outcomes in order, repeating the last one
type scriptedAttempter struct {
	mu       sync.Mutex
	outcomes []delivery.Outcome
	calls    int
}

func (a *scriptedAttempter) Attempt(_ context.Context, _ subscriber.Subscriber, _ delivery.Message) delivery.Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	if i >= len(a.outcomes) {
		i = len(a.outcomes) - 1
	}
	a.calls++
	return a.outcomes[i]
}

func failing(msg string) delivery.Outcome { return delivery.Outcome{Error: msg} }

func succeeding() delivery.Outcome {
	status := 200
	return delivery.Outcome{Success: true, HTTPStatus: &status}
}

// recordDelays fires immediately and remembers the requested delays
func recordDelays(delays *[]time.Duration) func(time.Duration) <-chan time.Time {
	return func(d time.Duration) <-chan time.Time {
		*delays = append(*delays, d)
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
}

func TestBackoff(t *testing.T) {
	base := time.Second
	assert.Equal(t, time.Second, delivery.Backoff(base, 1))
	assert.Equal(t, 2*time.Second, delivery.Backoff(base, 2))
	assert.Equal(t, 4*time.Second, delivery.Backoff(base, 3))
	assert.Equal(t, 8*time.Second, delivery.Backoff(base, 4))
	assert.Equal(t, base, delivery.Backoff(base, 0))

	t.Run("saturates instead of overflowing", func(t *testing.T) {
		for _, attempt := range []int{32, 33, 64, 65, 1000} {
			got := delivery.Backoff(5*time.Second, attempt)
			assert.Equal(t, delivery.MaxBackoff, got, "attempt %d", attempt)
		}
		assert.Greater(t, delivery.Backoff(5*time.Second, 31), time.Duration(0))
	})
}

func TestDeliver(t *testing.T) {
	ctx := context.Background()

	t.Run("success on first attempt", func(t *testing.T) {
		attempter := &scriptedAttempter{outcomes: []delivery.Outcome{succeeding()}}
		var delays []time.Duration
		scheduler := delivery.NewScheduler(attempter, zerolog.Nop())
		scheduler.After = recordDelays(&delays)

		outcome := scheduler.Deliver(ctx, subscriber.New("a", "http://x", []string{"a.b"}), message)

		assert.True(t, outcome.Success)
		assert.Equal(t, 1, outcome.AttemptsUsed)
		assert.Empty(t, delays)
	})

	t.Run("permanent failure uses retryCount+1 attempts with doubling delays", func(t *testing.T) {
		for _, retries := range []int{0, 1, 3, 5} {
			attempter := &scriptedAttempter{outcomes: []delivery.Outcome{failing("connection refused")}}
			var delays []time.Duration
			scheduler := delivery.NewScheduler(attempter, zerolog.Nop())
			scheduler.After = recordDelays(&delays)

			s := subscriber.New("a", "http://x", []string{"a.b"})
			s.RetryCount = retries
			s.RetryDelay = 100 * time.Millisecond

			outcome := scheduler.Deliver(ctx, s, message)

			assert.False(t, outcome.Success)
			assert.Equal(t, "connection refused", outcome.Error)
			assert.Equal(t, retries+1, outcome.AttemptsUsed)
			assert.Equal(t, retries+1, attempter.calls)

			expected := make([]time.Duration, 0, retries)
			for i := 0; i < retries; i++ {
				expected = append(expected, s.RetryDelay<<i)
			}
			if retries == 0 {
				assert.Empty(t, delays)
			} else {
				assert.Equal(t, expected, delays)
			}
		}
	})

	t.Run("two failures then success", func(t *testing.T) {
		attempter := &scriptedAttempter{outcomes: []delivery.Outcome{
			failing("timeout"), failing("timeout"), succeeding(),
		}}
		var delays []time.Duration
		scheduler := delivery.NewScheduler(attempter, zerolog.Nop())
		scheduler.After = recordDelays(&delays)

		s := subscriber.New("a", "http://x", []string{"a.b"})
		s.RetryCount = 2
		s.RetryDelay = time.Second

		outcome := scheduler.Deliver(ctx, s, message)

		assert.True(t, outcome.Success)
		assert.Equal(t, 3, outcome.AttemptsUsed)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	})

	t.Run("elapsed time covers the backoff", func(t *testing.T) {
		attempter := &scriptedAttempter{outcomes: []delivery.Outcome{
			failing("timeout"), failing("timeout"), succeeding(),
		}}
		scheduler := delivery.NewScheduler(attempter, zerolog.Nop())

		s := subscriber.New("a", "http://x", []string{"a.b"})
		s.RetryCount = 2
		s.RetryDelay = 20 * time.Millisecond

		start := time.Now()
		outcome := scheduler.Deliver(ctx, s, message)

		assert.True(t, outcome.Success)
		assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
		assert.GreaterOrEqual(t, outcome.Duration, 60*time.Millisecond)
	})

	t.Run("canceled before first attempt", func(t *testing.T) {
		attempter := &scriptedAttempter{outcomes: []delivery.Outcome{succeeding()}}
		scheduler := delivery.NewScheduler(attempter, zerolog.Nop())

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		outcome := scheduler.Deliver(cctx, subscriber.New("a", "http://x", []string{"a.b"}), message)

		assert.True(t, outcome.Canceled)
		assert.Equal(t, 0, outcome.AttemptsUsed)
		assert.Equal(t, 0, attempter.calls)
	})

	t.Run("cancellation skips pending backoff", func(t *testing.T) {
		attempter := &scriptedAttempter{outcomes: []delivery.Outcome{failing("timeout")}}
		scheduler := delivery.NewScheduler(attempter, zerolog.Nop())

		s := subscriber.New("a", "http://x", []string{"a.b"})
		s.RetryCount = 3
		s.RetryDelay = time.Hour

		cctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(20*time.Millisecond, cancel)

		start := time.Now()
		outcome := scheduler.Deliver(cctx, s, message)

		require.True(t, outcome.Canceled)
		assert.False(t, outcome.Success)
		assert.Equal(t, 1, outcome.AttemptsUsed)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("canceled attempt stops the sequence", func(t *testing.T) {
		attempter := &scriptedAttempter{outcomes: []delivery.Outcome{{Error: "request canceled", Canceled: true}}}
		var delays []time.Duration
		scheduler := delivery.NewScheduler(attempter, zerolog.Nop())
		scheduler.After = recordDelays(&delays)

		s := subscriber.New("a", "http://x", []string{"a.b"})
		outcome := scheduler.Deliver(ctx, s, message)

		assert.True(t, outcome.Canceled)
		assert.Equal(t, 1, attempter.calls)
		assert.Empty(t, delays)
	})
}
