package delivery

import (
	"context"
	"math"
	"time"

	"github.com/marcelsud/webhook-dispatcher/subscriber"
	"github.com/rs/zerolog"
)

// Attempter performs one delivery attempt; *Executor satisfies it
type Attempter interface {
	Attempt(ctx context.Context, s subscriber.Subscriber, msg Message) Outcome
}

/* Scheduler wraps an Attempter with bounded exponential backoff.
 * A subscriber with RetryCount r gets at most r+1 attempts, separated by
 * RetryDelay, 2*RetryDelay, 4*RetryDelay, ...
 */
type Scheduler struct {
	Attempter Attempter
	Logger    zerolog.Logger
	// After is time.After unless overridden in tests
	After func(time.Duration) <-chan time.Time
}

func NewScheduler(a Attempter, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		Attempter: a,
		Logger:    logger,
		After:     time.After,
	}
}

// MaxBackoff is the ceiling Backoff saturates at instead of overflowing
const MaxBackoff = time.Duration(math.MaxInt64)

// Backoff returns the delay slept after the given failed attempt (1-based)
func Backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		if d > MaxBackoff/2 {
			return MaxBackoff
		}
		d *= 2
	}
	return d
}

// Deliver runs the retry sequence and returns its terminal outcome
func (s *Scheduler) Deliver(ctx context.Context, sub subscriber.Subscriber, msg Message) Outcome {
	started := time.Now()
	if ctx.Err() != nil {
		return Outcome{Canceled: true, Error: ctx.Err().Error()}
	}

	var outcome Outcome
	for attempt := 1; ; attempt++ {
		outcome = s.Attempter.Attempt(ctx, sub, msg)
		outcome.AttemptsUsed = attempt
		outcome.Duration = time.Since(started)

		if outcome.Success || outcome.Canceled {
			return outcome
		}

		logEvent := s.Logger.Warn().
			Str("subscriber_id", sub.ID).
			Str("message_id", msg.ID).
			Int("attempt", attempt).
			Int("max_attempts", sub.RetryCount+1).
			Str("error", outcome.Error)
		if outcome.HTTPStatus != nil {
			logEvent = logEvent.Int("status", *outcome.HTTPStatus)
		}
		logEvent.Msg("Webhook attempt failed")

		if attempt > sub.RetryCount {
			return outcome
		}

		select {
		case <-ctx.Done():
			outcome.Canceled = true
			outcome.Duration = time.Since(started)
			return outcome
		case <-s.after(Backoff(sub.RetryDelay, attempt)):
		}
	}
}

func (s *Scheduler) after(d time.Duration) <-chan time.Time {
	if s.After == nil {
		return time.After(d)
	}
	return s.After(d)
}
