package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcelsud/webhook-dispatcher/delivery"
	"github.com/marcelsud/webhook-dispatcher/event"
)

// ProbeResult is the synchronous answer of a connectivity test
type ProbeResult struct {
	Success    bool          `json:"success"`
	Status     *int          `json:"status,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"durationMs"`
}

/* TestConnection sends one synthetic webhook.test envelope to the subscriber.
 * No retries, and the subscriber's counters are left untouched.
 * Unknown and soft-deleted ids return subscriber.ErrNotFound.
 */
func (d *Dispatcher) TestConnection(ctx context.Context, id string) (ProbeResult, error) {
	s, err := d.Store.Get(ctx, id)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("getting subscriber: %w", err)
	}

	msgID := uuid.New().String()
	body, err := event.NewTestEnvelope(msgID, d.clock()).Bytes()
	if err != nil {
		return ProbeResult{}, fmt.Errorf("building test envelope: %w", err)
	}

	outcome := d.Prober.Attempt(ctx, s, delivery.Message{ID: msgID, Body: body})

	d.Logger.Info().
		Str("subscriber_id", s.ID).
		Bool("success", outcome.Success).
		Dur("duration", outcome.Duration).
		Msg("Webhook connectivity test")

	return ProbeResult{
		Success:    outcome.Success,
		Status:     outcome.HTTPStatus,
		Error:      outcome.Error,
		Duration:   outcome.Duration,
		DurationMs: outcome.Duration.Milliseconds(),
	}, nil
}
