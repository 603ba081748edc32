package delivery

import "time"

/* Outcome is the result of one attempt, or of a whole retry sequence
 * when returned by the Scheduler. It is never persisted as such.
 */
type Outcome struct {
	Success      bool
	HTTPStatus   *int
	Error        string
	AttemptsUsed int
	Duration     time.Duration
	// Canceled is set when the caller's context ended the sequence early
	Canceled bool
}

// Message is the serialized envelope sent to every matched subscriber
type Message struct {
	// ID doubles as the webhook-id header on signed deliveries
	ID   string
	Body []byte
}

/* Observer receives per-attempt measurements.
 * metrics.Delivery implements it for Prometheus.
 */
type Observer interface {
	ObserveAttempt(o Outcome)
}

type nopObserver struct{}

func (nopObserver) ObserveAttempt(Outcome) {}
