package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marcelsud/webhook-dispatcher/delivery"
	"github.com/marcelsud/webhook-dispatcher/event"
	"github.com/marcelsud/webhook-dispatcher/eventbus"
	"github.com/marcelsud/webhook-dispatcher/subscriber"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

const DefaultRecordTimeout = 5 * time.Second

// Store is the part of the subscriber repository the dispatcher needs
type Store interface {
	subscriber.Reader
	RecordCall(ctx context.Context, id string, call subscriber.Call) error
}

// Deliverer runs a full retry sequence; *delivery.Scheduler satisfies it
type Deliverer interface {
	Deliver(ctx context.Context, s subscriber.Subscriber, msg delivery.Message) delivery.Outcome
}

// Observer is notified of every terminal outcome
type Observer interface {
	ObserveOutcome(eventType string, o delivery.Outcome)
}

/* Report summarizes one HandlePlatformEvent call.
 * Canceled deliveries are not recorded against subscriber counters.
 */
type Report struct {
	EventID   string
	Matched   int
	Succeeded int
	Failed    int
	Canceled  int
}

/* Dispatcher resolves the subscribers of a platform event and delivers
 * the envelope to each of them concurrently.
 */
type Dispatcher struct {
	Store     Store
	Deliverer Deliverer
	// Prober sends single attempts for TestConnection
	Prober   delivery.Attempter
	Observer Observer
	Logger   zerolog.Logger

	// MaxConcurrency bounds the fan-out; 0 means one goroutine per subscriber
	MaxConcurrency int
	RecordTimeout  time.Duration

	now func() time.Time
}

// New wires a dispatcher around an executor and its retry scheduler
func New(store Store, exec *delivery.Executor, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		Store:         store,
		Deliverer:     delivery.NewScheduler(exec, logger),
		Prober:        exec,
		Logger:        logger,
		RecordTimeout: DefaultRecordTimeout,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Handler adapts the dispatcher to an event bus subscription
func (d *Dispatcher) Handler() eventbus.Handler {
	return func(ctx context.Context, evt event.PlatformEvent) error {
		d.HandlePlatformEvent(ctx, evt)
		return nil
	}
}

/* HandlePlatformEvent delivers evt to every matching subscriber and records
 * each terminal outcome. It returns once all deliveries finished or ctx was
 * canceled; subscriber failures are absorbed, never returned.
 */
func (d *Dispatcher) HandlePlatformEvent(ctx context.Context, evt event.PlatformEvent) Report {
	report := Report{EventID: evt.ID}
	log := d.Logger.With().Str("event_id", evt.ID).Str("event_type", evt.Type).Logger()

	candidates, err := d.Store.FindByEventType(ctx, evt.Type)
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve subscribers")
		return report
	}

	matched := make([]subscriber.Subscriber, 0, len(candidates))
	for _, s := range candidates {
		if s.Matches(evt.Type) {
			matched = append(matched, s)
		}
	}
	report.Matched = len(matched)
	if len(matched) == 0 {
		log.Debug().Msg("No subscribers for event")
		return report
	}

	body, err := event.NewEnvelope(evt).Bytes()
	if err != nil {
		log.Error().Err(err).Msg("Failed to build webhook envelope")
		return report
	}
	msg := delivery.Message{ID: evt.ID, Body: body}

	var mu sync.Mutex
	p := pool.New()
	if d.MaxConcurrency > 0 {
		p = p.WithMaxGoroutines(d.MaxConcurrency)
	}
	for _, s := range matched {
		p.Go(func() {
			outcome := d.deliver(ctx, s, msg)
			d.observe(evt.Type, outcome)

			mu.Lock()
			switch {
			case outcome.Canceled:
				report.Canceled++
			case outcome.Success:
				report.Succeeded++
			default:
				report.Failed++
			}
			mu.Unlock()

			if outcome.Canceled {
				log.Warn().Str("subscriber_id", s.ID).
					Int("attempts", outcome.AttemptsUsed).
					Msg("Webhook delivery canceled before completion")
				return
			}
			d.record(ctx, log, s, outcome)
		})
	}
	p.Wait()

	log.Info().
		Int("matched", report.Matched).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("canceled", report.Canceled).
		Msg("Platform event dispatched")
	return report
}

// deliver runs one subscriber's sequence; a panic fails only that subscriber
func (d *Dispatcher) deliver(ctx context.Context, s subscriber.Subscriber, msg delivery.Message) (outcome delivery.Outcome) {
	if ctx.Err() != nil {
		return delivery.Outcome{Canceled: true, Error: ctx.Err().Error()}
	}
	defer func() {
		if r := recover(); r != nil {
			outcome = delivery.Outcome{Error: fmt.Sprintf("delivery panicked: %v", r)}
		}
	}()
	return d.Deliverer.Deliver(ctx, s, msg)
}

func (d *Dispatcher) record(ctx context.Context, log zerolog.Logger, s subscriber.Subscriber, outcome delivery.Outcome) {
	call := subscriber.Call{
		Success:  outcome.Success,
		Status:   outcome.HTTPStatus,
		Error:    outcome.Error,
		CalledAt: d.clock(),
	}

	// completed deliveries are persisted even while shutting down
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.recordTimeout())
	defer cancel()

	if err := d.Store.RecordCall(recordCtx, s.ID, call); err != nil {
		log.Error().Err(err).Str("subscriber_id", s.ID).Msg("Failed to record webhook call")
		return
	}

	logEvent := log.Info()
	if !outcome.Success {
		logEvent = log.Warn().Str("error", call.ErrorMessage())
	}
	if outcome.HTTPStatus != nil {
		logEvent = logEvent.Int("status", *outcome.HTTPStatus)
	}
	logEvent.Str("subscriber_id", s.ID).
		Bool("success", outcome.Success).
		Int("attempts", outcome.AttemptsUsed).
		Dur("duration", outcome.Duration).
		Msg("Webhook delivery recorded")
}

func (d *Dispatcher) observe(eventType string, o delivery.Outcome) {
	if d.Observer != nil {
		d.Observer.ObserveOutcome(eventType, o)
	}
}

func (d *Dispatcher) recordTimeout() time.Duration {
	if d.RecordTimeout <= 0 {
		return DefaultRecordTimeout
	}
	return d.RecordTimeout
}

func (d *Dispatcher) clock() time.Time {
	if d.now == nil {
		return time.Now().UTC()
	}
	return d.now()
}
