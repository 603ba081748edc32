package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/marcelsud/webhook-dispatcher/event"
	"github.com/rs/zerolog"
)

/* Memory is an in-process bus. Each published event is handed to every
 * subscriber of the topic on its own goroutine; Publish does not wait.
 * Handlers run until their subscription ends or the bus is closed,
 * whichever comes first, regardless of the publisher's context.
 */
type Memory struct {
	mu       sync.RWMutex
	subs     map[string][]*subscription
	closed   bool
	base     context.Context
	stop     context.CancelFunc
	inflight sync.WaitGroup
	logger   zerolog.Logger
}

type subscription struct {
	handler Handler
	ctx     context.Context
}

func NewMemory(logger zerolog.Logger) *Memory {
	base, stop := context.WithCancel(context.Background())
	return &Memory{
		subs:   make(map[string][]*subscription),
		base:   base,
		stop:   stop,
		logger: logger,
	}
}

func (m *Memory) Publish(ctx context.Context, topic string, evt event.PlatformEvent) error {
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("validating event: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	for _, sub := range m.subs[topic] {
		if sub == nil {
			continue
		}
		m.inflight.Add(1)
		go func(sub *subscription) {
			defer m.inflight.Done()
			// handlers outlive the publishing request but not their subscription
			hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			defer cancel()
			release := context.AfterFunc(sub.ctx, cancel)
			defer release()

			if err := sub.handler(hctx, evt); err != nil {
				m.logger.Error().Err(err).
					Str("event_id", evt.ID).
					Str("topic", topic).
					Msg("Event handler failed")
			}
		}(sub)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string, h Handler) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := context.AfterFunc(m.base, cancel)
	defer release()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.subs[topic] = append(m.subs[topic], &subscription{handler: h, ctx: subCtx})
	index := len(m.subs[topic]) - 1
	m.mu.Unlock()

	<-subCtx.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	// keep indexes of other subscribers stable
	m.subs[topic][index] = nil
	return nil
}

// Close stops accepting events, cancels running handlers and waits for them
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.stop()
	m.inflight.Wait()
	return nil
}
