package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/marcelsud/webhook-dispatcher/event"
	"github.com/marcelsud/webhook-dispatcher/eventbus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

/* Redis Streams implementation of eventbus.Bus
 * One stream per topic, read through a consumer group so several
 * dispatcher instances share the load. Entries are acknowledged after
 * the handler returns; entries left pending by a crashed consumer are
 * re-read by the same consumer name on its next start.
 */

const (
	streamPrefix = "events" // Stream naming: events:{topic}
	eventField   = "event"
	readCount    = 10
	readBlock    = time.Second
)

type Bus struct {
	client   *redis.Client
	group    string
	consumer string
	logger   zerolog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewBus creates a stream bus reading as consumer inside group
func NewBus(client *redis.Client, group, consumer string, logger zerolog.Logger) *Bus {
	return &Bus{
		client:   client,
		group:    group,
		consumer: consumer,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// StreamKey returns the stream backing a topic
func StreamKey(topic string) string {
	return fmt.Sprintf("%s:%s", streamPrefix, topic)
}

// Publish appends evt to the topic stream
func (b *Bus) Publish(ctx context.Context, topic string, evt event.PlatformEvent) error {
	if b.isClosed() {
		return eventbus.ErrClosed
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("validating event: %w", err)
	}
	data, err := evt.Bytes()
	if err != nil {
		return err
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(topic),
		Values: map[string]interface{}{
			"event_id":  evt.ID,
			eventField: string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("adding to stream: %w", err)
	}
	return nil
}

// Subscribe consumes the topic stream until ctx is canceled or the bus is closed
func (b *Bus) Subscribe(ctx context.Context, topic string, h eventbus.Handler) error {
	if b.isClosed() {
		return eventbus.ErrClosed
	}
	streamKey := StreamKey(topic)

	err := b.client.XGroupCreateMkStream(ctx, streamKey, b.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// pending entries of this consumer first, then new ones
	pending, cursor := true, "0"
	for {
		if ctx.Err() != nil {
			return nil
		}

		start := ">"
		if pending {
			start = cursor
		}
		messages, err := b.read(ctx, streamKey, start)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Error().Err(err).Str("stream", streamKey).Msg("Failed to read from stream")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readBlock):
			}
			continue
		}
		if pending && len(messages) == 0 {
			pending = false
			continue
		}

		for _, msg := range messages {
			b.handle(ctx, streamKey, msg, h)
			cursor = msg.ID
		}
	}
}

func (b *Bus) read(ctx context.Context, streamKey, start string) ([]redis.XMessage, error) {
	args := &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.consumer,
		Streams:  []string{streamKey, start},
		Count:    readCount,
		Block:    -1,
	}
	if start == ">" {
		args.Block = readBlock
	}

	streams, err := b.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading from stream: %w", err)
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return streams[0].Messages, nil
}

func (b *Bus) handle(ctx context.Context, streamKey string, msg redis.XMessage, h eventbus.Handler) {
	log := b.logger.With().Str("stream", streamKey).Str("message_id", msg.ID).Logger()

	raw, _ := msg.Values[eventField].(string)
	evt, err := event.Parse([]byte(raw))
	if err != nil {
		// unparseable entries would be re-read forever
		log.Error().Err(err).Msg("Dropping malformed event")
		b.ack(ctx, streamKey, msg.ID, log)
		return
	}

	if err := h(ctx, evt); err != nil {
		log.Error().Err(err).Str("event_id", evt.ID).Msg("Event handler failed")
	}
	if ctx.Err() != nil {
		// interrupted: leave pending for the next start
		return
	}
	b.ack(ctx, streamKey, msg.ID, log)
}

func (b *Bus) ack(ctx context.Context, streamKey, id string, log zerolog.Logger) {
	if err := b.client.XAck(ctx, streamKey, b.group, id).Err(); err != nil {
		log.Error().Err(err).Msg("Failed to acknowledge message")
	}
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops running subscriptions; the client is owned by the caller
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
