package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/marcelsud/webhook-dispatcher/event"
	"github.com/marcelsud/webhook-dispatcher/eventbus"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

/* Kafka implementation of eventbus.Bus
 * Events are keyed by id; offsets are committed manually after the
 * handler returns, so an interrupted event is redelivered to the group.
 */

const commitTimeout = 3 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Bus struct {
	writer    messageWriter
	newReader func(topic string) messageReader
	logger    zerolog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewBus creates a bus over brokers; subscribers join groupID
func NewBus(brokers []string, groupID string, logger zerolog.Logger) *Bus {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	newReader := func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10e6, // 10MB
			CommitInterval: 0,    // manual commits
		})
	}
	return newBus(writer, newReader, logger)
}

func newBus(writer messageWriter, newReader func(string) messageReader, logger zerolog.Logger) *Bus {
	return &Bus{
		writer:    writer,
		newReader: newReader,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// SplitBrokers parses a comma separated broker list
func SplitBrokers(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Publish writes evt to topic, keyed by event id
func (b *Bus) Publish(ctx context.Context, topic string, evt event.PlatformEvent) error {
	if b.isClosed() {
		return eventbus.ErrClosed
	}
	msg, err := encode(topic, evt)
	if err != nil {
		return err
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

func encode(topic string, evt event.PlatformEvent) (kafka.Message, error) {
	if err := evt.Validate(); err != nil {
		return kafka.Message{}, fmt.Errorf("validating event: %w", err)
	}
	data, err := evt.Bytes()
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(evt.ID),
		Value: data,
		Time:  evt.CreatedAt,
	}, nil
}

// Subscribe reads topic as a group member until ctx is canceled or the bus is closed
func (b *Bus) Subscribe(ctx context.Context, topic string, h eventbus.Handler) error {
	if b.isClosed() {
		return eventbus.ErrClosed
	}
	reader := b.newReader(topic)
	defer reader.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetching message: %w", err)
		}

		log := b.logger.With().
			Str("topic", msg.Topic).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Logger()

		evt, err := event.Parse(msg.Value)
		if err != nil {
			log.Error().Err(err).Msg("Dropping malformed event")
			b.commit(ctx, reader, msg, log)
			continue
		}

		if err := h(ctx, evt); err != nil {
			log.Error().Err(err).Str("event_id", evt.ID).Msg("Event handler failed")
		}
		if ctx.Err() != nil {
			// interrupted: the group redelivers from the last committed offset
			return nil
		}
		b.commit(ctx, reader, msg, log)
	}
}

func (b *Bus) commit(ctx context.Context, reader messageReader, msg kafka.Message, log zerolog.Logger) {
	cctx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()
	if err := reader.CommitMessages(cctx, msg); err != nil {
		log.Error().Err(err).Msg("Failed to commit message")
	}
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops running subscriptions and closes the writer
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	if err := b.writer.Close(); err != nil {
		return fmt.Errorf("closing writer: %w", err)
	}
	return nil
}
