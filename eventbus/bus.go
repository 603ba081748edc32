package eventbus

import (
	"context"
	"errors"

	"github.com/marcelsud/webhook-dispatcher/event"
)

// ErrClosed is returned by operations on a closed bus
var ErrClosed = errors.New("event bus closed")

// Handler consumes one platform event
type Handler func(ctx context.Context, evt event.PlatformEvent) error

/* Bus carries platform events between the publishers and the dispatcher.
 * Subscribe blocks until ctx is canceled or the bus is closed.
 */
type Bus interface {
	Publish(ctx context.Context, topic string, evt event.PlatformEvent) error
	Subscribe(ctx context.Context, topic string, h Handler) error
	Close() error
}
