package subscriber

import "context"

/* Small, focused interfaces
 * Each store implementation (redis, postgres, memory) satisfies Repository
 */

// Reader provides read operations for subscribers
type Reader interface {
	/* Get returns ErrNotFound for unknown and soft-deleted ids */
	Get(ctx context.Context, id string) (Subscriber, error)
	/* List returns every subscriber that is not soft-deleted */
	List(ctx context.Context) ([]Subscriber, error)
	/* FindByEventType returns active, non-deleted subscribers of eventType */
	FindByEventType(ctx context.Context, eventType string) ([]Subscriber, error)
}

// Writer provides write operations for subscribers
type Writer interface {
	Insert(ctx context.Context, s Subscriber) error
	/* Update overwrites configuration fields only, never the call counters */
	Update(ctx context.Context, s Subscriber) error
	SoftDelete(ctx context.Context, id string) error
	/* RecordCall folds one terminal outcome into the counters with atomic
	 * increments, so concurrent outcomes for the same subscriber never lose updates
	 */
	RecordCall(ctx context.Context, id string, call Call) error
}

type Repository interface {
	Reader
	Writer
	Close(ctx context.Context) error
}
