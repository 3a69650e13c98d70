package broker

import (
	"context"
	"time"

	"github.com/ppuertot/queue-processor-system/internal/job"
)

// Broker holds the schedulable state of every queue: ready, active, delayed
// and failed sets plus a pause flag. It is a cache over the durable store and
// can be rebuilt from it at any time.
type Broker interface {
	// Enqueue places env into ready, or into delayed when delay > 0.
	Enqueue(ctx context.Context, queue string, env *job.Envelope, delay time.Duration) error

	// Claim reserves up to n ready envelopes, in (priority asc, seq asc)
	// order, moving them to active. A paused queue yields nothing.
	Claim(ctx context.Context, queue string, n int) ([]*job.Envelope, error)

	// Ack removes a finished job from active.
	Ack(ctx context.Context, queue, id string) error

	// Fail removes id from active; with retryIn > 0 it lands in delayed,
	// otherwise in failed.
	Fail(ctx context.Context, queue, id string, retryIn time.Duration) error

	// PromoteDue moves delayed items whose due time has passed into ready,
	// preserving priority order. Returns the promoted envelopes so callers
	// can mirror the move in the durable store.
	PromoteDue(ctx context.Context, queue string, now time.Time) ([]*job.Envelope, error)

	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
	IsPaused(ctx context.Context, queue string) (bool, error)

	// RetryAllFailed moves every failed envelope back to ready with its
	// original priority. Empty queue name means all queues.
	RetryAllFailed(ctx context.Context, queue string) (int, error)

	// PushFailed seeds the failed set without going through active. Used by
	// boot recovery to make durable failed rows visible to RetryAllFailed.
	PushFailed(ctx context.Context, queue string, env *job.Envelope) error

	Stats(ctx context.Context, queue string) (*QueueStats, error)
	Queues(ctx context.Context) ([]string, error)

	Close() error
}

// QueueStats is the cardinality snapshot of one queue.
type QueueStats struct {
	Waiting int  `json:"waiting"`
	Active  int  `json:"active"`
	Delayed int  `json:"delayed"`
	Failed  int  `json:"failed"`
	Paused  bool `json:"paused"`
}

// Waiter is implemented by brokers that can block a consumer until a queue
// may have claimable work. The memory broker uses a condition variable; the
// redis broker does not implement it, and the dispatcher polls it instead.
type Waiter interface {
	WaitReady(ctx context.Context, queue string) error
}
