package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ppuertot/queue-processor-system/internal/broker"
	qerr "github.com/ppuertot/queue-processor-system/internal/errors"
	"github.com/ppuertot/queue-processor-system/internal/job"
	"github.com/ppuertot/queue-processor-system/internal/retry"
	"github.com/ppuertot/queue-processor-system/internal/store"
)

const (
	infraAttempts = 3
	infraBackoff  = 100 * time.Millisecond
)

// Coordinator owns every status mutation. Each transition runs the same
// sequence: validate, durable update, broker update. The durable record is
// authoritative; a broker that drifts is repaired on the next claim or
// promote cycle, or by boot recovery.
type Coordinator struct {
	store  store.Store
	broker broker.Broker
	engine *retry.Engine
	queues map[string]job.QueueConfig
	log    zerolog.Logger
}

func NewCoordinator(st store.Store, br broker.Broker, engine *retry.Engine, queues map[string]job.QueueConfig, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:  st,
		broker: br,
		engine: engine,
		queues: queues,
		log:    log.With().Str("component", "lifecycle").Logger(),
	}
}

// withRetry runs op up to infraAttempts times with a short pause. It only
// gives up on persistent infrastructure failures; validation and not-found
// errors surface immediately.
func (c *Coordinator) withRetry(operation string, op func() error) error {
	var err error
	for attempt := 0; attempt < infraAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if qerr.IsNotFound(err) || qerr.IsConflict(err) || qerr.IsValidation(err) || qerr.IsInvalidTransition(err) {
			return err
		}
		if attempt < infraAttempts-1 {
			time.Sleep(infraBackoff)
		}
	}
	return &qerr.TransientError{Operation: operation, Err: err}
}

func (c *Coordinator) queueConfig(jobType string) job.QueueConfig {
	if qc, ok := c.queues[jobType]; ok {
		return qc
	}
	return job.DefaultQueueConfig(jobType)
}

// Submit validates and admits a new job: durable record first, broker second.
func (c *Coordinator) Submit(ctx context.Context, jobType string, priority job.Priority, payload json.RawMessage) (*job.Job, error) {
	if _, ok := c.queues[jobType]; !ok {
		return nil, &qerr.ValidationError{Field: "type", Message: "unknown job type: " + jobType}
	}
	if priority == 0 {
		priority = job.PriorityDefault
	}
	if !priority.Valid() {
		return nil, &qerr.ValidationError{Field: "priority", Message: "priority must be between 1 and 10"}
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, &qerr.ValidationError{Field: "data", Message: "payload is not well-formed JSON"}
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	qc := c.queueConfig(jobType)
	j := &job.Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Priority:   priority,
		Payload:    payload,
		Status:     job.StatusWaiting,
		MaxRetries: qc.MaxRetries,
	}

	if err := c.withRetry("Submit", func() error { return c.store.Create(ctx, j) }); err != nil {
		return nil, err
	}

	env := &job.Envelope{ID: j.ID, Type: j.Type, Priority: j.Priority, Payload: j.Payload}
	if err := c.withRetry("Enqueue", func() error { return c.broker.Enqueue(ctx, jobType, env, 0) }); err != nil {
		// The durable row stays in waiting; boot recovery will re-seed the
		// broker from it.
		c.log.Error().Err(err).Str("job_id", j.ID).Msg("broker enqueue failed after durable create")
		return nil, err
	}

	c.log.Debug().Str("job_id", j.ID).Str("type", jobType).Int("priority", int(priority)).Msg("job submitted")
	return j, nil
}

// MarkActive transitions a claimed job to active: started_at set, attempts
// incremented, progress reset. A claim that raced a promote may still see
// durable status delayed; the hop through waiting repairs it.
func (c *Coordinator) MarkActive(ctx context.Context, id string) (*job.Job, error) {
	current, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == job.StatusDelayed {
		if _, err := c.store.UpdateStatus(ctx, id, job.StatusWaiting, store.StatusPatch{}); err != nil {
			return nil, err
		}
		current.Status = job.StatusWaiting
	}

	now := time.Now().UTC()
	attempts := current.Attempts + 1
	progress := 0
	var updated *job.Job
	err = c.withRetry("MarkActive", func() error {
		var uerr error
		updated, uerr = c.store.UpdateStatus(ctx, id, job.StatusActive, store.StatusPatch{
			StartedAt: &now,
			Attempts:  &attempts,
			Progress:  &progress,
		})
		return uerr
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkCompleted records a successful attempt and acks the broker.
func (c *Coordinator) MarkCompleted(ctx context.Context, id string, result json.RawMessage, duration time.Duration) (*job.Job, error) {
	current, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	progress := 100

	var updated *job.Job
	err = c.withRetry("MarkCompleted", func() error {
		var uerr error
		updated, uerr = c.store.CompleteAttempt(ctx, id, job.StatusCompleted, store.StatusPatch{
			CompletedAt: &now,
			Progress:    &progress,
			Result:      result,
		}, &job.Result{
			JobID:      id,
			Success:    true,
			Data:       result,
			DurationMS: duration.Milliseconds(),
			AttemptNo:  current.Attempts,
		})
		return uerr
	})
	if err != nil {
		return nil, err
	}

	if err := c.withRetry("Ack", func() error { return c.broker.Ack(ctx, updated.Type, id) }); err != nil {
		c.log.Error().Err(err).Str("job_id", id).Msg("broker ack failed after durable completion")
	}
	return updated, nil
}

// MarkFailedOrDelayed records a failed attempt and applies the retry
// decision: delayed with a due time, or dead when attempts are exhausted.
func (c *Coordinator) MarkFailedOrDelayed(ctx context.Context, id string, handlerErr error, duration time.Duration) (*job.Job, error) {
	current, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	qc := c.queueConfig(current.Type)
	decision := c.engine.Decide(current.Attempts, current.MaxRetries, qc.RetryDelay, qc.Backoff, qerr.Retriable(handlerErr))

	now := time.Now().UTC()
	errMsg := handlerErr.Error()
	res := &job.Result{
		JobID:      id,
		Success:    false,
		Error:      errMsg,
		DurationMS: duration.Milliseconds(),
		AttemptNo:  current.Attempts,
	}

	var updated *job.Job
	if decision.Outcome == retry.OutcomeDead {
		err = c.withRetry("MarkDead", func() error {
			var uerr error
			updated, uerr = c.store.CompleteAttempt(ctx, id, job.StatusDead, store.StatusPatch{
				FailedAt:  &now,
				LastError: &errMsg,
			}, res)
			return uerr
		})
		if err != nil {
			return nil, err
		}
		// Dead jobs leave the broker entirely.
		if err := c.withRetry("Ack", func() error { return c.broker.Ack(ctx, updated.Type, id) }); err != nil {
			c.log.Error().Err(err).Str("job_id", id).Msg("broker ack failed after dead-letter")
		}
		c.log.Warn().Str("job_id", id).Int("attempts", updated.Attempts).Str("error", errMsg).Msg("job dead-lettered")
		return updated, nil
	}

	err = c.withRetry("MarkDelayed", func() error {
		var uerr error
		updated, uerr = c.store.CompleteAttempt(ctx, id, job.StatusDelayed, store.StatusPatch{
			FailedAt:  &now,
			LastError: &errMsg,
		}, res)
		return uerr
	})
	if err != nil {
		return nil, err
	}

	if err := c.withRetry("Fail", func() error {
		return c.broker.Fail(ctx, updated.Type, id, decision.Delay)
	}); err != nil {
		c.log.Error().Err(err).Str("job_id", id).Msg("broker fail failed after durable delay")
	}
	c.log.Debug().Str("job_id", id).Dur("retry_in", decision.Delay).Int("attempts", updated.Attempts).Msg("job scheduled for retry")
	return updated, nil
}

// MarkFailed moves a job to the non-terminal failed state. Not part of the
// normal dispatch path: used by recovery and admin tooling; failed jobs
// re-enter the queue only through RetryFailed.
func (c *Coordinator) MarkFailed(ctx context.Context, id string, reason string) (*job.Job, error) {
	now := time.Now().UTC()
	var updated *job.Job
	err := c.withRetry("MarkFailed", func() error {
		var uerr error
		updated, uerr = c.store.UpdateStatus(ctx, id, job.StatusFailed, store.StatusPatch{
			FailedAt:  &now,
			LastError: &reason,
		})
		return uerr
	})
	if err != nil {
		return nil, err
	}

	env := &job.Envelope{ID: updated.ID, Type: updated.Type, Priority: updated.Priority, Payload: updated.Payload}
	if err := c.withRetry("PushFailed", func() error {
		return c.broker.PushFailed(ctx, updated.Type, env)
	}); err != nil {
		c.log.Error().Err(err).Str("job_id", id).Msg("broker push to failed set failed")
	}
	return updated, nil
}

// UpdateProgress persists a progress value for an active job. Values regress
// only across attempts, never within one.
func (c *Coordinator) UpdateProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := c.store.UpdateStatus(ctx, id, job.StatusActive, store.StatusPatch{Progress: &progress})
	return err
}

// PromoteDue advances due delayed jobs to ready and mirrors the move in the
// durable store.
func (c *Coordinator) PromoteDue(ctx context.Context, queue string, now time.Time) (int, error) {
	promoted, err := c.broker.PromoteDue(ctx, queue, now)
	if err != nil {
		return 0, err
	}
	for _, env := range promoted {
		if _, err := c.store.UpdateStatus(ctx, env.ID, job.StatusWaiting, store.StatusPatch{}); err != nil {
			// MarkActive repairs the delayed->active hop if this write lost.
			c.log.Warn().Err(err).Str("job_id", env.ID).Msg("durable promote lagged broker")
		}
	}
	return len(promoted), nil
}

func (c *Coordinator) Pause(ctx context.Context, queue string) error {
	if _, ok := c.queues[queue]; !ok {
		return &qerr.ValidationError{Field: "type", Message: "unknown queue type: " + queue}
	}
	return c.withRetry("Pause", func() error { return c.broker.Pause(ctx, queue) })
}

func (c *Coordinator) Resume(ctx context.Context, queue string) error {
	if _, ok := c.queues[queue]; !ok {
		return &qerr.ValidationError{Field: "type", Message: "unknown queue type: " + queue}
	}
	return c.withRetry("Resume", func() error { return c.broker.Resume(ctx, queue) })
}

// RetryFailed requeues failed (not dead) jobs. Durable rows move first so a
// crash mid-way leaves jobs claimable after recovery. Empty queue means all
// queues.
func (c *Coordinator) RetryFailed(ctx context.Context, queue string) (int, error) {
	if queue != "" {
		if _, ok := c.queues[queue]; !ok {
			return 0, &qerr.ValidationError{Field: "taskType", Message: "unknown queue type: " + queue}
		}
	}

	_, err := c.forEachByStatus(ctx, job.StatusFailed, func(j *job.Job) {
		if queue != "" && j.Type != queue {
			return
		}
		if _, err := c.store.UpdateStatus(ctx, j.ID, job.StatusWaiting, store.StatusPatch{}); err != nil {
			c.log.Error().Err(err).Str("job_id", j.ID).Msg("failed to requeue durable record")
		}
	})
	if err != nil {
		return 0, err
	}

	var count int
	err = c.withRetry("RetryAllFailed", func() error {
		var rerr error
		count, rerr = c.broker.RetryAllFailed(ctx, queue)
		return rerr
	})
	if err != nil {
		return 0, err
	}
	c.log.Info().Int("count", count).Str("queue", queue).Msg("failed jobs requeued")
	return count, nil
}

// Get returns the durable job record.
func (c *Coordinator) Get(ctx context.Context, id string) (*job.Job, error) {
	return c.store.Get(ctx, id)
}

// Queues returns the configured queue set.
func (c *Coordinator) Queues() map[string]job.QueueConfig {
	return c.queues
}
