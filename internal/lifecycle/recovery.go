package lifecycle

import (
	"context"
	"time"

	"github.com/ppuertot/queue-processor-system/internal/job"
	"github.com/ppuertot/queue-processor-system/internal/retry"
	"github.com/ppuertot/queue-processor-system/internal/store"
)

const recoveryPage = 500

// forEachByStatus walks every durable row in a status, paging by
// (created_at, id), and returns the number visited. Paging by cursor keeps
// restarts with large backlogs from silently truncating the reseed.
func (c *Coordinator) forEachByStatus(ctx context.Context, status job.Status, fn func(*job.Job)) (int, error) {
	var afterCreated time.Time
	var afterID string
	total := 0
	for {
		page, err := c.store.ListByStatusAfter(ctx, status, afterCreated, afterID, recoveryPage)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			return total, nil
		}
		for _, j := range page {
			fn(j)
		}
		last := page[len(page)-1]
		afterCreated, afterID = last.CreatedAt, last.ID
		total += len(page)
	}
}

// Recover rebuilds broker state from the durable store on boot. Waiting and
// delayed rows re-enter the broker; failed rows seed the broker's failed set
// so retry-failed can reach them; active rows older than staleFor count as
// failed attempts and go through the retry engine. The stale-active pass runs
// last: recoverStale reclassifies rows to delayed and enqueues them itself,
// and must not feed the delayed reseed a second copy.
func (c *Coordinator) Recover(ctx context.Context, staleFor time.Duration) error {
	now := time.Now().UTC()

	waiting, err := c.forEachByStatus(ctx, job.StatusWaiting, func(j *job.Job) {
		env := &job.Envelope{ID: j.ID, Type: j.Type, Priority: j.Priority, Payload: j.Payload}
		if err := c.broker.Enqueue(ctx, j.Type, env, 0); err != nil {
			c.log.Error().Err(err).Str("job_id", j.ID).Msg("recovery enqueue failed")
		}
	})
	if err != nil {
		return err
	}

	delayed, err := c.forEachByStatus(ctx, job.StatusDelayed, func(j *job.Job) {
		// The broker-side due time did not survive the restart; re-derive
		// the delay from the attempt count.
		qc := c.queueConfig(j.Type)
		delay := qc.RetryDelay
		if j.Attempts > 0 {
			if d := c.engine.Decide(j.Attempts, j.MaxRetries, qc.RetryDelay, qc.Backoff, true); d.Outcome == retry.OutcomeRetry {
				delay = d.Delay
			}
		}
		env := &job.Envelope{ID: j.ID, Type: j.Type, Priority: j.Priority, Payload: j.Payload}
		if err := c.broker.Enqueue(ctx, j.Type, env, delay); err != nil {
			c.log.Error().Err(err).Str("job_id", j.ID).Msg("recovery delayed enqueue failed")
		}
	})
	if err != nil {
		return err
	}

	failed, err := c.forEachByStatus(ctx, job.StatusFailed, func(j *job.Job) {
		env := &job.Envelope{ID: j.ID, Type: j.Type, Priority: j.Priority, Payload: j.Payload}
		if err := c.broker.PushFailed(ctx, j.Type, env); err != nil {
			c.log.Error().Err(err).Str("job_id", j.ID).Msg("recovery failed-set seed failed")
		}
	})
	if err != nil {
		return err
	}

	stale := 0
	_, err = c.forEachByStatus(ctx, job.StatusActive, func(j *job.Job) {
		if j.StartedAt != nil && now.Sub(*j.StartedAt) < staleFor {
			// Could still be a live handler from a sibling process; the
			// next boot picks it up once it crosses the threshold.
			return
		}
		c.recoverStale(ctx, j)
		stale++
	})
	if err != nil {
		return err
	}

	c.log.Info().
		Int("stale_active", stale).
		Int("waiting", waiting).
		Int("delayed", delayed).
		Int("failed", failed).
		Msg("broker state recovered from store")
	return nil
}

// recoverStale treats an interrupted active job as a failed attempt.
func (c *Coordinator) recoverStale(ctx context.Context, j *job.Job) {
	qc := c.queueConfig(j.Type)
	decision := c.engine.Decide(j.Attempts, j.MaxRetries, qc.RetryDelay, qc.Backoff, true)

	now := time.Now().UTC()
	reason := "attempt interrupted by process shutdown"
	res := &job.Result{
		JobID:     j.ID,
		Success:   false,
		Error:     reason,
		AttemptNo: j.Attempts,
	}

	if decision.Outcome == retry.OutcomeDead {
		if _, err := c.store.CompleteAttempt(ctx, j.ID, job.StatusDead, store.StatusPatch{
			FailedAt:  &now,
			LastError: &reason,
		}, res); err != nil {
			c.log.Error().Err(err).Str("job_id", j.ID).Msg("recovery dead-letter failed")
		}
		return
	}

	if _, err := c.store.CompleteAttempt(ctx, j.ID, job.StatusDelayed, store.StatusPatch{
		FailedAt:  &now,
		LastError: &reason,
	}, res); err != nil {
		c.log.Error().Err(err).Str("job_id", j.ID).Msg("recovery reschedule failed")
		return
	}

	env := &job.Envelope{ID: j.ID, Type: j.Type, Priority: j.Priority, Payload: j.Payload}
	if err := c.broker.Enqueue(ctx, j.Type, env, decision.Delay); err != nil {
		c.log.Error().Err(err).Str("job_id", j.ID).Msg("recovery re-enqueue failed")
	}
}
