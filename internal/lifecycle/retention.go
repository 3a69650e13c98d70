package lifecycle

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/ppuertot/queue-processor-system/internal/job"
)

// Retention trims job rows on a cron schedule: completed rows beyond each
// queue's keep_completed, and dead and failed rows beyond keep_failed (each
// status counted separately).
type Retention struct {
	coord *Coordinator
	cron  *cron.Cron
}

func NewRetention(coord *Coordinator) *Retention {
	return &Retention{coord: coord, cron: cron.New()}
}

// Start registers the sweep at the given cron spec (e.g. "@every 5m") and
// starts the scheduler.
func (r *Retention) Start(ctx context.Context, spec string) error {
	_, err := r.cron.AddFunc(spec, func() { r.Sweep(ctx) })
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep runs one trim pass over every queue.
func (r *Retention) Sweep(ctx context.Context) {
	for name, qc := range r.coord.queues {
		if n, err := r.coord.store.Trim(ctx, name, job.StatusCompleted, qc.KeepCompleted); err != nil {
			r.coord.log.Error().Err(err).Str("queue", name).Msg("retention trim of completed jobs failed")
		} else if n > 0 {
			r.coord.log.Debug().Int64("trimmed", n).Str("queue", name).Msg("completed jobs trimmed")
		}

		for _, status := range []job.Status{job.StatusDead, job.StatusFailed} {
			if n, err := r.coord.store.Trim(ctx, name, status, qc.KeepFailed); err != nil {
				r.coord.log.Error().Err(err).Str("queue", name).Str("status", string(status)).Msg("retention trim failed")
			} else if n > 0 {
				r.coord.log.Debug().Int64("trimmed", n).Str("queue", name).Str("status", string(status)).Msg("failed jobs trimmed")
			}
		}
	}
}
