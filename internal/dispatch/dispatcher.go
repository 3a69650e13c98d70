package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/ppuertot/queue-processor-system/internal/broker"
	qerr "github.com/ppuertot/queue-processor-system/internal/errors"
	"github.com/ppuertot/queue-processor-system/internal/handler"
	"github.com/ppuertot/queue-processor-system/internal/job"
	"github.com/ppuertot/queue-processor-system/internal/lifecycle"
)

const (
	defaultPromoteInterval = 200 * time.Millisecond
	progressFlushInterval  = 500 * time.Millisecond
	claimPollInterval      = 50 * time.Millisecond
)

// Dispatcher runs one worker pool per queue type, sized to the queue's
// concurrency. Workers claim from the broker, drive the lifecycle
// coordinator, and execute handlers with cancellation and throttled progress.
type Dispatcher struct {
	coord    *lifecycle.Coordinator
	broker   broker.Broker
	registry *handler.Registry
	queues   map[string]job.QueueConfig

	promoteInterval time.Duration
	grace           time.Duration
	log             zerolog.Logger

	workerWG       sync.WaitGroup
	handlerWG      sync.WaitGroup
	claimCancel    context.CancelFunc
	handlerCancel  context.CancelFunc
	isShuttingDown atomic.Bool
	startOnce      sync.Once
	stopOnce       sync.Once
}

type Options struct {
	PromoteInterval time.Duration
	ShutdownGrace   time.Duration
}

func New(coord *lifecycle.Coordinator, br broker.Broker, registry *handler.Registry, queues map[string]job.QueueConfig, opts Options, log zerolog.Logger) *Dispatcher {
	if opts.PromoteInterval <= 0 {
		opts.PromoteInterval = defaultPromoteInterval
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}
	return &Dispatcher{
		coord:           coord,
		broker:          br,
		registry:        registry,
		queues:          queues,
		promoteInterval: opts.PromoteInterval,
		grace:           opts.ShutdownGrace,
		log:             log.With().Str("component", "dispatch").Logger(),
	}
}

// Start launches the promote timers and worker pools. It returns immediately;
// Shutdown stops everything.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		claimCtx, claimCancel := context.WithCancel(ctx)
		handlerCtx, handlerCancel := context.WithCancel(context.Background())
		d.claimCancel = claimCancel
		d.handlerCancel = handlerCancel

		for name, qc := range d.queues {
			d.workerWG.Add(1)
			go func(queue string) {
				defer d.workerWG.Done()
				d.promoteLoop(claimCtx, queue)
			}(name)

			for i := 0; i < qc.Concurrency; i++ {
				d.workerWG.Add(1)
				go func(queue string, qc job.QueueConfig) {
					defer d.workerWG.Done()
					d.workerLoop(claimCtx, handlerCtx, queue, qc)
				}(name, qc)
			}
			d.log.Info().Str("queue", name).Int("concurrency", qc.Concurrency).Msg("worker pool started")
		}
	})
}

// Shutdown stops new claims, cancels in-flight handlers, and waits up to the
// grace period. Handlers that outlive it are abandoned with their durable
// records left active for boot recovery.
func (d *Dispatcher) Shutdown() error {
	var err error
	d.stopOnce.Do(func() {
		d.isShuttingDown.Store(true)
		if d.claimCancel == nil {
			return
		}
		d.claimCancel()
		d.handlerCancel()

		done := make(chan struct{})
		go func() {
			d.workerWG.Wait()
			d.handlerWG.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log.Info().Msg("all workers finished gracefully")
		case <-time.After(d.grace):
			err = fmt.Errorf("shutdown grace period of %v elapsed with handlers still running", d.grace)
			d.log.Warn().Dur("grace", d.grace).Msg("handlers still running at shutdown; leaving records active for recovery")
		}
	})
	return err
}

// promoteLoop fires PromoteDue on a short interval so due delayed jobs become
// claimable.
func (d *Dispatcher) promoteLoop(ctx context.Context, queue string) {
	ticker := time.NewTicker(d.promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := d.coord.PromoteDue(ctx, queue, now); err != nil && ctx.Err() == nil {
				d.log.Error().Err(err).Str("queue", queue).Msg("promote sweep failed")
			}
		}
	}
}

// workerLoop claims one envelope at a time. With a waiting-capable broker it
// blocks on the queue's condition variable; otherwise it polls.
func (d *Dispatcher) workerLoop(claimCtx, handlerCtx context.Context, queue string, qc job.QueueConfig) {
	waiter, canWait := d.broker.(broker.Waiter)

	_ = wait.PollUntilContextCancel(claimCtx, claimPollInterval, true, func(ctx context.Context) (bool, error) {
		if canWait {
			if err := waiter.WaitReady(ctx, queue); err != nil {
				return true, nil
			}
		}

		claimed, err := d.broker.Claim(ctx, queue, 1)
		if err != nil {
			if ctx.Err() == nil {
				d.log.Error().Err(err).Str("queue", queue).Msg("claim failed")
			}
			return false, nil
		}
		if len(claimed) == 0 {
			return false, nil
		}

		d.process(ctx, handlerCtx, claimed[0], qc)
		return false, nil
	})
}

// process runs a single attempt end to end.
func (d *Dispatcher) process(claimCtx, handlerCtx context.Context, env *job.Envelope, qc job.QueueConfig) {
	j, err := d.coord.MarkActive(claimCtx, env.ID)
	if err != nil {
		d.log.Error().Err(err).Str("job_id", env.ID).Msg("failed to activate claimed job")
		// The claim holds the envelope in active; push it back through the
		// failure path so it is not lost.
		_ = d.broker.Fail(context.Background(), env.Type, env.ID, time.Second)
		return
	}

	h, err := d.registry.Resolve(env.Type)
	if err != nil {
		if _, ferr := d.coord.MarkFailedOrDelayed(context.Background(), env.ID, err, 0); ferr != nil {
			d.log.Error().Err(ferr).Str("job_id", env.ID).Msg("failed to record missing handler")
		}
		return
	}

	runCtx := handlerCtx
	var cancel context.CancelFunc
	if qc.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(handlerCtx, qc.Timeout)
		defer cancel()
	}

	started := time.Now()
	tracker := newProgressTracker(d.coord, env.ID, d.log)
	defer tracker.close()

	result, err := d.runHandler(runCtx, h, env, tracker)
	duration := time.Since(started)

	// Record the terminal transition against a background context: the
	// outcome must land even when shutdown cancelled the handler context.
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finishCancel()

	if err != nil {
		tracker.flush()
		if runCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("handler timeout after %v", qc.Timeout)
		}
		if d.isShuttingDown.Load() && runCtx.Err() == context.Canceled {
			// Shutdown interrupted the attempt. Leave the durable record
			// active; boot recovery classifies it.
			d.log.Info().Str("job_id", env.ID).Msg("attempt interrupted by shutdown; leaving active for recovery")
			return
		}
		if _, ferr := d.coord.MarkFailedOrDelayed(finishCtx, env.ID, err, duration); ferr != nil {
			d.log.Error().Err(ferr).Str("job_id", env.ID).Msg("failed to record handler failure")
		}
		return
	}

	tracker.flush()
	if _, cerr := d.coord.MarkCompleted(finishCtx, env.ID, result, duration); cerr != nil {
		d.log.Error().Err(cerr).Str("job_id", env.ID).Msg("failed to record completion")
	}
	d.log.Debug().Str("job_id", env.ID).Str("type", j.Type).Dur("duration", duration).Msg("job completed")
}

// runHandler executes the handler with panic containment.
func (d *Dispatcher) runHandler(ctx context.Context, h handler.Handler, env *job.Envelope, tracker *progressTracker) (result []byte, err error) {
	d.handlerWG.Add(1)
	defer d.handlerWG.Done()

	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("job_id", env.ID).Interface("panic", r).Msg("handler panicked")
			err = &qerr.HandlerError{JobID: env.ID, Message: fmt.Sprintf("panic: %v", r), Retriable: true}
		}
	}()

	return h.Run(ctx, env, tracker.report)
}

// progressTracker coalesces handler progress into at most one durable write
// per flush interval, always flushing the final value before the terminal
// transition. Values are monotonic within the attempt.
type progressTracker struct {
	coord *lifecycle.Coordinator
	jobID string
	log   zerolog.Logger

	mu        sync.Mutex
	latest    int
	written   int
	lastWrite time.Time
	done      bool
}

func newProgressTracker(coord *lifecycle.Coordinator, jobID string, log zerolog.Logger) *progressTracker {
	return &progressTracker{coord: coord, jobID: jobID, log: log, written: -1}
}

func (p *progressTracker) report(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	p.mu.Lock()
	if p.done || pct <= p.latest {
		p.mu.Unlock()
		return
	}
	p.latest = pct
	flush := time.Since(p.lastWrite) >= progressFlushInterval
	if flush {
		p.lastWrite = time.Now()
	}
	p.mu.Unlock()

	if flush {
		p.write(pct)
	}
}

func (p *progressTracker) write(pct int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.coord.UpdateProgress(ctx, p.jobID, pct); err != nil {
		p.log.Debug().Err(err).Str("job_id", p.jobID).Msg("progress write dropped")
		return
	}
	p.mu.Lock()
	if pct > p.written {
		p.written = pct
	}
	p.mu.Unlock()
}

// flush writes the latest unwritten value.
func (p *progressTracker) flush() {
	p.mu.Lock()
	pct := p.latest
	pending := pct > p.written
	p.mu.Unlock()
	if pending {
		p.write(pct)
	}
}

func (p *progressTracker) close() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
}
