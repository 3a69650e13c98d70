package retry

import (
	"time"

	"github.com/ppuertot/queue-processor-system/internal/job"
)

// DefaultMaxDelay caps the computed backoff delay.
const DefaultMaxDelay = 10 * time.Minute

type Outcome string

const (
	OutcomeRetry Outcome = "retry"
	OutcomeDead  Outcome = "dead"
)

type Decision struct {
	Outcome Outcome
	Delay   time.Duration
}

// Engine computes retry decisions. It is a pure policy object: no clock, no
// I/O, no knowledge of error contents beyond the retriable hint.
type Engine struct {
	MaxDelay time.Duration
}

func NewEngine(maxDelay time.Duration) *Engine {
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return &Engine{MaxDelay: maxDelay}
}

// Decide returns what to do after a failed attempt. attempts counts
// executions so far, including the one that just failed. A job gets
// maxRetries+1 executions total.
func (e *Engine) Decide(attempts, maxRetries int, retryDelay time.Duration, backoff job.BackoffKind, retriable bool) Decision {
	if !retriable || attempts >= maxRetries+1 {
		return Decision{Outcome: OutcomeDead}
	}

	delay := retryDelay
	if backoff == job.BackoffExponential && attempts > 1 {
		for i := 1; i < attempts; i++ {
			delay *= 2
			if delay >= e.MaxDelay {
				break
			}
		}
	}
	if delay > e.MaxDelay {
		delay = e.MaxDelay
	}

	return Decision{Outcome: OutcomeRetry, Delay: delay}
}
