package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ppuertot/queue-processor-system/internal/job"
)

func TestDecide(t *testing.T) {
	engine := NewEngine(0)

	tests := []struct {
		name       string
		attempts   int
		maxRetries int
		retryDelay time.Duration
		backoff    job.BackoffKind
		retriable  bool
		want       Decision
	}{
		{
			name:       "first failure retries with base delay",
			attempts:   1,
			maxRetries: 3,
			retryDelay: time.Second,
			backoff:    job.BackoffFixed,
			retriable:  true,
			want:       Decision{Outcome: OutcomeRetry, Delay: time.Second},
		},
		{
			name:       "fixed backoff stays flat",
			attempts:   3,
			maxRetries: 5,
			retryDelay: 2 * time.Second,
			backoff:    job.BackoffFixed,
			retriable:  true,
			want:       Decision{Outcome: OutcomeRetry, Delay: 2 * time.Second},
		},
		{
			name:       "exponential doubles per attempt",
			attempts:   3,
			maxRetries: 5,
			retryDelay: time.Second,
			backoff:    job.BackoffExponential,
			retriable:  true,
			want:       Decision{Outcome: OutcomeRetry, Delay: 4 * time.Second},
		},
		{
			name:       "exponential first attempt uses base delay",
			attempts:   1,
			maxRetries: 3,
			retryDelay: time.Second,
			backoff:    job.BackoffExponential,
			retriable:  true,
			want:       Decision{Outcome: OutcomeRetry, Delay: time.Second},
		},
		{
			name:       "attempts exhausted goes dead",
			attempts:   4,
			maxRetries: 3,
			retryDelay: time.Second,
			backoff:    job.BackoffExponential,
			retriable:  true,
			want:       Decision{Outcome: OutcomeDead},
		},
		{
			name:       "zero max retries dies on first failure",
			attempts:   1,
			maxRetries: 0,
			retryDelay: time.Second,
			backoff:    job.BackoffFixed,
			retriable:  true,
			want:       Decision{Outcome: OutcomeDead},
		},
		{
			name:       "non-retriable hint short-circuits to dead",
			attempts:   1,
			maxRetries: 5,
			retryDelay: time.Second,
			backoff:    job.BackoffFixed,
			retriable:  false,
			want:       Decision{Outcome: OutcomeDead},
		},
		{
			name:       "exponential delay clamps to ceiling",
			attempts:   25,
			maxRetries: 30,
			retryDelay: time.Second,
			backoff:    job.BackoffExponential,
			retriable:  true,
			want:       Decision{Outcome: OutcomeRetry, Delay: DefaultMaxDelay},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.Decide(tt.attempts, tt.maxRetries, tt.retryDelay, tt.backoff, tt.retriable)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDecideCustomCeiling(t *testing.T) {
	engine := NewEngine(5 * time.Second)

	got := engine.Decide(4, 10, time.Second, job.BackoffExponential, true)
	require.Equal(t, OutcomeRetry, got.Outcome)
	require.Equal(t, 5*time.Second, got.Delay)
}

func TestBackoffSchedule(t *testing.T) {
	// email queue from the exponential scenario: delays 1s, 2s, 4s across
	// the three retries of a max_retries=3 job.
	engine := NewEngine(0)

	var delays []time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		d := engine.Decide(attempt, 3, time.Second, job.BackoffExponential, true)
		require.Equal(t, OutcomeRetry, d.Outcome)
		delays = append(delays, d.Delay)
	}
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)

	final := engine.Decide(4, 3, time.Second, job.BackoffExponential, true)
	require.Equal(t, OutcomeDead, final.Outcome)
}
