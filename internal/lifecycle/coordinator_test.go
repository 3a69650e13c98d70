package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ppuertot/queue-processor-system/internal/broker"
	qerr "github.com/ppuertot/queue-processor-system/internal/errors"
	"github.com/ppuertot/queue-processor-system/internal/job"
	"github.com/ppuertot/queue-processor-system/internal/retry"
	"github.com/ppuertot/queue-processor-system/internal/store"
)

func testQueues() map[string]job.QueueConfig {
	queues := make(map[string]job.QueueConfig)
	for _, name := range job.BuiltinTypes {
		queues[name] = job.DefaultQueueConfig(name)
	}
	return queues
}

func newTestCoordinator(t *testing.T) (*Coordinator, store.Store, *broker.MemoryBroker) {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	br := broker.NewMemoryBroker()
	engine := retry.NewEngine(0)
	coord := NewCoordinator(st, br, engine, testQueues(), zerolog.Nop())
	return coord, st, br
}

// newFreshBroker swaps in an empty broker, simulating the post-restart state
// where only the durable store survives.
func newFreshBroker(t *testing.T, coord *Coordinator) *broker.MemoryBroker {
	t.Helper()
	fresh := broker.NewMemoryBroker()
	coord.broker = fresh
	return fresh
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	coord, st, br := newTestCoordinator(t)

	j, err := coord.Submit(ctx, "email", 0, json.RawMessage(`{"to":["a@b"]}`))
	require.NoError(t, err)
	require.NotEmpty(t, j.ID)
	require.Equal(t, job.StatusWaiting, j.Status)
	require.Equal(t, job.PriorityDefault, j.Priority)
	require.Equal(t, 3, j.MaxRetries)

	stored, err := st.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusWaiting, stored.Status)

	stats, err := br.Stats(ctx, "email")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Waiting)
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	coord, _, _ := newTestCoordinator(t)

	tests := []struct {
		name     string
		jobType  string
		priority job.Priority
		payload  json.RawMessage
	}{
		{"unknown type", "telegraph", 5, nil},
		{"priority below range", "email", -1, nil},
		{"priority above range", "email", 11, nil},
		{"malformed payload", "email", 5, json.RawMessage(`{"broken"`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := coord.Submit(ctx, tt.jobType, tt.priority, tt.payload)
			require.Error(t, err)
			require.True(t, qerr.IsValidation(err))
		})
	}
}

func TestSubmitBoundaryPriorities(t *testing.T) {
	ctx := context.Background()
	coord, _, _ := newTestCoordinator(t)

	for _, p := range []job.Priority{1, 10} {
		_, err := coord.Submit(ctx, "email", p, nil)
		require.NoError(t, err, "priority %d must be accepted", p)
	}
}

func TestMarkActiveIncrementsAttempts(t *testing.T) {
	ctx := context.Background()
	coord, _, br := newTestCoordinator(t)

	j, err := coord.Submit(ctx, "email", 5, nil)
	require.NoError(t, err)
	_, err = br.Claim(ctx, "email", 1)
	require.NoError(t, err)

	active, err := coord.MarkActive(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusActive, active.Status)
	require.Equal(t, 1, active.Attempts)
	require.Zero(t, active.Progress)
	require.NotNil(t, active.StartedAt)
}

func TestMarkCompleted(t *testing.T) {
	ctx := context.Background()
	coord, st, br := newTestCoordinator(t)

	j, err := coord.Submit(ctx, "email", 5, nil)
	require.NoError(t, err)
	_, err = br.Claim(ctx, "email", 1)
	require.NoError(t, err)
	_, err = coord.MarkActive(ctx, j.ID)
	require.NoError(t, err)

	done, err := coord.MarkCompleted(ctx, j.ID, json.RawMessage(`{"sent":1}`), 120*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, done.Status)
	require.Equal(t, 100, done.Progress)
	require.NotNil(t, done.CompletedAt)

	stats, err := br.Stats(ctx, "email")
	require.NoError(t, err)
	require.Zero(t, stats.Active)

	// Terminal means terminal.
	_, err = st.UpdateStatus(ctx, j.ID, job.StatusWaiting, store.StatusPatch{})
	require.Error(t, err)
}

func TestMarkFailedOrDelayedRetries(t *testing.T) {
	ctx := context.Background()
	coord, _, br := newTestCoordinator(t)

	j, err := coord.Submit(ctx, "email", 5, nil)
	require.NoError(t, err)
	_, err = br.Claim(ctx, "email", 1)
	require.NoError(t, err)
	_, err = coord.MarkActive(ctx, j.ID)
	require.NoError(t, err)

	delayed, err := coord.MarkFailedOrDelayed(ctx, j.ID, errors.New("smtp timeout"), time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, job.StatusDelayed, delayed.Status)
	require.Equal(t, "smtp timeout", delayed.LastError)

	stats, err := br.Stats(ctx, "email")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Delayed)
	require.Zero(t, stats.Active)
}

func TestFullRetryCycleEndsInDead(t *testing.T) {
	ctx := context.Background()
	coord, st, br := newTestCoordinator(t)

	queues := coord.Queues()
	qc := queues["email"]
	qc.MaxRetries = 2
	qc.RetryDelay = time.Millisecond
	queues["email"] = qc

	j, err := coord.Submit(ctx, "email", 5, nil)
	require.NoError(t, err)
	// Submit captured MaxRetries from the queue config at admission.
	j2, err := st.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 2, j2.MaxRetries)

	for attempt := 1; attempt <= 3; attempt++ {
		_, err := br.PromoteDue(ctx, "email", time.Now().Add(time.Hour))
		require.NoError(t, err)
		claimed, err := br.Claim(ctx, "email", 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d should have a claimable job", attempt)

		active, err := coord.MarkActive(ctx, j.ID)
		require.NoError(t, err)
		require.Equal(t, attempt, active.Attempts)

		_, err = coord.MarkFailedOrDelayed(ctx, j.ID, errors.New("boom"), 0)
		require.NoError(t, err)
	}

	final, err := st.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusDead, final.Status)
	require.Equal(t, 3, final.Attempts, "attempts == max_retries + 1")
}

func TestZeroMaxRetriesStraightToDead(t *testing.T) {
	ctx := context.Background()
	coord, st, br := newTestCoordinator(t)

	queues := coord.Queues()
	qc := queues["cleanup"]
	qc.MaxRetries = 0
	queues["cleanup"] = qc

	j, err := coord.Submit(ctx, "cleanup", 5, nil)
	require.NoError(t, err)
	_, err = br.Claim(ctx, "cleanup", 1)
	require.NoError(t, err)
	_, err = coord.MarkActive(ctx, j.ID)
	require.NoError(t, err)

	_, err = coord.MarkFailedOrDelayed(ctx, j.ID, errors.New("boom"), 0)
	require.NoError(t, err)

	final, err := st.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusDead, final.Status)
	require.Equal(t, 1, final.Attempts)
}

func TestNonRetriableErrorDeadLetters(t *testing.T) {
	ctx := context.Background()
	coord, st, br := newTestCoordinator(t)

	j, err := coord.Submit(ctx, "email", 5, nil)
	require.NoError(t, err)
	_, err = br.Claim(ctx, "email", 1)
	require.NoError(t, err)
	_, err = coord.MarkActive(ctx, j.ID)
	require.NoError(t, err)

	_, err = coord.MarkFailedOrDelayed(ctx, j.ID, &qerr.HandlerError{
		JobID: j.ID, Message: "bad address", Retriable: false,
	}, 0)
	require.NoError(t, err)

	final, err := st.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusDead, final.Status)
}

func TestRetryFailed(t *testing.T) {
	ctx := context.Background()
	coord, st, _ := newTestCoordinator(t)

	// Two failed jobs and one dead one.
	var failedIDs []string
	for i := 0; i < 2; i++ {
		j, err := coord.Submit(ctx, "email", 5, nil)
		require.NoError(t, err)
		_, err = coord.MarkActive(ctx, j.ID)
		require.NoError(t, err)
		_, err = coord.MarkFailed(ctx, j.ID, "manual failure")
		require.NoError(t, err)
		failedIDs = append(failedIDs, j.ID)
	}

	dead, err := coord.Submit(ctx, "email", 5, nil)
	require.NoError(t, err)
	_, err = coord.MarkActive(ctx, dead.ID)
	require.NoError(t, err)
	_, err = coord.MarkFailedOrDelayed(ctx, dead.ID, &qerr.HandlerError{JobID: dead.ID, Message: "x", Retriable: false}, 0)
	require.NoError(t, err)

	count, err := coord.RetryFailed(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	for _, id := range failedIDs {
		j, err := st.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, job.StatusWaiting, j.Status)
	}

	deadJob, err := st.Get(ctx, dead.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusDead, deadJob.Status, "dead jobs are not retried")

	// Second call without new failures requeues nothing.
	count, err = coord.RetryFailed(ctx, "")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestPauseValidatesQueue(t *testing.T) {
	ctx := context.Background()
	coord, _, _ := newTestCoordinator(t)

	require.Error(t, coord.Pause(ctx, "nonexistent"))
	require.NoError(t, coord.Pause(ctx, "cleanup"))
	require.NoError(t, coord.Resume(ctx, "cleanup"))
}

func TestPromoteDueSyncsStore(t *testing.T) {
	ctx := context.Background()
	coord, st, br := newTestCoordinator(t)

	j, err := coord.Submit(ctx, "email", 5, nil)
	require.NoError(t, err)
	claimed, err := br.Claim(ctx, "email", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = coord.MarkActive(ctx, j.ID)
	require.NoError(t, err)
	_, err = coord.MarkFailedOrDelayed(ctx, j.ID, errors.New("later"), 0)
	require.NoError(t, err)

	n, err := coord.PromoteDue(ctx, "email", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stored, err := st.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusWaiting, stored.Status)
}

func TestResultRowsMatchAttempts(t *testing.T) {
	ctx := context.Background()
	coord, st, br := newTestCoordinator(t)

	j, err := coord.Submit(ctx, "email", 5, nil)
	require.NoError(t, err)

	// Fail once, then succeed.
	_, err = br.Claim(ctx, "email", 1)
	require.NoError(t, err)
	_, err = coord.MarkActive(ctx, j.ID)
	require.NoError(t, err)
	_, err = coord.MarkFailedOrDelayed(ctx, j.ID, errors.New("transient"), 0)
	require.NoError(t, err)

	_, err = coord.PromoteDue(ctx, "email", time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = br.Claim(ctx, "email", 1)
	require.NoError(t, err)
	_, err = coord.MarkActive(ctx, j.ID)
	require.NoError(t, err)
	_, err = coord.MarkCompleted(ctx, j.ID, json.RawMessage(`{}`), 0)
	require.NoError(t, err)

	final, err := st.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 2, final.Attempts)

	results, err := st.ListResults(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, results, 2, "one JobResult row per attempt")
	require.False(t, results[0].Success)
	require.True(t, results[1].Success)
}
