package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ppuertot/queue-processor-system/internal/job"
)

// StatusPatch carries the optional column updates that ride along with a
// status transition. Nil fields are left untouched.
type StatusPatch struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
	Attempts    *int
	Progress    *int
	Result      json.RawMessage
	LastError   *string
}

// MetricsSnapshot is the aggregate view derived from the jobs table.
type MetricsSnapshot struct {
	Total                int64   `json:"total"`
	Completed            int64   `json:"completed"`
	Failed               int64   `json:"failed"`
	Pending              int64   `json:"pending"`
	AvgProcessingSeconds float64 `json:"avg_processing_seconds"`
	SuccessRatePct       float64 `json:"success_rate_pct"`
}

// Store persists job records, per-attempt results and system metrics. The
// durable status is authoritative; the broker is rebuilt from it on boot.
type Store interface {
	Create(ctx context.Context, j *job.Job) error

	// UpdateStatus atomically moves a job to status and applies patch. It
	// rejects transitions the lifecycle state machine forbids and returns
	// the updated row.
	UpdateStatus(ctx context.Context, id string, status job.Status, patch StatusPatch) (*job.Job, error)

	Get(ctx context.Context, id string) (*job.Job, error)
	ListByStatus(ctx context.Context, status job.Status, limit int) ([]*job.Job, error)

	// ListByStatusAfter pages jobs of a status in (created_at, id) order,
	// returning rows strictly after the cursor. A zero cursor starts from
	// the beginning. Lets callers drain a status without a size cap.
	ListByStatusAfter(ctx context.Context, status job.Status, afterCreated time.Time, afterID string, limit int) ([]*job.Job, error)

	AppendResult(ctx context.Context, res *job.Result) error

	// ListResults returns a job's attempt history in recording order.
	ListResults(ctx context.Context, jobID string) ([]*job.Result, error)

	// CompleteAttempt commits a status transition and its attempt record in
	// one transaction.
	CompleteAttempt(ctx context.Context, id string, status job.Status, patch StatusPatch, res *job.Result) (*job.Job, error)

	Metrics(ctx context.Context) (*MetricsSnapshot, error)
	RecordMetric(ctx context.Context, name string, value float64, metadata json.RawMessage) error

	// Trim deletes the oldest rows of one status beyond keep,
	// per queue type. Returns the number of rows removed.
	Trim(ctx context.Context, jobType string, status job.Status, keep int) (int64, error)

	Close() error
}
