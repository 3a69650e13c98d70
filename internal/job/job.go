package job

import (
	"encoding/json"
	"time"
)

// Priority orders jobs within a queue. Lower value runs first.
type Priority int

const (
	PriorityHighest Priority = 1
	PriorityDefault Priority = 5
	PriorityLowest  Priority = 10
)

func (p Priority) Valid() bool {
	return p >= PriorityHighest && p <= PriorityLowest
}

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDelayed   Status = "delayed"
	StatusPaused    Status = "paused"
	StatusDead      Status = "dead"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDead
}

// validTransitions encodes the lifecycle state machine. Pause is a
// queue-level flag; StatusPaused exists for wire compatibility but the
// coordinator never writes it.
var validTransitions = map[Status][]Status{
	StatusWaiting: {StatusActive, StatusPaused},
	StatusActive:  {StatusCompleted, StatusFailed, StatusDelayed, StatusDead},
	StatusDelayed: {StatusWaiting, StatusPaused},
	StatusFailed:  {StatusWaiting, StatusDead},
	StatusPaused:  {StatusWaiting},
}

// CanTransition reports whether from -> to is a legal status move.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is the durable record of a unit of work.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Priority    Priority        `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxRetries  int             `json:"max_retries"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
}

// Envelope is the broker-side representation of a job: the subset the
// dispatcher needs to claim and run it.
type Envelope struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Priority Priority        `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
	Seq      uint64          `json:"seq"`
	DueAt    *time.Time      `json:"due_at,omitempty"`
}

// Result is one append-only row of attempt history.
type Result struct {
	JobID      string          `json:"job_id"`
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	AttemptNo  int             `json:"attempt_no"`
	RecordedAt time.Time       `json:"recorded_at"`
}

type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// QueueConfig is the per-type tuning knobs.
type QueueConfig struct {
	Name          string
	Concurrency   int
	MaxRetries    int
	RetryDelay    time.Duration
	Backoff       BackoffKind
	KeepCompleted int
	KeepFailed    int
	// Timeout bounds a single handler execution. Zero means no limit.
	Timeout time.Duration
}

// DefaultQueueConfig returns the baseline config for a queue type.
func DefaultQueueConfig(name string) QueueConfig {
	return QueueConfig{
		Name:          name,
		Concurrency:   2,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		Backoff:       BackoffExponential,
		KeepCompleted: 100,
		KeepFailed:    50,
	}
}

// BuiltinTypes are the queue types registered out of the box. The set is
// extensible: registering a handler plus a QueueConfig adds a lane.
var BuiltinTypes = []string{"email", "image", "file", "export", "api", "cleanup"}
