package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/ppuertot/queue-processor-system/internal/broker"
	"github.com/ppuertot/queue-processor-system/internal/store"
)

// SystemMetrics is the pull-based aggregate view: durable counters composed
// with broker cardinalities and process runtime data.
type SystemMetrics struct {
	TotalTasks           int64                        `json:"totalTasks"`
	CompletedTasks       int64                        `json:"completedTasks"`
	FailedTasks          int64                        `json:"failedTasks"`
	PendingTasks         int64                        `json:"pendingTasks"`
	AvgProcessingSeconds float64                      `json:"avgProcessingSeconds"`
	SuccessRatePct       float64                      `json:"successRatePct"`
	ThroughputPerHour    float64                      `json:"throughputPerHour"`
	UptimeSeconds        float64                      `json:"uptimeSeconds"`
	HeapBytes            uint64                       `json:"heapBytes"`
	Goroutines           int                          `json:"goroutines"`
	Queues               map[string]broker.QueueStats `json:"queues"`
}

// Aggregator derives system metrics on demand. No background timer.
type Aggregator struct {
	store   store.Store
	broker  broker.Broker
	started time.Time
}

func NewAggregator(st store.Store, br broker.Broker) *Aggregator {
	return &Aggregator{store: st, broker: br, started: time.Now()}
}

func (a *Aggregator) Uptime() time.Duration {
	return time.Since(a.started)
}

// Snapshot composes the durable metrics snapshot with broker stats and
// runtime data.
func (a *Aggregator) Snapshot(ctx context.Context) (*SystemMetrics, error) {
	snap, err := a.store.Metrics(ctx)
	if err != nil {
		return nil, err
	}

	queues, err := a.broker.Queues(ctx)
	if err != nil {
		return nil, err
	}
	queueStats := make(map[string]broker.QueueStats, len(queues))
	for _, q := range queues {
		qs, err := a.broker.Stats(ctx, q)
		if err != nil {
			continue
		}
		queueStats[q] = *qs
	}

	uptime := a.Uptime()
	uptimeHours := uptime.Hours()
	if uptimeHours < 1e-9 {
		uptimeHours = 1e-9
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return &SystemMetrics{
		TotalTasks:           snap.Total,
		CompletedTasks:       snap.Completed,
		FailedTasks:          snap.Failed,
		PendingTasks:         snap.Pending,
		AvgProcessingSeconds: snap.AvgProcessingSeconds,
		SuccessRatePct:       snap.SuccessRatePct,
		ThroughputPerHour:    float64(snap.Completed) / uptimeHours,
		UptimeSeconds:        uptime.Seconds(),
		HeapBytes:            mem.HeapAlloc,
		Goroutines:           runtime.NumGoroutine(),
		Queues:               queueStats,
	}, nil
}

// QueueStats returns broker cardinalities for every configured queue.
func (a *Aggregator) QueueStats(ctx context.Context, queueNames []string) (map[string]broker.QueueStats, error) {
	out := make(map[string]broker.QueueStats, len(queueNames))
	for _, q := range queueNames {
		qs, err := a.broker.Stats(ctx, q)
		if err != nil {
			return nil, err
		}
		out[q] = *qs
	}
	return out, nil
}
