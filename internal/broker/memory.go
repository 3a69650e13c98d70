package broker

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ppuertot/queue-processor-system/internal/job"
)

// readyHeap orders envelopes by (priority asc, seq asc). Ties between equal
// priorities resolve FIFO by enqueue sequence.
type readyHeap []*job.Envelope

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*job.Envelope)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// delayedHeap is a min-heap on due time.
type delayedHeap []*job.Envelope

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	return h[i].DueAt.Before(*h[j].DueAt)
}

func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedHeap) Push(x any) { *h = append(*h, x.(*job.Envelope)) }

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// queueState is the per-queue shared structure. One mutex guards all four
// sets and the pause flag; the cond signals consumers blocked in WaitReady.
type queueState struct {
	mu      sync.Mutex
	cond    *sync.Cond
	ready   readyHeap
	delayed delayedHeap
	active  map[string]*job.Envelope
	failed  []*job.Envelope
	paused  bool
}

func newQueueState() *queueState {
	qs := &queueState{active: make(map[string]*job.Envelope)}
	qs.cond = sync.NewCond(&qs.mu)
	return qs
}

// MemoryBroker keeps all queue state in process memory.
type MemoryBroker struct {
	mu     sync.RWMutex
	queues map[string]*queueState
	seq    uint64
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]*queueState)}
}

func (m *MemoryBroker) queue(name string) *queueState {
	m.mu.RLock()
	qs, ok := m.queues[name]
	m.mu.RUnlock()
	if ok {
		return qs
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if qs, ok = m.queues[name]; ok {
		return qs
	}
	qs = newQueueState()
	m.queues[name] = qs
	return qs
}

func (m *MemoryBroker) nextSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq
}

func (m *MemoryBroker) Enqueue(ctx context.Context, queue string, env *job.Envelope, delay time.Duration) error {
	if env.Seq == 0 {
		env.Seq = m.nextSeq()
	}

	qs := m.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	if delay > 0 {
		due := time.Now().Add(delay)
		env.DueAt = &due
		heap.Push(&qs.delayed, env)
		return nil
	}

	env.DueAt = nil
	heap.Push(&qs.ready, env)
	qs.cond.Signal()
	return nil
}

func (m *MemoryBroker) Claim(ctx context.Context, queue string, n int) ([]*job.Envelope, error) {
	qs := m.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	if qs.paused {
		return nil, nil
	}

	var claimed []*job.Envelope
	for len(claimed) < n && qs.ready.Len() > 0 {
		env := heap.Pop(&qs.ready).(*job.Envelope)
		qs.active[env.ID] = env
		claimed = append(claimed, env)
	}
	return claimed, nil
}

func (m *MemoryBroker) Ack(ctx context.Context, queue, id string) error {
	qs := m.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()
	delete(qs.active, id)
	return nil
}

func (m *MemoryBroker) Fail(ctx context.Context, queue, id string, retryIn time.Duration) error {
	qs := m.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	env, ok := qs.active[id]
	if !ok {
		return nil
	}
	delete(qs.active, id)

	if retryIn > 0 {
		due := time.Now().Add(retryIn)
		env.DueAt = &due
		heap.Push(&qs.delayed, env)
		return nil
	}

	env.DueAt = nil
	qs.failed = append(qs.failed, env)
	return nil
}

func (m *MemoryBroker) PromoteDue(ctx context.Context, queue string, now time.Time) ([]*job.Envelope, error) {
	qs := m.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	var promoted []*job.Envelope
	for qs.delayed.Len() > 0 && !qs.delayed[0].DueAt.After(now) {
		env := heap.Pop(&qs.delayed).(*job.Envelope)
		env.DueAt = nil
		heap.Push(&qs.ready, env)
		promoted = append(promoted, env)
	}
	if len(promoted) > 0 {
		qs.cond.Broadcast()
	}
	return promoted, nil
}

func (m *MemoryBroker) Pause(ctx context.Context, queue string) error {
	qs := m.queue(queue)
	qs.mu.Lock()
	qs.paused = true
	qs.mu.Unlock()
	return nil
}

func (m *MemoryBroker) Resume(ctx context.Context, queue string) error {
	qs := m.queue(queue)
	qs.mu.Lock()
	qs.paused = false
	qs.cond.Broadcast()
	qs.mu.Unlock()
	return nil
}

func (m *MemoryBroker) IsPaused(ctx context.Context, queue string) (bool, error) {
	qs := m.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.paused, nil
}

func (m *MemoryBroker) RetryAllFailed(ctx context.Context, queue string) (int, error) {
	names := []string{queue}
	if queue == "" {
		var err error
		names, err = m.Queues(ctx)
		if err != nil {
			return 0, err
		}
	}

	total := 0
	for _, name := range names {
		qs := m.queue(name)
		qs.mu.Lock()
		for _, env := range qs.failed {
			heap.Push(&qs.ready, env)
			total++
		}
		qs.failed = qs.failed[:0]
		if total > 0 {
			qs.cond.Broadcast()
		}
		qs.mu.Unlock()
	}
	return total, nil
}

func (m *MemoryBroker) PushFailed(ctx context.Context, queue string, env *job.Envelope) error {
	if env.Seq == 0 {
		env.Seq = m.nextSeq()
	}
	qs := m.queue(queue)
	qs.mu.Lock()
	qs.failed = append(qs.failed, env)
	qs.mu.Unlock()
	return nil
}

func (m *MemoryBroker) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	qs := m.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return &QueueStats{
		Waiting: qs.ready.Len(),
		Active:  len(qs.active),
		Delayed: qs.delayed.Len(),
		Failed:  len(qs.failed),
		Paused:  qs.paused,
	}, nil
}

func (m *MemoryBroker) Queues(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// WaitReady blocks until the queue has a ready item and is not paused, or
// ctx is cancelled. Spurious wakeups are possible; callers re-check via
// Claim.
func (m *MemoryBroker) WaitReady(ctx context.Context, queue string) error {
	qs := m.queue(queue)

	// Wake the cond wait when the context ends.
	stop := context.AfterFunc(ctx, func() {
		qs.mu.Lock()
		qs.cond.Broadcast()
		qs.mu.Unlock()
	})
	defer stop()

	qs.mu.Lock()
	defer qs.mu.Unlock()
	for (qs.ready.Len() == 0 || qs.paused) && ctx.Err() == nil {
		qs.cond.Wait()
	}
	return ctx.Err()
}

func (m *MemoryBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, qs := range m.queues {
		qs.mu.Lock()
		qs.cond.Broadcast()
		qs.mu.Unlock()
	}
	return nil
}
