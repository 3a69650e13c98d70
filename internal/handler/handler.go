package handler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	qerr "github.com/ppuertot/queue-processor-system/internal/errors"
	"github.com/ppuertot/queue-processor-system/internal/job"
)

// Handler executes the business side of one job attempt. ctx is cancelled on
// shutdown or timeout; progress accepts values in [0,100] and may be called
// freely — the dispatcher throttles durable writes. Handlers must be
// idempotent with respect to external effects across retries.
type Handler interface {
	Run(ctx context.Context, env *job.Envelope, progress func(int)) (json.RawMessage, error)
}

// Func adapts a plain function to Handler.
type Func func(ctx context.Context, env *job.Envelope, progress func(int)) (json.RawMessage, error)

func (f Func) Run(ctx context.Context, env *job.Envelope, progress func(int)) (json.RawMessage, error) {
	return f(ctx, env, progress)
}

// Registry maps a job type to its handler. Populated at startup, read-only
// afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

func (r *Registry) Resolve(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, &qerr.HandlerNotFoundError{Type: jobType}
	}
	return h, nil
}

func (r *Registry) Has(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[jobType]
	return ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
