package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	qerr "github.com/ppuertot/queue-processor-system/internal/errors"
	"github.com/ppuertot/queue-processor-system/internal/job"
)

// The built-in handlers simulate their work: they sleep in steps, report
// progress, and return a small artifact. Real deployments replace them with
// processors that talk to SMTP, object storage and so on.

// simulate sleeps through n steps of d each, emitting progress, and honors
// cancellation between steps.
func simulate(ctx context.Context, steps int, d time.Duration, progress func(int)) error {
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
		progress(i * 100 / steps)
	}
	return nil
}

type emailPayload struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// Email dispatch.
func Email() Handler {
	return Func(func(ctx context.Context, env *job.Envelope, progress func(int)) (json.RawMessage, error) {
		var p emailPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &qerr.HandlerError{JobID: env.ID, Message: "invalid email payload: " + err.Error()}
		}
		if len(p.To) == 0 {
			return nil, &qerr.HandlerError{JobID: env.ID, Message: "no recipients"}
		}
		if err := simulate(ctx, 4, 25*time.Millisecond, progress); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"sent": len(p.To), "sent_at": time.Now().UTC()})
	})
}

type imagePayload struct {
	Source string `json:"source"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Image transform.
func Image() Handler {
	return Func(func(ctx context.Context, env *job.Envelope, progress func(int)) (json.RawMessage, error) {
		var p imagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &qerr.HandlerError{JobID: env.ID, Message: "invalid image payload: " + err.Error()}
		}
		if err := simulate(ctx, 5, 40*time.Millisecond, progress); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{
			"output": fmt.Sprintf("%s.resized", p.Source),
			"width":  p.Width,
			"height": p.Height,
		})
	})
}

type filePayload struct {
	Path   string `json:"path"`
	Format string `json:"format"`
}

// File parsing.
func File() Handler {
	return Func(func(ctx context.Context, env *job.Envelope, progress func(int)) (json.RawMessage, error) {
		var p filePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &qerr.HandlerError{JobID: env.ID, Message: "invalid file payload: " + err.Error()}
		}
		if err := simulate(ctx, 4, 30*time.Millisecond, progress); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"path": p.Path, "records": 0})
	})
}

type exportPayload struct {
	Query  string `json:"query"`
	Format string `json:"format"`
}

// Data export.
func Export() Handler {
	return Func(func(ctx context.Context, env *job.Envelope, progress func(int)) (json.RawMessage, error) {
		var p exportPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &qerr.HandlerError{JobID: env.ID, Message: "invalid export payload: " + err.Error()}
		}
		if err := simulate(ctx, 10, 30*time.Millisecond, progress); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"format": p.Format, "rows": 0})
	})
}

type apiPayload struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

// Outbound API call.
func API() Handler {
	return Func(func(ctx context.Context, env *job.Envelope, progress func(int)) (json.RawMessage, error) {
		var p apiPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &qerr.HandlerError{JobID: env.ID, Message: "invalid api payload: " + err.Error()}
		}
		if p.URL == "" {
			return nil, &qerr.HandlerError{JobID: env.ID, Message: "url is required"}
		}
		if err := simulate(ctx, 2, 50*time.Millisecond, progress); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"url": p.URL, "status": 200})
	})
}

// Cleanup sweep.
func Cleanup() Handler {
	return Func(func(ctx context.Context, env *job.Envelope, progress func(int)) (json.RawMessage, error) {
		if err := simulate(ctx, 2, 20*time.Millisecond, progress); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"removed": 0})
	})
}

// RegisterBuiltins wires the six default processors into a registry.
func RegisterBuiltins(r *Registry) {
	r.Register("email", Email())
	r.Register("image", Image())
	r.Register("file", File())
	r.Register("export", Export())
	r.Register("api", API())
	r.Register("cleanup", Cleanup())
}
