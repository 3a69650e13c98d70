package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	qerr "github.com/ppuertot/queue-processor-system/internal/errors"
	"github.com/ppuertot/queue-processor-system/internal/job"
	"github.com/ppuertot/queue-processor-system/internal/lifecycle"
	"github.com/ppuertot/queue-processor-system/internal/metrics"
)

// Server is the thin control surface over the coordinator and aggregator.
type Server struct {
	coord       *lifecycle.Coordinator
	agg         *metrics.Aggregator
	development bool
	log         zerolog.Logger
}

func NewServer(coord *lifecycle.Coordinator, agg *metrics.Aggregator, development bool, log zerolog.Logger) http.Handler {
	s := &Server{
		coord:       coord,
		agg:         agg,
		development: development,
		log:         log.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Post("/tasks", s.submitTask)
	r.Get("/tasks/{id}", s.getTask)
	r.Get("/stats/queues", s.queueStats)
	r.Get("/stats/system", s.systemStats)
	r.Post("/admin/queues/{type}/pause", s.pauseQueue)
	r.Post("/admin/queues/{type}/resume", s.resumeQueue)
	r.Post("/admin/retry-failed", s.retryFailed)
	r.Get("/health", s.health)

	return r
}

type submitRequest struct {
	Type     string          `json:"type"`
	Priority *int            `json:"priority,omitempty"`
	Data     json.RawMessage `json:"data"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &qerr.ValidationError{Message: "invalid JSON body: " + err.Error()})
		return
	}
	if req.Type == "" {
		s.writeError(w, &qerr.ValidationError{Field: "type", Message: "type is required"})
		return
	}

	priority := job.PriorityDefault
	if req.Priority != nil {
		priority = job.Priority(*req.Priority)
		// An explicit 0 is out of range, not a request for the default.
		if !priority.Valid() {
			s.writeError(w, &qerr.ValidationError{Field: "priority", Message: "priority must be between 1 and 10"})
			return
		}
	}

	j, err := s.coord.Submit(r.Context(), req.Type, priority, req.Data)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"taskId": j.ID})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.coord.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.coord.Queues()))
	for name := range s.coord.Queues() {
		names = append(names, name)
	}

	stats, err := s.agg.QueueStats(r.Context(), names)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) systemStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.agg.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) pauseQueue(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "type")
	if err := s.coord.Pause(r.Context(), queue); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "queue": queue})
}

func (s *Server) resumeQueue(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "type")
	if err := s.coord.Resume(r.Context(), queue); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "queue": queue})
}

type retryFailedRequest struct {
	TaskType string `json:"taskType,omitempty"`
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	var req retryFailedRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, &qerr.ValidationError{Message: "invalid JSON body: " + err.Error()})
			return
		}
	}

	count, err := s.coord.RetryFailed(r.Context(), req.TaskType)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"retriedCount": count})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	snap, err := s.agg.Snapshot(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status": "degraded",
			"uptime": s.agg.Uptime().Seconds(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": snap.UptimeSeconds,
		"memory": snap.HeapBytes,
		"time":   time.Now().UTC(),
	})
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	switch {
	case qerr.IsValidation(err):
		status, kind = http.StatusBadRequest, "bad_request"
	case qerr.IsNotFound(err):
		status, kind = http.StatusNotFound, "not_found"
	case qerr.IsConflict(err):
		status, kind = http.StatusConflict, "conflict"
	case qerr.IsTransient(err):
		status, kind = http.StatusInternalServerError, "transient"
	}

	body := errorBody{Error: kind}
	if s.development || status == http.StatusBadRequest {
		body.Message = err.Error()
	}
	if status >= 500 {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeJSON(w, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("response encode failed")
	}
}
