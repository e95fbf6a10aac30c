// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/leejennwah/pipeline-engine/internal/broker"
	"github.com/leejennwah/pipeline-engine/internal/dlq"
	"github.com/leejennwah/pipeline-engine/internal/enqueue"
	"github.com/leejennwah/pipeline-engine/internal/job"
	"github.com/leejennwah/pipeline-engine/internal/resume"
	"github.com/leejennwah/pipeline-engine/internal/status"
)

const defaultDLQLimit = 50

// Canceller cancels jobs.
type Canceller interface {
	Cancel(ctx context.Context, id uuid.UUID) (*job.Job, error)
}

// EventSink delivers external events to suspended jobs.
type EventSink interface {
	OnExternalEvent(ctx context.Context, eventType, eventKey string) (int, error)
}

// DeadLetters lists and replays dead-lettered jobs.
type DeadLetters interface {
	List(ctx context.Context, family string, limit int) ([]dlq.Entry, error)
	Replay(ctx context.Context, family, messageID string) (uuid.UUID, error)
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Enqueuer    enqueue.Enqueuer
	Status      status.Reader
	Canceller   Canceller
	Events      EventSink
	DeadLetters DeadLetters
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Ready reports dependency health for /healthz; nil always passes.
	Ready func(ctx context.Context) error
}

// Server routes HTTP requests to the engine services.
type Server struct {
	deps   Deps
	logger *zap.Logger
	router *mux.Router
}

// NewServer creates a Server and registers its routes.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{deps: deps, logger: logger, router: mux.NewRouter()}

	r := s.router
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/jobs", s.enqueueJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}", s.getJob).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/status", s.getStatus).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/cancel", s.cancelJob).Methods(http.MethodPost)
	v1.HandleFunc("/events", s.postEvent).Methods(http.MethodPost)
	v1.HandleFunc("/metrics", s.getMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/dlq/{family}", s.listDLQ).Methods(http.MethodGet)
	v1.HandleFunc("/dlq/{family}/{messageID}/replay", s.replayDLQ).Methods(http.MethodPost)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// EnqueueResponse is returned by POST /api/v1/jobs.
type EnqueueResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

// EventRequest is the body of POST /api/v1/events.
type EventRequest struct {
	EventType string `json:"event_type"`
	EventKey  string `json:"event_key"`
}

// EventResponse reports how many jobs an event resumed.
type EventResponse struct {
	Resumed int `json:"resumed"`
}

// ReplayResponse carries the id of the job a replay created.
type ReplayResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error         string     `json:"error"`
	ExistingJobID *uuid.UUID `json:"existing_job_id,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueue.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	id, err := s.deps.Enqueuer.Enqueue(r.Context(), req)
	if err != nil {
		var dup *enqueue.DuplicateError
		if errors.As(err, &dup) {
			writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), ExistingJobID: &dup.ExistingID})
			return
		}
		s.writeError(w, "enqueue job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, EnqueueResponse{JobID: id})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	detail, err := s.deps.Status.GetDetail(r.Context(), id)
	if err != nil {
		s.writeError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	st, err := s.deps.Status.GetStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, "get status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	j, err := s.deps.Canceller.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, "cancel job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) postEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.EventType == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "event_type is required"})
		return
	}

	n, err := s.deps.Events.OnExternalEvent(r.Context(), req.EventType, req.EventKey)
	if err != nil {
		s.writeError(w, "deliver event", err)
		return
	}
	writeJSON(w, http.StatusOK, EventResponse{Resumed: n})
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Status.GetMetrics(r.Context())
	if err != nil {
		s.writeError(w, "get metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) listDLQ(w http.ResponseWriter, r *http.Request) {
	limit := defaultDLQLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	entries, err := s.deps.DeadLetters.List(r.Context(), mux.Vars(r)["family"], limit)
	if err != nil {
		s.writeError(w, "list dead letters", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) replayDLQ(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := s.deps.DeadLetters.Replay(r.Context(), vars["family"], vars["messageID"])
	if err != nil {
		s.writeError(w, "replay dead letter", err)
		return
	}
	writeJSON(w, http.StatusAccepted, ReplayResponse{JobID: id})
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid job id"})
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps service errors onto status codes. Unrecognised errors
// are logged and reported as 500 without detail.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, job.ErrNotFound), errors.Is(err, dlq.ErrNotFound), errors.Is(err, broker.ErrUnknownQueue):
		code = http.StatusNotFound
	case errors.Is(err, enqueue.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, resume.ErrAlreadyFinished), errors.Is(err, dlq.ErrNotReplayable), errors.Is(err, enqueue.ErrDuplicate):
		code = http.StatusConflict
	}

	if code == http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
		writeJSON(w, code, ErrorResponse{Error: op + " failed"})
		return
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
