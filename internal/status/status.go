// Package status serves the read side of the engine: single job status,
// job detail with its attempt history, and aggregate metrics. Everything
// is derived from the store and may lag in-flight state changes.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leejennwah/pipeline-engine/internal/job"
	"github.com/leejennwah/pipeline-engine/internal/outbox"
	"github.com/leejennwah/pipeline-engine/internal/storage"
)

// Status is the polling view of a job.
type Status struct {
	ID                  uuid.UUID          `json:"id"`
	CorrelationID       string             `json:"correlation_id"`
	WorkflowType        string             `json:"workflow_type"`
	HandlerType         string             `json:"handler_type"`
	Status              job.Status         `json:"status"`
	CurrentStage        string             `json:"current_stage,omitempty"`
	RetryCount          int                `json:"retry_count"`
	MaxRetries          int                `json:"max_retries"`
	ErrorClassification job.Classification `json:"error_classification,omitempty"`
	LastError           string             `json:"last_error,omitempty"`
	WaitingForEvent     *job.WaitSpec      `json:"waiting_for_event,omitempty"`
	CancelRequested     bool               `json:"cancel_requested"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
	CompletedAt         *time.Time         `json:"completed_at,omitempty"`
}

// Detail is a job together with every attempt made on it.
type Detail struct {
	Job     *job.Job       `json:"job"`
	History []*job.History `json:"history"`
}

// Metrics is the aggregate view over all jobs.
type Metrics struct {
	// QueueDepth counts jobs that are not finished, by status.
	QueueDepth      map[job.Status]int64 `json:"queue_depth"`
	StatusHistogram map[job.Status]int64 `json:"status_histogram"`
	CompletedToday  int64                `json:"completed_today"`
	FailedToday     int64                `json:"failed_today"`
	AvgProcessingMs float64              `json:"avg_processing_ms"`
	// SuccessRate is completed / (completed + failed) today, 0 when
	// nothing finished.
	SuccessRate   float64   `json:"success_rate"`
	OutboxPending int64     `json:"outbox_pending"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// Reader answers status queries.
type Reader interface {
	GetStatus(ctx context.Context, id uuid.UUID) (*Status, error)
	GetDetail(ctx context.Context, id uuid.UUID) (*Detail, error)
	GetMetrics(ctx context.Context) (*Metrics, error)
}

// Service implements Reader on a Store.
type Service struct {
	store storage.Store
	now   func() time.Time
}

var _ Reader = (*Service)(nil)

// NewService creates a status service.
func NewService(store storage.Store) *Service {
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the service's time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// GetStatus returns the current status of a job.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*Status, error) {
	j, err := s.store.Jobs().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Status{
		ID:                  j.ID,
		CorrelationID:       j.CorrelationID,
		WorkflowType:        j.WorkflowType,
		HandlerType:         j.HandlerType,
		Status:              j.Status,
		CurrentStage:        j.CurrentStage,
		RetryCount:          j.RetryCount,
		MaxRetries:          j.MaxRetries,
		ErrorClassification: j.ErrorClassification,
		LastError:           j.LastError,
		WaitingForEvent:     j.WaitingForEvent,
		CancelRequested:     j.CancelRequested,
		CreatedAt:           j.CreatedAt,
		UpdatedAt:           j.UpdatedAt,
		CompletedAt:         j.CompletedAt,
	}, nil
}

// GetDetail returns a job and its execution history.
func (s *Service) GetDetail(ctx context.Context, id uuid.UUID) (*Detail, error) {
	j, err := s.store.Jobs().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := s.store.Jobs().ListHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	if history == nil {
		history = []*job.History{}
	}
	return &Detail{Job: j, History: history}, nil
}

// GetMetrics aggregates job counts and today's throughput. "Today" starts
// at midnight UTC.
func (s *Service) GetMetrics(ctx context.Context) (*Metrics, error) {
	now := s.now()
	counts, err := s.store.Jobs().CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	tp, err := s.store.Jobs().Throughput(ctx, midnight)
	if err != nil {
		return nil, fmt.Errorf("throughput: %w", err)
	}

	pending, err := s.store.Outbox().CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}

	m := &Metrics{
		QueueDepth:      make(map[job.Status]int64),
		StatusHistogram: make(map[job.Status]int64),
		CompletedToday:  tp.Completed,
		FailedToday:     tp.Failed,
		AvgProcessingMs: tp.AvgDurationMs,
		OutboxPending:   pending[outbox.StatusPending],
		GeneratedAt:     now,
	}
	for _, st := range []job.Status{
		job.StatusPending, job.StatusProcessing, job.StatusSuspended,
		job.StatusCompleted, job.StatusFailed,
	} {
		m.StatusHistogram[st] = counts[st]
		if st != job.StatusCompleted && st != job.StatusFailed {
			m.QueueDepth[st] = counts[st]
		}
	}
	if finished := tp.Completed + tp.Failed; finished > 0 {
		m.SuccessRate = float64(tp.Completed) / float64(finished)
	}
	return m, nil
}
