// Package enqueue accepts new jobs. The job row and the outbox message that
// announces it are written in one transaction, so a job is never stored
// without a message to process it, nor announced without being stored.
package enqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/leejennwah/pipeline-engine/internal/job"
	"github.com/leejennwah/pipeline-engine/internal/metrics"
	"github.com/leejennwah/pipeline-engine/internal/outbox"
	"github.com/leejennwah/pipeline-engine/internal/storage"
)

var tracer = otel.Tracer("pipeline-engine/enqueue")

var (
	// ErrDuplicate is returned under the reject policy when a job with the
	// same correlation id exists.
	ErrDuplicate = errors.New("enqueue: duplicate correlation id")
	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("enqueue: invalid request")
)

// DuplicateError carries the id of the job a duplicate submission matched.
type DuplicateError struct {
	ExistingID uuid.UUID
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s: existing job %s", ErrDuplicate, e.ExistingID)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// DuplicatePolicy decides what a repeated correlation id does.
type DuplicatePolicy string

const (
	// ReturnExisting returns the existing job's id without error.
	ReturnExisting DuplicatePolicy = "return_existing"
	// Reject fails with a DuplicateError.
	Reject DuplicatePolicy = "reject"
)

// Request describes a job to create.
type Request struct {
	WorkflowType  string            `json:"workflow_type"`
	HandlerType   string            `json:"handler_type"`
	Payload       json.RawMessage   `json:"payload"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Priority      int               `json:"priority,omitempty"`
	MaxRetries    *int              `json:"max_retries,omitempty"`
	Tenant        *job.Tenant       `json:"tenant,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Enqueuer creates jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req Request) (uuid.UUID, error)
}

// Config controls enqueue defaults.
type Config struct {
	DefaultMaxRetries int             `mapstructure:"default_max_retries"`
	DuplicatePolicy   DuplicatePolicy `mapstructure:"duplicate_policy"`
	// Families lists the workflow types that have a declared exchange.
	// When empty every workflow type is accepted.
	Families          []string        `mapstructure:"families"`
}

// Service implements Enqueuer on a Store.
type Service struct {
	store   storage.Store
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

var _ Enqueuer = (*Service)(nil)

// NewService creates an enqueue service.
func NewService(store storage.Store, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	if cfg.DuplicatePolicy == "" {
		cfg.DuplicatePolicy = ReturnExisting
	}
	return &Service{store: store, cfg: cfg, metrics: m, logger: logger}
}

// Enqueue validates req, stores the job with its outbox message and
// returns the job id. A repeated correlation id creates nothing.
func (s *Service) Enqueue(ctx context.Context, req Request) (uuid.UUID, error) {
	ctx, span := tracer.Start(ctx, "enqueue.job")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow.type", req.WorkflowType),
		attribute.String("handler.type", req.HandlerType),
	)

	j, err := s.build(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return uuid.Nil, err
	}

	var existing uuid.UUID
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		created, err := tx.Jobs().Create(ctx, j)
		if err != nil {
			return err
		}
		if !created {
			found, err := tx.Jobs().GetByCorrelationID(ctx, j.CorrelationID)
			if err != nil {
				return fmt.Errorf("load existing job: %w", err)
			}
			existing = found.ID
			return nil
		}

		msg, err := outbox.NewJobMessage(j, j.CreatedAt)
		if err != nil {
			return err
		}
		return tx.Outbox().Add(ctx, msg)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}

	if existing != uuid.Nil {
		s.metrics.JobsDuplicate.WithLabelValues(j.WorkflowType).Inc()
		s.logger.Info("duplicate submission",
			zap.String("correlation_id", j.CorrelationID),
			zap.String("existing_job_id", existing.String()),
			zap.String("policy", string(s.cfg.DuplicatePolicy)),
		)
		span.SetAttributes(attribute.Bool("job.duplicate", true))
		if s.cfg.DuplicatePolicy == Reject {
			return uuid.Nil, &DuplicateError{ExistingID: existing}
		}
		return existing, nil
	}

	s.metrics.JobsEnqueued.WithLabelValues(j.WorkflowType).Inc()
	s.logger.Info("job enqueued",
		zap.String("job_id", j.ID.String()),
		zap.String("correlation_id", j.CorrelationID),
		zap.String("routing_key", j.RoutingKey()),
	)
	span.SetAttributes(attribute.String("job.id", j.ID.String()))
	return j.ID, nil
}

func (s *Service) build(req Request) (*job.Job, error) {
	if req.WorkflowType == "" || req.HandlerType == "" {
		return nil, fmt.Errorf("%w: workflow_type and handler_type are required", ErrInvalidRequest)
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	if len(s.cfg.Families) > 0 && !slices.Contains(s.cfg.Families, req.WorkflowType) {
		return nil, fmt.Errorf("%w: unknown workflow type %q", ErrInvalidRequest, req.WorkflowType)
	}
	if !json.Valid(req.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRequest)
	}
	if req.Tenant != nil && req.Tenant.OrganizationID == "" {
		return nil, fmt.Errorf("%w: tenant requires organization_id", ErrInvalidRequest)
	}

	maxRetries := s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max_retries must not be negative", ErrInvalidRequest)
		}
		maxRetries = *req.MaxRetries
	}

	j := job.NewJob(req.WorkflowType, req.HandlerType, req.Payload, maxRetries)
	if req.CorrelationID != "" {
		j.CorrelationID = req.CorrelationID
	}
	j.Priority = req.Priority
	j.Tenant = req.Tenant
	j.Metadata = req.Metadata
	return j, nil
}
