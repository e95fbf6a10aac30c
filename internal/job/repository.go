package job

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Throughput aggregates terminal outcomes over a time window.
type Throughput struct {
	Completed     int64
	Failed        int64
	AvgDurationMs float64
}

// Repository defines the persistence interface for jobs and their
// execution history.
type Repository interface {
	// Create persists a new job. It reports false without error when a job
	// with the same correlation id already exists.
	Create(ctx context.Context, j *Job) (bool, error)

	// GetByID retrieves a job by its unique identifier.
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)

	// GetByCorrelationID retrieves a job by its correlation id.
	GetByCorrelationID(ctx context.Context, correlationID string) (*Job, error)

	// Update persists changes to an existing job. The write succeeds only
	// if the stored version equals j.Version and the stored lock fence is
	// not newer than fence; otherwise ErrStaleWrite is returned. On success
	// j.Version is incremented and j.LockFence is set to fence. The cancel
	// flag is never written by Update.
	Update(ctx context.Context, j *Job, fence int64) error

	// RequestCancel sets the cancel flag on a job.
	RequestCancel(ctx context.Context, id uuid.UUID) error

	// ListByStatus returns jobs matching the given status, with pagination.
	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Job, error)

	// ListWaiting returns suspended jobs waiting for the given event.
	ListWaiting(ctx context.Context, eventType, eventKey string, limit int) ([]*Job, error)

	// ListExpiredWaits returns suspended jobs whose wait deadline is at or
	// before now.
	ListExpiredWaits(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// ListStale returns processing jobs not updated since the given time.
	ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]*Job, error)

	// CountByStatus returns the count of jobs in each status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// Throughput aggregates jobs finished and attempts closed since the
	// given time.
	Throughput(ctx context.Context, since time.Time) (*Throughput, error)

	// AppendHistory records a newly opened attempt.
	AppendHistory(ctx context.Context, h *History) error

	// CloseHistory persists the outcome of an open attempt.
	CloseHistory(ctx context.Context, h *History) error

	// ListHistory returns all attempts of a job ordered by attempt number.
	ListHistory(ctx context.Context, jobID uuid.UUID) ([]*History, error)
}
