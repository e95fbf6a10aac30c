package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/leejennwah/pipeline-engine/internal/job"
)

const jobColumns = `id, correlation_id, workflow_type, handler_type, payload, status, priority,
	attempt, retry_count, max_retries, organization_id, team_id, error_classification,
	last_error, result, current_stage, pipeline_state, wait_event_type, wait_event_key,
	wait_timeout_ms, paused_at, metadata, cancel_requested, worker_id, lock_fence, version,
	scheduled_at, started_at, completed_at, created_at, updated_at`

const historyColumns = `id, job_id, attempt_number, status, started_at, completed_at,
	duration_ms, error_type, error_message, metadata`

// PostgresJobRepository implements job.Repository using PostgreSQL.
type PostgresJobRepository struct {
	db querier
}

var _ job.Repository = (*PostgresJobRepository)(nil)

// waitColumns flattens a wait spec into its nullable columns.
func waitColumns(w *job.WaitSpec) (eventType, eventKey *string, timeoutMs *int64, pausedAt, deadline *time.Time) {
	if w == nil {
		return nil, nil, nil, nil, nil
	}
	d := w.Deadline()
	return &w.EventType, &w.EventKey, &w.TimeoutMs, &w.PausedAt, &d
}

func tenantColumns(t *job.Tenant) (orgID, teamID *string) {
	if t == nil {
		return nil, nil
	}
	orgID = &t.OrganizationID
	if t.TeamID != "" {
		teamID = &t.TeamID
	}
	return orgID, teamID
}

// Create inserts a new job. A job whose correlation id already exists is
// left untouched and Create reports false (ON CONFLICT DO NOTHING).
func (r *PostgresJobRepository) Create(ctx context.Context, j *job.Job) (bool, error) {
	metadata, err := marshalMetadata(j.Metadata)
	if err != nil {
		return false, err
	}
	orgID, teamID := tenantColumns(j.Tenant)
	waitType, waitKey, waitTimeout, pausedAt, deadline := waitColumns(j.WaitingForEvent)

	query := `
		INSERT INTO workflow_jobs (id, correlation_id, workflow_type, handler_type, payload, status,
			priority, attempt, retry_count, max_retries, organization_id, team_id,
			error_classification, last_error, result, current_stage, pipeline_state,
			wait_event_type, wait_event_key, wait_timeout_ms, paused_at, wait_deadline,
			metadata, cancel_requested, worker_id, lock_fence, version,
			scheduled_at, started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32)
		ON CONFLICT (correlation_id) DO NOTHING`

	tag, err := r.db.Exec(ctx, query,
		j.ID, j.CorrelationID, j.WorkflowType, j.HandlerType, []byte(j.Payload), j.Status,
		j.Priority, j.Attempt, j.RetryCount, j.MaxRetries, orgID, teamID,
		j.ErrorClassification, j.LastError, nullJSON(j.Result), j.CurrentStage, nullJSON(j.PipelineState),
		waitType, waitKey, waitTimeout, pausedAt, deadline,
		metadata, j.CancelRequested, j.WorkerID, j.LockFence, j.Version,
		j.ScheduledAt, j.StartedAt, j.CompletedAt, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByID retrieves a job by its UUID.
func (r *PostgresJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM workflow_jobs WHERE id = $1`

	j, err := scanJob(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return j, nil
}

// GetByCorrelationID retrieves a job by its correlation id.
func (r *PostgresJobRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM workflow_jobs WHERE correlation_id = $1`

	j, err := scanJob(r.db.QueryRow(ctx, query, correlationID))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: correlation id %s", job.ErrNotFound, correlationID)
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return j, nil
}

// Update persists changes guarded by the job version and lock fence.
func (r *PostgresJobRepository) Update(ctx context.Context, j *job.Job, fence int64) error {
	metadata, err := marshalMetadata(j.Metadata)
	if err != nil {
		return err
	}
	waitType, waitKey, waitTimeout, pausedAt, deadline := waitColumns(j.WaitingForEvent)
	now := time.Now().UTC()

	query := `
		UPDATE workflow_jobs SET
			status = $3, attempt = $4, retry_count = $5, error_classification = $6,
			last_error = $7, result = $8, current_stage = $9, pipeline_state = $10,
			wait_event_type = $11, wait_event_key = $12, wait_timeout_ms = $13,
			paused_at = $14, wait_deadline = $15, metadata = $16, worker_id = $17,
			scheduled_at = $18, started_at = $19, completed_at = $20, updated_at = $21,
			lock_fence = $22, version = version + 1
		WHERE id = $1 AND version = $2 AND lock_fence <= $22`

	tag, err := r.db.Exec(ctx, query,
		j.ID, j.Version, j.Status, j.Attempt, j.RetryCount, j.ErrorClassification,
		j.LastError, nullJSON(j.Result), j.CurrentStage, nullJSON(j.PipelineState),
		waitType, waitKey, waitTimeout, pausedAt, deadline, metadata, j.WorkerID,
		j.ScheduledAt, j.StartedAt, j.CompletedAt, now, fence,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_jobs WHERE id = $1)`, j.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check job: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", job.ErrNotFound, j.ID)
		}
		return fmt.Errorf("%w: job %s version %d fence %d", job.ErrStaleWrite, j.ID, j.Version, fence)
	}

	j.Version++
	j.LockFence = fence
	j.UpdatedAt = now
	return nil
}

// RequestCancel sets the cancel flag without touching any other column.
func (r *PostgresJobRepository) RequestCancel(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE workflow_jobs SET cancel_requested = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return nil
}

// ListByStatus returns jobs in the given status with pagination.
func (r *PostgresJobRepository) ListByStatus(ctx context.Context, status job.Status, limit, offset int) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM workflow_jobs
		WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	return r.queryJobs(ctx, query, status, limit, offset)
}

// ListWaiting returns suspended jobs waiting for the given event.
func (r *PostgresJobRepository) ListWaiting(ctx context.Context, eventType, eventKey string, limit int) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM workflow_jobs
		WHERE status = 'suspended' AND wait_event_type = $1 AND wait_event_key = $2
		ORDER BY paused_at LIMIT $3`
	return r.queryJobs(ctx, query, eventType, eventKey, limit)
}

// ListExpiredWaits returns suspended jobs whose deadline has passed.
func (r *PostgresJobRepository) ListExpiredWaits(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM workflow_jobs
		WHERE status = 'suspended' AND wait_deadline <= $1
		ORDER BY wait_deadline LIMIT $2`
	return r.queryJobs(ctx, query, now, limit)
}

// ListStale returns processing jobs not updated since updatedBefore.
func (r *PostgresJobRepository) ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM workflow_jobs
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at LIMIT $2`
	return r.queryJobs(ctx, query, updatedBefore, limit)
}

// CountByStatus returns the count of jobs grouped by status.
func (r *PostgresJobRepository) CountByStatus(ctx context.Context) (map[job.Status]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM workflow_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[job.Status]int64)
	for rows.Next() {
		var status job.Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// Throughput aggregates terminal jobs and closed attempts since the given time.
func (r *PostgresJobRepository) Throughput(ctx context.Context, since time.Time) (*job.Throughput, error) {
	t := &job.Throughput{}

	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM workflow_jobs WHERE completed_at >= $1`, since,
	).Scan(&t.Completed, &t.Failed)
	if err != nil {
		return nil, fmt.Errorf("query throughput: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		SELECT COALESCE(AVG(duration_ms), 0)::float8
		FROM job_execution_history WHERE completed_at >= $1`, since,
	).Scan(&t.AvgDurationMs)
	if err != nil {
		return nil, fmt.Errorf("query attempt duration: %w", err)
	}
	return t, nil
}

// AppendHistory inserts an opened attempt.
func (r *PostgresJobRepository) AppendHistory(ctx context.Context, h *job.History) error {
	metadata, err := marshalMetadata(h.Metadata)
	if err != nil {
		return err
	}
	query := `INSERT INTO job_execution_history (` + historyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = r.db.Exec(ctx, query,
		h.ID, h.JobID, h.AttemptNumber, h.Status, h.StartedAt, h.CompletedAt,
		h.DurationMs, h.ErrorType, h.ErrorMessage, metadata,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// CloseHistory records the outcome of an open attempt exactly once.
func (r *PostgresJobRepository) CloseHistory(ctx context.Context, h *job.History) error {
	query := `
		UPDATE job_execution_history SET
			status = $2, completed_at = $3, duration_ms = $4, error_type = $5, error_message = $6
		WHERE id = $1 AND completed_at IS NULL`

	tag, err := r.db.Exec(ctx, query, h.ID, h.Status, h.CompletedAt, h.DurationMs, h.ErrorType, h.ErrorMessage)
	if err != nil {
		return fmt.Errorf("close history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", job.ErrHistoryClosed, h.ID)
	}
	return nil
}

// ListHistory returns every attempt of a job.
func (r *PostgresJobRepository) ListHistory(ctx context.Context, jobID uuid.UUID) ([]*job.History, error) {
	query := `SELECT ` + historyColumns + ` FROM job_execution_history
		WHERE job_id = $1 ORDER BY attempt_number, started_at`

	rows, err := r.db.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []*job.History
	for rows.Next() {
		h := &job.History{}
		var metadata []byte
		if err := rows.Scan(
			&h.ID, &h.JobID, &h.AttemptNumber, &h.Status, &h.StartedAt, &h.CompletedAt,
			&h.DurationMs, &h.ErrorType, &h.ErrorMessage, &metadata,
		); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if h.Metadata, err = unmarshalMetadata(metadata); err != nil {
			return nil, err
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

func (r *PostgresJobRepository) queryJobs(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j                      job.Job
		payload, result, state []byte
		metadata               []byte
		orgID, teamID          *string
		waitType, waitKey      *string
		waitTimeout            *int64
		pausedAt               *time.Time
	)
	err := row.Scan(
		&j.ID, &j.CorrelationID, &j.WorkflowType, &j.HandlerType, &payload, &j.Status, &j.Priority,
		&j.Attempt, &j.RetryCount, &j.MaxRetries, &orgID, &teamID, &j.ErrorClassification,
		&j.LastError, &result, &j.CurrentStage, &state, &waitType, &waitKey,
		&waitTimeout, &pausedAt, &metadata, &j.CancelRequested, &j.WorkerID, &j.LockFence, &j.Version,
		&j.ScheduledAt, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Payload = payload
	if len(result) > 0 {
		j.Result = result
	}
	if len(state) > 0 {
		j.PipelineState = state
	}
	if orgID != nil {
		j.Tenant = &job.Tenant{OrganizationID: *orgID}
		if teamID != nil {
			j.Tenant.TeamID = *teamID
		}
	}
	if waitType != nil {
		w := &job.WaitSpec{EventType: *waitType}
		if waitKey != nil {
			w.EventKey = *waitKey
		}
		if waitTimeout != nil {
			w.TimeoutMs = *waitTimeout
		}
		if pausedAt != nil {
			w.PausedAt = pausedAt.UTC()
		}
		j.WaitingForEvent = w
	}
	if j.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return &j, nil
}
