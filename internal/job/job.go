// Package job defines the workflow job domain model and state machine.
package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a job in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuspended  Status = "suspended"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Classification explains why a job stopped or was retried.
type Classification string

const (
	ClassNone               Classification = ""
	ClassRetryable          Classification = "retryable"
	ClassFatal              Classification = "fatal"
	ClassPoison             Classification = "poison"
	ClassTimeout            Classification = "timeout"
	ClassCancelled          Classification = "cancelled"
	ClassRetryableExhausted Classification = "retryable_exhausted"
)

// DeadLetters reports whether a failure with this classification is routed
// to the dead-letter exchange. Cancellation is an intentional stop.
func (c Classification) DeadLetters() bool {
	return c != ClassCancelled && c != ClassNone
}

// validTransitions defines the allowed state machine transitions.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusSuspended, StatusPending},
	StatusSuspended:  {StatusPending, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// Tenant scopes a job to an organization and optionally a team.
type Tenant struct {
	OrganizationID string `json:"organization_id"`
	TeamID         string `json:"team_id,omitempty"`
}

// WaitSpec describes the external event a suspended job is waiting for.
type WaitSpec struct {
	EventType string    `json:"event_type"`
	EventKey  string    `json:"event_key"`
	TimeoutMs int64     `json:"timeout_ms"`
	PausedAt  time.Time `json:"paused_at"`
}

// Deadline is the instant after which the wait is considered timed out.
func (w *WaitSpec) Deadline() time.Time {
	return w.PausedAt.Add(time.Duration(w.TimeoutMs) * time.Millisecond)
}

// Expired reports whether the wait window has elapsed at now.
func (w *WaitSpec) Expired(now time.Time) bool {
	return !now.Before(w.Deadline())
}

// Matches reports whether an external event satisfies the wait.
func (w *WaitSpec) Matches(eventType, eventKey string) bool {
	return w.EventType == eventType && w.EventKey == eventKey
}

// Job is a durable unit of work processed by the engine.
type Job struct {
	ID                  uuid.UUID         `json:"id" db:"id"`
	CorrelationID       string            `json:"correlation_id" db:"correlation_id"`
	WorkflowType        string            `json:"workflow_type" db:"workflow_type"`
	HandlerType         string            `json:"handler_type" db:"handler_type"`
	Payload             json.RawMessage   `json:"payload" db:"payload"`
	Status              Status            `json:"status" db:"status"`
	// Priority is recorded and carried through replays. Delivery order is
	// queue order; the engine does not reorder by it.
	Priority            int               `json:"priority" db:"priority"`
	Attempt             int               `json:"attempt" db:"attempt"`
	RetryCount          int               `json:"retry_count" db:"retry_count"`
	MaxRetries          int               `json:"max_retries" db:"max_retries"`
	Tenant              *Tenant           `json:"tenant,omitempty"`
	ErrorClassification Classification    `json:"error_classification,omitempty" db:"error_classification"`
	LastError           string            `json:"last_error,omitempty" db:"last_error"`
	Result              json.RawMessage   `json:"result,omitempty" db:"result"`
	// CurrentStage is the stage the next attempt starts from. It is written
	// only on suspend, so stages run within one attempt are not reflected.
	CurrentStage        string            `json:"current_stage,omitempty" db:"current_stage"`
	PipelineState       json.RawMessage   `json:"pipeline_state,omitempty" db:"pipeline_state"`
	WaitingForEvent     *WaitSpec         `json:"waiting_for_event,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty" db:"metadata"`
	CancelRequested     bool              `json:"cancel_requested" db:"cancel_requested"`
	WorkerID            string            `json:"worker_id,omitempty" db:"worker_id"`
	LockFence           int64             `json:"lock_fence" db:"lock_fence"`
	Version             int64             `json:"version" db:"version"`
	ScheduledAt         *time.Time        `json:"scheduled_at,omitempty" db:"scheduled_at"`
	StartedAt           *time.Time        `json:"started_at,omitempty" db:"started_at"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt           time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at" db:"updated_at"`
}

// NewJob creates a new pending job for the given workflow and handler.
func NewJob(workflowType, handlerType string, payload json.RawMessage, maxRetries int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:            uuid.New(),
		CorrelationID: uuid.New().String(),
		WorkflowType:  workflowType,
		HandlerType:   handlerType,
		Payload:       payload,
		Status:        StatusPending,
		MaxRetries:    maxRetries,
		ScheduledAt:   &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// RoutingKey is the broker routing key for messages about this job.
func (j *Job) RoutingKey() string {
	return j.WorkflowType + "." + j.HandlerType
}

// TransitionTo validates and performs a state transition.
func (j *Job) TransitionTo(newStatus Status) error {
	allowed, ok := validTransitions[j.Status]
	if !ok {
		return fmt.Errorf("unknown current status: %s", j.Status)
	}

	for _, s := range allowed {
		if s == newStatus {
			j.Status = newStatus
			j.UpdatedAt = time.Now().UTC()
			return nil
		}
	}

	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, j.Status, newStatus)
}

// IsTerminal reports whether no further processing is possible.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// CanRetry reports whether the job has remaining retry attempts.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// MarkProcessing transitions the job to processing and records the worker.
func (j *Job) MarkProcessing(workerID string) error {
	if err := j.TransitionTo(StatusProcessing); err != nil {
		return err
	}
	now := time.Now().UTC()
	j.WorkerID = workerID
	j.StartedAt = &now
	j.Attempt++
	return nil
}

// MarkCompleted transitions the job to completed and stores the result.
func (j *Job) MarkCompleted(result json.RawMessage) error {
	if err := j.TransitionTo(StatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.Result = result
	j.ErrorClassification = ClassNone
	j.LastError = ""
	return nil
}

// Suspend parks the job until the described event arrives. The pipeline
// state and next stage are persisted so the job resumes where it left off.
func (j *Job) Suspend(wait WaitSpec, state json.RawMessage, nextStage string) error {
	if wait.EventType == "" || wait.TimeoutMs <= 0 {
		return fmt.Errorf("%w: event type %q, timeout %dms", ErrInvalidWait, wait.EventType, wait.TimeoutMs)
	}
	if err := j.TransitionTo(StatusSuspended); err != nil {
		return err
	}
	if wait.PausedAt.IsZero() {
		wait.PausedAt = time.Now().UTC()
	}
	j.WaitingForEvent = &wait
	j.PipelineState = state
	j.CurrentStage = nextStage
	j.WorkerID = ""
	return nil
}

// Resume clears the wait and returns the job to pending.
func (j *Job) Resume() error {
	if err := j.TransitionTo(StatusPending); err != nil {
		return err
	}
	now := time.Now().UTC()
	j.WaitingForEvent = nil
	j.ScheduledAt = &now
	return nil
}

// ScheduleRetry returns the job to pending for another attempt at runAt.
func (j *Job) ScheduleRetry(errMsg string, runAt time.Time) error {
	if !j.CanRetry() {
		return fmt.Errorf("%w: %d/%d", ErrRetriesExhausted, j.RetryCount, j.MaxRetries)
	}
	if err := j.TransitionTo(StatusPending); err != nil {
		return err
	}
	j.RetryCount++
	j.ErrorClassification = ClassRetryable
	j.LastError = errMsg
	j.ScheduledAt = &runAt
	j.WorkerID = ""
	return nil
}

// Requeue returns an abandoned processing job to pending without counting
// a retry.
func (j *Job) Requeue() error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("%w: requeue from %s", ErrInvalidTransition, j.Status)
	}
	if err := j.TransitionTo(StatusPending); err != nil {
		return err
	}
	now := time.Now().UTC()
	j.ScheduledAt = &now
	j.WorkerID = ""
	return nil
}

// MarkFailed transitions the job to failed with a classification.
func (j *Job) MarkFailed(class Classification, errMsg string) error {
	if err := j.TransitionTo(StatusFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.ErrorClassification = class
	j.LastError = errMsg
	j.WaitingForEvent = nil
	j.WorkerID = ""
	return nil
}
