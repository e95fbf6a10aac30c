package processor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/leejennwah/pipeline-engine/internal/job"
)

// Outcome is the result of one handler invocation: Done, Suspend or Fail.
type Outcome interface {
	isOutcome()
}

// Done completes the job with an optional result.
type Done struct {
	Result json.RawMessage
}

// Suspend parks the job until an external event arrives or the timeout
// elapses. State and NextStage are persisted and handed back on resume.
type Suspend struct {
	EventType string
	EventKey  string
	Timeout   time.Duration
	State     json.RawMessage
	NextStage string
}

// Fail ends the attempt with an error. The classifier decides whether
// the job is retried or fails permanently.
type Fail struct {
	Err error
}

func (Done) isOutcome()    {}
func (Suspend) isOutcome() {}
func (Fail) isOutcome()    {}

// Handler executes one attempt of a job.
type Handler interface {
	Execute(ctx context.Context, exec *Execution) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, exec *Execution) Outcome

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, exec *Execution) Outcome {
	return f(ctx, exec)
}

// Execution is the handler's view of the job being processed.
type Execution struct {
	JobID         uuid.UUID
	CorrelationID string
	WorkflowType  string
	HandlerType   string
	Payload       json.RawMessage
	Stage         string
	State         json.RawMessage
	Attempt       int
	RetryCount    int
	Tenant        *job.Tenant
	Metadata      map[string]string

	cancelled func(ctx context.Context) bool
}

// CancelRequested reports whether cancellation has been requested for the
// job. Long-running handlers should check it between units of work and
// return Fail{Err: classify.ErrCancelled}.
func (e *Execution) CancelRequested(ctx context.Context) bool {
	if e.cancelled == nil {
		return false
	}
	return e.cancelled(ctx)
}

// NewExecution builds an execution for j. cancelled may be nil.
func NewExecution(j *job.Job, cancelled func(ctx context.Context) bool) *Execution {
	return &Execution{
		JobID:         j.ID,
		CorrelationID: j.CorrelationID,
		WorkflowType:  j.WorkflowType,
		HandlerType:   j.HandlerType,
		Payload:       j.Payload,
		Stage:         j.CurrentStage,
		State:         j.PipelineState,
		Attempt:       j.Attempt,
		RetryCount:    j.RetryCount,
		Tenant:        j.Tenant,
		Metadata:      j.Metadata,
		cancelled:     cancelled,
	}
}
