package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// History records a single processing attempt of a job. Entries are
// append-only and are never modified once closed.
type History struct {
	ID            uuid.UUID         `json:"id" db:"id"`
	JobID         uuid.UUID         `json:"job_id" db:"job_id"`
	AttemptNumber int               `json:"attempt_number" db:"attempt_number"`
	Status        Status            `json:"status" db:"status"`
	StartedAt     time.Time         `json:"started_at" db:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs    int64             `json:"duration_ms" db:"duration_ms"`
	ErrorType     Classification    `json:"error_type,omitempty" db:"error_type"`
	ErrorMessage  string            `json:"error_message,omitempty" db:"error_message"`
	Metadata      map[string]string `json:"metadata,omitempty" db:"metadata"`
}

// NewHistory opens a history entry for the job's current attempt.
func NewHistory(j *Job, startedAt time.Time) *History {
	return &History{
		ID:            uuid.New(),
		JobID:         j.ID,
		AttemptNumber: j.Attempt,
		Status:        StatusProcessing,
		StartedAt:     startedAt,
		Metadata: map[string]string{
			"stage":       j.CurrentStage,
			"retry_count": fmt.Sprint(j.RetryCount),
		},
	}
}

// Closed reports whether the attempt has finished.
func (h *History) Closed() bool {
	return h.CompletedAt != nil
}

// Close records how the attempt ended.
func (h *History) Close(status Status, class Classification, errMsg string, at time.Time) error {
	if h.Closed() {
		return ErrHistoryClosed
	}
	h.Status = status
	h.ErrorType = class
	h.ErrorMessage = errMsg
	h.CompletedAt = &at
	h.DurationMs = at.Sub(h.StartedAt).Milliseconds()
	return nil
}
