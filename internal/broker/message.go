package broker

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/leejennwah/pipeline-engine/internal/job"
)

// JobMessage is the thin pointer published for a job. Consumers re-fetch
// the full job from the store.
type JobMessage struct {
	JobID          uuid.UUID          `json:"job_id"`
	CorrelationID  string             `json:"correlation_id"`
	WorkflowType   string             `json:"workflow_type"`
	HandlerType    string             `json:"handler_type"`
	Attempt        int                `json:"attempt"`
	Classification job.Classification `json:"classification,omitempty"`
	Reason         string             `json:"reason,omitempty"`
}

// NewJobMessage builds the pointer message for the job's current attempt.
func NewJobMessage(j *job.Job) JobMessage {
	return JobMessage{
		JobID:         j.ID,
		CorrelationID: j.CorrelationID,
		WorkflowType:  j.WorkflowType,
		HandlerType:   j.HandlerType,
		Attempt:       j.RetryCount,
	}
}

// Encode serializes the message body.
func (m JobMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal job message: %w", err)
	}
	return data, nil
}

// DecodeJobMessage parses a message body. Bodies that cannot identify a
// job are reported as ErrMalformed.
func DecodeJobMessage(body []byte) (*JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.JobID == uuid.Nil || m.WorkflowType == "" {
		return nil, fmt.Errorf("%w: missing job id or workflow type", ErrMalformed)
	}
	return &m, nil
}
