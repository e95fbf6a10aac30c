// Package outbox stores broker messages transactionally alongside job
// state and relays them to the broker at least once.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/leejennwah/pipeline-engine/internal/broker"
	"github.com/leejennwah/pipeline-engine/internal/job"
	"github.com/leejennwah/pipeline-engine/internal/topology"
)

// Status is the dispatch state of an outbox message.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusFailed     Status = "failed"
)

// ErrNotFound is returned when an outbox message does not exist.
var ErrNotFound = errors.New("outbox: message not found")

// Message is a broker message waiting to be published.
type Message struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	JobID        uuid.UUID       `json:"job_id" db:"job_id"`
	Exchange     string          `json:"exchange" db:"exchange"`
	MessageType  string          `json:"message_type" db:"message_type"`
	Payload      json.RawMessage `json:"payload" db:"payload"`
	Status       Status          `json:"status" db:"status"`
	Attempts     int             `json:"attempts" db:"attempts"`
	LastError    string          `json:"last_error,omitempty" db:"last_error"`
	AvailableAt  time.Time       `json:"available_at" db:"available_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty" db:"dispatched_at"`
}

// NewJobMessage builds the message that hands the job's current attempt
// to a worker. It is not published before availableAt.
func NewJobMessage(j *job.Job, availableAt time.Time) (*Message, error) {
	return newMessage(j, topology.Exchange(j.WorkflowType), broker.NewJobMessage(j), availableAt)
}

// NewDeadLetterMessage builds the message that records a permanently
// failed job on its family's dead-letter exchange.
func NewDeadLetterMessage(j *job.Job, class job.Classification, reason string, at time.Time) (*Message, error) {
	m := broker.NewJobMessage(j)
	m.Classification = class
	m.Reason = reason
	return newMessage(j, topology.DeadLetterExchange(j.WorkflowType), m, at)
}

func newMessage(j *job.Job, exchange string, m broker.JobMessage, availableAt time.Time) (*Message, error) {
	body, err := m.Encode()
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:          uuid.New(),
		JobID:       j.ID,
		Exchange:    exchange,
		MessageType: j.RoutingKey(),
		Payload:     body,
		Status:      StatusPending,
		AvailableAt: availableAt.UTC(),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Repository persists outbox messages.
type Repository interface {
	// Add stores a new pending message.
	Add(ctx context.Context, m *Message) error

	// ClaimPending returns up to limit pending messages available at now and
	// hides them from other relays for lease.
	ClaimPending(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Message, error)

	// MarkDispatched records a successful publish.
	MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error

	// RecordFailure counts a failed publish and defers the next attempt.
	RecordFailure(ctx context.Context, id uuid.UUID, errMsg string, nextAttempt time.Time) error

	// MarkFailed parks a message that can never be published.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error

	// PurgeDispatched deletes messages dispatched before the given time.
	PurgeDispatched(ctx context.Context, before time.Time) (int64, error)

	// CountByStatus returns the number of messages in each status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
