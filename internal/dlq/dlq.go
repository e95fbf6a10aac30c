// Package dlq inspects dead-letter queues and replays dead-lettered jobs
// as fresh jobs.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leejennwah/pipeline-engine/internal/broker"
	"github.com/leejennwah/pipeline-engine/internal/enqueue"
	"github.com/leejennwah/pipeline-engine/internal/job"
	"github.com/leejennwah/pipeline-engine/internal/storage"
	"github.com/leejennwah/pipeline-engine/internal/topology"
)

// maxScan bounds how far into a dead-letter queue Replay looks.
const maxScan = 1000

var (
	// ErrNotFound is returned when no dead-letter entry has the given id.
	ErrNotFound = errors.New("dlq: entry not found")
	// ErrNotReplayable is returned for entries that do not identify a job.
	ErrNotReplayable = errors.New("dlq: entry cannot be replayed")
)

// Entry is one dead-lettered message.
type Entry struct {
	MessageID      string             `json:"message_id"`
	RoutingKey     string             `json:"routing_key"`
	DeathQueue     string             `json:"death_queue,omitempty"`
	PublishedAt    time.Time          `json:"published_at"`
	JobID          uuid.UUID          `json:"job_id,omitempty"`
	CorrelationID  string             `json:"correlation_id,omitempty"`
	Classification job.Classification `json:"classification,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	// Malformed entries carry the raw body instead of a job pointer.
	Malformed bool   `json:"malformed"`
	Body      string `json:"body,omitempty"`
}

// Service lists and replays dead-letter entries.
type Service struct {
	broker   broker.Broker
	store    storage.Store
	enqueuer enqueue.Enqueuer
	logger   *zap.Logger
}

// NewService creates a DLQ service.
func NewService(b broker.Broker, store storage.Store, enq enqueue.Enqueuer, logger *zap.Logger) *Service {
	return &Service{broker: b, store: store, enqueuer: enq, logger: logger}
}

// List returns up to limit entries of the family's dead-letter queue,
// oldest first.
func (s *Service) List(ctx context.Context, family string, limit int) ([]Entry, error) {
	messages, err := s.broker.Peek(ctx, topology.DeadLetterQueue(family), limit)
	if err != nil {
		return nil, fmt.Errorf("peek %s: %w", topology.DeadLetterQueue(family), err)
	}
	entries := make([]Entry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, toEntry(m))
	}
	return entries, nil
}

// Replay enqueues a new job from the dead-lettered job behind messageID.
// The new job has its own id, zero retries and the correlation id
// "<original>:replay:<messageID>", so replaying the same entry twice
// yields the same job.
func (s *Service) Replay(ctx context.Context, family, messageID string) (uuid.UUID, error) {
	messages, err := s.broker.Peek(ctx, topology.DeadLetterQueue(family), maxScan)
	if err != nil {
		return uuid.Nil, fmt.Errorf("peek %s: %w", topology.DeadLetterQueue(family), err)
	}

	var entry *Entry
	for _, m := range messages {
		if m.ID == messageID {
			e := toEntry(m)
			entry = &e
			break
		}
	}
	if entry == nil {
		return uuid.Nil, fmt.Errorf("%w: %s in %s", ErrNotFound, messageID, family)
	}
	if entry.Malformed {
		return uuid.Nil, fmt.Errorf("%w: %s has no job pointer", ErrNotReplayable, messageID)
	}

	original, err := s.store.Jobs().GetByID(ctx, entry.JobID)
	if errors.Is(err, job.ErrNotFound) {
		return uuid.Nil, fmt.Errorf("%w: job %s no longer exists", ErrNotReplayable, entry.JobID)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("load original job: %w", err)
	}

	metadata := make(map[string]string, len(original.Metadata)+1)
	for k, v := range original.Metadata {
		metadata[k] = v
	}
	metadata["replayed_from"] = original.ID.String()
	maxRetries := original.MaxRetries

	id, err := s.enqueuer.Enqueue(ctx, enqueue.Request{
		WorkflowType:  original.WorkflowType,
		HandlerType:   original.HandlerType,
		Payload:       original.Payload,
		CorrelationID: original.CorrelationID + ":replay:" + messageID,
		Priority:      original.Priority,
		MaxRetries:    &maxRetries,
		Tenant:        original.Tenant,
		Metadata:      metadata,
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.logger.Info("dead-lettered job replayed",
		zap.String("family", family),
		zap.String("message_id", messageID),
		zap.String("original_job_id", original.ID.String()),
		zap.String("job_id", id.String()),
	)
	return id, nil
}

func toEntry(m broker.Message) Entry {
	e := Entry{
		MessageID:   m.ID,
		RoutingKey:  m.RoutingKey,
		DeathQueue:  m.Headers[broker.HeaderDeathQueue],
		PublishedAt: m.PublishedAt,
	}
	msg, err := broker.DecodeJobMessage(m.Body)
	if err != nil {
		e.Malformed = true
		e.Body = string(m.Body)
		return e
	}
	e.JobID = msg.JobID
	e.CorrelationID = msg.CorrelationID
	e.Classification = msg.Classification
	e.Reason = msg.Reason
	return e
}
