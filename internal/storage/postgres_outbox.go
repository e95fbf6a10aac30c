package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leejennwah/pipeline-engine/internal/outbox"
)

const outboxColumns = `id, job_id, exchange, message_type, payload, status, attempts,
	last_error, available_at, created_at, dispatched_at`

// PostgresOutboxRepository implements outbox.Repository using PostgreSQL.
type PostgresOutboxRepository struct {
	db querier
}

var _ outbox.Repository = (*PostgresOutboxRepository)(nil)

// Add inserts a pending message.
func (r *PostgresOutboxRepository) Add(ctx context.Context, m *outbox.Message) error {
	query := `INSERT INTO outbox_messages (` + outboxColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.Exec(ctx, query,
		m.ID, m.JobID, m.Exchange, m.MessageType, []byte(m.Payload), m.Status, m.Attempts,
		m.LastError, m.AvailableAt, m.CreatedAt, m.DispatchedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

// ClaimPending pushes the availability of a batch past the lease so
// concurrent relays skip it (FOR UPDATE SKIP LOCKED).
func (r *PostgresOutboxRepository) ClaimPending(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*outbox.Message, error) {
	query := `
		UPDATE outbox_messages SET available_at = $2
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = 'pending' AND available_at <= $1
			ORDER BY available_at, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + outboxColumns

	rows, err := r.db.Query(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []*outbox.Message
	for rows.Next() {
		m := &outbox.Message{}
		var payload []byte
		if err := rows.Scan(
			&m.ID, &m.JobID, &m.Exchange, &m.MessageType, &payload, &m.Status, &m.Attempts,
			&m.LastError, &m.AvailableAt, &m.CreatedAt, &m.DispatchedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		m.Payload = payload
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	return messages, nil
}

// MarkDispatched records a successful publish.
func (r *PostgresOutboxRepository) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.exec(ctx, "mark outbox dispatched", id,
		`UPDATE outbox_messages SET status = 'dispatched', dispatched_at = $2, last_error = '' WHERE id = $1`,
		id, at)
}

// RecordFailure counts a failed publish and defers the message.
func (r *PostgresOutboxRepository) RecordFailure(ctx context.Context, id uuid.UUID, errMsg string, nextAttempt time.Time) error {
	return r.exec(ctx, "record outbox failure", id,
		`UPDATE outbox_messages SET attempts = attempts + 1, last_error = $2, available_at = $3
		WHERE id = $1 AND status = 'pending'`,
		id, errMsg, nextAttempt)
}

// MarkFailed parks a message permanently.
func (r *PostgresOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return r.exec(ctx, "mark outbox failed", id,
		`UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = $2 WHERE id = $1`,
		id, errMsg)
}

// PurgeDispatched deletes dispatched messages older than before.
func (r *PostgresOutboxRepository) PurgeDispatched(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM outbox_messages WHERE status = 'dispatched' AND dispatched_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge outbox messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByStatus returns the number of messages in each status.
func (r *PostgresOutboxRepository) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM outbox_messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query outbox counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[outbox.Status]int64)
	for rows.Next() {
		var status outbox.Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan outbox count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *PostgresOutboxRepository) exec(ctx context.Context, op string, id uuid.UUID, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w: %s", op, outbox.ErrNotFound, id)
	}
	return nil
}
