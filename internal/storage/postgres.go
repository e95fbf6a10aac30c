package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/leejennwah/pipeline-engine/internal/job"
	"github.com/leejennwah/pipeline-engine/internal/outbox"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	jobs   *PostgresJobRepository
	outbox *PostgresOutboxRepository
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logger,
		jobs:   &PostgresJobRepository{db: pool},
		outbox: &PostgresOutboxRepository{db: pool},
	}
}

func (s *PostgresStore) Jobs() job.Repository      { return s.jobs }
func (s *PostgresStore) Outbox() outbox.Repository { return s.outbox }

// InTx runs fn inside a single database transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&postgresTx{
			jobs:   &PostgresJobRepository{db: tx},
			outbox: &PostgresOutboxRepository{db: tx},
		})
	})
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type postgresTx struct {
	jobs   *PostgresJobRepository
	outbox *PostgresOutboxRepository
}

func (t *postgresTx) Jobs() job.Repository      { return t.jobs }
func (t *postgresTx) Outbox() outbox.Repository { return t.outbox }

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

func unmarshalMetadata(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// nullJSON maps an empty document to SQL NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
