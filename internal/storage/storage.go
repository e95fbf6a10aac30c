// Package storage provides transactional access to job and outbox
// persistence, with a Postgres implementation.
package storage

import (
	"context"

	"github.com/leejennwah/pipeline-engine/internal/job"
	"github.com/leejennwah/pipeline-engine/internal/outbox"
)

// Tx exposes repositories bound to one transaction.
type Tx interface {
	Jobs() job.Repository
	Outbox() outbox.Repository
}

// Store is the engine's persistence boundary. Jobs and Outbox operate
// outside any transaction; InTx commits everything fn writes atomically,
// or nothing if fn returns an error.
type Store interface {
	Tx
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}
