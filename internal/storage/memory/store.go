// Package memory provides an in-memory storage.Store for tests and local
// development. Transactions run against a copy of the state that replaces
// the live state on commit.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leejennwah/pipeline-engine/internal/job"
	"github.com/leejennwah/pipeline-engine/internal/outbox"
	"github.com/leejennwah/pipeline-engine/internal/storage"
)

// Stored values are never mutated in place; writers replace them with
// copies so a cloned state can share pointers with the live one.
type state struct {
	jobs          map[uuid.UUID]*job.Job
	byCorrelation map[string]uuid.UUID
	history       map[uuid.UUID][]*job.History
	outbox        map[uuid.UUID]*outbox.Message
}

func newState() *state {
	return &state{
		jobs:          make(map[uuid.UUID]*job.Job),
		byCorrelation: make(map[string]uuid.UUID),
		history:       make(map[uuid.UUID][]*job.History),
		outbox:        make(map[uuid.UUID]*outbox.Message),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.byCorrelation {
		c.byCorrelation[k] = v
	}
	for k, v := range s.history {
		c.history[k] = append([]*job.History(nil), v...)
	}
	for k, v := range s.outbox {
		c.outbox[k] = v
	}
	return c
}

// Store is an in-memory storage.Store.
type Store struct {
	// writeMu serializes writers: one transaction or one standalone write.
	writeMu sync.Mutex
	mu      sync.RWMutex
	state   *state
	now     func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		state: newState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for updated_at stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) Jobs() job.Repository      { return &jobRepo{view{store: s}} }
func (s *Store) Outbox() outbox.Repository { return &outboxRepo{view{store: s}} }

// InTx runs fn against a private copy of the state and publishes the copy
// only if fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	draft := s.state.clone()
	s.mu.RUnlock()

	if err := fn(&tx{view: view{store: s, draft: draft}}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = draft
	s.mu.Unlock()
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

type tx struct {
	view view
}

func (t *tx) Jobs() job.Repository      { return &jobRepo{t.view} }
func (t *tx) Outbox() outbox.Repository { return &outboxRepo{t.view} }

// view routes reads and writes either to a transaction draft or to the
// live state.
type view struct {
	store *Store
	draft *state
}

func (v view) read(fn func(st *state)) {
	if v.draft != nil {
		fn(v.draft)
		return
	}
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	fn(v.store.state)
}

func (v view) write(fn func(st *state) error) error {
	if v.draft != nil {
		return fn(v.draft)
	}
	v.store.writeMu.Lock()
	defer v.store.writeMu.Unlock()
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	return fn(v.store.state)
}

func copyJob(j *job.Job) *job.Job {
	c := *j
	if j.Tenant != nil {
		t := *j.Tenant
		c.Tenant = &t
	}
	if j.WaitingForEvent != nil {
		w := *j.WaitingForEvent
		c.WaitingForEvent = &w
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func copyHistory(h *job.History) *job.History {
	c := *h
	if h.Metadata != nil {
		c.Metadata = make(map[string]string, len(h.Metadata))
		for k, v := range h.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func copyMessage(m *outbox.Message) *outbox.Message {
	c := *m
	return &c
}
