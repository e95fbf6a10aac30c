package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/leejennwah/pipeline-engine/internal/outbox"
)

type outboxRepo struct {
	view
}

var _ outbox.Repository = (*outboxRepo)(nil)

func (r *outboxRepo) Add(_ context.Context, m *outbox.Message) error {
	return r.write(func(st *state) error {
		st.outbox[m.ID] = copyMessage(m)
		return nil
	})
}

func (r *outboxRepo) ClaimPending(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*outbox.Message, error) {
	var claimed []*outbox.Message
	err := r.write(func(st *state) error {
		var due []*outbox.Message
		for _, m := range st.outbox {
			if m.Status == outbox.StatusPending && !m.AvailableAt.After(now) {
				due = append(due, m)
			}
		}
		sort.Slice(due, func(i, k int) bool {
			if due[i].AvailableAt.Equal(due[k].AvailableAt) {
				return due[i].CreatedAt.Before(due[k].CreatedAt)
			}
			return due[i].AvailableAt.Before(due[k].AvailableAt)
		})
		if limit > 0 && len(due) > limit {
			due = due[:limit]
		}
		for _, m := range due {
			next := copyMessage(m)
			next.AvailableAt = now.Add(lease)
			st.outbox[m.ID] = next
			claimed = append(claimed, copyMessage(next))
		}
		return nil
	})
	return claimed, err
}

func (r *outboxRepo) MarkDispatched(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.update(id, func(m *outbox.Message) bool {
		m.Status = outbox.StatusDispatched
		m.DispatchedAt = &at
		m.LastError = ""
		return true
	})
}

func (r *outboxRepo) RecordFailure(_ context.Context, id uuid.UUID, errMsg string, nextAttempt time.Time) error {
	return r.update(id, func(m *outbox.Message) bool {
		if m.Status != outbox.StatusPending {
			return false
		}
		m.Attempts++
		m.LastError = errMsg
		m.AvailableAt = nextAttempt
		return true
	})
}

func (r *outboxRepo) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	return r.update(id, func(m *outbox.Message) bool {
		m.Status = outbox.StatusFailed
		m.Attempts++
		m.LastError = errMsg
		return true
	})
}

func (r *outboxRepo) PurgeDispatched(_ context.Context, before time.Time) (int64, error) {
	var n int64
	err := r.write(func(st *state) error {
		for id, m := range st.outbox {
			if m.Status == outbox.StatusDispatched && m.DispatchedAt != nil && m.DispatchedAt.Before(before) {
				delete(st.outbox, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *outboxRepo) CountByStatus(context.Context) (map[outbox.Status]int64, error) {
	counts := make(map[outbox.Status]int64)
	r.read(func(st *state) {
		for _, m := range st.outbox {
			counts[m.Status]++
		}
	})
	return counts, nil
}

// update applies fn to a copy of the message and stores it if fn reports
// a change.
func (r *outboxRepo) update(id uuid.UUID, fn func(m *outbox.Message) bool) error {
	return r.write(func(st *state) error {
		m, ok := st.outbox[id]
		if !ok {
			return fmt.Errorf("%w: %s", outbox.ErrNotFound, id)
		}
		next := copyMessage(m)
		if !fn(next) {
			return fmt.Errorf("%w: %s is %s", outbox.ErrNotFound, id, m.Status)
		}
		st.outbox[id] = next
		return nil
	})
}

// Messages returns every stored outbox message ordered by creation time.
func (s *Store) Messages() []*outbox.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*outbox.Message, 0, len(s.state.outbox))
	for _, m := range s.state.outbox {
		out = append(out, copyMessage(m))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}
