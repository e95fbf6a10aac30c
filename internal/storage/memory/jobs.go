package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/leejennwah/pipeline-engine/internal/job"
)

type jobRepo struct {
	view
}

var _ job.Repository = (*jobRepo)(nil)

func (r *jobRepo) Create(_ context.Context, j *job.Job) (bool, error) {
	created := false
	err := r.write(func(st *state) error {
		if _, ok := st.byCorrelation[j.CorrelationID]; ok {
			return nil
		}
		if _, ok := st.jobs[j.ID]; ok {
			return nil
		}
		st.jobs[j.ID] = copyJob(j)
		st.byCorrelation[j.CorrelationID] = j.ID
		created = true
		return nil
	})
	return created, err
}

func (r *jobRepo) GetByID(_ context.Context, id uuid.UUID) (*job.Job, error) {
	var found *job.Job
	r.read(func(st *state) {
		if j, ok := st.jobs[id]; ok {
			found = copyJob(j)
		}
	})
	if found == nil {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return found, nil
}

func (r *jobRepo) GetByCorrelationID(_ context.Context, correlationID string) (*job.Job, error) {
	var found *job.Job
	r.read(func(st *state) {
		if id, ok := st.byCorrelation[correlationID]; ok {
			found = copyJob(st.jobs[id])
		}
	})
	if found == nil {
		return nil, fmt.Errorf("%w: correlation id %s", job.ErrNotFound, correlationID)
	}
	return found, nil
}

func (r *jobRepo) Update(_ context.Context, j *job.Job, fence int64) error {
	now := r.store.now()
	return r.write(func(st *state) error {
		stored, ok := st.jobs[j.ID]
		if !ok {
			return fmt.Errorf("%w: %s", job.ErrNotFound, j.ID)
		}
		if stored.Version != j.Version || stored.LockFence > fence {
			return fmt.Errorf("%w: job %s version %d fence %d", job.ErrStaleWrite, j.ID, j.Version, fence)
		}

		next := copyJob(j)
		next.CancelRequested = stored.CancelRequested
		next.CorrelationID = stored.CorrelationID
		next.CreatedAt = stored.CreatedAt
		next.Version = stored.Version + 1
		next.LockFence = fence
		next.UpdatedAt = now
		st.jobs[j.ID] = next

		j.Version = next.Version
		j.LockFence = fence
		j.UpdatedAt = now
		return nil
	})
}

func (r *jobRepo) RequestCancel(_ context.Context, id uuid.UUID) error {
	return r.write(func(st *state) error {
		stored, ok := st.jobs[id]
		if !ok {
			return fmt.Errorf("%w: %s", job.ErrNotFound, id)
		}
		next := copyJob(stored)
		next.CancelRequested = true
		st.jobs[id] = next
		return nil
	})
}

func (r *jobRepo) ListByStatus(_ context.Context, status job.Status, limit, offset int) ([]*job.Job, error) {
	jobs := r.filter(func(j *job.Job) bool { return j.Status == status })
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	if offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[offset:]
	return truncate(jobs, limit), nil
}

func (r *jobRepo) ListWaiting(_ context.Context, eventType, eventKey string, limit int) ([]*job.Job, error) {
	jobs := r.filter(func(j *job.Job) bool {
		return j.Status == job.StatusSuspended && j.WaitingForEvent != nil &&
			j.WaitingForEvent.Matches(eventType, eventKey)
	})
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].WaitingForEvent.PausedAt.Before(jobs[k].WaitingForEvent.PausedAt)
	})
	return truncate(jobs, limit), nil
}

func (r *jobRepo) ListExpiredWaits(_ context.Context, now time.Time, limit int) ([]*job.Job, error) {
	jobs := r.filter(func(j *job.Job) bool {
		return j.Status == job.StatusSuspended && j.WaitingForEvent != nil && j.WaitingForEvent.Expired(now)
	})
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].WaitingForEvent.Deadline().Before(jobs[k].WaitingForEvent.Deadline())
	})
	return truncate(jobs, limit), nil
}

func (r *jobRepo) ListStale(_ context.Context, updatedBefore time.Time, limit int) ([]*job.Job, error) {
	jobs := r.filter(func(j *job.Job) bool {
		return j.Status == job.StatusProcessing && j.UpdatedAt.Before(updatedBefore)
	})
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].UpdatedAt.Before(jobs[k].UpdatedAt) })
	return truncate(jobs, limit), nil
}

func (r *jobRepo) CountByStatus(context.Context) (map[job.Status]int64, error) {
	counts := make(map[job.Status]int64)
	r.read(func(st *state) {
		for _, j := range st.jobs {
			counts[j.Status]++
		}
	})
	return counts, nil
}

func (r *jobRepo) Throughput(_ context.Context, since time.Time) (*job.Throughput, error) {
	t := &job.Throughput{}
	r.read(func(st *state) {
		for _, j := range st.jobs {
			if j.CompletedAt == nil || j.CompletedAt.Before(since) {
				continue
			}
			switch j.Status {
			case job.StatusCompleted:
				t.Completed++
			case job.StatusFailed:
				t.Failed++
			}
		}

		var total, n int64
		for _, entries := range st.history {
			for _, h := range entries {
				if h.CompletedAt == nil || h.CompletedAt.Before(since) {
					continue
				}
				total += h.DurationMs
				n++
			}
		}
		if n > 0 {
			t.AvgDurationMs = float64(total) / float64(n)
		}
	})
	return t, nil
}

func (r *jobRepo) AppendHistory(_ context.Context, h *job.History) error {
	return r.write(func(st *state) error {
		if _, ok := st.jobs[h.JobID]; !ok {
			return fmt.Errorf("%w: %s", job.ErrNotFound, h.JobID)
		}
		st.history[h.JobID] = append(st.history[h.JobID], copyHistory(h))
		return nil
	})
}

func (r *jobRepo) CloseHistory(_ context.Context, h *job.History) error {
	return r.write(func(st *state) error {
		entries := st.history[h.JobID]
		for i, e := range entries {
			if e.ID != h.ID {
				continue
			}
			if e.Closed() {
				return fmt.Errorf("%w: %s", job.ErrHistoryClosed, h.ID)
			}
			updated := append([]*job.History(nil), entries...)
			updated[i] = copyHistory(h)
			st.history[h.JobID] = updated
			return nil
		}
		return fmt.Errorf("%w: history %s", job.ErrNotFound, h.ID)
	})
}

func (r *jobRepo) ListHistory(_ context.Context, jobID uuid.UUID) ([]*job.History, error) {
	var entries []*job.History
	r.read(func(st *state) {
		for _, h := range st.history[jobID] {
			entries = append(entries, copyHistory(h))
		}
	})
	sort.SliceStable(entries, func(i, k int) bool { return entries[i].AttemptNumber < entries[k].AttemptNumber })
	return entries, nil
}

func (r *jobRepo) filter(keep func(j *job.Job) bool) []*job.Job {
	var out []*job.Job
	r.read(func(st *state) {
		for _, j := range st.jobs {
			if keep(j) {
				out = append(out, copyJob(j))
			}
		}
	})
	return out
}

func truncate(jobs []*job.Job, limit int) []*job.Job {
	if limit > 0 && len(jobs) > limit {
		return jobs[:limit]
	}
	return jobs
}
