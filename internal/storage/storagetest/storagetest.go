// Package storagetest holds behaviour every storage.Store implementation
// must share.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leejennwah/pipeline-engine/internal/job"
	"github.com/leejennwah/pipeline-engine/internal/outbox"
	"github.com/leejennwah/pipeline-engine/internal/storage"
)

// Run exercises store. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("create is idempotent by correlation id", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("round trip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("update rejects stale version", func(t *testing.T) { testStaleVersion(t, newStore(t)) })
	t.Run("update rejects older fence", func(t *testing.T) { testStaleFence(t, newStore(t)) })
	t.Run("update keeps cancel flag", func(t *testing.T) { testCancelFlag(t, newStore(t)) })
	t.Run("transaction rolls back", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("waiting queries", func(t *testing.T) { testWaiting(t, newStore(t)) })
	t.Run("history", func(t *testing.T) { testHistory(t, newStore(t)) })
	t.Run("outbox claim", func(t *testing.T) { testOutboxClaim(t, newStore(t)) })
	t.Run("outbox lifecycle", func(t *testing.T) { testOutboxLifecycle(t, newStore(t)) })
}

func newJob(correlationID string) *job.Job {
	j := job.NewJob("code-review", "analyze", json.RawMessage(`{"repo":"engine"}`), 3)
	if correlationID != "" {
		j.CorrelationID = correlationID
	}
	j.Metadata = map[string]string{"source": "test"}
	j.Tenant = &job.Tenant{OrganizationID: "org-1", TeamID: "team-1"}
	return j
}

func mustCreate(t *testing.T, s storage.Store, j *job.Job) {
	t.Helper()
	created, err := s.Jobs().Create(context.Background(), j)
	require.NoError(t, err)
	require.True(t, created)
}

func testCreateDuplicate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	first := newJob("corr-1")
	mustCreate(t, s, first)

	second := newJob("corr-1")
	created, err := s.Jobs().Create(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.Jobs().GetByCorrelationID(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func testRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	j := newJob("")
	mustCreate(t, s, j)

	got, err := s.Jobs().GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.CorrelationID, got.CorrelationID)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.JSONEq(t, `{"repo":"engine"}`, string(got.Payload))
	assert.Equal(t, "test", got.Metadata["source"])
	require.NotNil(t, got.Tenant)
	assert.Equal(t, "team-1", got.Tenant.TeamID)

	_, err = s.Jobs().GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func testStaleVersion(t *testing.T, s storage.Store) {
	ctx := context.Background()
	j := newJob("")
	mustCreate(t, s, j)

	a, _ := s.Jobs().GetByID(ctx, j.ID)
	b, _ := s.Jobs().GetByID(ctx, j.ID)

	require.NoError(t, a.MarkProcessing("w1"))
	require.NoError(t, s.Jobs().Update(ctx, a, 1))
	assert.Equal(t, int64(1), a.Version)

	require.NoError(t, b.MarkProcessing("w2"))
	assert.ErrorIs(t, s.Jobs().Update(ctx, b, 2), job.ErrStaleWrite)
}

func testStaleFence(t *testing.T, s storage.Store) {
	ctx := context.Background()
	j := newJob("")
	mustCreate(t, s, j)

	current, _ := s.Jobs().GetByID(ctx, j.ID)
	require.NoError(t, current.MarkProcessing("w2"))
	require.NoError(t, s.Jobs().Update(ctx, current, 5))

	stale, _ := s.Jobs().GetByID(ctx, j.ID)
	require.NoError(t, stale.MarkCompleted(nil))
	err := s.Jobs().Update(ctx, stale, 4)
	assert.ErrorIs(t, err, job.ErrStaleWrite)

	got, _ := s.Jobs().GetByID(ctx, j.ID)
	assert.Equal(t, job.StatusProcessing, got.Status)
	assert.Equal(t, int64(5), got.LockFence)
}

func testCancelFlag(t *testing.T, s storage.Store) {
	ctx := context.Background()
	j := newJob("")
	mustCreate(t, s, j)

	loaded, _ := s.Jobs().GetByID(ctx, j.ID)
	require.NoError(t, s.Jobs().RequestCancel(ctx, j.ID))

	require.NoError(t, loaded.MarkProcessing("w1"))
	require.NoError(t, s.Jobs().Update(ctx, loaded, 1))

	got, _ := s.Jobs().GetByID(ctx, j.ID)
	assert.True(t, got.CancelRequested, "update must not clear the cancel flag")
	assert.ErrorIs(t, s.Jobs().RequestCancel(ctx, uuid.New()), job.ErrNotFound)
}

func testRollback(t *testing.T, s storage.Store) {
	ctx := context.Background()
	j := newJob("")
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.Jobs().Create(ctx, j); err != nil {
			return err
		}
		m, err := outbox.NewJobMessage(j, time.Now())
		if err != nil {
			return err
		}
		if err := tx.Outbox().Add(ctx, m); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Jobs().GetByID(ctx, j.ID)
	assert.ErrorIs(t, err, job.ErrNotFound)

	counts, err := s.Outbox().CountByStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[outbox.StatusPending])
}

func testWaiting(t *testing.T, s storage.Store) {
	ctx := context.Background()
	paused := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)

	j := newJob("")
	mustCreate(t, s, j)
	loaded, _ := s.Jobs().GetByID(ctx, j.ID)
	require.NoError(t, loaded.MarkProcessing("w1"))
	require.NoError(t, loaded.Suspend(job.WaitSpec{
		EventType: "analysis.completed",
		EventKey:  "task-7",
		TimeoutMs: 30_000,
		PausedAt:  paused,
	}, json.RawMessage(`{"step":1}`), "collect"))
	require.NoError(t, s.Jobs().Update(ctx, loaded, 1))

	waiting, err := s.Jobs().ListWaiting(ctx, "analysis.completed", "task-7", 10)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, int64(30_000), waiting[0].WaitingForEvent.TimeoutMs)
	assert.True(t, waiting[0].WaitingForEvent.PausedAt.Equal(paused))
	assert.Equal(t, "collect", waiting[0].CurrentStage)
	assert.JSONEq(t, `{"step":1}`, string(waiting[0].PipelineState))

	none, err := s.Jobs().ListWaiting(ctx, "analysis.completed", "other", 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	expired, err := s.Jobs().ListExpiredWaits(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	notYet, err := s.Jobs().ListExpiredWaits(ctx, paused.Add(10*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, notYet)
}

func testHistory(t *testing.T, s storage.Store) {
	ctx := context.Background()
	j := newJob("")
	mustCreate(t, s, j)
	j.Attempt = 1

	start := time.Now().UTC().Truncate(time.Millisecond)
	h := job.NewHistory(j, start)
	require.NoError(t, s.Jobs().AppendHistory(ctx, h))

	require.NoError(t, h.Close(job.StatusFailed, job.ClassFatal, "bad input", start.Add(250*time.Millisecond)))
	require.NoError(t, s.Jobs().CloseHistory(ctx, h))
	assert.ErrorIs(t, s.Jobs().CloseHistory(ctx, h), job.ErrHistoryClosed)

	entries, err := s.Jobs().ListHistory(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(250), entries[0].DurationMs)
	assert.Equal(t, job.ClassFatal, entries[0].ErrorType)

	tp, err := s.Jobs().Throughput(ctx, start.Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 250, tp.AvgDurationMs, 0.01)
}

func addMessage(t *testing.T, s storage.Store, availableAt time.Time) *outbox.Message {
	t.Helper()
	j := newJob("")
	mustCreate(t, s, j)
	m, err := outbox.NewJobMessage(j, availableAt)
	require.NoError(t, err)
	require.NoError(t, s.Outbox().Add(context.Background(), m))
	return m
}

func testOutboxClaim(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	due := addMessage(t, s, now.Add(-time.Second))
	addMessage(t, s, now.Add(time.Hour))

	claimed, err := s.Outbox().ClaimPending(ctx, now, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)

	again, err := s.Outbox().ClaimPending(ctx, now, 30*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed messages stay hidden for the lease")

	later, err := s.Outbox().ClaimPending(ctx, now.Add(31*time.Second), 30*time.Second, 10)
	require.NoError(t, err)
	assert.Len(t, later, 1, "unconfirmed claims become available again")
}

func testOutboxLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	m := addMessage(t, s, now.Add(-time.Second))
	require.NoError(t, s.Outbox().RecordFailure(ctx, m.ID, "broker down", now.Add(time.Minute)))

	claimed, err := s.Outbox().ClaimPending(ctx, now, time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	require.NoError(t, s.Outbox().MarkDispatched(ctx, m.ID, now))
	counts, err := s.Outbox().CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[outbox.StatusDispatched])

	n, err := s.Outbox().PurgeDispatched(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	parked := addMessage(t, s, now)
	require.NoError(t, s.Outbox().MarkFailed(ctx, parked.ID, "malformed"))
	assert.ErrorIs(t, s.Outbox().MarkDispatched(ctx, uuid.New(), now), outbox.ErrNotFound)
}
