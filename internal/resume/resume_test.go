package resume_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leejennwah/pipeline-engine/internal/broker"
	"github.com/leejennwah/pipeline-engine/internal/classify"
	"github.com/leejennwah/pipeline-engine/internal/job"
	"github.com/leejennwah/pipeline-engine/internal/lock"
	"github.com/leejennwah/pipeline-engine/internal/metrics"
	"github.com/leejennwah/pipeline-engine/internal/outbox"
	"github.com/leejennwah/pipeline-engine/internal/processor"
	"github.com/leejennwah/pipeline-engine/internal/resume"
	"github.com/leejennwah/pipeline-engine/internal/retry"
	"github.com/leejennwah/pipeline-engine/internal/storage/memory"
	"github.com/leejennwah/pipeline-engine/internal/topology"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock   *clock
	store   *memory.Store
	metrics *metrics.Metrics
	coord   *resume.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.New()
	store.SetClock(c.Now)
	m := metrics.New(prometheus.NewRegistry())
	coord := resume.NewCoordinator(store, m, zap.NewNop(), resume.DefaultConfig())
	coord.SetClock(c.Now)
	return &fixture{clock: c, store: store, metrics: m, coord: coord}
}

// suspended stores a job parked on (analysis.completed, key).
func (f *fixture) suspended(t *testing.T, key string, timeout time.Duration) *job.Job {
	t.Helper()
	ctx := context.Background()
	j := job.NewJob("code-review", "analyze", json.RawMessage(`{}`), 3)
	created, err := f.store.Jobs().Create(ctx, j)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, j.MarkProcessing("worker-1"))
	require.NoError(t, j.Suspend(job.WaitSpec{
		EventType: "analysis.completed",
		EventKey:  key,
		TimeoutMs: timeout.Milliseconds(),
		PausedAt:  f.clock.Now(),
	}, json.RawMessage(`{"step":1}`), "collect"))
	require.NoError(t, f.store.Jobs().Update(ctx, j, 1))
	return j
}

func (f *fixture) reload(t *testing.T, j *job.Job) *job.Job {
	t.Helper()
	got, err := f.store.Jobs().GetByID(context.Background(), j.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) messagesOn(exchange string) []*outbox.Message {
	var out []*outbox.Message
	for _, m := range f.store.Messages() {
		if m.Exchange == exchange {
			out = append(out, m)
		}
	}
	return out
}

func TestOnExternalEvent_ResumesMatchingJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	j := f.suspended(t, "task-7", time.Minute)
	other := f.suspended(t, "task-8", time.Minute)

	n, err := f.coord.OnExternalEvent(ctx, "analysis.completed", "task-7")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.reload(t, j)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Nil(t, got.WaitingForEvent)
	assert.Equal(t, "collect", got.CurrentStage)
	assert.JSONEq(t, `{"step":1}`, string(got.PipelineState))
	assert.Equal(t, int64(1), got.LockFence)

	messages := f.messagesOn(topology.Exchange("code-review"))
	require.Len(t, messages, 1)
	assert.Equal(t, j.ID, messages[0].JobID)

	assert.Equal(t, job.StatusSuspended, f.reload(t, other).Status)
}

func TestOnExternalEvent_NoMatch(t *testing.T) {
	f := newFixture(t)
	f.suspended(t, "task-7", time.Minute)

	n, err := f.coord.OnExternalEvent(context.Background(), "analysis.completed", "task-9")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.store.Messages())

	_, err = f.coord.OnExternalEvent(context.Background(), "", "task-7")
	assert.Error(t, err)
}

func TestOnExternalEvent_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.suspended(t, "task-7", time.Minute)

	n, err := f.coord.OnExternalEvent(ctx, "analysis.completed", "task-7")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.coord.OnExternalEvent(ctx, "analysis.completed", "task-7")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.store.Messages(), 1)
}

func TestOnExternalEvent_AfterDeadlineTimesOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	j := f.suspended(t, "task-7", time.Minute)
	f.clock.Advance(time.Minute)

	n, err := f.coord.OnExternalEvent(ctx, "analysis.completed", "task-7")
	require.NoError(t, err)
	assert.Zero(t, n)

	got := f.reload(t, j)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, job.ClassTimeout, got.ErrorClassification)
}

func TestOnExternalEvent_CancelRequested(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	j := f.suspended(t, "task-7", time.Minute)
	require.NoError(t, f.store.Jobs().RequestCancel(ctx, j.ID))

	n, err := f.coord.OnExternalEvent(ctx, "analysis.completed", "task-7")
	require.NoError(t, err)
	assert.Zero(t, n)

	got := f.reload(t, j)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, job.ClassCancelled, got.ErrorClassification)
	assert.Empty(t, f.store.Messages())
}

func TestSweepOnce_TimesOutExpiredWaits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	short := f.suspended(t, "task-7", time.Minute)
	long := f.suspended(t, "task-8", time.Hour)

	n, err := f.coord.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * time.Minute)
	n, err = f.coord.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.reload(t, short)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, job.ClassTimeout, got.ErrorClassification)
	assert.Nil(t, got.WaitingForEvent)
	assert.Contains(t, got.LastError, "analysis.completed/task-7")
	assert.Equal(t, job.StatusSuspended, f.reload(t, long).Status)

	dead := f.messagesOn(topology.DeadLetterExchange("code-review"))
	require.Len(t, dead, 1)
	body, err := broker.DecodeJobMessage(dead[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, job.ClassTimeout, body.Classification)

	// A late event does not revive the job.
	n, err = f.coord.OnExternalEvent(ctx, "analysis.completed", "task-7")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, job.StatusFailed, f.reload(t, short).Status)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("suspended", func(t *testing.T) {
		f := newFixture(t)
		j := f.suspended(t, "task-7", time.Minute)

		got, err := f.coord.Cancel(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, got.Status)
		assert.Equal(t, job.ClassCancelled, got.ErrorClassification)
		assert.Empty(t, f.store.Messages())
	})

	t.Run("pending", func(t *testing.T) {
		f := newFixture(t)
		j := job.NewJob("code-review", "analyze", nil, 3)
		_, err := f.store.Jobs().Create(ctx, j)
		require.NoError(t, err)

		got, err := f.coord.Cancel(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, got.Status)
		assert.Equal(t, job.ClassCancelled, got.ErrorClassification)
		assert.True(t, got.CancelRequested)
	})

	t.Run("processing keeps running until the handler checks", func(t *testing.T) {
		f := newFixture(t)
		j := job.NewJob("code-review", "analyze", nil, 3)
		_, err := f.store.Jobs().Create(ctx, j)
		require.NoError(t, err)
		require.NoError(t, j.MarkProcessing("worker-1"))
		require.NoError(t, f.store.Jobs().Update(ctx, j, 1))

		got, err := f.coord.Cancel(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusProcessing, got.Status)
		assert.True(t, got.CancelRequested)
	})

	t.Run("finished", func(t *testing.T) {
		f := newFixture(t)
		j := f.suspended(t, "task-7", time.Minute)
		f.clock.Advance(time.Hour)
		_, err := f.coord.SweepOnce(ctx)
		require.NoError(t, err)

		_, err = f.coord.Cancel(ctx, j.ID)
		assert.ErrorIs(t, err, resume.ErrAlreadyFinished)
	})

	t.Run("unknown", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.coord.Cancel(ctx, job.NewJob("x", "y", nil, 0).ID)
		assert.ErrorIs(t, err, job.ErrNotFound)
	})
}

// A handler that suspends with {"step":1} gets exactly that state and the
// stage it named back once the event arrives.
func TestSuspendResumeFidelity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	type seen struct {
		stage string
		state string
	}
	var calls []seen
	router := processor.NewRouter()
	router.Register("code-review", "analyze", processor.HandlerFunc(func(ctx context.Context, exec *processor.Execution) processor.Outcome {
		calls = append(calls, seen{stage: exec.Stage, state: string(exec.State)})
		if exec.Stage == "" {
			return processor.Suspend{
				EventType: "analysis.completed",
				EventKey:  "task-7",
				Timeout:   time.Minute,
				State:     json.RawMessage(`{"step":1}`),
				NextStage: "collect",
			}
		}
		return processor.Done{}
	}))

	cfg := processor.DefaultConfig()
	cfg.WorkerID = "worker-1"
	proc := processor.New(f.store, lock.NewMemoryServiceWithClock(f.clock.Now), router, classify.Default{},
		retry.DefaultPolicy(), f.metrics, zap.NewNop(), cfg)
	proc.SetClock(f.clock.Now)

	j := job.NewJob("code-review", "analyze", json.RawMessage(`{}`), 3)
	_, err := f.store.Jobs().Create(ctx, j)
	require.NoError(t, err)

	msg := broker.NewJobMessage(j)
	require.NoError(t, proc.Process(ctx, &msg))
	require.Equal(t, job.StatusSuspended, f.reload(t, j).Status)

	f.clock.Advance(10 * time.Second)
	n, err := f.coord.OnExternalEvent(ctx, "analysis.completed", "task-7")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	resumed := broker.NewJobMessage(f.reload(t, j))
	require.NoError(t, proc.Process(ctx, &resumed))

	require.Len(t, calls, 2)
	assert.Equal(t, "collect", calls[1].stage)
	assert.JSONEq(t, `{"step":1}`, calls[1].state)

	got := f.reload(t, j)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, "collect", got.CurrentStage)

	history, err := f.store.Jobs().ListHistory(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, job.StatusSuspended, history[0].Status)
	assert.Equal(t, job.StatusCompleted, history[1].Status)
}
