package scheduler_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leejennwah/pipeline-engine/internal/broker"
	"github.com/leejennwah/pipeline-engine/internal/classify"
	"github.com/leejennwah/pipeline-engine/internal/enqueue"
	"github.com/leejennwah/pipeline-engine/internal/job"
	"github.com/leejennwah/pipeline-engine/internal/lock"
	"github.com/leejennwah/pipeline-engine/internal/metrics"
	"github.com/leejennwah/pipeline-engine/internal/outbox"
	"github.com/leejennwah/pipeline-engine/internal/processor"
	"github.com/leejennwah/pipeline-engine/internal/retry"
	"github.com/leejennwah/pipeline-engine/internal/scheduler"
	"github.com/leejennwah/pipeline-engine/internal/storage/memory"
	"github.com/leejennwah/pipeline-engine/internal/topology"
)

const family = "code-review"

type engine struct {
	store    *memory.Store
	broker   *broker.MemoryBroker
	metrics  *metrics.Metrics
	enqueuer *enqueue.Service
	router   *processor.Router
	proc     *processor.Processor
	policy   *retry.Policy
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	store := memory.New()
	b := broker.NewMemoryBroker()
	m := metrics.New(prometheus.NewRegistry())
	require.NoError(t, topology.NewInitializer(b, []string{family}, zap.NewNop()).Ensure(context.Background()))

	policy := &retry.Policy{
		MaxRetries:  3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
		JitterRatio: 0,
	}
	router := processor.NewRouter()
	cfg := processor.DefaultConfig()
	cfg.WorkerID = "worker-test"

	return &engine{
		store:    store,
		broker:   b,
		metrics:  m,
		enqueuer: enqueue.NewService(store, enqueue.Config{DefaultMaxRetries: 3}, m, zap.NewNop()),
		router:   router,
		proc:     processor.New(store, lock.NewMemoryService(), router, classify.Default{}, policy, m, zap.NewNop(), cfg),
		policy:   policy,
	}
}

func (e *engine) newRelay() *outbox.Relay {
	cfg := outbox.DefaultRelayConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.RatePerSecond = 0
	return outbox.NewRelay(e.store.Outbox(), e.broker, e.policy, e.metrics, zap.NewNop(), cfg)
}

func (e *engine) newScheduler(p scheduler.Processor) *scheduler.Scheduler {
	cfg := scheduler.DefaultConfig()
	cfg.WorkerID = "worker-test"
	cfg.Families = []string{family}
	cfg.Concurrency = 2
	return scheduler.New(e.broker, p, e.store, e.metrics, zap.NewNop(), cfg)
}

// start runs fn in the background until the test ends.
func start(t *testing.T, fns ...func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		g.Go(func() error { return fn(ctx) })
	}
	t.Cleanup(func() {
		cancel()
		require.NoError(t, g.Wait())
	})
}

func (e *engine) waitFor(t *testing.T, id uuid.UUID, status job.Status) *job.Job {
	t.Helper()
	var got *job.Job
	require.Eventually(t, func() bool {
		j, err := e.store.Jobs().GetByID(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == status
	}, 5*time.Second, 5*time.Millisecond)
	return got
}

func TestScheduler_CompletesEnqueuedJob(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	var calls atomic.Int32
	e.router.Register(family, "analyze", processor.HandlerFunc(func(ctx context.Context, exec *processor.Execution) processor.Outcome {
		calls.Add(1)
		return processor.Done{Result: json.RawMessage(`{"comments":3}`)}
	}))

	id, err := e.enqueuer.Enqueue(ctx, enqueue.Request{
		WorkflowType: family,
		HandlerType:  "analyze",
		Payload:      json.RawMessage(`{"pr":42}`),
	})
	require.NoError(t, err)

	start(t, e.newRelay().Run, e.newScheduler(e.proc).Run)

	got := e.waitFor(t, id, job.StatusCompleted)
	assert.JSONEq(t, `{"comments":3}`, string(got.Result))
	assert.Equal(t, int32(1), calls.Load())

	require.Eventually(t, func() bool {
		depth, err := e.broker.Depth(ctx, topology.JobsQueue(family))
		return err == nil && depth == 0
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_OutboxSurvivesRelayRestart(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	var calls atomic.Int32
	e.router.Register(family, "analyze", processor.HandlerFunc(func(context.Context, *processor.Execution) processor.Outcome {
		calls.Add(1)
		return processor.Done{}
	}))

	// The enqueuing process dies before any relay publishes.
	id, err := e.enqueuer.Enqueue(ctx, enqueue.Request{WorkflowType: family, HandlerType: "analyze"})
	require.NoError(t, err)
	depth, err := e.broker.Depth(ctx, topology.JobsQueue(family))
	require.NoError(t, err)
	require.Zero(t, depth)

	start(t, e.newRelay().Run, e.newScheduler(e.proc).Run)
	e.waitFor(t, id, job.StatusCompleted)

	// A republish of the same pointer, as after a crash between publish
	// and mark-dispatched, is absorbed by the consumer.
	j, err := e.store.Jobs().GetByID(ctx, id)
	require.NoError(t, err)
	body, err := broker.NewJobMessage(j).Encode()
	require.NoError(t, err)
	require.NoError(t, e.broker.Publish(ctx, topology.Exchange(family), j.RoutingKey(), body, nil))

	require.Eventually(t, func() bool {
		depth, err := e.broker.Depth(ctx, topology.JobsQueue(family))
		return err == nil && depth == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestScheduler_RetryExhaustionReachesDeadLetterQueue(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.router.Register(family, "analyze", processor.HandlerFunc(func(context.Context, *processor.Execution) processor.Outcome {
		return processor.Fail{Err: classify.Transient(errors.New("model endpoint unavailable"))}
	}))

	maxRetries := 2
	id, err := e.enqueuer.Enqueue(ctx, enqueue.Request{
		WorkflowType: family,
		HandlerType:  "analyze",
		MaxRetries:   &maxRetries,
	})
	require.NoError(t, err)

	start(t, e.newRelay().Run, e.newScheduler(e.proc).Run)

	got := e.waitFor(t, id, job.StatusFailed)
	assert.Equal(t, job.ClassRetryableExhausted, got.ErrorClassification)
	assert.Equal(t, 2, got.RetryCount)

	history, err := e.store.Jobs().ListHistory(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	var dead []broker.Message
	require.Eventually(t, func() bool {
		dead, err = e.broker.Peek(ctx, topology.DeadLetterQueue(family), 10)
		return err == nil && len(dead) == 1
	}, 5*time.Second, 5*time.Millisecond)
	msg, err := broker.DecodeJobMessage(dead[0].Body)
	require.NoError(t, err)
	assert.Equal(t, id, msg.JobID)
	assert.Equal(t, job.ClassRetryableExhausted, msg.Classification)
}

func TestScheduler_UndecodableMessageDeadLettered(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	start(t, e.newScheduler(e.proc).Run)

	require.NoError(t, e.broker.Publish(ctx, topology.Exchange(family), family+".analyze", []byte("not json"), nil))

	var dead []broker.Message
	require.Eventually(t, func() bool {
		var err error
		dead, err = e.broker.Peek(ctx, topology.DeadLetterQueue(family), 10)
		return err == nil && len(dead) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, topology.JobsQueue(family), dead[0].Headers[broker.HeaderDeathQueue])
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.PoisonDeliveries))
}

type flakyProcessor struct {
	calls atomic.Int32
}

func (p *flakyProcessor) Process(context.Context, *broker.JobMessage) error {
	if p.calls.Add(1) == 1 {
		return errors.New("store unavailable")
	}
	return nil
}

func (p *flakyProcessor) RecoverStale(context.Context) (int, error) { return 0, nil }

func TestScheduler_ProcessErrorRedelivers(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	p := &flakyProcessor{}
	start(t, e.newScheduler(p).Run)

	j := job.NewJob(family, "analyze", nil, 3)
	body, err := broker.NewJobMessage(j).Encode()
	require.NoError(t, err)
	require.NoError(t, e.broker.Publish(ctx, topology.Exchange(family), j.RoutingKey(), body, nil))

	require.Eventually(t, func() bool {
		depth, err := e.broker.Depth(ctx, topology.JobsQueue(family))
		return err == nil && depth == 0 && p.calls.Load() == 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestScheduler_RefreshGauges(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	_, err := e.enqueuer.Enqueue(ctx, enqueue.Request{WorkflowType: family, HandlerType: "analyze"})
	require.NoError(t, err)

	e.newScheduler(e.proc).RefreshGauges(ctx)

	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.JobsByStatus.WithLabelValues("pending")))
	assert.Equal(t, float64(0), testutil.ToFloat64(e.metrics.JobsByStatus.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.OutboxPending))
	assert.Equal(t, float64(0), testutil.ToFloat64(e.metrics.QueueDepth.WithLabelValues(topology.JobsQueue(family))))
}

func TestScheduler_RequiresFamilies(t *testing.T) {
	e := newEngine(t)
	s := scheduler.New(e.broker, e.proc, e.store, e.metrics, zap.NewNop(), scheduler.DefaultConfig())
	assert.Error(t, s.Run(context.Background()))
}
