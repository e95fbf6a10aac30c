// Package processor runs job attempts: it deduplicates deliveries, takes
// the job lease, invokes the registered handler and commits the outcome
// together with any follow-up broker messages.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/leejennwah/pipeline-engine/internal/broker"
	"github.com/leejennwah/pipeline-engine/internal/classify"
	"github.com/leejennwah/pipeline-engine/internal/job"
	"github.com/leejennwah/pipeline-engine/internal/lock"
	"github.com/leejennwah/pipeline-engine/internal/metrics"
	"github.com/leejennwah/pipeline-engine/internal/outbox"
	"github.com/leejennwah/pipeline-engine/internal/retry"
	"github.com/leejennwah/pipeline-engine/internal/storage"
)

var tracer = otel.Tracer("pipeline-engine/processor")

// Config holds processor configuration.
type Config struct {
	WorkerID   string        `mapstructure:"worker_id"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	StaleBatch int           `mapstructure:"stale_batch"`
}

// DefaultConfig returns sensible processor defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:    30 * time.Second,
		StaleAfter: 2 * time.Minute,
		StaleBatch: 100,
	}
}

// Processor executes job attempts.
type Processor struct {
	store      storage.Store
	locks      lock.Service
	router     *Router
	classifier classify.Classifier
	policy     *retry.Policy
	metrics    *metrics.Metrics
	logger     *zap.Logger
	cfg        Config
	now        func() time.Time
}

// New creates a processor.
func New(
	store storage.Store,
	locks lock.Service,
	router *Router,
	classifier classify.Classifier,
	policy *retry.Policy,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg Config,
) *Processor {
	return &Processor{
		store:      store,
		locks:      locks,
		router:     router,
		classifier: classifier,
		policy:     policy,
		metrics:    m,
		logger:     logger.With(zap.String("worker_id", cfg.WorkerID)),
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the processor's time source.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Process handles one delivered job message. A nil error means the
// delivery is settled and can be acknowledged, including when it was a
// duplicate or stale; a non-nil error means it should be redelivered.
func (p *Processor) Process(ctx context.Context, msg *broker.JobMessage) error {
	ctx, span := tracer.Start(ctx, "job.process",
		trace.WithAttributes(
			attribute.String("job.id", msg.JobID.String()),
			attribute.String("job.routing_key", msg.WorkflowType+"."+msg.HandlerType),
			attribute.Int("job.attempt", msg.Attempt),
		),
	)
	defer span.End()

	err := p.process(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Processor) process(ctx context.Context, msg *broker.JobMessage) error {
	log := p.logger.With(zap.String("job_id", msg.JobID.String()), zap.Int("attempt", msg.Attempt))

	j, err := p.store.Jobs().GetByID(ctx, msg.JobID)
	if errors.Is(err, job.ErrNotFound) {
		log.Warn("message for unknown job dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if !deliverable(j, msg) {
		log.Debug("duplicate or stale delivery skipped", zap.String("status", string(j.Status)))
		return nil
	}

	lease, err := p.locks.Acquire(ctx, j.ID.String(), p.cfg.LockTTL)
	if errors.Is(err, lock.ErrBusy) {
		p.metrics.LockContention.Inc()
		log.Debug("job locked by another worker")
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer p.release(lease)

	// Reload under the lock; another worker may have finished the attempt
	// between the first read and the acquire.
	j, err = p.store.Jobs().GetByID(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	if !deliverable(j, msg) {
		return nil
	}

	if j.CancelRequested {
		return p.cancelPending(ctx, j, lease)
	}

	if err := j.MarkProcessing(p.cfg.WorkerID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	h := job.NewHistory(j, p.now())
	err = p.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.Jobs().Update(ctx, j, lease.Fence); err != nil {
			return err
		}
		return tx.Jobs().AppendHistory(ctx, h)
	})
	if errors.Is(err, job.ErrStaleWrite) {
		log.Info("job changed before attempt started, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("start attempt: %w", err)
	}

	p.metrics.WorkerBusy.WithLabelValues(p.cfg.WorkerID).Inc()
	outcome := p.run(ctx, j, lease)
	p.metrics.WorkerBusy.WithLabelValues(p.cfg.WorkerID).Dec()

	if ctx.Err() != nil {
		return p.abandon(context.WithoutCancel(ctx), j, h, lease)
	}

	// A lease that lapsed mid-run may already belong to another worker;
	// its fence would reject our writes anyway.
	if err := p.locks.Renew(ctx, lease, p.cfg.LockTTL); err != nil {
		if errors.Is(err, lock.ErrLost) {
			p.metrics.LeasesLost.Inc()
			log.Warn("lease lost during attempt, outcome discarded")
			return nil
		}
		return fmt.Errorf("renew lease before commit: %w", err)
	}

	return p.apply(ctx, j, h, lease, outcome)
}

// deliverable reports whether msg addresses the job's current attempt.
func deliverable(j *job.Job, msg *broker.JobMessage) bool {
	return j.Status == job.StatusPending && msg.Attempt == j.RetryCount
}

// run invokes the handler while a heartbeat keeps the lease alive. The
// handler's context is cancelled if the lease is lost.
func (p *Processor) run(ctx context.Context, j *job.Job, lease *lock.Lease) Outcome {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.heartbeat(runCtx, cancel, lease)
	}()

	exec := NewExecution(j, func(ctx context.Context) bool {
		current, err := p.store.Jobs().GetByID(ctx, j.ID)
		return err == nil && current.CancelRequested
	})
	outcome := p.router.Route(runCtx, exec)

	cancel()
	<-done
	return outcome
}

func (p *Processor) heartbeat(ctx context.Context, cancel context.CancelFunc, lease *lock.Lease) {
	interval := p.cfg.LockTTL / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.locks.Renew(ctx, lease, p.cfg.LockTTL)
			switch {
			case err == nil:
			case errors.Is(err, lock.ErrLost):
				p.logger.Warn("lease lost, cancelling handler", zap.String("job_id", lease.Key))
				cancel()
				return
			case ctx.Err() == nil:
				p.logger.Warn("lease renewal failed", zap.String("job_id", lease.Key), zap.Error(err))
			}
		}
	}
}

func (p *Processor) apply(ctx context.Context, j *job.Job, h *job.History, lease *lock.Lease, outcome Outcome) error {
	if p.cancelledDuringAttempt(ctx, j, outcome) {
		outcome = Fail{Err: fmt.Errorf("cancelled during attempt: %w", classify.ErrCancelled)}
	}
	switch o := outcome.(type) {
	case Done:
		return p.complete(ctx, j, h, lease, o)
	case Suspend:
		return p.suspend(ctx, j, h, lease, o)
	case Fail:
		return p.fail(ctx, j, h, lease, o.Err)
	default:
		return p.fail(ctx, j, h, lease, classify.Fatalf("unknown outcome %T", outcome))
	}
}

// cancelledDuringAttempt reports whether a cancellation arrived while the
// handler ran and the outcome would leave the job runnable again.
func (p *Processor) cancelledDuringAttempt(ctx context.Context, j *job.Job, outcome Outcome) bool {
	switch o := outcome.(type) {
	case Suspend:
	case Fail:
		if o.Err == nil || p.classifier.Classify(o.Err) != job.ClassRetryable {
			return false
		}
	default:
		return false
	}
	current, err := p.store.Jobs().GetByID(ctx, j.ID)
	if err != nil {
		p.logger.Warn("cancel check failed", zap.String("job_id", j.ID.String()), zap.Error(err))
		return false
	}
	return current.CancelRequested
}

func (p *Processor) complete(ctx context.Context, j *job.Job, h *job.History, lease *lock.Lease, o Done) error {
	if err := j.MarkCompleted(o.Result); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	now := p.now()
	if err := h.Close(job.StatusCompleted, job.ClassNone, "", now); err != nil {
		return err
	}
	if err := p.commit(ctx, j, h, lease, nil); err != nil {
		return fmt.Errorf("commit completion: %w", err)
	}

	p.metrics.JobsCompleted.WithLabelValues(j.WorkflowType).Inc()
	p.metrics.AttemptLatency.WithLabelValues(j.WorkflowType).Observe(float64(h.DurationMs) / 1000)
	p.logger.Info("job completed",
		zap.String("job_id", j.ID.String()),
		zap.String("routing_key", j.RoutingKey()),
		zap.Int64("duration_ms", h.DurationMs),
	)
	return nil
}

func (p *Processor) suspend(ctx context.Context, j *job.Job, h *job.History, lease *lock.Lease, o Suspend) error {
	now := p.now()
	wait := job.WaitSpec{
		EventType: o.EventType,
		EventKey:  o.EventKey,
		TimeoutMs: o.Timeout.Milliseconds(),
		PausedAt:  now,
	}
	if err := j.Suspend(wait, o.State, o.NextStage); err != nil {
		if errors.Is(err, job.ErrInvalidWait) {
			return p.fail(ctx, j, h, lease, classify.Fatal(err))
		}
		return fmt.Errorf("suspend: %w", err)
	}
	if err := h.Close(job.StatusSuspended, job.ClassNone, "", now); err != nil {
		return err
	}
	if err := p.commit(ctx, j, h, lease, nil); err != nil {
		return fmt.Errorf("commit suspension: %w", err)
	}

	p.metrics.JobsSuspended.WithLabelValues(j.WorkflowType).Inc()
	p.logger.Info("job suspended",
		zap.String("job_id", j.ID.String()),
		zap.String("event_type", o.EventType),
		zap.String("event_key", o.EventKey),
		zap.Duration("timeout", o.Timeout),
		zap.String("next_stage", o.NextStage),
	)
	return nil
}

func (p *Processor) fail(ctx context.Context, j *job.Job, h *job.History, lease *lock.Lease, cause error) error {
	if cause == nil {
		cause = classify.Fatalf("handler failed without an error")
	}
	class := p.classifier.Classify(cause)
	msg := cause.Error()
	now := p.now()

	if class == job.ClassRetryable && j.CanRetry() {
		delay := p.policy.NextDelay(j.RetryCount + 1)
		runAt := now.Add(delay)
		if err := j.ScheduleRetry(msg, runAt); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		if err := h.Close(job.StatusPending, job.ClassRetryable, msg, now); err != nil {
			return err
		}
		next, err := outbox.NewJobMessage(j, runAt)
		if err != nil {
			return err
		}
		if err := p.commit(ctx, j, h, lease, next); err != nil {
			return fmt.Errorf("commit retry: %w", err)
		}

		p.metrics.JobsRetried.WithLabelValues(j.WorkflowType).Inc()
		p.logger.Info("retrying job",
			zap.String("job_id", j.ID.String()),
			zap.Int("retry_count", j.RetryCount),
			zap.Int("max_retries", j.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(cause),
		)
		return nil
	}

	if class == job.ClassRetryable {
		class = job.ClassRetryableExhausted
	}
	if err := j.MarkFailed(class, msg); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if err := h.Close(job.StatusFailed, class, msg, now); err != nil {
		return err
	}
	var dead *outbox.Message
	if class.DeadLetters() {
		var err error
		if dead, err = outbox.NewDeadLetterMessage(j, class, msg, now); err != nil {
			return err
		}
	}
	if err := p.commit(ctx, j, h, lease, dead); err != nil {
		return fmt.Errorf("commit failure: %w", err)
	}

	p.metrics.JobsFailed.WithLabelValues(j.WorkflowType, string(class)).Inc()
	p.logger.Error("job permanently failed",
		zap.String("job_id", j.ID.String()),
		zap.String("classification", string(class)),
		zap.Int("retry_count", j.RetryCount),
		zap.Error(cause),
	)
	return nil
}

// commit writes the job, the closed history entry and an optional outbox
// message in one transaction. A fenced-out write is logged and dropped.
func (p *Processor) commit(ctx context.Context, j *job.Job, h *job.History, lease *lock.Lease, msg *outbox.Message) error {
	err := p.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.Jobs().Update(ctx, j, lease.Fence); err != nil {
			return err
		}
		if err := tx.Jobs().CloseHistory(ctx, h); err != nil {
			return err
		}
		if msg != nil {
			return tx.Outbox().Add(ctx, msg)
		}
		return nil
	})
	if errors.Is(err, job.ErrStaleWrite) {
		p.metrics.LeasesLost.Inc()
		p.logger.Warn("outcome rejected by a newer lease holder", zap.String("job_id", j.ID.String()))
		return nil
	}
	return err
}

// cancelPending fails a pending job whose cancellation was requested
// before it started. Cancelled jobs are not dead-lettered.
func (p *Processor) cancelPending(ctx context.Context, j *job.Job, lease *lock.Lease) error {
	if err := j.MarkFailed(job.ClassCancelled, "cancelled before start"); err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	err := p.store.Jobs().Update(ctx, j, lease.Fence)
	if errors.Is(err, job.ErrStaleWrite) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("commit cancellation: %w", err)
	}
	p.metrics.JobsFailed.WithLabelValues(j.WorkflowType, string(job.ClassCancelled)).Inc()
	p.logger.Info("job cancelled", zap.String("job_id", j.ID.String()))
	return nil
}

// abandon hands an interrupted attempt back to the queue without
// counting a retry.
func (p *Processor) abandon(ctx context.Context, j *job.Job, h *job.History, lease *lock.Lease) error {
	now := p.now()
	if err := j.Requeue(); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if err := h.Close(job.StatusPending, job.ClassNone, "worker shutting down", now); err != nil {
		return err
	}
	msg, err := outbox.NewJobMessage(j, now)
	if err != nil {
		return err
	}
	if err := p.commit(ctx, j, h, lease, msg); err != nil {
		return fmt.Errorf("commit requeue: %w", err)
	}
	p.logger.Info("interrupted job requeued", zap.String("job_id", j.ID.String()))
	return nil
}

func (p *Processor) release(lease *lock.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.locks.Release(ctx, lease); err != nil && !errors.Is(err, lock.ErrLost) {
		p.logger.Warn("release lock failed", zap.String("job_id", lease.Key), zap.Error(err))
	}
}

// RecoverStale returns processing jobs whose worker stopped updating them
// to pending and republishes them. Jobs whose lease is still held are left
// alone. It returns the number of jobs recovered.
func (p *Processor) RecoverStale(ctx context.Context) (int, error) {
	stale, err := p.store.Jobs().ListStale(ctx, p.now().Add(-p.cfg.StaleAfter), p.cfg.StaleBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	recovered := 0
	for _, candidate := range stale {
		ok, err := p.recover(ctx, candidate)
		if err != nil {
			p.logger.Error("recover stale job failed", zap.String("job_id", candidate.ID.String()), zap.Error(err))
			continue
		}
		if ok {
			recovered++
		}
	}
	if recovered > 0 {
		p.metrics.JobsRecovered.Add(float64(recovered))
		p.logger.Info("recovered stale jobs", zap.Int("count", recovered))
	}
	return recovered, nil
}

func (p *Processor) recover(ctx context.Context, candidate *job.Job) (bool, error) {
	lease, err := p.locks.Acquire(ctx, candidate.ID.String(), p.cfg.LockTTL)
	if errors.Is(err, lock.ErrBusy) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer p.release(lease)

	now := p.now()
	err = p.store.InTx(ctx, func(tx storage.Tx) error {
		j, err := tx.Jobs().GetByID(ctx, candidate.ID)
		if err != nil {
			return err
		}
		if j.Status != job.StatusProcessing || !j.UpdatedAt.Before(now.Add(-p.cfg.StaleAfter)) {
			return errNotStale
		}

		history, err := tx.Jobs().ListHistory(ctx, j.ID)
		if err != nil {
			return err
		}
		for _, h := range history {
			if h.Closed() {
				continue
			}
			if err := h.Close(job.StatusPending, job.ClassRetryable, "worker lease abandoned", now); err != nil {
				return err
			}
			if err := tx.Jobs().CloseHistory(ctx, h); err != nil {
				return err
			}
		}

		if err := j.Requeue(); err != nil {
			return err
		}
		if err := tx.Jobs().Update(ctx, j, lease.Fence); err != nil {
			return err
		}
		msg, err := outbox.NewJobMessage(j, now)
		if err != nil {
			return err
		}
		return tx.Outbox().Add(ctx, msg)
	})
	if errors.Is(err, errNotStale) || errors.Is(err, job.ErrStaleWrite) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p.logger.Warn("stale job requeued", zap.String("job_id", candidate.ID.String()))
	return true, nil
}

var errNotStale = errors.New("job is no longer stale")
