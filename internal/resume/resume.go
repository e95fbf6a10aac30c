// Package resume reactivates suspended jobs when the event they wait for
// arrives, fails them when the wait times out, and handles cancellation
// requests.
package resume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/leejennwah/pipeline-engine/internal/job"
	"github.com/leejennwah/pipeline-engine/internal/metrics"
	"github.com/leejennwah/pipeline-engine/internal/outbox"
	"github.com/leejennwah/pipeline-engine/internal/storage"
)

var tracer = otel.Tracer("pipeline-engine/resume")

// ErrAlreadyFinished is returned when cancelling a completed or failed job.
var ErrAlreadyFinished = errors.New("resume: job already finished")

// Config holds coordinator configuration.
type Config struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
}

// DefaultConfig returns sensible coordinator defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 10 * time.Second,
		BatchSize:     100,
	}
}

// Coordinator drives suspended jobs out of their wait.
type Coordinator struct {
	store   storage.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(store storage.Store, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Coordinator {
	return &Coordinator{
		store:   store,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the coordinator's time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

type result int

const (
	skipped result = iota
	resumed
	timedOut
	cancelled
)

var errSkip = errors.New("job no longer waiting")

// OnExternalEvent resumes every suspended job waiting for (eventType,
// eventKey). Jobs whose wait already expired are failed as timed out and
// jobs with a pending cancellation are failed as cancelled instead. It
// returns the number of jobs resumed.
func (c *Coordinator) OnExternalEvent(ctx context.Context, eventType, eventKey string) (int, error) {
	ctx, span := tracer.Start(ctx, "resume.event",
		trace.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("event.key", eventKey),
		),
	)
	defer span.End()

	if eventType == "" {
		return 0, fmt.Errorf("resume: event type is required")
	}

	waiting, err := c.store.Jobs().ListWaiting(ctx, eventType, eventKey, c.cfg.BatchSize)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("list waiting jobs: %w", err)
	}

	count := 0
	var errs []error
	for _, candidate := range waiting {
		res, err := c.settle(ctx, candidate.ID, func(j *job.Job) bool {
			return j.WaitingForEvent.Matches(eventType, eventKey)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", candidate.ID, err))
			continue
		}
		if res == resumed {
			count++
		}
	}

	span.SetAttributes(attribute.Int("jobs.resumed", count))
	c.logger.Info("external event handled",
		zap.String("event_type", eventType),
		zap.String("event_key", eventKey),
		zap.Int("waiting", len(waiting)),
		zap.Int("resumed", count),
	)
	if err := errors.Join(errs...); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return count, err
	}
	return count, nil
}

// Run sweeps expired waits on every interval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("timeout sweep started", zap.Duration("interval", c.cfg.SweepInterval))
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("timeout sweep stopped")
			return nil
		case <-ticker.C:
			if _, err := c.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("timeout sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce fails every suspended job whose wait deadline has passed. It
// returns the number of jobs timed out.
func (c *Coordinator) SweepOnce(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "resume.sweep")
	defer span.End()

	expired, err := c.store.Jobs().ListExpiredWaits(ctx, c.now(), c.cfg.BatchSize)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("list expired waits: %w", err)
	}

	count := 0
	var errs []error
	for _, candidate := range expired {
		res, err := c.settle(ctx, candidate.ID, func(*job.Job) bool { return false })
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", candidate.ID, err))
			continue
		}
		if res == timedOut {
			count++
		}
	}
	if count > 0 {
		c.logger.Info("timed out suspended jobs", zap.Int("count", count))
	}
	return count, errors.Join(errs...)
}

// settle re-reads a suspended job in a transaction and moves it out of its
// wait: cancelled if requested, timed out if the deadline passed,
// otherwise resumed when matches reports the event satisfies the wait.
func (c *Coordinator) settle(ctx context.Context, id uuid.UUID, matches func(j *job.Job) bool) (result, error) {
	var (
		res      result
		workflow string
	)
	err := c.store.InTx(ctx, func(tx storage.Tx) error {
		j, err := tx.Jobs().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if j.Status != job.StatusSuspended || j.WaitingForEvent == nil {
			return errSkip
		}
		workflow = j.WorkflowType
		now := c.now()

		switch {
		case j.CancelRequested:
			res = cancelled
			return c.fail(ctx, tx, j, job.ClassCancelled, "cancelled while suspended", now)
		case j.WaitingForEvent.Expired(now):
			res = timedOut
			w := j.WaitingForEvent
			reason := fmt.Sprintf("timed out after %dms waiting for %s/%s", w.TimeoutMs, w.EventType, w.EventKey)
			return c.fail(ctx, tx, j, job.ClassTimeout, reason, now)
		case !matches(j):
			return errSkip
		}

		res = resumed
		if err := j.Resume(); err != nil {
			return err
		}
		if err := tx.Jobs().Update(ctx, j, j.LockFence); err != nil {
			return err
		}
		msg, err := outbox.NewJobMessage(j, now)
		if err != nil {
			return err
		}
		return tx.Outbox().Add(ctx, msg)
	})
	if errors.Is(err, errSkip) || errors.Is(err, job.ErrStaleWrite) {
		return skipped, nil
	}
	if err != nil {
		return skipped, err
	}

	log := c.logger.With(zap.String("job_id", id.String()))
	switch res {
	case resumed:
		c.metrics.JobsResumed.WithLabelValues(workflow).Inc()
		log.Info("suspended job resumed")
	case timedOut:
		c.metrics.JobsFailed.WithLabelValues(workflow, string(job.ClassTimeout)).Inc()
		log.Warn("suspended job timed out")
	case cancelled:
		c.metrics.JobsFailed.WithLabelValues(workflow, string(job.ClassCancelled)).Inc()
		log.Info("suspended job cancelled")
	}
	return res, nil
}

// fail marks j failed inside tx and dead-letters it unless cancelled.
func (c *Coordinator) fail(ctx context.Context, tx storage.Tx, j *job.Job, class job.Classification, reason string, now time.Time) error {
	if err := j.MarkFailed(class, reason); err != nil {
		return err
	}
	if err := tx.Jobs().Update(ctx, j, j.LockFence); err != nil {
		return err
	}
	if !class.DeadLetters() {
		return nil
	}
	msg, err := outbox.NewDeadLetterMessage(j, class, reason, now)
	if err != nil {
		return err
	}
	return tx.Outbox().Add(ctx, msg)
}

// Cancel requests cancellation of a job. Pending and suspended jobs are
// failed immediately; a processing job stops at its handler's next
// cancellation check. It returns the job as stored afterwards.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	ctx, span := tracer.Start(ctx, "resume.cancel", trace.WithAttributes(attribute.String("job.id", id.String())))
	defer span.End()

	j, err := c.store.Jobs().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.IsTerminal() {
		return j, fmt.Errorf("%w: %s is %s", ErrAlreadyFinished, id, j.Status)
	}
	if err := c.store.Jobs().RequestCancel(ctx, id); err != nil {
		return nil, fmt.Errorf("request cancel: %w", err)
	}

	switch j.Status {
	case job.StatusSuspended:
		if _, err := c.settle(ctx, id, func(*job.Job) bool { return false }); err != nil {
			return nil, err
		}
	case job.StatusPending:
		if err := c.cancelPending(ctx, id); err != nil {
			return nil, err
		}
	}

	c.logger.Info("cancellation requested", zap.String("job_id", id.String()), zap.String("status", string(j.Status)))
	return c.store.Jobs().GetByID(ctx, id)
}

// cancelPending fails a job that has not started. If a worker picks it up
// first the write is rejected and the worker honours the flag instead.
func (c *Coordinator) cancelPending(ctx context.Context, id uuid.UUID) error {
	var workflow string
	err := c.store.InTx(ctx, func(tx storage.Tx) error {
		j, err := tx.Jobs().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if j.Status != job.StatusPending {
			return errSkip
		}
		if err := j.MarkFailed(job.ClassCancelled, "cancelled before start"); err != nil {
			return err
		}
		workflow = j.WorkflowType
		return tx.Jobs().Update(ctx, j, j.LockFence)
	})
	if errors.Is(err, errSkip) || errors.Is(err, job.ErrStaleWrite) {
		return nil
	}
	if err != nil {
		return err
	}
	c.metrics.JobsFailed.WithLabelValues(workflow, string(job.ClassCancelled)).Inc()
	return nil
}
