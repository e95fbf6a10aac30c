// Package scheduler implements the job consumer: it subscribes to the work
// queues of the registered workflow families, hands decoded messages to a
// pool of processing goroutines and runs the stale job recovery and gauge
// refresh loops.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leejennwah/pipeline-engine/internal/broker"
	"github.com/leejennwah/pipeline-engine/internal/job"
	"github.com/leejennwah/pipeline-engine/internal/metrics"
	"github.com/leejennwah/pipeline-engine/internal/outbox"
	"github.com/leejennwah/pipeline-engine/internal/storage"
	"github.com/leejennwah/pipeline-engine/internal/topology"
)

// Processor runs job attempts. It is satisfied by *processor.Processor.
type Processor interface {
	Process(ctx context.Context, msg *broker.JobMessage) error
	RecoverStale(ctx context.Context) (int, error)
}

// Config holds scheduler configuration.
type Config struct {
	WorkerID           string        `mapstructure:"worker_id"`
	Families           []string      `mapstructure:"families"`
	Concurrency        int           `mapstructure:"concurrency"`
	StaleCheckInterval time.Duration `mapstructure:"stale_check_interval"`
	MetricInterval     time.Duration `mapstructure:"metric_interval"`
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        4,
		StaleCheckInterval: 30 * time.Second,
		MetricInterval:     5 * time.Second,
	}
}

// Scheduler consumes job messages and dispatches them to the processor.
type Scheduler struct {
	broker    broker.Broker
	processor Processor
	store     storage.Store
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cfg       Config
}

// New creates a new scheduler instance.
func New(b broker.Broker, p Processor, store storage.Store, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Scheduler{
		broker:    b,
		processor: p,
		store:     store,
		metrics:   m,
		logger:    logger.With(zap.String("worker_id", cfg.WorkerID)),
		cfg:       cfg,
	}
}

// Run subscribes to every family's work queue and processes deliveries
// until ctx is cancelled. In-flight attempts are allowed to settle before
// Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.cfg.Families) == 0 {
		return fmt.Errorf("scheduler: no workflow families configured")
	}

	deliveries := make(chan *broker.Delivery)
	var forwarders sync.WaitGroup
	for _, family := range s.cfg.Families {
		queue := topology.JobsQueue(family)
		ch, err := s.broker.Subscribe(ctx, queue, s.cfg.WorkerID)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", queue, err)
		}
		forwarders.Add(1)
		go func() {
			defer forwarders.Done()
			s.forward(ctx, ch, deliveries)
		}()
	}
	go func() {
		forwarders.Wait()
		close(deliveries)
	}()

	s.logger.Info("scheduler started",
		zap.Strings("families", s.cfg.Families),
		zap.Int("concurrency", s.cfg.Concurrency),
	)

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		s.recoverStaleJobs(ctx, s.cfg.StaleCheckInterval)
	}()
	go func() {
		defer background.Done()
		s.updateMetrics(ctx, s.cfg.MetricInterval)
	}()

	var workers sync.WaitGroup
	for i := 0; i < s.cfg.Concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for d := range deliveries {
				s.handle(ctx, d)
			}
		}()
	}

	workers.Wait()
	background.Wait()
	s.logger.Info("scheduler shutting down")
	return nil
}

// forward moves deliveries from one queue subscription into the shared
// work channel. A delivery that cannot be handed over before shutdown is
// returned to its queue.
func (s *Scheduler) forward(ctx context.Context, in <-chan *broker.Delivery, out chan<- *broker.Delivery) {
	for d := range in {
		select {
		case out <- d:
		case <-ctx.Done():
			s.settle(ctx, d, func(sctx context.Context) error { return d.Nack(sctx, true) })
		}
	}
}

// handle processes one delivery and settles it. Undecodable messages are
// rejected to the dead-letter exchange; processing errors are requeued.
func (s *Scheduler) handle(ctx context.Context, d *broker.Delivery) {
	log := s.logger.With(zap.String("queue", d.Queue), zap.String("message_id", d.ID))

	msg, err := broker.DecodeJobMessage(d.Body)
	if err != nil {
		s.metrics.PoisonDeliveries.Inc()
		log.Error("undecodable message dead-lettered", zap.Error(err))
		s.settle(ctx, d, func(sctx context.Context) error { return d.Nack(sctx, false) })
		return
	}
	if ctx.Err() != nil {
		s.settle(ctx, d, func(sctx context.Context) error { return d.Nack(sctx, true) })
		return
	}

	if err := s.processor.Process(ctx, msg); err != nil {
		log.Error("process failed, message will be redelivered",
			zap.String("job_id", msg.JobID.String()),
			zap.Error(err),
		)
		s.settle(ctx, d, func(sctx context.Context) error { return d.Nack(sctx, true) })
		return
	}
	s.settle(ctx, d, d.Ack)
}

// settle acknowledges or rejects a delivery even while shutting down.
func (s *Scheduler) settle(ctx context.Context, d *broker.Delivery, fn func(ctx context.Context) error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := fn(sctx); err != nil {
		s.logger.Warn("settle delivery failed",
			zap.String("queue", d.Queue),
			zap.String("message_id", d.ID),
			zap.Error(err),
		)
	}
}

// recoverStaleJobs periodically reclaims jobs stuck in processing.
func (s *Scheduler) recoverStaleJobs(ctx context.Context, interval time.Duration) {
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
			if _, err := s.processor.RecoverStale(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("recover stale jobs failed", zap.Error(err))
			}
		}
	}
}

// updateMetrics periodically refreshes the gauges derived from the store
// and the broker.
func (s *Scheduler) updateMetrics(ctx context.Context, interval time.Duration) {
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
			s.RefreshGauges(ctx)
		}
	}
}

// RefreshGauges samples job counts, queue depths and the outbox backlog.
func (s *Scheduler) RefreshGauges(ctx context.Context) {
	counts, err := s.store.Jobs().CountByStatus(ctx)
	if err == nil {
		for _, st := range []job.Status{
			job.StatusPending, job.StatusProcessing, job.StatusSuspended,
			job.StatusCompleted, job.StatusFailed,
		} {
			s.metrics.JobsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
		}
	}

	for _, family := range s.cfg.Families {
		for _, queue := range []string{topology.JobsQueue(family), topology.DeadLetterQueue(family)} {
			if depth, err := s.broker.Depth(ctx, queue); err == nil {
				s.metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
			}
		}
	}

	if pending, err := s.store.Outbox().CountByStatus(ctx); err == nil {
		s.metrics.OutboxPending.Set(float64(pending[outbox.StatusPending]))
	}
}
