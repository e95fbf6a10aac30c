package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/leejennwah/pipeline-engine/internal/broker"
	"github.com/leejennwah/pipeline-engine/internal/metrics"
	"github.com/leejennwah/pipeline-engine/internal/retry"
)

var tracer = otel.Tracer("pipeline-engine/outbox")

// Publisher is the subset of the broker the relay needs.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]string) error
}

// RelayConfig tunes the relay loop.
type RelayConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	ClaimLease    time.Duration `mapstructure:"claim_lease"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Retention     time.Duration `mapstructure:"retention"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// DefaultRelayConfig returns sensible relay defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:  500 * time.Millisecond,
		BatchSize:     100,
		ClaimLease:    30 * time.Second,
		RatePerSecond: 500,
		Retention:     72 * time.Hour,
		PurgeInterval: time.Hour,
	}
}

// Relay publishes pending outbox messages to the broker.
type Relay struct {
	repo      Repository
	publisher Publisher
	policy    *retry.Policy
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cfg       RelayConfig
	now       func() time.Time
}

// NewRelay creates a relay. Failed publishes are retried with policy's
// backoff until they succeed.
func NewRelay(repo Repository, publisher Publisher, policy *retry.Policy, m *metrics.Metrics, logger *zap.Logger, cfg RelayConfig) *Relay {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.BatchSize
	if burst <= 0 {
		burst = 1
	}
	return &Relay{
		repo:      repo,
		publisher: publisher,
		policy:    policy,
		limiter:   rate.NewLimiter(limit, burst),
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run polls and publishes until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started",
		zap.Duration("poll_interval", r.cfg.PollInterval),
		zap.Int("batch_size", r.cfg.BatchSize),
	)

	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()

	var purge <-chan time.Time
	if r.cfg.Retention > 0 && r.cfg.PurgeInterval > 0 {
		t := time.NewTicker(r.cfg.PurgeInterval)
		defer t.Stop()
		purge = t.C
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-poll.C:
			// Drain while full batches keep coming.
			for {
				n, err := r.RunOnce(ctx)
				if err != nil {
					if ctx.Err() == nil {
						r.logger.Error("outbox relay pass failed", zap.Error(err))
					}
					break
				}
				if n < r.cfg.BatchSize {
					break
				}
			}
		case <-purge:
			if _, err := r.Purge(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox purge failed", zap.Error(err))
			}
		}
	}
}

// RunOnce claims one batch and publishes it. It returns the number of
// messages claimed.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "outbox.relay")
	defer span.End()

	batch, err := r.repo.ClaimPending(ctx, r.now(), r.cfg.ClaimLease, r.cfg.BatchSize)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("claim outbox batch: %w", err)
	}
	span.SetAttributes(attribute.Int("outbox.batch", len(batch)))

	for _, m := range batch {
		if err := r.limiter.Wait(ctx); err != nil {
			return len(batch), err
		}
		r.dispatch(ctx, m)
	}
	return len(batch), nil
}

func (r *Relay) dispatch(ctx context.Context, m *Message) {
	err := r.publisher.Publish(ctx, m.Exchange, m.MessageType, m.Payload, map[string]string{
		"outbox_id": m.ID.String(),
		"job_id":    m.JobID.String(),
	})
	if err == nil {
		r.metrics.OutboxPublished.Inc()
		if err := r.repo.MarkDispatched(ctx, m.ID, r.now()); err != nil {
			// Republished after the claim lease; consumers dedupe.
			r.logger.Warn("mark outbox message dispatched failed",
				zap.String("outbox_id", m.ID.String()),
				zap.Error(err),
			)
		}
		return
	}

	r.metrics.OutboxFailures.Inc()

	if errors.Is(err, broker.ErrMalformed) {
		r.logger.Error("outbox message can never be published",
			zap.String("outbox_id", m.ID.String()),
			zap.String("exchange", m.Exchange),
			zap.String("routing_key", m.MessageType),
			zap.Error(err),
		)
		if err := r.repo.MarkFailed(ctx, m.ID, err.Error()); err != nil {
			r.logger.Warn("park outbox message failed", zap.String("outbox_id", m.ID.String()), zap.Error(err))
		}
		return
	}

	next := r.now().Add(r.policy.NextDelay(m.Attempts + 1))
	r.logger.Warn("outbox publish failed, will retry",
		zap.String("outbox_id", m.ID.String()),
		zap.String("exchange", m.Exchange),
		zap.Int("attempts", m.Attempts+1),
		zap.Time("next_attempt", next),
		zap.Error(err),
	)
	if err := r.repo.RecordFailure(ctx, m.ID, err.Error(), next); err != nil {
		r.logger.Warn("record outbox failure failed", zap.String("outbox_id", m.ID.String()), zap.Error(err))
	}
}

// Purge deletes dispatched messages older than the retention window.
func (r *Relay) Purge(ctx context.Context) (int64, error) {
	n, err := r.repo.PurgeDispatched(ctx, r.now().Add(-r.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("purge dispatched outbox messages: %w", err)
	}
	if n > 0 {
		r.logger.Info("purged dispatched outbox messages", zap.Int64("count", n))
	}
	return n, nil
}

// SetClock overrides the relay's time source.
func (r *Relay) SetClock(now func() time.Time) {
	r.now = now
}
