// Package topology names and declares the broker objects each workflow
// family needs.
package topology

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/leejennwah/pipeline-engine/internal/broker"
)

// Exchange is the topic exchange jobs of a workflow family are published to.
func Exchange(family string) string { return family }

// JobsQueue is the durable work queue consumed by workers.
func JobsQueue(family string) string { return family + ".jobs" }

// DeadLetterExchange receives rejected and permanently failed jobs.
func DeadLetterExchange(family string) string { return family + ".dlx" }

// DeadLetterQueue holds dead-lettered jobs for inspection and replay.
func DeadLetterQueue(family string) string { return family + ".dlq" }

// Initializer idempotently declares the exchanges, queues and bindings for
// a set of workflow families.
type Initializer struct {
	broker   broker.Broker
	families []string
	logger   *zap.Logger
}

// NewInitializer creates an initializer for the given families.
func NewInitializer(b broker.Broker, families []string, logger *zap.Logger) *Initializer {
	return &Initializer{
		broker:   b,
		families: families,
		logger:   logger,
	}
}

// Ensure declares the topology. It is safe to call repeatedly.
func (i *Initializer) Ensure(ctx context.Context) error {
	for _, family := range i.families {
		if err := i.ensureFamily(ctx, family); err != nil {
			return fmt.Errorf("topology for %s: %w", family, err)
		}
	}
	i.logger.Info("broker topology ensured", zap.Strings("families", i.families))
	return nil
}

func (i *Initializer) ensureFamily(ctx context.Context, family string) error {
	dlx, dlq := DeadLetterExchange(family), DeadLetterQueue(family)
	if err := i.broker.DeclareExchange(ctx, dlx); err != nil {
		return err
	}
	if err := i.broker.DeclareQueue(ctx, dlq, broker.QueueArgs{}); err != nil {
		return err
	}
	if err := i.broker.BindQueue(ctx, dlq, dlx, "#"); err != nil {
		return err
	}

	exchange, queue := Exchange(family), JobsQueue(family)
	if err := i.broker.DeclareExchange(ctx, exchange); err != nil {
		return err
	}
	if err := i.broker.DeclareQueue(ctx, queue, broker.QueueArgs{DeadLetterExchange: dlx}); err != nil {
		return err
	}
	return i.broker.BindQueue(ctx, queue, exchange, family+".#")
}

// Attach re-runs Ensure whenever the broker reconnects.
func (i *Initializer) Attach() {
	i.broker.OnReconnect(i.Ensure)
}
