// Command worker consumes job messages, runs handlers, relays the outbox
// and sweeps expired waits.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leejennwah/pipeline-engine/internal/broker"
	"github.com/leejennwah/pipeline-engine/internal/classify"
	"github.com/leejennwah/pipeline-engine/internal/config"
	"github.com/leejennwah/pipeline-engine/internal/lock"
	"github.com/leejennwah/pipeline-engine/internal/logging"
	"github.com/leejennwah/pipeline-engine/internal/metrics"
	"github.com/leejennwah/pipeline-engine/internal/outbox"
	"github.com/leejennwah/pipeline-engine/internal/processor"
	"github.com/leejennwah/pipeline-engine/internal/resume"
	"github.com/leejennwah/pipeline-engine/internal/retry"
	"github.com/leejennwah/pipeline-engine/internal/scheduler"
	"github.com/leejennwah/pipeline-engine/internal/storage"
	"github.com/leejennwah/pipeline-engine/internal/topology"
	"github.com/leejennwah/pipeline-engine/internal/tracing"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:          "worker",
		Short:        "Run a pipeline engine worker",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	shutdownTracer, err := tracing.Init(ctx, cfg.Telemetry.ServiceName+"-worker", cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		logger.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer shutdownTracer(context.Background())
	}

	pgConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("parse postgres config: %w", err)
	}
	pgConfig.MaxConns = cfg.Database.MaxConns
	pgConfig.MinConns = cfg.Database.MinConns
	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer rdb.Close()

	store := storage.NewPostgresStore(pool, logger)
	b := broker.NewRedisBroker(rdb, cfg.Broker, logger)
	m := metrics.New(prometheus.DefaultRegisterer)

	topo := topology.NewInitializer(b, cfg.Worker.Families, logger)
	if err := topo.Ensure(ctx); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}
	topo.Attach()

	router := processor.NewRouter()
	if err := registerHandlers(router, logger); err != nil {
		return err
	}
	logger.Info("handlers registered", zap.Strings("families", router.Families()))

	proc := processor.New(store, lock.NewRedisService(rdb), router, classify.Default{}, &cfg.Retry, m, logger, cfg.Processor)
	sched := scheduler.New(b, proc, store, m, logger, cfg.Worker)
	relay := outbox.NewRelay(store.Outbox(), b, &retry.Policy{
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Multiplier:  2,
		JitterRatio: 1,
	}, m, logger, cfg.Outbox)
	coord := resume.NewCoordinator(store, m, logger, cfg.Resume)

	metricsSrv := &http.Server{
		Addr:              cfg.Telemetry.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error { return coord.Run(ctx) })
	g.Go(func() error {
		logger.Info("metrics server starting", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
		return err
	}
	logger.Info("worker stopped")
	return nil
}
