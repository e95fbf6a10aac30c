// Command api starts the HTTP API server for the pipeline engine.
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
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leejennwah/pipeline-engine/internal/api"
	"github.com/leejennwah/pipeline-engine/internal/broker"
	"github.com/leejennwah/pipeline-engine/internal/config"
	"github.com/leejennwah/pipeline-engine/internal/dlq"
	"github.com/leejennwah/pipeline-engine/internal/enqueue"
	"github.com/leejennwah/pipeline-engine/internal/logging"
	"github.com/leejennwah/pipeline-engine/internal/metrics"
	"github.com/leejennwah/pipeline-engine/internal/resume"
	"github.com/leejennwah/pipeline-engine/internal/status"
	"github.com/leejennwah/pipeline-engine/internal/storage"
	"github.com/leejennwah/pipeline-engine/internal/tracing"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:          "api",
		Short:        "Serve the pipeline engine HTTP API",
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

	shutdownTracer, err := tracing.Init(ctx, cfg.Telemetry.ServiceName+"-api", cfg.Telemetry.OTLPEndpoint)
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

	// The API only reads dead-letter queues; job messages reach Redis
	// through the worker's outbox relay.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer rdb.Close()

	store := storage.NewPostgresStore(pool, logger)
	m := metrics.New(prometheus.DefaultRegisterer)
	enq := enqueue.NewService(store, cfg.Enqueue, m, logger)
	coord := resume.NewCoordinator(store, m, logger, cfg.Resume)

	handler := api.NewServer(api.Deps{
		Enqueuer:    enq,
		Status:      status.NewService(store),
		Canceller:   coord,
		Events:      coord,
		DeadLetters: dlq.NewService(broker.NewRedisBroker(rdb, cfg.Broker, logger), store, enq, logger),
		Gatherer:    prometheus.DefaultGatherer,
		Ready: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		},
	}, logger)

	srv := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down api server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
