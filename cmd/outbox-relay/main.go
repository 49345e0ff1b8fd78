// Package main provides the outbox relay service entry point. It moves
// committed appointment events from the outbox table to Redpanda.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/healthbridge/apptflow/internal/api/handlers"
	"github.com/healthbridge/apptflow/internal/config"
	"github.com/healthbridge/apptflow/internal/infrastructure/postgres"
	"github.com/healthbridge/apptflow/internal/infrastructure/redpanda"
	"github.com/healthbridge/apptflow/internal/observability/logging"
	"github.com/healthbridge/apptflow/internal/observability/metrics"
	"github.com/healthbridge/apptflow/internal/observability/tracing"
)

const (
	serviceName       = "outbox-relay"
	maintenancePeriod = time.Minute
	processedTTL      = 7 * 24 * time.Hour
)

func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file")
	flag.Parse()

	boot := zap.Must(zap.NewProduction())
	cfg, err := config.Load(*envFile)
	if err != nil {
		boot.Fatal("load config", zap.Error(err))
	}
	if err := cfg.RequireDatabase(); err != nil {
		boot.Fatal("invalid config", zap.Error(err))
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env, serviceName)
	if err != nil {
		boot.Fatal("create logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx := context.Background()
	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  serviceName,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	m := metrics.New(prometheus.NewRegistry())

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.BatchSize = cfg.OutboxBatchSize
	outboxCfg.PollInterval = cfg.OutboxPollInterval
	outboxCfg.MaxRetries = cfg.OutboxMaxRetries
	outboxCfg.DeadLetterTopic = redpanda.TopicAppointmentDeadLetter
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, m, logger)
	outbox.Start()

	maintCtx, stopMaint := context.WithCancel(ctx)
	maintDone := make(chan struct{})
	go func() {
		defer close(maintDone)
		maintain(maintCtx, outbox, m, logger)
	}()

	health := handlers.NewHealth(serviceName, map[string]handlers.Checker{
		"postgres": handlers.CheckerFunc(pool.Ping),
		"redpanda": handlers.CheckerFunc(func(ctx context.Context) error {
			return redpanda.HealthCheck(ctx, cfg.KafkaBrokers)
		}),
	})
	r := chi.NewRouter()
	r.Get("/health", health.Live)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopMaint()
	<-maintDone
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}

// maintain parks exhausted entries, prunes old processed ones and exports the
// backlog size until ctx is cancelled.
func maintain(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(maintenancePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := outbox.MoveToDeadLetter(ctx); err != nil {
			logger.Error("move to dead letter", zap.Error(err))
		} else if n > 0 {
			logger.Warn("outbox entries parked on dead letter topic", zap.Int64("count", n))
		}

		if n, err := outbox.CleanupProcessed(ctx, processedTTL); err != nil {
			logger.Error("cleanup outbox", zap.Error(err))
		} else if n > 0 {
			logger.Info("pruned processed outbox entries", zap.Int64("count", n))
		}

		stats, err := outbox.GetStats(ctx)
		if err != nil {
			logger.Error("outbox stats", zap.Error(err))
			continue
		}
		m.SetOutboxPending(stats.Pending)
		if stats.OldestPending != nil && time.Since(*stats.OldestPending) > 5*time.Minute {
			logger.Warn("outbox backlog is growing",
				zap.Int64("pending", stats.Pending),
				zap.Time("oldest_pending", *stats.OldestPending))
		}
	}
}
