// Package main provides the notification dispatcher entry point. It consumes
// appointment events from Redpanda and stores one in-app notification per
// event for the party that did not act.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
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
	"github.com/healthbridge/apptflow/internal/domain/notification"
	"github.com/healthbridge/apptflow/internal/infrastructure/postgres"
	"github.com/healthbridge/apptflow/internal/infrastructure/redpanda"
	"github.com/healthbridge/apptflow/internal/observability/logging"
	"github.com/healthbridge/apptflow/internal/observability/metrics"
	"github.com/healthbridge/apptflow/internal/observability/tracing"
	"github.com/healthbridge/apptflow/pkg/circuitbreaker"
	"github.com/healthbridge/apptflow/pkg/idempotency"
	"github.com/healthbridge/apptflow/pkg/workerpool"
)

const (
	serviceName = "notification-dispatcher"
	breakerName = "notification-sink"
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

	m := metrics.New(prometheus.NewRegistry())

	breakerCfg := circuitbreaker.DefaultConfig(breakerName)
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, string(to))
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("create circuit breaker", zap.Error(err))
	}
	m.SetBreakerState(breakerName, string(breaker.State()))

	dispatcher := notification.NewDispatcher(
		notification.NewRepository(pool, logger),
		logger,
		notification.WithBreaker(breaker),
		notification.WithObserver(m),
		notification.WithLocation(cfg.Location()),
	)

	inboxCfg := idempotency.DefaultConfig()
	inboxCfg.IsTerminal = workerpool.IsPermanent
	inbox := idempotency.NewInbox(pool, inboxCfg, logger)
	if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
		logger.Warn("recover stale inbox entries", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}
	inbox.StartCleanup()

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.DispatchWorkers
	workers, err := workerpool.New(poolCfg, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		if err := deliver(ctx, inbox, dispatcher, task.ID, task.Payload.([]byte)); err != nil {
			return &workerpool.Result{Error: err}
		}
		return &workerpool.Result{Success: true}
	}, logger)
	if err != nil {
		logger.Fatal("create worker pool", zap.Error(err))
	}
	workers.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.DispatchGroupID
	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		id := eventID(msg)
		res, err := workers.SubmitWait(ctx, &workerpool.Task{ID: id, Payload: msg.Value, Context: ctx})
		if err != nil {
			return fmt.Errorf("submit event %s: %w", id, err)
		}
		return res.Error
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()
	logger.Info("notification dispatcher started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.DispatchGroupID),
		zap.Int("workers", cfg.DispatchWorkers))

	health := handlers.NewHealth(serviceName, map[string]handlers.Checker{
		"postgres": handlers.CheckerFunc(pool.Ping),
		"workers": handlers.CheckerFunc(func(context.Context) error {
			if !workers.IsHealthy() {
				return errors.New("dispatch queue nearly full")
			}
			return nil
		}),
	})
	r := chi.NewRouter()
	r.Get("/health", health.Live)
	r.Get("/ready", health.Ready)
	r.Get("/breaker", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(breaker.Health())
	})
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

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()
	workers.Stop()
	inbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown", zap.Error(err))
	}

	stats := consumer.Stats()
	logger.Info("notification dispatcher stopped",
		zap.Int64("messages_read", stats.MessagesRead),
		zap.Int64("errors", stats.ErrorCount))
}

// deliver runs the dispatcher at most once per event. Replays of a finished
// or terminally failed event are dropped without retry.
func deliver(ctx context.Context, inbox *idempotency.Inbox, d *notification.Dispatcher, id string, payload []byte) error {
	if !json.Valid(payload) {
		return workerpool.Permanent(fmt.Errorf("event %s: payload is not JSON", id))
	}
	key := idempotency.GenerateKey(serviceName, id)
	_, err := inbox.Process(ctx, key, serviceName, payload, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, d.Handle(ctx, payload)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed), errors.Is(err, idempotency.ErrDuplicateMessage):
		return workerpool.Permanent(err)
	}
	return err
}

// eventID reads the event id from the payload, falling back to the record's
// position so undecodable records still get a stable inbox key.
func eventID(msg *redpanda.ConsumedMessage) string {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(msg.Value, &head); err == nil && head.ID != "" {
		return head.ID
	}
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}
