// Package main provides the appointment API service entry point.
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

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/healthbridge/apptflow/internal/api/handlers"
	"github.com/healthbridge/apptflow/internal/api/middleware"
	"github.com/healthbridge/apptflow/internal/config"
	"github.com/healthbridge/apptflow/internal/domain/appointment"
	"github.com/healthbridge/apptflow/internal/domain/notification"
	"github.com/healthbridge/apptflow/internal/infrastructure/postgres"
	"github.com/healthbridge/apptflow/internal/observability/logging"
	"github.com/healthbridge/apptflow/internal/observability/metrics"
	"github.com/healthbridge/apptflow/internal/observability/tracing"
	"github.com/healthbridge/apptflow/internal/realtime"
)

const serviceName = "appointment-api"

func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file")
	flag.Parse()

	boot := zap.Must(zap.NewProduction())
	cfg, err := config.Load(*envFile)
	if err != nil {
		boot.Fatal("load config", zap.Error(err))
	}
	if err := errors.Join(cfg.RequireDatabase(), cfg.RequireJWTSecret()); err != nil {
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

	m := metrics.New(prometheus.NewRegistry())
	hub := realtime.NewHub(m, logger)

	svc := appointment.NewService(
		appointment.NewRepository(pool, logger),
		postgres.NewProfileDirectory(pool),
		logger,
		appointment.WithChangeFeed(hub),
		appointment.WithObserver(m),
		appointment.WithLocation(cfg.Location()),
	)

	health := handlers.NewHealth(serviceName, map[string]handlers.Checker{
		"postgres": handlers.CheckerFunc(pool.Ping),
	})

	router := handlers.NewRouter(handlers.RouterConfig{
		ServiceName:   serviceName,
		Appointments:  handlers.NewAppointmentHandler(svc, logger),
		Notifications: handlers.NewNotificationHandler(notification.NewRepository(pool, logger), logger),
		Health:        health,
		Auth:          middleware.NewTokenAuth(cfg.JWTSecret, cfg.JWTIssuer),
		Realtime:      realtime.NewHandler(hub, svc, middleware.RequestActor, cfg.CORSOrigins, logger),
		Metrics:       m.Handler(),
		HTTPObserver:  m,
		CORSOrigins:   cfg.CORSOrigins,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting appointment API",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.String("clinic_timezone", cfg.ClinicTimezone))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
	<-stopped
	logger.Info("server stopped")
}
