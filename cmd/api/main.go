package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/medidesk/opd-scheduler/internal/api/router"
	"github.com/medidesk/opd-scheduler/internal/appointment"
	appconfig "github.com/medidesk/opd-scheduler/internal/config"
	"github.com/medidesk/opd-scheduler/internal/http/handlers"
	"github.com/medidesk/opd-scheduler/internal/notify"
	"github.com/medidesk/opd-scheduler/internal/observability/metrics"
	"github.com/medidesk/opd-scheduler/internal/presence"
	"github.com/medidesk/opd-scheduler/internal/rebalance"
	"github.com/medidesk/opd-scheduler/internal/schedule"
	"github.com/medidesk/opd-scheduler/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting opd-scheduler API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := connectRedis(cfg, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	schedMetrics := metrics.NewSchedulerMetrics(registry)

	scheduleStore := schedule.NewStore(pool, logger)
	apptStore := appointment.NewStore(pool, logger)
	presenceStore := presence.NewStore(pool, redisClient, logger)

	step := time.Duration(cfg.ConsultationMinutes) * time.Minute
	allocOpts := schedule.Options{
		Spacing:    cfg.WalkInSpacing,
		PullWindow: cfg.PullWindow,
	}

	runner := rebalance.NewRunner(rebalance.RunnerConfig{
		Store:   scheduleStore,
		Options: allocOpts,
		Step:    step,
		Metrics: schedMetrics,
		Logger:  logger,
	})
	queue := rebalance.NewQueue(rebalance.QueueConfig{
		Runner:  runner,
		Redis:   redisClient,
		Buffer:  cfg.RebalanceBuffer,
		Metrics: schedMetrics,
		Logger:  logger,
	})
	workers := cfg.RebalanceWorkers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go queue.Start(ctx)
	}

	emailSender := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger)
	var notifier appointment.Notifier
	if emailSender != nil {
		notifier = notify.NewService(emailSender, notify.NewPatientDirectory(pool), logger)
	} else {
		notifier = notify.NewService(nil, nil, logger)
	}

	sweeper, err := appointment.NewSweeper(appointment.SweeperConfig{
		Store:     apptStore,
		Presence:  presenceStore,
		Sessions:  scheduleStore,
		Notifier:  notifier,
		Rebalance: queue,
		Metrics:   schedMetrics,
		Logger:    logger,
		Interval:  cfg.SweepInterval,
	})
	if err != nil {
		logger.Error("failed to create sweeper", "error", err)
		os.Exit(1)
	}
	go sweeper.Start(ctx)

	bookingSvc, err := appointment.NewService(appointment.ServiceConfig{
		Store:       apptStore,
		Calendar:    scheduleStore,
		Rebalance:   queue,
		Logger:      logger,
		Step:        step,
		CutoffLead:  cfg.CutoffLead,
		NoShowGrace: cfg.NoShowGrace,
	})
	if err != nil {
		logger.Error("failed to create booking service", "error", err)
		os.Exit(1)
	}

	r := router.New(&router.Config{
		Logger:             logger,
		Appointments:       handlers.NewAppointmentsHandler(bookingSvc, logger),
		Presence:           handlers.NewPresenceHandler(presenceStore, queue, logger),
		Health:             handlers.Health(pool),
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		AdminAuthSecret:    cfg.AdminJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		WalkInRate:         cfg.WalkInRate,
		WalkInBurst:        cfg.WalkInBurst,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// connectRedis returns nil when no address is configured; presence caching
// and cross-instance rebalance dedupe then degrade gracefully.
func connectRedis(cfg *appconfig.Config, logger *logging.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, continuing without cache", "addr", cfg.RedisAddr, "error", err)
		return nil
	}
	return client
}
