package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/voucherz-backend/internal/cron"
	"github.com/angelmondragon/voucherz-backend/internal/jobs"
	"github.com/angelmondragon/voucherz-backend/internal/wiring"
	"github.com/angelmondragon/voucherz-backend/pkg/config"
	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/instance"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
	"github.com/angelmondragon/voucherz-backend/pkg/metrics"
	"github.com/angelmondragon/voucherz-backend/pkg/redis"
)

const maintenanceLock = "maintenance"

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "instance": instance.GetID()})

	dbClient, err := db.New(ctx, cfg.DB, cfg.FeatureFlags, logg)
	requireResource(ctx, logg, "database", err)
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	requireResource(ctx, logg, "redis", err)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	components, err := wiring.Build(cfg, logg, dbClient, reg)
	requireResource(ctx, logg, "services", err)

	worker, err := jobs.NewWorker(jobs.WorkerParams{
		Repo:         components.JobsRepo,
		DB:           dbClient,
		Logger:       logg,
		Metrics:      components.Metrics,
		BatchSize:    cfg.Jobs.BatchSize,
		PollInterval: time.Duration(cfg.Jobs.PollIntervalMS) * time.Millisecond,
		MaxAttempts:  cfg.Jobs.MaxAttempts,
		Lease:        cfg.Jobs.Lease,
		WorkerID:     instance.GetID(),
	})
	requireResource(ctx, logg, "job worker", err)
	components.Fulfillment.RegisterHandlers(worker)

	scheduler, err := newScheduler(cfg, logg, redisClient, components, reg)
	requireResource(ctx, logg, "maintenance scheduler", err)

	svc, err := NewService(ServiceParams{
		Config:   cfg,
		Logger:   logg,
		DB:       dbClient,
		Redis:    redisClient,
		Jobs:     worker,
		Cron:     scheduler,
		Gatherer: reg,
	})
	requireResource(ctx, logg, "worker service", err)

	logg.Info(ctx, "starting worker")
	if err := svc.Run(ctx); err != nil {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "worker shutting down gracefully")
}

func newScheduler(cfg *config.Config, logg *logger.Logger, redisClient *redis.Client, c *wiring.Components, reg prometheus.Registerer) (*cron.Service, error) {
	stale, err := cron.NewStaleDeliveryJob(cron.StaleDeliveryJobParams{
		Logger:    logg,
		Recoverer: c.Fulfillment,
		Threshold: cfg.Fulfillment.StaleAttemptAfter,
	})
	if err != nil {
		return nil, err
	}
	stranded, err := cron.NewStrandedOrderJob(cron.StrandedOrderJobParams{
		Logger:     logg,
		Orders:     c.Orders,
		Deliveries: c.Deliveries,
		Jobs:       c.JobsRepo,
		Queue:      c.Queue,
		MinAge:     cfg.Fulfillment.StrandedOrderAfter,
	})
	if err != nil {
		return nil, err
	}
	leases, err := cron.NewJobLeaseJob(logg, c.JobsRepo)
	if err != nil {
		return nil, err
	}
	registry, err := cron.NewRegistry(leases, stale, stranded)
	if err != nil {
		return nil, err
	}
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(maintenanceLock), cfg.Cron.LockTTL)
	if err != nil {
		return nil, err
	}
	return cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(reg),
		Interval: cfg.Cron.Interval,
	})
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, "resource not working: "+resource, err)
	os.Exit(1)
}
