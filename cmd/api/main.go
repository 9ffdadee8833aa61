package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/voucherz-backend/api/routes"
	"github.com/angelmondragon/voucherz-backend/internal/webhooks/payments"
	"github.com/angelmondragon/voucherz-backend/internal/wiring"
	"github.com/angelmondragon/voucherz-backend/pkg/config"
	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/instance"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
	"github.com/angelmondragon/voucherz-backend/pkg/migrate"
	"github.com/angelmondragon/voucherz-backend/pkg/redis"
)

const (
	webhookScope    = "payment-webhook"
	shutdownTimeout = 15 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, cfg.FeatureFlags, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	components, err := wiring.Build(cfg, logg, dbClient, reg)
	if err != nil {
		logg.Error(ctx, "failed to wire services", err)
		os.Exit(1)
	}

	guard, err := payments.NewIdempotencyGuard(redisClient, cfg.Webhook.IdempotencyTTL, webhookScope)
	if err != nil {
		logg.Error(ctx, "failed to create webhook idempotency guard", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.Params{
			Config:          cfg,
			Logger:          logg,
			DB:              dbClient,
			Redis:           redisClient,
			Gatherer:        reg,
			PaymentWebhooks: components.Webhooks,
			WebhookGuard:    guard,
			WebhookMetrics:  components.Metrics,
			Orders:          components.OrderOps,
			Inventory:       components.Inventory,
			Topups:          components.Wallets,
			Providers:       components.Providers,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "graceful shutdown failed", err)
		}
		logg.Info(shutdownCtx, "api server stopped")
	}
}
