package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/voucherz-backend/internal/cron"
	"github.com/angelmondragon/voucherz-backend/internal/jobs"
	"github.com/angelmondragon/voucherz-backend/pkg/config"
	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
	"github.com/angelmondragon/voucherz-backend/pkg/redis"
)

type ServiceParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       *db.Client
	Redis    *redis.Client
	Jobs     *jobs.Worker
	Cron     *cron.Service
	Gatherer prometheus.Gatherer
}

// Service runs the delayed job worker, the maintenance scheduler and a
// metrics endpoint until the context ends or one of them fails.
type Service struct {
	cfg      *config.Config
	logg     *logger.Logger
	db       *db.Client
	redis    *redis.Client
	jobs     *jobs.Worker
	cron     *cron.Service
	gatherer prometheus.Gatherer
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if params.Jobs == nil {
		return nil, errors.New("job worker is required")
	}
	if params.Cron == nil {
		return nil, errors.New("maintenance scheduler is required")
	}

	return &Service{
		cfg:      params.Config,
		logg:     params.Logger,
		db:       params.DB,
		redis:    params.Redis,
		jobs:     params.Jobs,
		cron:     params.Cron,
		gatherer: params.Gatherer,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	if err := pingDependency(ctx, s.logg, "redis", s.redis.Ping); err != nil {
		return err
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ignoreCanceled(s.jobs.Run(ctx))
	})
	group.Go(func() error {
		return ignoreCanceled(s.cron.Run(ctx))
	})
	if s.gatherer != nil {
		group.Go(func() error {
			return s.serveMetrics(ctx)
		})
	}
	return group.Wait()
}

func (s *Service) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: ":" + s.cfg.App.Port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
