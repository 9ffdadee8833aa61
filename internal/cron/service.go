package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

const defaultInterval = time.Minute

type jobMetrics interface {
	ObserveRun(job string, took time.Duration, err error)
	IncSkipped()
}

// ServiceParams configure the maintenance scheduler.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  jobMetrics
	Interval time.Duration
}

// Service runs the registered jobs on a fixed cadence. Only the replica that
// holds the lock runs a cycle.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  jobMetrics
	interval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry, _ = NewRegistry()
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{
		logg:     params.Logger,
		registry: registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		interval: interval,
	}, nil
}

// Run starts the loop until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"jobs":     s.registry.Names(),
		"interval": s.interval.String(),
	}), "maintenance scheduler started")
	if err := s.RunOnce(ctx); err != nil {
		s.logg.Error(ctx, "maintenance cycle failed", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "maintenance scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logg.Error(ctx, "maintenance cycle failed", err)
			}
		}
	}
}

// RunOnce runs one cycle if the lock is free. A failing job does not stop
// the jobs after it.
func (s *Service) RunOnce(ctx context.Context) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.logg.Debug(ctx, "another instance holds the maintenance lock")
		if s.metrics != nil {
			s.metrics.IncSkipped()
		}
		return nil
	}
	defer func() {
		if relErr := s.lock.Release(ctx); relErr != nil {
			s.logg.Error(ctx, "failed to release maintenance lock", relErr)
		}
	}()

	for _, job := range s.registry.Jobs() {
		s.runJob(ctx, job)
	}
	return nil
}

func (s *Service) runJob(ctx context.Context, job Job) {
	jobCtx := s.logg.WithFields(ctx, map[string]any{"job": job.Name(), "event": "cron.job"})
	start := time.Now()
	err := job.Run(jobCtx)
	duration := time.Since(start)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if s.metrics != nil {
		s.metrics.ObserveRun(job.Name(), duration, err)
	}
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		return
	}
	s.logg.Debug(jobCtx, "job completed")
}
