package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

type fakeLock struct {
	held     bool
	acquires int
	releases int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	f.acquires++
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error {
	f.releases++
	f.held = false
	return nil
}

type testJob struct {
	name string
	err  error
	runs int
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	return t.err
}

type countingCronMetrics struct {
	success map[string]int
	failure map[string]int
	skipped int
}

func (c *countingCronMetrics) ObserveRun(job string, _ time.Duration, err error) {
	if err != nil {
		c.failure[job]++
		return
	}
	c.success[job]++
}

func (c *countingCronMetrics) IncSkipped() { c.skipped++ }

func TestRunOnceRunsAllJobsEvenOnFailure(t *testing.T) {
	ok := &testJob{name: "ok"}
	failing := &testJob{name: "fail", err: errors.New("boom")}
	registry, err := NewRegistry(failing, ok)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	lock := &fakeLock{}
	m := &countingCronMetrics{success: map[string]int{}, failure: map[string]int{}}
	service, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "cron-test"}),
		Registry: registry,
		Lock:     lock,
		Metrics:  m,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}

	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if ok.runs != 1 || failing.runs != 1 {
		t.Fatalf("expected each job to run once, got ok=%d fail=%d", ok.runs, failing.runs)
	}
	if m.success["ok"] != 1 || m.failure["fail"] != 1 {
		t.Fatalf("unexpected metrics: %+v %+v", m.success, m.failure)
	}
	if lock.held || lock.releases != 1 {
		t.Fatalf("lock should be released after the cycle")
	}
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	job := &testJob{name: "only"}
	registry, _ := NewRegistry(job)
	m := &countingCronMetrics{success: map[string]int{}, failure: map[string]int{}}
	service, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "cron-test"}),
		Registry: registry,
		Lock:     &fakeLock{held: true},
		Metrics:  m,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("job must not run without the lock")
	}
	if m.skipped != 1 {
		t.Fatalf("expected one skipped cycle, got %d", m.skipped)
	}
}

func TestNewServiceRequiresLock(t *testing.T) {
	if _, err := NewService(ServiceParams{Logger: logger.New(logger.Options{ServiceName: "x"})}); err == nil {
		t.Fatal("expected error without lock")
	}
}
