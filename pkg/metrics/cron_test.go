package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCronJobMetricsExportsRunsAndDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewCronJobMetrics(reg)
	job := "stale-deliveries"
	metrics.ObserveRun(job, 250*time.Millisecond, nil)
	metrics.ObserveRun(job, 100*time.Millisecond, errors.New("db down"))
	metrics.IncSkipped()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "voucherz_cron_job_runs_total", "result", "success"); err != nil || got != 1 {
		t.Fatalf("expected success=1, got %f err=%v", got, err)
	}
	if got, err := fetchCounterValue(mfs, "voucherz_cron_job_runs_total", "result", "failure"); err != nil || got != 1 {
		t.Fatalf("expected failure=1, got %f err=%v", got, err)
	}
	if got, err := fetchHistogramSum(mfs, "voucherz_cron_job_duration_seconds", "job", job); err != nil || got <= 0.3 {
		t.Fatalf("expected duration sum > 0.3, got %f err=%v", got, err)
	}

	gauge := findMetricFamily(mfs, "voucherz_cron_job_last_success_timestamp_seconds")
	if gauge == nil || gauge.GetMetric()[0].GetGauge().GetValue() <= 0 {
		t.Fatal("expected last success timestamp to be set")
	}
	skipped := findMetricFamily(mfs, "voucherz_cron_cycles_skipped_total")
	if skipped == nil || skipped.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatal("expected one skipped cycle")
	}
}

func TestNilCronMetricsAreNoops(t *testing.T) {
	var metrics *CronJobMetrics
	metrics.ObserveRun("x", time.Second, nil)
	metrics.IncSkipped()
	NewCronJobMetrics(nil).ObserveRun("x", time.Second, errors.New("boom"))
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetHistogram().GetSampleSum(), nil
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}
