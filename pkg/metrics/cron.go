package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CronJobMetrics records maintenance sweeps: per-job outcome and latency, the
// time of each job's last clean run, and cycles skipped because another
// replica held the lock.
type CronJobMetrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
	skipped     prometheus.Counter
}

func NewCronJobMetrics(reg prometheus.Registerer) *CronJobMetrics {
	if reg == nil {
		return &CronJobMetrics{}
	}
	m := &CronJobMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voucherz_cron_job_runs_total",
			Help: "Maintenance job runs by result.",
		}, []string{"job", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voucherz_cron_job_duration_seconds",
			Help:    "Duration of maintenance jobs in seconds.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		}, []string{"job"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voucherz_cron_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per job.",
		}, []string{"job"}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voucherz_cron_cycles_skipped_total",
			Help: "Maintenance cycles skipped because the lock was held elsewhere.",
		}),
	}
	reg.MustRegister(m.runs, m.duration, m.lastSuccess, m.skipped)
	return m
}

// ObserveRun records one job execution. A nil err counts as success.
func (c *CronJobMetrics) ObserveRun(job string, took time.Duration, err error) {
	if c == nil || c.runs == nil {
		return
	}
	job = normalizeLabel(job)
	c.duration.WithLabelValues(job).Observe(took.Seconds())
	if err != nil {
		c.runs.WithLabelValues(job, "failure").Inc()
		return
	}
	c.runs.WithLabelValues(job, "success").Inc()
	c.lastSuccess.WithLabelValues(job).SetToCurrentTime()
}

func (c *CronJobMetrics) IncSkipped() {
	if c == nil || c.skipped == nil {
		return
	}
	c.skipped.Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
