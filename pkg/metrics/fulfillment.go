package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FulfillmentMetrics covers provider calls, deliveries, stock allocation and
// delayed job handling.
type FulfillmentMetrics struct {
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	deliveries      *prometheus.CounterVec
	allocations     *prometheus.CounterVec
	jobs            *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
}

// NewFulfillmentMetrics registers the fulfillment collectors on reg. A nil
// registerer yields a no-op recorder.
func NewFulfillmentMetrics(reg prometheus.Registerer) *FulfillmentMetrics {
	if reg == nil {
		return &FulfillmentMetrics{}
	}
	m := &FulfillmentMetrics{
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voucherz_provider_calls_total",
			Help: "Provider place/check calls by normalized outcome.",
		}, []string{"provider", "op", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voucherz_provider_call_duration_seconds",
			Help:    "Latency of provider calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voucherz_deliveries_total",
			Help: "Delivery attempts by resulting delivery status.",
		}, []string{"path", "status"}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voucherz_inventory_allocations_total",
			Help: "Stock code allocations by result.",
		}, []string{"result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voucherz_fulfillment_jobs_total",
			Help: "Delayed fulfillment jobs processed by kind and result.",
		}, []string{"kind", "result"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voucherz_payment_webhook_events_total",
			Help: "Inbound payment events by type and handling result.",
		}, []string{"type", "result"}),
	}
	reg.MustRegister(m.providerCalls, m.providerLatency, m.deliveries, m.allocations, m.jobs, m.webhookEvents)
	return m
}

// ObserveProviderCall records one provider call.
func (m *FulfillmentMetrics) ObserveProviderCall(provider, op, outcome string, took time.Duration) {
	if m == nil || m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(normalizeLabel(provider), op, normalizeLabel(outcome)).Inc()
	m.providerLatency.WithLabelValues(normalizeLabel(provider), op).Observe(took.Seconds())
}

func (m *FulfillmentMetrics) IncDelivery(path, status string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(normalizeLabel(path), normalizeLabel(status)).Inc()
}

func (m *FulfillmentMetrics) IncAllocation(result string) {
	if m == nil || m.allocations == nil {
		return
	}
	m.allocations.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *FulfillmentMetrics) IncJob(kind, result string) {
	if m == nil || m.jobs == nil {
		return
	}
	m.jobs.WithLabelValues(normalizeLabel(kind), normalizeLabel(result)).Inc()
}

func (m *FulfillmentMetrics) IncWebhookEvent(eventType, result string) {
	if m == nil || m.webhookEvents == nil {
		return
	}
	m.webhookEvents.WithLabelValues(normalizeLabel(eventType), normalizeLabel(result)).Inc()
}
