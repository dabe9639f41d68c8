package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"opsdeck/internal/notifications/core"
	"opsdeck/internal/types"
)

var _ Recorder = (*PrometheusMetrics)(nil)

// PrometheusMetrics exposes the same signals as CloudWatchMetrics for the
// long-running process, scraped from /metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	billingOutcomes  *prometheus.CounterVec
	billingCents     *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryLatency  *prometheus.HistogramVec
	workflowOutcomes *prometheus.CounterVec
	workflowLatency  *prometheus.HistogramVec
	ticksSkipped     prometheus.Counter
	tickDuration     prometheus.Histogram
}

// NewPrometheusMetrics registers the collectors on a private registry so
// tests and multiple instances never collide on the global one.
func NewPrometheusMetrics(service, environment string) *PrometheusMetrics {
	constLabels := prometheus.Labels{"service": service, "env": environment}
	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		billingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "automation_billing_outcomes_total",
			Help:        "Billing decisions by workflow and usage status.",
			ConstLabels: constLabels,
		}, []string{"workflow", "status"}),
		billingCents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "automation_billing_cents_total",
			Help:        "Cents charged, refunded and topped up.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "automation_delivery_attempts_total",
			Help:        "Notification channel outcomes.",
			ConstLabels: constLabels,
		}, []string{"channel", "result"}),
		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "automation_delivery_duration_seconds",
			Help:        "Channel adapter call latency.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			ConstLabels: constLabels,
		}, []string{"channel"}),
		workflowOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "automation_workflow_outcomes_total",
			Help:        "Workflow driver evaluations by outcome.",
			ConstLabels: constLabels,
		}, []string{"workflow", "status"}),
		workflowLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "automation_workflow_duration_seconds",
			Help:        "Workflow driver evaluation latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
			ConstLabels: constLabels,
		}, []string{"workflow", "status"}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "automation_scheduler_ticks_skipped_total",
			Help:        "Ticks dropped because the previous tick was still running.",
			ConstLabels: constLabels,
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "automation_scheduler_tick_duration_seconds",
			Help:        "Wall time of a full scheduler tick.",
			Buckets:     []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			ConstLabels: constLabels,
		}),
	}
	m.registry.MustRegister(
		m.billingOutcomes, m.billingCents,
		m.deliveries, m.deliveryLatency,
		m.workflowOutcomes, m.workflowLatency,
		m.ticksSkipped, m.tickDuration,
	)
	return m
}

// Registry exposes the collectors for tests and custom handlers.
func (m *PrometheusMetrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PrometheusMetrics) RecordCharge(_ context.Context, workflowKey string, status types.UsageStatus, priceCents int64) {
	m.billingOutcomes.WithLabelValues(workflowKey, string(status)).Inc()
	if status == types.UsageCharged {
		m.billingCents.WithLabelValues(string(types.TxKindCharge)).Add(float64(priceCents))
	}
}

func (m *PrometheusMetrics) RecordRefund(_ context.Context, workflowKey string, amountCents int64) {
	m.billingOutcomes.WithLabelValues(workflowKey, string(types.UsageFailedReverted)).Inc()
	m.billingCents.WithLabelValues(string(types.TxKindRefund)).Add(float64(amountCents))
}

func (m *PrometheusMetrics) RecordTopUp(_ context.Context, _ string, amountCents int64) {
	m.billingCents.WithLabelValues(string(types.TxKindTopUp)).Add(float64(amountCents))
}

func (m *PrometheusMetrics) RecordDelivery(_ context.Context, channel types.ChannelType, result core.MetricResult) {
	m.deliveries.WithLabelValues(string(channel), string(result)).Inc()
}

func (m *PrometheusMetrics) RecordLatency(_ context.Context, channel types.ChannelType, duration time.Duration) {
	m.deliveryLatency.WithLabelValues(string(channel)).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordWorkflowOutcome(_ context.Context, workflowKey string, status types.OutcomeStatus, duration time.Duration) {
	m.workflowOutcomes.WithLabelValues(workflowKey, string(status)).Inc()
	m.workflowLatency.WithLabelValues(workflowKey, string(status)).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordTickSkipped(context.Context) {
	m.ticksSkipped.Inc()
}

func (m *PrometheusMetrics) RecordTick(_ context.Context, duration time.Duration) {
	m.tickDuration.Observe(duration.Seconds())
}
