package telemetry

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"opsdeck/internal/notifications/core"
	"opsdeck/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ Recorder = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics emits every automation metric to AWS CloudWatch.
//
// Metrics emitted:
//   - DeliveryAttempt: Dims {Channel, Result}
//   - DeliveryAttemptLatency: Dims {Channel}, milliseconds
//   - AutomationBillingOutcome: Dims {Workflow|Source, Status}
//   - AutomationBillingAmountCents: Dims {Status}
//   - WorkflowOutcome / WorkflowLatency: Dims {Workflow, Status}
//   - SchedulerTickSkipped, SchedulerTickDuration: no dims
//
// A failed put is logged and dropped; metrics never fail the caller.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchMetrics creates a sink publishing to namespace. An empty
// namespace uses types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = types.NewSlogLogger(nil)
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

func dims(kv ...string) []cwtypes.Dimension {
	out := make([]cwtypes.Dimension, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, cwtypes.Dimension{Name: aws.String(kv[i]), Value: aws.String(kv[i+1])})
	}
	return out
}

func count(name string, d []cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: d,
	}
}

func millis(name string, v time.Duration, d []cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(float64(v.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: d,
	}
}

func cents(name string, v int64, d []cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(float64(v)),
		Unit:       cwtypes.StandardUnitNone,
		Dimensions: d,
	}
}

func (m *CloudWatchMetrics) put(ctx context.Context, what string, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record "+what+" metric", "error", err.Error())
	}
}

// RecordCharge counts a billing decision. The amount is only emitted for
// runs that actually debited the balance.
func (m *CloudWatchMetrics) RecordCharge(ctx context.Context, workflowKey string, status types.UsageStatus, priceCents int64) {
	data := []cwtypes.MetricDatum{
		count(types.MetricBillingOutcome, dims(types.DimWorkflow, workflowKey, types.DimStatus, string(status))),
	}
	if status == types.UsageCharged {
		data = append(data, cents(types.MetricBillingAmount, priceCents, dims(types.DimStatus, string(status))))
	}
	m.put(ctx, "charge", data...)
}

// RecordRefund counts a reversed charge.
func (m *CloudWatchMetrics) RecordRefund(ctx context.Context, workflowKey string, amountCents int64) {
	m.put(ctx, "refund",
		count(types.MetricBillingOutcome, dims(types.DimWorkflow, workflowKey, types.DimStatus, string(types.UsageFailedReverted))),
		cents(types.MetricBillingAmount, amountCents, dims(types.DimStatus, string(types.UsageFailedReverted))),
	)
}

// RecordTopUp counts a balance credit by source.
func (m *CloudWatchMetrics) RecordTopUp(ctx context.Context, source string, amountCents int64) {
	m.put(ctx, "top-up",
		count(types.MetricBillingOutcome, dims(types.DimSource, source, types.DimStatus, string(types.TxKindTopUp))),
		cents(types.MetricBillingAmount, amountCents, dims(types.DimStatus, string(types.TxKindTopUp))),
	)
}

// RecordDelivery emits a DeliveryAttempt metric with Channel and Result dimensions.
//
//	Metric: DeliveryAttempt, Dims: {Channel: "email", Result: "success"}
func (m *CloudWatchMetrics) RecordDelivery(ctx context.Context, channel types.ChannelType, result core.MetricResult) {
	m.put(ctx, "delivery",
		count(types.MetricDeliveryAttempt, dims(types.DimChannel, string(channel), types.DimResult, string(result))))
}

// RecordLatency emits the adapter call duration in milliseconds.
func (m *CloudWatchMetrics) RecordLatency(ctx context.Context, channel types.ChannelType, duration time.Duration) {
	m.put(ctx, "latency",
		millis(types.MetricDeliveryLatency, duration, dims(types.DimChannel, string(channel))))
}

// RecordWorkflowOutcome counts one driver evaluation and its duration.
func (m *CloudWatchMetrics) RecordWorkflowOutcome(ctx context.Context, workflowKey string, status types.OutcomeStatus, duration time.Duration) {
	d := dims(types.DimWorkflow, workflowKey, types.DimStatus, string(status))
	m.put(ctx, "workflow",
		count(types.MetricWorkflowOutcome, d),
		millis(types.MetricWorkflowLatency, duration, d),
	)
}

// RecordTickSkipped counts a tick dropped because the previous one was
// still running.
func (m *CloudWatchMetrics) RecordTickSkipped(ctx context.Context) {
	m.put(ctx, "tick skipped", count(types.MetricTickSkipped, nil))
}

// RecordTick emits the wall time of a completed tick.
func (m *CloudWatchMetrics) RecordTick(ctx context.Context, duration time.Duration) {
	m.put(ctx, "tick", millis(types.MetricTickDuration, duration, nil))
}
