// Package telemetry publishes automation metrics. Every sink implements the
// narrow metrics interfaces declared by the billing, notification, workflow
// and scheduler packages.
package telemetry

import (
	"context"
	"time"

	"opsdeck/internal/billing"
	"opsdeck/internal/notifications/core"
	"opsdeck/internal/types"
)

// Recorder is the union of the per-package metrics interfaces.
type Recorder interface {
	billing.Metrics
	core.NotificationMetrics

	RecordWorkflowOutcome(ctx context.Context, workflowKey string, status types.OutcomeStatus, duration time.Duration)
	RecordTickSkipped(ctx context.Context)
	RecordTick(ctx context.Context, duration time.Duration)
}

// Aliases give the embedded no-op sinks distinct field names.
type (
	billingNoop      = billing.NoopMetrics
	notificationNoop = core.NoopMetrics
)

// Nop discards everything.
type Nop struct {
	billingNoop
	notificationNoop
}

func (Nop) RecordWorkflowOutcome(context.Context, string, types.OutcomeStatus, time.Duration) {}
func (Nop) RecordTickSkipped(context.Context)                                                 {}
func (Nop) RecordTick(context.Context, time.Duration)                                         {}

// Multi fans each observation out to every recorder.
type Multi []Recorder

// Combine returns a Recorder over the non-nil arguments.
func Combine(recorders ...Recorder) Recorder {
	var out Multi
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	}
	return out
}

func (m Multi) RecordCharge(ctx context.Context, workflowKey string, status types.UsageStatus, priceCents int64) {
	for _, r := range m {
		r.RecordCharge(ctx, workflowKey, status, priceCents)
	}
}

func (m Multi) RecordRefund(ctx context.Context, workflowKey string, amountCents int64) {
	for _, r := range m {
		r.RecordRefund(ctx, workflowKey, amountCents)
	}
}

func (m Multi) RecordTopUp(ctx context.Context, source string, amountCents int64) {
	for _, r := range m {
		r.RecordTopUp(ctx, source, amountCents)
	}
}

func (m Multi) RecordDelivery(ctx context.Context, channel types.ChannelType, result core.MetricResult) {
	for _, r := range m {
		r.RecordDelivery(ctx, channel, result)
	}
}

func (m Multi) RecordLatency(ctx context.Context, channel types.ChannelType, duration time.Duration) {
	for _, r := range m {
		r.RecordLatency(ctx, channel, duration)
	}
}

func (m Multi) RecordWorkflowOutcome(ctx context.Context, workflowKey string, status types.OutcomeStatus, duration time.Duration) {
	for _, r := range m {
		r.RecordWorkflowOutcome(ctx, workflowKey, status, duration)
	}
}

func (m Multi) RecordTickSkipped(ctx context.Context) {
	for _, r := range m {
		r.RecordTickSkipped(ctx)
	}
}

func (m Multi) RecordTick(ctx context.Context, duration time.Duration) {
	for _, r := range m {
		r.RecordTick(ctx, duration)
	}
}
