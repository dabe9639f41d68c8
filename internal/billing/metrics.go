package billing

import (
	"context"

	"opsdeck/internal/types"
)

// Metrics receives ledger outcomes. Implementations must not block.
type Metrics interface {
	RecordCharge(ctx context.Context, workflowKey string, status types.UsageStatus, priceCents int64)
	RecordRefund(ctx context.Context, workflowKey string, amountCents int64)
	RecordTopUp(ctx context.Context, source string, amountCents int64)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) RecordCharge(context.Context, string, types.UsageStatus, int64) {}
func (NoopMetrics) RecordRefund(context.Context, string, int64)                    {}
func (NoopMetrics) RecordTopUp(context.Context, string, int64)                     {}
