// Package core provides the notification delivery tracker shared by every
// channel (push, email, queue). It owns the per (target, channel) history
// rows, decides whether a channel should be attempted on this tick, and
// records retry state durably so a restarted process resumes where the last
// one stopped.
package core

import (
	"context"
	"time"

	"opsdeck/internal/types"
)

// Channel is a notification transport. Send returns nil only when the
// provider accepted the message.
type Channel interface {
	Type() types.ChannelType
	Send(ctx context.Context, msg types.Message) error
}

// HistoryStore abstracts notification_history persistence. It is satisfied
// by *db.NotificationRepository.
type HistoryStore interface {
	// Ensure is idempotent. Uses INSERT ... ON CONFLICT DO NOTHING followed
	// by a select, so concurrent callers observe the same row.
	Ensure(ctx context.Context, targetKey string, channel types.ChannelType, payload types.Details) (*types.NotificationHistory, error)

	// MarkSent sets status 'sent' and clears the retry fields. updated is
	// false when the row was already terminal.
	MarkSent(ctx context.Context, id int64, sentAt time.Time) (updated bool, err error)

	// RecordFailure stores attempts, the truncated error, and either a
	// future next_retry_at (retrying) or nil (failed).
	RecordFailure(ctx context.Context, id int64, attempts int, status types.DeliveryStatus, lastError string, nextRetryAt *time.Time) (updated bool, err error)

	// ListDue returns pending or retrying rows whose next_retry_at is at or
	// before now, oldest first. Pending rows without a retry time are only
	// returned once they are older than staleAfter.
	ListDue(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]types.NotificationHistory, error)

	ListByTarget(ctx context.Context, targetKey string) ([]types.NotificationHistory, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ChannelOutcome is the state of one channel after a dispatch.
type ChannelOutcome struct {
	Channel     types.ChannelType
	Status      types.DeliveryStatus
	Attempted   bool
	Attempts    int
	Error       string
	NextRetryAt *time.Time
}

// DispatchResult summarises a dispatch. Delivered is true only when every
// enabled channel ended in 'sent'.
type DispatchResult struct {
	Delivered bool
	Channels  []ChannelOutcome
}

// RetryReport counts what a retry sweep did with the due rows.
type RetryReport struct {
	Due      int
	Sent     int
	Retrying int
	Failed   int
	// Orphaned rows belong to a channel that is no longer enabled.
	Orphaned int
}

// MetricResult categorizes a delivery outcome for metrics reporting.
type MetricResult string

const (
	MetricSuccess  MetricResult = "success"
	MetricRetrying MetricResult = "retrying"
	MetricFailed   MetricResult = "failed"
	MetricSkipped  MetricResult = "skipped"
)

// NotificationMetrics abstracts CloudWatch/telemetry operations for the
// notification system.
type NotificationMetrics interface {
	RecordDelivery(ctx context.Context, channel types.ChannelType, result MetricResult)
	RecordLatency(ctx context.Context, channel types.ChannelType, duration time.Duration)
}

// NoopMetrics discards delivery metrics.
type NoopMetrics struct{}

func (NoopMetrics) RecordDelivery(context.Context, types.ChannelType, MetricResult)  {}
func (NoopMetrics) RecordLatency(context.Context, types.ChannelType, time.Duration) {}

// RetryPolicy defines the exponential backoff parameters for delivery retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultMaxRetryDelay caps the backoff.
const DefaultMaxRetryDelay = time.Hour

// NextDelay computes the delay after the given number of failed attempts:
// min(MaxDelay, BaseDelay * 2^(attempts-1)).
func (p RetryPolicy) NextDelay(attempts int) time.Duration {
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxRetryDelay
	}
	if attempts < 1 {
		attempts = 1
	}

	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// Exhausted reports whether attempts has reached the maximum.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// ShouldAttempt reports whether a channel may be tried now. Sent and failed
// rows are terminal; a retrying row waits until next_retry_at.
func ShouldAttempt(h *types.NotificationHistory, now time.Time) bool {
	switch h.Status {
	case types.DeliveryStatusSent, types.DeliveryStatusFailed:
		return false
	}
	if h.NextRetryAt != nil && h.NextRetryAt.After(now) {
		return false
	}
	return true
}
