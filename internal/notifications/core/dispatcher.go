package core

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"opsdeck/internal/types"
)

// maxErrorLength bounds last_error so a verbose provider body cannot bloat
// the history row.
const maxErrorLength = 500

const (
	// DefaultRetryBatch is the number of due rows a sweep loads at once.
	DefaultRetryBatch = 100

	// pendingGrace is how long a pending row without a retry time must sit
	// before a sweep treats its dispatch as abandoned.
	pendingGrace = 5 * time.Minute
)

// DispatcherConfig carries the retry and concurrency settings from
// config.NotificationConfig.
type DispatcherConfig struct {
	MaxRetries     int
	RetryBase      time.Duration
	SendTimeout    time.Duration
	MaxConcurrency int
}

// Dispatcher delivers a message across every enabled channel and keeps the
// per-channel retry state in a HistoryStore.
type Dispatcher struct {
	store       HistoryStore
	channels    []Channel
	policy      RetryPolicy
	sendTimeout time.Duration
	concurrency int
	clock       types.Clock
	metrics     NotificationMetrics
	logger      types.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherClock overrides the time source used for retry scheduling.
func WithDispatcherClock(c types.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

// WithDeliveryMetrics attaches a metrics sink.
func WithDeliveryMetrics(m NotificationMetrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a Dispatcher. The channel slice is the enabled set in
// configuration order; outcomes are reported in the same order.
func NewDispatcher(store HistoryStore, channels []Channel, cfg DispatcherConfig, logger types.Logger, opts ...DispatcherOption) *Dispatcher {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if logger == nil {
		logger = types.NewSlogLogger(nil)
	}
	d := &Dispatcher{
		store:    store,
		channels: channels,
		policy: RetryPolicy{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   cfg.RetryBase,
			MaxDelay:    DefaultMaxRetryDelay,
		},
		sendTimeout: cfg.SendTimeout,
		concurrency: cfg.MaxConcurrency,
		clock:       types.RealClock{},
		metrics:     NoopMetrics{},
		logger:      logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Channels returns the enabled channel types in dispatch order.
func (d *Dispatcher) Channels() []types.ChannelType {
	out := make([]types.ChannelType, len(d.channels))
	for i, ch := range d.channels {
		out[i] = ch.Type()
	}
	return out
}

// Dispatch attempts every enabled channel that is not terminal or waiting for
// its retry time. A channel failure is recorded and reported through the
// result; only persistence errors are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, targetKey string, msg types.Message) (DispatchResult, error) {
	if targetKey == "" {
		return DispatchResult{}, types.NewAppError(types.ErrCodeValidationTarget, "notification target key is required", nil)
	}
	if len(d.channels) == 0 {
		d.logger.Warn("no notification channels enabled", "target_key", targetKey)
		return DispatchResult{Delivered: false}, nil
	}

	// Siblings keep running when one channel fails to persist.
	outcomes := make([]ChannelOutcome, len(d.channels))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, ch := range d.channels {
		g.Go(func() error {
			out, err := d.deliver(ctx, targetKey, ch, msg)
			if err != nil {
				return fmt.Errorf("channel %s: %w", ch.Type(), err)
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return DispatchResult{}, err
	}

	res := DispatchResult{Delivered: true, Channels: outcomes}
	for _, out := range outcomes {
		if out.Status != types.DeliveryStatusSent {
			res.Delivered = false
		}
	}
	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, targetKey string, ch Channel, msg types.Message) (ChannelOutcome, error) {
	channel := ch.Type()
	h, err := d.store.Ensure(ctx, targetKey, channel, msg.AsDetails())
	if err != nil {
		return ChannelOutcome{}, err
	}
	return d.attempt(ctx, targetKey, ch, msg, h)
}

// attempt sends msg on ch if the row allows it and records the result. The
// bookkeeping write ignores cancellation of ctx: once the provider has
// answered, its verdict must be stored.
func (d *Dispatcher) attempt(ctx context.Context, targetKey string, ch Channel, msg types.Message, h *types.NotificationHistory) (ChannelOutcome, error) {
	channel := ch.Type()
	if !ShouldAttempt(h, d.clock.Now()) {
		d.metrics.RecordDelivery(ctx, channel, MetricSkipped)
		return outcomeFrom(h, false), nil
	}

	start := time.Now()
	sendErr := d.send(ctx, ch, msg)
	d.metrics.RecordLatency(ctx, channel, time.Since(start))

	bctx := context.WithoutCancel(ctx)
	if sendErr == nil {
		return d.markSent(bctx, targetKey, ch, h)
	}
	return d.markFailed(bctx, targetKey, channel, h, sendErr)
}

// RetryDue re-attempts history rows whose retry time has passed, rebuilding
// each message from the payload stored with the row. It is what moves a
// retrying channel forward after the run that created it has finished. Rows
// of a channel that is no longer enabled are left as they are.
func (d *Dispatcher) RetryDue(ctx context.Context, limit int) (RetryReport, error) {
	if limit <= 0 {
		limit = DefaultRetryBatch
	}
	due, err := d.store.ListDue(ctx, d.clock.Now(), pendingGrace, limit)
	if err != nil {
		return RetryReport{}, err
	}
	report := RetryReport{Due: len(due)}
	if len(due) == 0 {
		return report, nil
	}

	enabled := make(map[types.ChannelType]Channel, len(d.channels))
	for _, ch := range d.channels {
		enabled[ch.Type()] = ch
	}

	outcomes := make([]*ChannelOutcome, len(due))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i := range due {
		h := &due[i]
		ch, ok := enabled[h.Channel]
		if !ok {
			report.Orphaned++
			d.logger.Warn("retry skipped, channel not enabled",
				"target_key", h.TargetKey,
				"channel", string(h.Channel),
			)
			continue
		}
		g.Go(func() error {
			out, err := d.retryRow(ctx, ch, h)
			if err != nil {
				return fmt.Errorf("retry %s on %s: %w", h.TargetKey, h.Channel, err)
			}
			outcomes[i] = &out
			return nil
		})
	}
	err = g.Wait()

	for _, out := range outcomes {
		if out == nil || !out.Attempted {
			continue
		}
		switch out.Status {
		case types.DeliveryStatusSent:
			report.Sent++
		case types.DeliveryStatusRetrying:
			report.Retrying++
		case types.DeliveryStatusFailed:
			report.Failed++
		}
	}
	d.logger.Info("notification retry sweep finished",
		"due", report.Due,
		"sent", report.Sent,
		"retrying", report.Retrying,
		"failed", report.Failed,
		"orphaned", report.Orphaned,
	)
	return report, err
}

func (d *Dispatcher) retryRow(ctx context.Context, ch Channel, h *types.NotificationHistory) (ChannelOutcome, error) {
	msg, err := types.MessageFromDetails(h.Payload)
	if err != nil {
		return d.markFailed(context.WithoutCancel(ctx), h.TargetKey, h.Channel, h,
			fmt.Errorf("stored payload unreadable: %w", err))
	}
	return d.attempt(ctx, h.TargetKey, ch, msg, h)
}

// send bounds the adapter call by the configured timeout and converts an
// adapter panic into an error so it is recorded like any other failure.
func (d *Dispatcher) send(ctx context.Context, ch Channel, msg types.Message) (err error) {
	if d.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel adapter panic: %v", r)
		}
	}()
	return ch.Send(ctx, msg)
}

func (d *Dispatcher) markSent(ctx context.Context, targetKey string, ch Channel, h *types.NotificationHistory) (ChannelOutcome, error) {
	sentAt := d.clock.Now()
	updated, err := d.store.MarkSent(ctx, h.ID, sentAt)
	if err != nil {
		return ChannelOutcome{}, err
	}
	if !updated {
		// Another process finalized the row first; report what it stored.
		current, err := d.store.Ensure(ctx, targetKey, ch.Type(), nil)
		if err != nil {
			return ChannelOutcome{}, err
		}
		return outcomeFrom(current, true), nil
	}

	d.metrics.RecordDelivery(ctx, ch.Type(), MetricSuccess)
	d.logger.Info("notification delivered",
		"target_key", targetKey,
		"channel", string(ch.Type()),
		"previous_failures", h.Attempts,
	)
	return ChannelOutcome{
		Channel:   ch.Type(),
		Status:    types.DeliveryStatusSent,
		Attempted: true,
		Attempts:  h.Attempts,
	}, nil
}

func (d *Dispatcher) markFailed(ctx context.Context, targetKey string, channel types.ChannelType, h *types.NotificationHistory, sendErr error) (ChannelOutcome, error) {
	attempts := h.Attempts + 1
	lastError := truncate(sendErr.Error(), maxErrorLength)

	status := types.DeliveryStatusRetrying
	var nextRetryAt *time.Time
	if d.policy.Exhausted(attempts) {
		status = types.DeliveryStatusFailed
	} else {
		next := d.clock.Now().Add(d.policy.NextDelay(attempts))
		nextRetryAt = &next
	}

	updated, err := d.store.RecordFailure(ctx, h.ID, attempts, status, lastError, nextRetryAt)
	if err != nil {
		return ChannelOutcome{}, err
	}
	if !updated {
		current, err := d.store.Ensure(ctx, targetKey, channel, nil)
		if err != nil {
			return ChannelOutcome{}, err
		}
		return outcomeFrom(current, true), nil
	}

	if status == types.DeliveryStatusFailed {
		d.metrics.RecordDelivery(ctx, channel, MetricFailed)
		d.logger.Error("notification delivery permanently failed",
			"target_key", targetKey,
			"channel", string(channel),
			"attempts", attempts,
			"error", lastError,
		)
	} else {
		d.metrics.RecordDelivery(ctx, channel, MetricRetrying)
		d.logger.Warn("notification delivery failed, will retry",
			"target_key", targetKey,
			"channel", string(channel),
			"attempts", attempts,
			"max_attempts", d.policy.MaxAttempts,
			"next_retry_at", nextRetryAt.Format(time.RFC3339),
			"error", lastError,
		)
	}

	return ChannelOutcome{
		Channel:     channel,
		Status:      status,
		Attempted:   true,
		Attempts:    attempts,
		Error:       lastError,
		NextRetryAt: nextRetryAt,
	}, nil
}

// History returns every channel row for a target.
func (d *Dispatcher) History(ctx context.Context, targetKey string) ([]types.NotificationHistory, error) {
	return d.store.ListByTarget(ctx, targetKey)
}

// PurgeBefore deletes sent and failed history rows last updated before cutoff.
func (d *Dispatcher) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := d.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.logger.Info("purged notification history", "rows", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

func outcomeFrom(h *types.NotificationHistory, attempted bool) ChannelOutcome {
	out := ChannelOutcome{
		Channel:     h.Channel,
		Status:      h.Status,
		Attempted:   attempted,
		Attempts:    h.Attempts,
		NextRetryAt: h.NextRetryAt,
	}
	if h.LastError != nil {
		out.Error = *h.LastError
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
