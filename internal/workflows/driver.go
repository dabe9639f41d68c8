// Package workflows holds the recurring workflow drivers. A driver turns the
// current time into a run key, claims the run, bills it, composes a
// notification from the dashboard snapshot and dispatches it, then records
// the outcome. Each driver call is one evaluation; the scheduler calls every
// driver once per tick.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"opsdeck/internal/billing"
	"opsdeck/internal/notifications/core"
	"opsdeck/internal/runs"
	"opsdeck/internal/types"
)

// compensationTimeout bounds the refund and finish writes that run after the
// evaluation context may already be cancelled.
const compensationTimeout = 30 * time.Second

// SnapshotSource builds the opaque dashboard snapshot for a workflow. It is
// satisfied by *db.SnapshotRepository.
type SnapshotSource interface {
	Build(ctx context.Context, workflowKey string, now time.Time, lookback time.Duration) (types.Details, error)
}

// RunLedger is the subset of *runs.Ledger a driver needs.
type RunLedger interface {
	Begin(ctx context.Context, workflowKey, runKey string) (runs.BeginResult, error)
	Finish(ctx context.Context, runID int64, status types.RunStatus, details types.Details) error
}

// BillingLedger is the subset of *billing.Ledger a driver needs.
type BillingLedger interface {
	Charge(ctx context.Context, in billing.ChargeInput) (billing.ChargeResult, error)
	Refund(ctx context.Context, in billing.RefundInput) (billing.RefundResult, error)
}

// Notifier is satisfied by *core.Dispatcher.
type Notifier interface {
	Dispatch(ctx context.Context, targetKey string, msg types.Message) (core.DispatchResult, error)
}

// Metrics records one evaluation.
type Metrics interface {
	RecordWorkflowOutcome(ctx context.Context, workflowKey string, status types.OutcomeStatus, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordWorkflowOutcome(context.Context, string, types.OutcomeStatus, time.Duration) {}

// Definition describes one recurring workflow.
type Definition struct {
	Key      string
	Schedule Schedule

	// Lookback is passed to the snapshot source as the window of interest.
	Lookback time.Duration

	// IsEmpty reports that the snapshot has nothing worth sending. Empty
	// runs are skipped before billing.
	IsEmpty func(snapshot types.Details) bool

	// Compose renders the notification.
	Compose func(runKey string, snapshot types.Details) types.Message
}

// Outcome is the result of one evaluation.
type Outcome struct {
	Status types.OutcomeStatus
	RunKey string
	RunID  int64
	Reason string
}

// Deps are the collaborators shared by every driver.
type Deps struct {
	Runs      RunLedger
	Billing   BillingLedger
	Notifier  Notifier
	Snapshots SnapshotSource
	Clock     types.Clock
	Metrics   Metrics
	Logger    *slog.Logger
}

// Driver evaluates a single Definition.
type Driver struct {
	def       Definition
	runs      RunLedger
	billing   BillingLedger
	notifier  Notifier
	snapshots SnapshotSource
	clock     types.Clock
	metrics   Metrics
	logger    *slog.Logger
}

// NewDriver creates a Driver.
func NewDriver(def Definition, deps Deps) *Driver {
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if def.IsEmpty == nil {
		def.IsEmpty = func(types.Details) bool { return false }
	}
	return &Driver{
		def:       def,
		runs:      deps.Runs,
		billing:   deps.Billing,
		notifier:  deps.Notifier,
		snapshots: deps.Snapshots,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With("workflow_key", def.Key),
	}
}

// NewDrivers builds one Driver per definition, preserving order.
func NewDrivers(defs []Definition, deps Deps) []*Driver {
	out := make([]*Driver, len(defs))
	for i, def := range defs {
		out[i] = NewDriver(def, deps)
	}
	return out
}

// Key returns the workflow key.
func (d *Driver) Key() string { return d.def.Key }

// Run performs one evaluation. An error means the run was recorded as failed
// after any charge for it was refunded.
func (d *Driver) Run(ctx context.Context) (out Outcome, err error) {
	started := d.clock.Now()
	defer func() {
		d.metrics.RecordWorkflowOutcome(ctx, d.def.Key, out.Status, d.clock.Now().Sub(started))
	}()

	now := started.UTC()
	if !d.def.Schedule.Eligible(now) {
		return Outcome{Status: types.OutcomeWaiting}, nil
	}
	runKey := d.def.Schedule.RunKey(now)

	begin, err := d.runs.Begin(ctx, d.def.Key, runKey)
	if err != nil {
		return Outcome{Status: types.OutcomeFailed, RunKey: runKey}, err
	}
	if !begin.Started {
		return Outcome{Status: types.OutcomeAlreadyRan, RunKey: runKey}, nil
	}

	return d.execute(ctx, now, runKey, begin.RunID)
}

// evaluation carries what the deferred finaliser needs to decide on a refund
// and the terminal status.
type evaluation struct {
	status  types.RunStatus
	reason  string
	charge  billing.ChargeResult
	sent    bool
	details types.Details
}

func (d *Driver) execute(ctx context.Context, now time.Time, runKey string, runID int64) (out Outcome, err error) {
	ev := &evaluation{status: types.RunStatusFailed, details: types.Details{}}
	log := d.logger.With("run_key", runKey, "run_id", runID)

	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "workflow panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = types.NewAppError(types.ErrCodeInternalPanic, fmt.Sprintf("workflow %s panicked: %v", d.def.Key, r), nil)
		}
		if ferr := d.finalize(ctx, log, runKey, runID, ev, err); ferr != nil && err == nil {
			err = ferr
		}
		if err != nil {
			ev.status = types.RunStatusFailed
			if ev.reason == "" {
				ev.reason = types.RefundReasonWorkflowException
			}
		}
		out = Outcome{Status: outcomeFor(ev.status), RunKey: runKey, RunID: runID, Reason: ev.reason}
	}()

	snapshot, err := d.snapshots.Build(ctx, d.def.Key, now, d.def.Lookback)
	if err != nil {
		return Outcome{}, err
	}
	ev.details["snapshot"] = snapshot

	if d.def.IsEmpty(snapshot) {
		ev.status, ev.reason = types.RunStatusSkipped, types.SkipReasonEmptySnapshot
		return Outcome{}, nil
	}

	ev.charge, err = d.billing.Charge(ctx, billing.ChargeInput{
		WorkflowKey: d.def.Key,
		RunKey:      runKey,
		Details:     types.Details{"run_id": runID},
	})
	if err != nil {
		return Outcome{}, err
	}
	ev.details["billing"] = chargeDetails(ev.charge)
	if !ev.charge.Allowed {
		ev.status, ev.reason = types.RunStatusSkipped, types.SkipReasonInsufficientBalance
		return Outcome{}, nil
	}

	targetKey := types.TargetKeyForRun(d.def.Key, runKey)
	msg := d.def.Compose(runKey, snapshot)
	if msg.Tag == "" {
		msg.Tag = targetKey
	}
	ev.details["notification"] = msg.AsDetails()

	res, err := d.notifier.Dispatch(ctx, targetKey, msg)
	if err != nil {
		return Outcome{}, err
	}
	ev.sent = res.Delivered
	ev.details["delivery"] = deliveryDetails(res)
	if ev.sent {
		ev.status = types.RunStatusSent
	} else {
		ev.status, ev.reason = types.RunStatusFailed, types.RefundReasonDeliveryFailed
	}
	return Outcome{}, nil
}

// finalize is the single compensation point: refund iff the charge went
// through and delivery was not confirmed, then write the terminal status.
// The ledger's refund is itself a no-op unless the usage event is still
// charged, so a replay after a crash cannot refund twice.
func (d *Driver) finalize(ctx context.Context, log *slog.Logger, runKey string, runID int64, ev *evaluation, runErr error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	var errs []error
	if ev.charge.Charged && !ev.sent {
		reason := types.RefundReasonDeliveryFailed
		if runErr != nil {
			reason = types.RefundReasonWorkflowException
		}
		refund, rerr := d.billing.Refund(cctx, billing.RefundInput{
			WorkflowKey: d.def.Key,
			RunKey:      runKey,
			Reason:      reason,
			Details:     types.Details{"run_id": runID},
		})
		if rerr != nil {
			log.ErrorContext(ctx, "compensating refund failed", "reason", reason, "error", rerr)
			ev.details["refund"] = types.Details{"reason": reason, "error": rerr.Error()}
			errs = append(errs, rerr)
		} else {
			ev.details["refund"] = refundDetails(reason, refund)
			log.InfoContext(ctx, "charge refunded", "reason", reason, "refunded", refund.Refunded)
		}
	}

	status := ev.status
	if runErr != nil || len(errs) > 0 {
		status = types.RunStatusFailed
		if runErr != nil {
			ev.details["error"] = runErr.Error()
		}
	}
	if ev.reason != "" {
		ev.details["reason"] = ev.reason
	}
	if err := d.runs.Finish(cctx, runID, status, ev.details); err != nil {
		log.ErrorContext(ctx, "failed to finish run", "status", string(status), "error", err)
		errs = append(errs, err)
	}

	if runErr != nil {
		log.ErrorContext(ctx, "workflow failed", "error", runErr)
	} else {
		log.InfoContext(ctx, "workflow finished", "status", string(status), "reason", ev.reason)
	}
	return errors.Join(errs...)
}

func outcomeFor(s types.RunStatus) types.OutcomeStatus {
	switch s {
	case types.RunStatusSent:
		return types.OutcomeSent
	case types.RunStatusSkipped:
		return types.OutcomeSkipped
	default:
		return types.OutcomeFailed
	}
}

func chargeDetails(c billing.ChargeResult) types.Details {
	d := types.Details{
		"allowed":     c.Allowed,
		"charged":     c.Charged,
		"status":      string(c.Status),
		"price_cents": c.PriceCents,
		"idempotent":  c.Idempotent,
	}
	if c.BalanceCents != nil {
		d["balance_cents"] = *c.BalanceCents
	}
	if c.TransactionID != nil {
		d["transaction_id"] = *c.TransactionID
	}
	return d
}

func refundDetails(reason string, r billing.RefundResult) types.Details {
	d := types.Details{"reason": reason, "refunded": r.Refunded}
	if r.Refunded {
		d["amount_cents"] = r.AmountCents
	}
	if r.TransactionID != nil {
		d["transaction_id"] = *r.TransactionID
	}
	if r.BalanceCents != nil {
		d["balance_cents"] = *r.BalanceCents
	}
	return d
}

func deliveryDetails(res core.DispatchResult) types.Details {
	channels := make([]any, 0, len(res.Channels))
	for _, c := range res.Channels {
		entry := map[string]any{
			"channel":   string(c.Channel),
			"status":    string(c.Status),
			"attempted": c.Attempted,
			"attempts":  c.Attempts,
		}
		if c.Error != "" {
			entry["error"] = c.Error
		}
		if c.NextRetryAt != nil {
			entry["next_retry_at"] = c.NextRetryAt.UTC().Format(time.RFC3339)
		}
		channels = append(channels, entry)
	}
	return types.Details{"delivered": res.Delivered, "channels": channels}
}
