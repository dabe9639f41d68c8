package types

// RunStatus is the lifecycle state of a workflow_runs row.
type RunStatus string

const (
	RunStatusStarted    RunStatus = "started"
	RunStatusSent       RunStatus = "sent"
	RunStatusFailed     RunStatus = "failed"
	RunStatusSkipped    RunStatus = "skipped"
	RunStatusAlreadyRan RunStatus = "already_ran"
)

// IsTerminal reports whether a run in this status may no longer change.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSent, RunStatusFailed, RunStatusSkipped, RunStatusAlreadyRan:
		return true
	default:
		return false
	}
}

// UsageStatus is the billing outcome recorded for one (workflow, run) pair.
type UsageStatus string

const (
	UsageFreeDisabled   UsageStatus = "free_disabled"
	UsageCharged        UsageStatus = "charged"
	UsageBlockedNoFunds UsageStatus = "blocked_insufficient_funds"
	UsageFailedReverted UsageStatus = "failed_reverted"
)

// TransactionKind classifies an entry in the append-only billing log.
type TransactionKind string

const (
	TxKindCharge TransactionKind = "charge"
	TxKindRefund TransactionKind = "refund"
	TxKindTopUp  TransactionKind = "topup"
)

// ChannelType identifies a notification transport.
type ChannelType string

const (
	ChannelPush  ChannelType = "push"
	ChannelEmail ChannelType = "email"
	ChannelQueue ChannelType = "queue"
)

// DeliveryStatus is the state of a notification_history row.
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusSent     DeliveryStatus = "sent"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
	DeliveryStatusFailed   DeliveryStatus = "failed"
)

// OutcomeStatus is what a workflow driver reports back to the supervisor for
// a single evaluation. It is a superset of the persisted RunStatus values.
type OutcomeStatus string

const (
	OutcomeWaiting    OutcomeStatus = "waiting"
	OutcomeAlreadyRan OutcomeStatus = "already_ran"
	OutcomeSkipped    OutcomeStatus = "skipped"
	OutcomeSent       OutcomeStatus = "sent"
	OutcomeFailed     OutcomeStatus = "failed"
)

// Refund reasons recorded on failed_reverted usage events.
const (
	RefundReasonDeliveryFailed    = "notification-delivery-failed"
	RefundReasonWorkflowException = "workflow-exception"
)

// Skip reasons recorded in run details.
const (
	SkipReasonEmptySnapshot       = "empty-snapshot"
	SkipReasonInsufficientBalance = "insufficient-balance"
)

// DefaultAccountKey is the singleton billing account used by the automation core.
const DefaultAccountKey = "default"
