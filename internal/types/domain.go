package types

import (
	"encoding/json"
	"time"
)

// WorkflowRun is one claimed logical execution of a recurring workflow.
// (workflow_key, run_key) is unique; the row is created when the run lock is
// acquired and becomes immutable once Status leaves "started".
type WorkflowRun struct {
	ID          int64
	WorkflowKey string
	RunKey      string
	Status      RunStatus
	Details     Details
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BillingAccount is the prepaid balance charged by automation runs.
// BalanceCents and SpentCents are never negative.
type BillingAccount struct {
	ID            int64
	AccountKey    string
	Currency      string
	BalanceCents  int64
	SpentCents    int64
	LastChargedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UsageEvent records whether and how a specific run was billed.
type UsageEvent struct {
	ID                   int64
	WorkflowKey          string
	RunKey               string
	Status               UsageStatus
	PriceCents           int64
	Currency             string
	BillingTransactionID *string
	Details              Details
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Transaction is an append-only entry in automation_billing_transactions.
// AmountCents is signed: negative for charges, positive for refunds and
// top-ups. BalanceAfterCents is the account balance once this entry applied.
type Transaction struct {
	ID                string
	AccountID         int64
	Kind              TransactionKind
	AmountCents       int64
	BalanceAfterCents int64
	Currency          string
	WorkflowKey       *string
	RunKey            *string
	ExternalRef       *string
	Details           Details
	CreatedAt         time.Time
}

// NotificationHistory is the per (target, channel) delivery record.
type NotificationHistory struct {
	ID          int64
	TargetKey   string
	Channel     ChannelType
	Status      DeliveryStatus
	Attempts    int
	LastError   *string
	NextRetryAt *time.Time
	SentAt      *time.Time
	Payload     Details
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is the channel-agnostic notification composed by a workflow.
type Message struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	HTML  string         `json:"html,omitempty"`
	URL   string         `json:"url,omitempty"`
	Tag   string         `json:"tag,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// AsDetails renders the message for storage in notification_history.payload.
func (m Message) AsDetails() Details {
	d := Details{
		"title": m.Title,
		"body":  m.Body,
	}
	if m.HTML != "" {
		d["html"] = m.HTML
	}
	if m.URL != "" {
		d["url"] = m.URL
	}
	if m.Tag != "" {
		d["tag"] = m.Tag
	}
	if len(m.Data) > 0 {
		d["data"] = m.Data
	}
	return d
}

// MessageFromDetails rebuilds a Message from a stored payload, the inverse
// of AsDetails.
func MessageFromDetails(d Details) (Message, error) {
	var m Message
	raw, err := json.Marshal(d)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, err
	}
	return m, nil
}

// TargetKeyForRun builds the notification target key for a workflow run.
func TargetKeyForRun(workflowKey, runKey string) string {
	return workflowKey + ":" + runKey
}
