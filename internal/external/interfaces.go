package external

import (
	"context"
)

// Mail is a fully rendered email. Templates are resolved by the caller; the
// provider only transports content.
type Mail struct {
	To       string
	From     string
	FromName string
	Subject  string
	Text     string
	HTML     string

	// ReferenceID is echoed back by the provider in event webhooks so a
	// message can be correlated with its notification_history row.
	ReferenceID string
}

// EmailProvider abstracts the transactional email service.
type EmailProvider interface {
	// Send transmits m and returns the provider's message ID.
	Send(ctx context.Context, m Mail) (providerMsgID string, err error)
}

// PushSubscription is a browser PushSubscription as serialized by
// PushSubscription.toJSON().
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// PushOptions carries the per-message Web Push headers.
type PushOptions struct {
	TTL     int
	Urgency string
	Topic   string
}

// PushSender abstracts a Web Push delivery to a single subscription.
type PushSender interface {
	Send(ctx context.Context, sub PushSubscription, payload []byte, opts PushOptions) error
}
