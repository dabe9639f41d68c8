package billing

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"

	"opsdeck/internal/types"
)

// TopUpApplier is the part of Ledger the webhook needs.
type TopUpApplier interface {
	TopUp(ctx context.Context, in TopUpInput) (TopUpResult, error)
}

// StripeTopUps turns paid Checkout sessions into balance top-ups. The Stripe
// event ID is the external reference, so redelivered events credit once.
type StripeTopUps struct {
	ledger   TopUpApplier
	secret   string
	currency string
	logger   *slog.Logger
}

// NewStripeTopUps creates the webhook processor. currency is the account
// currency; sessions paid in another currency are ignored.
func NewStripeTopUps(ledger TopUpApplier, webhookSecret, currency string, logger *slog.Logger) *StripeTopUps {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeTopUps{ledger: ledger, secret: webhookSecret, currency: strings.ToLower(currency), logger: logger}
}

// WebhookOutcome describes what HandleEvent did with an event.
type WebhookOutcome struct {
	EventID string
	Applied bool
	Ignored string
	TopUp   *TopUpResult
}

// HandleEvent verifies the Stripe-Signature header and applies
// checkout.session.completed events whose payment_status is paid. Other event
// types are acknowledged and ignored.
func (s *StripeTopUps) HandleEvent(ctx context.Context, payload []byte, signature string) (WebhookOutcome, error) {
	if signature == "" {
		return WebhookOutcome{}, types.NewAppError(types.ErrCodeValidationSignature, "missing Stripe-Signature header", nil)
	}
	if err := stripe.ValidatePayload(payload, signature, s.secret); err != nil {
		return WebhookOutcome{}, types.NewAppError(types.ErrCodeValidationSignature, "webhook signature verification failed", err)
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return WebhookOutcome{}, types.NewAppError(types.ErrCodeValidationMissing, "invalid webhook event JSON", err)
	}
	out := WebhookOutcome{EventID: event.ID}

	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		out.Ignored = "event_type:" + string(event.Type)
		return out, nil
	}
	if event.Data == nil {
		return out, types.NewAppError(types.ErrCodeValidationMissing, "checkout event has no data", nil)
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return out, types.NewAppError(types.ErrCodeValidationMissing, "invalid checkout session object", err)
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		out.Ignored = "payment_status:" + string(session.PaymentStatus)
		return out, nil
	}
	if s.currency != "" && strings.ToLower(string(session.Currency)) != s.currency {
		out.Ignored = "currency:" + string(session.Currency)
		s.logger.WarnContext(ctx, "ignoring top-up in foreign currency",
			"event_id", event.ID, "currency", string(session.Currency))
		return out, nil
	}
	if session.AmountTotal <= 0 {
		out.Ignored = "zero_amount"
		return out, nil
	}

	res, err := s.ledger.TopUp(ctx, TopUpInput{
		AmountCents: session.AmountTotal,
		Source:      "stripe",
		ExternalRef: event.ID,
		Details: types.Details{
			"checkout_session_id": session.ID,
			"client_reference_id": session.ClientReferenceID,
		},
	})
	if err != nil {
		return out, err
	}

	out.Applied = !res.Idempotent
	out.TopUp = &res
	s.logger.InfoContext(ctx, "stripe top-up processed",
		"event_id", event.ID,
		"amount_cents", session.AmountTotal,
		"idempotent", res.Idempotent,
	)
	return out, nil
}
