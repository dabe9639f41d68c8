// Package main is the Stripe webhook Lambda behind API Gateway (HTTP API,
// payload format 2.0). Paid Checkout sessions become balance top-ups; every
// other event is acknowledged and ignored.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"opsdeck/internal/app"
	"opsdeck/internal/billing"
	"opsdeck/internal/config"
	"opsdeck/internal/types"
)

// TopUpHandler is satisfied by *billing.StripeTopUps.
type TopUpHandler interface {
	HandleEvent(ctx context.Context, payload []byte, signature string) (billing.WebhookOutcome, error)
}

// Handler adapts API Gateway requests to the top-up processor.
type Handler struct {
	topUps TopUpHandler
	logger *slog.Logger
}

type responseBody struct {
	EventID string `json:"event_id,omitempty"`
	Applied bool   `json:"applied"`
	Ignored string `json:"ignored,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Handle returns 400 for requests Stripe should not retry (bad signature or
// body) and 500 for ledger failures, which Stripe redelivers.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if id := req.RequestContext.RequestID; id != "" {
		ctx = types.WithRequestID(ctx, id)
	}
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return respond(http.StatusBadRequest, responseBody{Code: string(types.ErrCodeValidationMissing)}), nil
		}
		body = decoded
	}

	out, err := h.topUps.HandleEvent(ctx, body, header(req.Headers, "Stripe-Signature"))
	if err != nil {
		code := types.CodeOf(err)
		status := http.StatusInternalServerError
		if code.IsValidation() {
			status = http.StatusBadRequest
		}
		h.logger.WarnContext(ctx, "stripe webhook not applied",
			"request_id", types.GetRequestID(ctx),
			"status", status,
			"error", err,
		)
		return respond(status, responseBody{Code: string(code)}), nil
	}

	return respond(http.StatusOK, responseBody{EventID: out.EventID, Applied: out.Applied, Ignored: out.Ignored}), nil
}

// header looks up name case-insensitively; API Gateway lowercases header
// names but local tooling may not.
func header(headers map[string]string, name string) string {
	if v, ok := headers[strings.ToLower(name)]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func respond(status int, body responseBody) events.APIGatewayV2HTTPResponse {
	b, _ := json.Marshal(body)
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(b),
	}
}

func main() {
	ctx := context.Background()
	logger := app.NewLogger(os.Getenv("LOG_LEVEL"))

	store, err := config.NewParameterStore(ctx, os.Getenv("AWS_REGION"))
	if err != nil {
		logger.Error("failed to create parameter store client", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(ctx, store)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if !cfg.Stripe.WebhookSecret.IsSet() {
		logger.Error("STRIPE_WEBHOOK_SECRET is required")
		os.Exit(1)
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize automation core", "error", err)
		os.Exit(1)
	}

	h := &Handler{topUps: a.TopUps, logger: logger}
	logger.Info("billing webhook initialized", "version", cfg.Build.Version)
	lambda.Start(h.Handle)
}
