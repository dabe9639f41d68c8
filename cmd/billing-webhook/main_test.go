package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdeck/internal/billing"
	"opsdeck/internal/types"
)

type fakeTopUps struct {
	payload []byte
	sig     string
	out     billing.WebhookOutcome
	err     error
}

func (f *fakeTopUps) HandleEvent(_ context.Context, payload []byte, sig string) (billing.WebhookOutcome, error) {
	f.payload = payload
	f.sig = sig
	return f.out, f.err
}

func decode(t *testing.T, resp events.APIGatewayV2HTTPResponse) responseBody {
	t.Helper()
	var body responseBody
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	return body
}

func TestHandle_Applied(t *testing.T) {
	fake := &fakeTopUps{out: billing.WebhookOutcome{EventID: "evt_123", Applied: true}}
	h := &Handler{topUps: fake, logger: slog.Default()}

	resp, err := h.Handle(context.Background(), events.APIGatewayV2HTTPRequest{
		Body:    `{"id":"evt_123"}`,
		Headers: map[string]string{"stripe-signature": "t=1,v1=sig"},
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "t=1,v1=sig", fake.sig)
	assert.Equal(t, `{"id":"evt_123"}`, string(fake.payload))
	body := decode(t, resp)
	assert.True(t, body.Applied)
	assert.Equal(t, "evt_123", body.EventID)
}

func TestHandle_Base64Body(t *testing.T) {
	fake := &fakeTopUps{out: billing.WebhookOutcome{EventID: "evt_1", Ignored: "event type customer.created"}}
	h := &Handler{topUps: fake, logger: slog.Default()}

	resp, err := h.Handle(context.Background(), events.APIGatewayV2HTTPRequest{
		Body:            base64.StdEncoding.EncodeToString([]byte(`{"id":"evt_1"}`)),
		IsBase64Encoded: true,
		Headers:         map[string]string{"Stripe-Signature": "sig"},
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"id":"evt_1"}`, string(fake.payload))
	assert.Equal(t, "sig", fake.sig)
	assert.False(t, decode(t, resp).Applied)
}

func TestHandle_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"bad signature", types.NewAppError(types.ErrCodeValidationSignature, "bad", nil), http.StatusBadRequest},
		{"bad amount", types.NewAppError(types.ErrCodeValidationAmount, "zero", nil), http.StatusBadRequest},
		{"database", types.NewAppError(types.ErrCodeInternalDB, "down", nil), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Handler{topUps: &fakeTopUps{err: tt.err}, logger: slog.Default()}
			resp, err := h.Handle(context.Background(), events.APIGatewayV2HTTPRequest{Body: "{}"})
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, string(types.CodeOf(tt.err)), decode(t, resp).Code)
		})
	}
}

func TestHandle_InvalidBase64(t *testing.T) {
	fake := &fakeTopUps{}
	h := &Handler{topUps: fake, logger: slog.Default()}
	resp, err := h.Handle(context.Background(), events.APIGatewayV2HTTPRequest{Body: "%%%", IsBase64Encoded: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Nil(t, fake.payload)
}
