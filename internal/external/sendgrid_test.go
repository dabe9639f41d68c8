package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"opsdeck/internal/types"
)

func newTestSendGridClient(t *testing.T, serverURL string) *SendGridClient {
	t.Helper()
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-sendgrid",
		RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: 10 * time.Millisecond},
		"OpsDeck-Test/1.0",
		WithSleepFunc(noopSleep),
	)
	return NewSendGridClientWithBase(base, SendGridClientConfig{
		APIKey:  "SG.test_api_key",
		BaseURL: serverURL,
	})
}

func testMail() Mail {
	return Mail{
		To:          "farmer@example.com",
		From:        "automations@opsdeck.dev",
		FromName:    "OpsDeck Automations",
		Subject:     "Daily briefing",
		Text:        "3 new signals",
		HTML:        "<p>3 new signals</p>",
		ReferenceID: "daily_briefing_email:2026-03-02",
	}
}

func TestSendGridSend_Success(t *testing.T) {
	var payload sendGridMailPayload
	var auth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v3/mail/send" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("X-Message-Id", "sg_msg_abc123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	id, err := newTestSendGridClient(t, server.URL).Send(context.Background(), testMail())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "sg_msg_abc123" {
		t.Errorf("expected message id, got %q", id)
	}
	if auth != "Bearer SG.test_api_key" {
		t.Errorf("unexpected auth header %q", auth)
	}
	if payload.Subject != "Daily briefing" || payload.From.Name != "OpsDeck Automations" {
		t.Errorf("unexpected payload: %+v", payload)
	}
	if len(payload.Personalizations) != 1 || payload.Personalizations[0].To[0].Email != "farmer@example.com" {
		t.Errorf("unexpected recipients: %+v", payload.Personalizations)
	}
	if len(payload.Content) != 2 || payload.Content[0].Type != "text/plain" || payload.Content[1].Type != "text/html" {
		t.Errorf("expected text then html content, got %+v", payload.Content)
	}
	if payload.CustomArgs["reference_id"] != "daily_briefing_email:2026-03-02" {
		t.Errorf("missing reference id: %+v", payload.CustomArgs)
	}
}

func TestBuildMailPayload_FallsBackToSubject(t *testing.T) {
	p := buildMailPayload(Mail{To: "a@b.c", From: "d@e.f", Subject: "Only subject"})
	if len(p.Content) != 1 || p.Content[0].Value != "Only subject" {
		t.Errorf("expected subject as plain text body, got %+v", p.Content)
	}
	if p.CustomArgs != nil {
		t.Errorf("expected no custom args, got %+v", p.CustomArgs)
	}
}

func TestSendGridSend_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   types.ErrorCode
	}{
		{"forbidden", http.StatusForbidden, `{"errors":[{"message":"sender suppressed"}]}`, types.ErrCodeUpstreamRejected},
		{"unauthorized", http.StatusUnauthorized, `{"errors":[{"message":"bad key"}]}`, types.ErrCodeUpstreamRejected},
		{"bad request", http.StatusBadRequest, `not json`, types.ErrCodeUpstreamEmailProvider},
		{"rate limited", http.StatusTooManyRequests, ``, types.ErrCodeUpstreamRateLimited},
		{"server error", http.StatusInternalServerError, ``, types.ErrCodeUpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestSendGridClient(t, server.URL).Send(context.Background(), testMail())
			if !types.HasCode(err, tt.code) {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestSendGridSend_MissingAddresses(t *testing.T) {
	client := newTestSendGridClient(t, "http://127.0.0.1:1")
	_, err := client.Send(context.Background(), Mail{Subject: "x"})
	if !types.HasCode(err, types.ErrCodeValidationMissing) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
