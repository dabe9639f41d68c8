package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"opsdeck/internal/types"
)

const sendGridAPIBase = "https://api.sendgrid.com"

// SendGridClientConfig holds the configuration for creating a SendGridClient.
type SendGridClientConfig struct {
	APIKey  string
	BaseURL string // defaults to sendGridAPIBase
	Logger  types.Logger
}

// SendGridClient implements EmailProvider against the SendGrid v3 Mail Send
// API, routed through BaseClient.
type SendGridClient struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	logger  types.Logger
}

// NewSendGridClient creates a SendGridClient with the default retry policy and
// a limit of 10 requests per second.
func NewSendGridClient(httpClient *http.Client, cfg SendGridClientConfig) *SendGridClient {
	base := NewBaseClient(httpClient, "sendgrid", DefaultRetryPolicy(), "OpsDeck/1.0",
		WithRateLimit(10, 10))
	return NewSendGridClientWithBase(base, cfg)
}

// NewSendGridClientWithBase creates a SendGridClient on a pre-configured
// BaseClient.
func NewSendGridClientWithBase(base *BaseClient, cfg SendGridClientConfig) *SendGridClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = types.NewSlogLogger(nil)
	}
	return &SendGridClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

var _ EmailProvider = (*SendGridClient)(nil)

// Send transmits m and returns the X-Message-Id of the accepted message.
//
// Error mapping:
//   - 429 and 5xx: retried by BaseClient, then UpstreamRateLimited / UpstreamUnavailable
//   - 401, 403: UpstreamRejected (bad key or suppressed sender)
//   - other 4xx: UpstreamEmailProvider
func (s *SendGridClient) Send(ctx context.Context, m Mail) (string, error) {
	if m.To == "" || m.From == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissing, "email requires a sender and a recipient", nil)
	}

	body, err := json.Marshal(buildMailPayload(m))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal SendGrid mail payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create SendGrid request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.base.Do(req)
	if err != nil {
		return "", wrapSendGridError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		msgID := resp.Header.Get("X-Message-Id")
		s.logger.Info("sendgrid accepted message", "message_id", msgID, "reference_id", m.ReferenceID)
		return msgID, nil
	}
	return "", handleErrorResponse(resp)
}

type sendGridMailPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	CustomArgs       map[string]string         `json:"custom_args,omitempty"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// buildMailPayload maps m to the v3 JSON body. SendGrid requires text/plain
// to precede text/html when both are present.
func buildMailPayload(m Mail) sendGridMailPayload {
	p := sendGridMailPayload{
		Personalizations: []sendGridPersonalization{{To: []sendGridAddress{{Email: m.To}}}},
		From:             sendGridAddress{Email: m.From, Name: m.FromName},
		Subject:          m.Subject,
	}
	text := m.Text
	if text == "" && m.HTML == "" {
		text = m.Subject
	}
	if text != "" {
		p.Content = append(p.Content, sendGridContent{Type: "text/plain", Value: text})
	}
	if m.HTML != "" {
		p.Content = append(p.Content, sendGridContent{Type: "text/html", Value: m.HTML})
	}
	if m.ReferenceID != "" {
		p.CustomArgs = map[string]string{"reference_id": m.ReferenceID}
	}
	return p
}

type sendGridErrorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	msg := strings.TrimSpace(string(body))
	var sgErr sendGridErrorResponse
	if json.Unmarshal(body, &sgErr) == nil && len(sgErr.Errors) > 0 {
		msg = sgErr.Errors[0].Message
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.NewAppError(types.ErrCodeUpstreamRejected,
			fmt.Sprintf("sendgrid rejected request (%d): %s", resp.StatusCode, msg), nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("sendgrid error (%d): %s", resp.StatusCode, msg), nil)
	}
}

func wrapSendGridError(err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, "sendgrid request failed", err)
}
