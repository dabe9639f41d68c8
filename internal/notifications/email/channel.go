// Package email delivers workflow notifications to a single configured
// mailbox through an external.EmailProvider.
package email

import (
	"context"
	"strings"

	"opsdeck/internal/config"
	"opsdeck/internal/external"
	"opsdeck/internal/notifications/core"
	"opsdeck/internal/types"
)

// Channel implements core.Channel for email.
type Channel struct {
	provider external.EmailProvider
	renderer *Renderer
	from     string
	fromName string
	to       string
	logger   types.Logger
}

var _ core.Channel = (*Channel)(nil)

// ChannelConfig holds the dependencies needed to create a Channel.
type ChannelConfig struct {
	Provider external.EmailProvider
	From     string
	FromName string
	To       string
	Logger   types.Logger
}

// NewChannel parses the templates and returns a Channel.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.From == "" || cfg.To == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissing, "email channel needs a sender and a recipient", nil)
	}
	renderer, err := NewRenderer(cfg.FromName)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = types.NewSlogLogger(nil)
	}
	return &Channel{
		provider: cfg.Provider,
		renderer: renderer,
		from:     cfg.From,
		fromName: cfg.FromName,
		to:       cfg.To,
		logger:   logger.With("channel", string(types.ChannelEmail)),
	}, nil
}

// NewChannelFromConfig builds the SendGrid backed channel. It returns nil
// when the email settings are incomplete, which disables the channel.
func NewChannelFromConfig(cfg config.EmailConfig, logger types.Logger) (*Channel, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	provider := external.NewSendGridClient(nil, external.SendGridClientConfig{
		APIKey:  cfg.SendGridAPIKey.Unmask(),
		BaseURL: cfg.BaseURL,
		Logger:  logger,
	})
	return NewChannel(ChannelConfig{
		Provider: provider,
		From:     cfg.FromAddress,
		FromName: cfg.FromName,
		To:       cfg.ToAddress,
		Logger:   logger,
	})
}

// Type returns types.ChannelEmail.
func (c *Channel) Type() types.ChannelType {
	return types.ChannelEmail
}

// Send renders msg and hands it to the provider. Message.Tag is passed as
// the provider reference ID.
func (c *Channel) Send(ctx context.Context, msg types.Message) error {
	rendered, err := c.renderer.Render(msg)
	if err != nil {
		return err
	}

	msgID, err := c.provider.Send(ctx, external.Mail{
		To:          c.to,
		From:        c.from,
		FromName:    c.fromName,
		Subject:     rendered.Subject,
		Text:        rendered.BodyText,
		HTML:        rendered.BodyHTML,
		ReferenceID: msg.Tag,
	})
	if err != nil {
		c.logger.Warn("email delivery failed", "dest", RedactEmail(c.to), "error", err.Error())
		return err
	}
	c.logger.Info("email delivered", "dest", RedactEmail(c.to), "provider_message_id", msgID)
	return nil
}

// RedactEmail masks all but the first character of the local part:
// "john@example.com" becomes "j***@example.com".
func RedactEmail(addr string) string {
	local, domain, ok := strings.Cut(addr, "@")
	switch {
	case addr == "":
		return ""
	case !ok:
		return "***"
	case local == "":
		return "***@" + domain
	default:
		return local[:1] + "***@" + domain
	}
}
