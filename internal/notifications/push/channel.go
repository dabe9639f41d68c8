// Package push delivers workflow notifications as Web Push messages to the
// browser subscriptions listed in configuration.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"opsdeck/internal/config"
	"opsdeck/internal/external"
	"opsdeck/internal/notifications/core"
	"opsdeck/internal/types"
)

// Channel implements core.Channel for Web Push. A send succeeds when at least
// one subscription accepts the message.
type Channel struct {
	sender external.PushSender
	subs   []external.PushSubscription
	ttl    int
	logger types.Logger

	mu   sync.Mutex
	gone map[string]bool
}

var _ core.Channel = (*Channel)(nil)

// NewChannel returns a Channel over subs. ttl is the push service retention
// in seconds.
func NewChannel(sender external.PushSender, subs []external.PushSubscription, ttl int, logger types.Logger) *Channel {
	if logger == nil {
		logger = types.NewSlogLogger(nil)
	}
	return &Channel{
		sender: sender,
		subs:   subs,
		ttl:    ttl,
		logger: logger.With("channel", string(types.ChannelPush)),
		gone:   make(map[string]bool),
	}
}

// NewChannelFromConfig builds the VAPID backed channel. It returns nil when
// the keys are missing or no subscription is configured.
func NewChannelFromConfig(cfg config.PushConfig, logger types.Logger) (*Channel, error) {
	if cfg.VAPIDPublicKey == "" || !cfg.VAPIDPrivateKey.IsSet() {
		return nil, nil
	}
	subs, err := ParseSubscriptions(cfg.SubscriptionsJSON)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, nil
	}
	sender, err := external.NewWebPushClient(nil, external.WebPushConfig{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey.Unmask(),
		Subject:    cfg.VAPIDSubject,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return NewChannel(sender, subs, cfg.TTL, logger), nil
}

// ParseSubscriptions decodes PUSH_SUBSCRIPTIONS_JSON. Entries without an
// endpoint or keys are rejected.
func ParseSubscriptions(raw string) ([]external.PushSubscription, error) {
	if raw == "" {
		return nil, nil
	}
	var subs []external.PushSubscription
	if err := json.Unmarshal([]byte(raw), &subs); err != nil {
		return nil, fmt.Errorf("PUSH_SUBSCRIPTIONS_JSON: %w", err)
	}
	for i, s := range subs {
		if s.Endpoint == "" || s.Keys.P256dh == "" || s.Keys.Auth == "" {
			return nil, fmt.Errorf("PUSH_SUBSCRIPTIONS_JSON: entry %d is incomplete", i)
		}
	}
	return subs, nil
}

// Type returns types.ChannelPush.
func (c *Channel) Type() types.ChannelType {
	return types.ChannelPush
}

// payload is what the service worker receives.
type payload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	URL   string         `json:"url,omitempty"`
	Tag   string         `json:"tag,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Send pushes msg to every live subscription. Endpoints answering 404/410
// are skipped for the rest of the process lifetime.
func (c *Channel) Send(ctx context.Context, msg types.Message) error {
	body, err := json.Marshal(payload{Title: msg.Title, Body: msg.Body, URL: msg.URL, Tag: msg.Tag, Data: msg.Data})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode push payload", err)
	}
	opts := external.PushOptions{TTL: c.ttl, Urgency: "normal"}

	var (
		accepted int
		errs     []error
	)
	for _, sub := range c.live() {
		err := c.sender.Send(ctx, sub, body, opts)
		if err == nil {
			accepted++
			continue
		}
		if types.HasCode(err, types.ErrCodeUpstreamGone) {
			c.markGone(sub.Endpoint)
			c.logger.Warn("push subscription gone", "endpoint_host", endpointHost(sub.Endpoint))
		}
		errs = append(errs, err)
	}

	if accepted > 0 {
		if len(errs) > 0 {
			c.logger.Warn("push partially delivered", "accepted", accepted, "failed", len(errs))
		}
		return nil
	}
	if len(errs) == 0 {
		return types.NewAppError(types.ErrCodeUpstreamGone, "no live push subscriptions", nil)
	}
	return types.NewAppError(types.ErrCodeUpstreamPush,
		fmt.Sprintf("push rejected by all %d subscriptions", len(errs)), errors.Join(errs...))
}

func (c *Channel) live() []external.PushSubscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]external.PushSubscription, 0, len(c.subs))
	for _, s := range c.subs {
		if !c.gone[s.Endpoint] {
			out = append(out, s)
		}
	}
	return out
}

func (c *Channel) markGone(endpoint string) {
	c.mu.Lock()
	c.gone[endpoint] = true
	c.mu.Unlock()
}

// endpointHost keeps the push service host and drops the per-device path.
func endpointHost(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Host
}
