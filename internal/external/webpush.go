package external

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"opsdeck/internal/types"
)

const (
	// pushRecordSize is the single aes128gcm record the push service receives.
	pushRecordSize = 4096

	// pushHeaderSize is salt(16) + record size(4) + key id length(1) + the
	// uncompressed P-256 key(65).
	pushHeaderSize = 86

	// MaxPushPayload is the largest plaintext that fits in one record after
	// the content-coding header, the GCM tag and the padding delimiter.
	MaxPushPayload = pushRecordSize - pushHeaderSize - 16 - 1

	vapidTokenTTL = 12 * time.Hour
)

// WebPushConfig holds the VAPID application server identity.
type WebPushConfig struct {
	PublicKey  string // base64url uncompressed P-256 point
	PrivateKey string // base64url 32-byte scalar
	Subject    string // mailto: or https: contact
	Logger     types.Logger
}

// WebPushClient implements PushSender on webpush-go. Requests go through
// BaseClient so the breaker, limiter and retry policy apply to push services
// like any other upstream.
type WebPushClient struct {
	base       *BaseClient
	publicKey  string
	privateKey string
	subject    string
	clock      types.Clock
	logger     types.Logger
}

var _ PushSender = (*WebPushClient)(nil)

// NewWebPushClient validates the VAPID key pair and returns a client.
func NewWebPushClient(httpClient *http.Client, cfg WebPushConfig) (*WebPushClient, error) {
	base := NewBaseClient(httpClient, "webpush", DefaultRetryPolicy(), "OpsDeck/1.0")
	return NewWebPushClientWithBase(base, cfg)
}

// NewWebPushClientWithBase creates a WebPushClient on a pre-configured
// BaseClient.
func NewWebPushClientWithBase(base *BaseClient, cfg WebPushConfig) (*WebPushClient, error) {
	publicKey, privateKey, err := parseVAPIDKeys(cfg.PublicKey, cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	if cfg.Subject == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissing, "VAPID subject is required", nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = types.NewSlogLogger(nil)
	}
	return &WebPushClient{
		base:       base,
		publicKey:  publicKey,
		privateKey: privateKey,
		subject:    cfg.Subject,
		clock:      types.RealClock{},
		logger:     logger,
	}, nil
}

// GenerateVAPIDKeys returns a fresh base64url encoded key pair.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}

// Send encrypts payload for sub and posts it to the subscription endpoint.
// 404 and 410 mean the subscription no longer exists and map to
// ErrCodeUpstreamGone.
func (c *WebPushClient) Send(ctx context.Context, sub PushSubscription, payload []byte, opts PushOptions) error {
	endpoint, err := url.Parse(sub.Endpoint)
	if err != nil || (endpoint.Scheme != "https" && endpoint.Scheme != "http") || endpoint.Host == "" {
		return types.NewAppError(types.ErrCodeValidationTarget, "invalid push endpoint", err)
	}
	if len(payload) > MaxPushPayload {
		return types.NewAppError(types.ErrCodeValidationMissing,
			fmt.Sprintf("push payload is %d bytes, limit is %d", len(payload), MaxPushPayload), nil)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}, &webpush.Options{
		HTTPClient:      c.base,
		RecordSize:      pushRecordSize,
		Subscriber:      strings.TrimPrefix(c.subject, "mailto:"),
		Topic:           opts.Topic,
		TTL:             max(opts.TTL, 0),
		Urgency:         webpush.Urgency(opts.Urgency),
		VAPIDPublicKey:  c.publicKey,
		VAPIDPrivateKey: c.privateKey,
		VapidExpiration: c.clock.Now().Add(vapidTokenTTL),
	})
	if err != nil {
		// BaseClient failures are already classified; anything else was
		// raised while encrypting or signing, before a request went out.
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return appErr
		}
		return types.NewAppError(types.ErrCodeValidationTarget, "push message could not be prepared", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return types.NewAppError(types.ErrCodeUpstreamGone,
			fmt.Sprintf("push subscription expired (%d)", resp.StatusCode), nil)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return types.NewAppError(types.ErrCodeUpstreamPush,
			fmt.Sprintf("push service error (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg))), nil)
	}
}

// parseVAPIDKeys checks that the pair belongs together and returns both keys
// in canonical unpadded base64url.
func parseVAPIDKeys(publicKey, privateKey string) (pub, priv string, err error) {
	rawPriv, err := decodeB64(privateKey)
	if err != nil {
		return "", "", types.NewAppError(types.ErrCodeValidationMissing, "invalid VAPID private key encoding", err)
	}
	key, err := ecdh.P256().NewPrivateKey(rawPriv)
	if err != nil {
		return "", "", types.NewAppError(types.ErrCodeValidationMissing, "invalid VAPID private key", err)
	}
	rawPub, err := decodeB64(publicKey)
	if err != nil {
		return "", "", types.NewAppError(types.ErrCodeValidationMissing, "invalid VAPID public key encoding", err)
	}
	derived := key.PublicKey().Bytes()
	if !bytes.Equal(derived, rawPub) {
		return "", "", types.NewAppError(types.ErrCodeValidationMissing, "VAPID public key does not match private key", nil)
	}
	return base64.RawURLEncoding.EncodeToString(derived), base64.RawURLEncoding.EncodeToString(rawPriv), nil
}

// decodeB64 accepts base64url or standard base64, padded or not. Browsers
// emit unpadded base64url; some tooling pads.
func decodeB64(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	return base64.RawURLEncoding.DecodeString(s)
}
