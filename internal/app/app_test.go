package app

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdeck/internal/config"
	"opsdeck/internal/external"
	"opsdeck/internal/telemetry"
	"opsdeck/internal/types"
)

func noAWS(t *testing.T) func() (aws.Config, error) {
	return func() (aws.Config, error) {
		t.Fatal("AWS config must not be loaded")
		return aws.Config{}, errors.New("unreachable")
	}
}

func baseConfig() *config.Config {
	return &config.Config{
		Environment: "local",
		Service:     "opsdeck-automation",
		Billing:     config.BillingConfig{Currency: "USD", PricesJSON: `{"daily_briefing_email": 25}`},
		Notification: config.NotificationConfig{
			MaxRetries:       5,
			RetryBaseSeconds: 60,
			MaxConcurrency:   2,
			RetryBatch:       50,
		},
		Push:  config.PushConfig{SubscriptionsJSON: "[]"},
		Email: config.EmailConfig{FromName: "OpsDeck"},
		Workflows: config.WorkflowConfig{
			DailyBriefingHour: 8,
			WeeklyReportHour:  9,
		},
		Observability: config.ObservabilityConfig{MetricNamespace: "OpsDeck/Test"},
	}
}

func TestBuildChannels_NoneEnabled(t *testing.T) {
	channels, err := buildChannels(baseConfig(), noAWS(t), types.NewSlogLogger(nil))
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestBuildChannels_PushThenEmail(t *testing.T) {
	pub, priv, err := external.GenerateVAPIDKeys()
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.Push = config.PushConfig{
		VAPIDPublicKey:    pub,
		VAPIDPrivateKey:   config.SecretString(priv),
		VAPIDSubject:      "mailto:ops@example.com",
		TTL:               60,
		SubscriptionsJSON: `[{"endpoint":"https://push.example.com/abc","keys":{"p256dh":"BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM","auth":"tBHItJI5svbpez7KI4CCXg"}}]`,
	}
	cfg.Email = config.EmailConfig{
		SendGridAPIKey: config.SecretString("SG.test"),
		FromAddress:    "bot@example.com",
		FromName:       "OpsDeck",
		ToAddress:      "me@example.com",
	}

	channels, err := buildChannels(cfg, noAWS(t), types.NewSlogLogger(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"push", "email"}, channelNames(channels))
}

func TestBuildChannels_InvalidPushKeys(t *testing.T) {
	cfg := baseConfig()
	cfg.Push = config.PushConfig{
		VAPIDPublicKey:    "not-a-key",
		VAPIDPrivateKey:   config.SecretString("also-not-a-key"),
		VAPIDSubject:      "mailto:ops@example.com",
		SubscriptionsJSON: `[{"endpoint":"https://push.example.com/abc","keys":{"p256dh":"x","auth":"y"}}]`,
	}
	_, err := buildChannels(cfg, noAWS(t), types.NewSlogLogger(nil))
	assert.Error(t, err)
}

func TestBuildChannels_QueueNeedsAWS(t *testing.T) {
	cfg := baseConfig()
	cfg.Queue.NotificationQueueURL = "https://sqs.us-east-1.amazonaws.com/123/automation"
	boom := errors.New("no credentials")

	_, err := buildChannels(cfg, func() (aws.Config, error) { return aws.Config{}, boom }, types.NewSlogLogger(nil))
	assert.ErrorIs(t, err, boom)
}

func TestBuildChannels_Queue(t *testing.T) {
	cfg := baseConfig()
	cfg.Queue.NotificationQueueURL = "https://sqs.us-east-1.amazonaws.com/123/automation.fifo"
	cfg.Queue.EndpointURL = "http://localhost:4566"

	channels, err := buildChannels(cfg, func() (aws.Config, error) {
		return aws.Config{Region: "us-east-1"}, nil
	}, types.NewSlogLogger(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"queue"}, channelNames(channels))
}

func TestBuildMetrics(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		rec, prom, err := buildMetrics(baseConfig(), noAWS(t), types.NewSlogLogger(nil))
		require.NoError(t, err)
		assert.Nil(t, prom)
		assert.IsType(t, telemetry.Nop{}, rec)
	})

	t.Run("prometheus only", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Observability.PrometheusAddr = ":9090"
		rec, prom, err := buildMetrics(cfg, noAWS(t), types.NewSlogLogger(nil))
		require.NoError(t, err)
		require.NotNil(t, prom)
		assert.Same(t, prom, rec)
	})

	t.Run("both", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Observability.PrometheusAddr = ":9090"
		cfg.Observability.EnableMetrics = true
		rec, prom, err := buildMetrics(cfg, func() (aws.Config, error) {
			return aws.Config{Region: "us-east-1"}, nil
		}, types.NewSlogLogger(nil))
		require.NoError(t, err)
		require.NotNil(t, prom)
		multi, ok := rec.(telemetry.Multi)
		require.True(t, ok)
		assert.Len(t, multi, 2)
	})
}

func TestBuild_AssemblesGraph(t *testing.T) {
	a, err := build(context.Background(), baseConfig(), nil, nil)
	require.NoError(t, err)

	assert.NotNil(t, a.Runs)
	assert.NotNil(t, a.Billing)
	assert.NotNil(t, a.Dispatcher)
	assert.NotNil(t, a.Supervisor)
	assert.NotNil(t, a.Maintenance)
	assert.NotNil(t, a.Handler)
	assert.Nil(t, a.Prometheus)
	assert.Equal(t, 25, int(a.Billing.ResolvePrice("daily_briefing_email")))
}

func TestBuild_RejectsBadPrices(t *testing.T) {
	cfg := baseConfig()
	cfg.Billing.PricesJSON = `{"daily_briefing_email": -1}`
	_, err := build(context.Background(), cfg, nil, nil)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	ctx := context.Background()
	assert.True(t, NewLogger("debug").Enabled(ctx, -4))
	assert.False(t, NewLogger("warn").Enabled(ctx, 0))
	assert.True(t, NewLogger("nonsense").Enabled(ctx, 0))
}
