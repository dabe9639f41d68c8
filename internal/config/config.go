// Package config defines the process configuration for the opsdeck automation
// core. Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup immediately.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"opsdeck/internal/types"
)

// SecretString is an alias for types.SecretString so configuration consumers
// do not need to import the types package just to unmask a credential.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subset they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"opsdeck-automation"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Database      DatabaseConfig
	Billing       BillingConfig
	Notification  NotificationConfig
	Push          PushConfig
	Email         EmailConfig
	Queue         QueueConfig
	Scheduler     SchedulerConfig
	Workflows     WorkflowConfig
	Stripe        StripeConfig
	Observability ObservabilityConfig

	Build BuildInfo
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"5"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`

	// SerializationRetries bounds how often a billing transaction is replayed
	// after a 40001/40P01 failure before the error propagates.
	SerializationRetries int `envconfig:"DB_SERIALIZATION_RETRIES" default:"3" validate:"gte=0,lte=10"`
}

// BillingConfig holds the pay-per-use settings for automation runs.
type BillingConfig struct {
	PayPerUseEnabled    bool   `envconfig:"AUTOMATION_PAY_PER_USE_ENABLED" default:"false"`
	Currency            string `envconfig:"AUTOMATION_CURRENCY" default:"USD" validate:"len=3"`
	DefaultBalanceCents int64  `envconfig:"AUTOMATION_DEFAULT_BALANCE_CENTS" default:"0" validate:"gte=0"`

	// PricesJSON maps workflow keys to a price in cents, e.g.
	// {"daily_briefing_email": 25, "weekly_farming_report": 50}.
	PricesJSON string `envconfig:"AUTOMATION_PRICES_JSON" default:"{}" validate:"json"`
}

// Prices decodes PricesJSON. Negative prices are rejected.
func (b BillingConfig) Prices() (map[string]int64, error) {
	prices := map[string]int64{}
	if b.PricesJSON == "" {
		return prices, nil
	}
	if err := json.Unmarshal([]byte(b.PricesJSON), &prices); err != nil {
		return nil, fmt.Errorf("AUTOMATION_PRICES_JSON: %w", err)
	}
	for key, cents := range prices {
		if cents < 0 {
			return nil, fmt.Errorf("AUTOMATION_PRICES_JSON: negative price for %q", key)
		}
	}
	return prices, nil
}

// NotificationConfig holds the delivery retry policy shared by all channels.
type NotificationConfig struct {
	MaxRetries       int           `envconfig:"NOTIFICATION_MAX_RETRIES" default:"5" validate:"gte=1,lte=20"`
	RetryBaseSeconds int           `envconfig:"NOTIFICATION_RETRY_BASE_SECONDS" default:"60" validate:"gte=1"`
	SendTimeout      time.Duration `envconfig:"NOTIFICATION_SEND_TIMEOUT" default:"10s"`
	MaxConcurrency   int           `envconfig:"NOTIFICATION_MAX_CONCURRENCY" default:"4" validate:"gte=1"`
	// RetryBatch caps how many due notifications one tick re-attempts.
	RetryBatch       int           `envconfig:"NOTIFICATION_RETRY_BATCH" default:"100" validate:"gte=1,lte=1000"`
}

// RetryBase returns RetryBaseSeconds as a duration.
func (n NotificationConfig) RetryBase() time.Duration {
	return time.Duration(n.RetryBaseSeconds) * time.Second
}

// PushConfig holds Web Push (VAPID) settings. The channel is enabled only when
// both keys are present and at least one subscription is configured.
type PushConfig struct {
	VAPIDPublicKey  string       `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey SecretString `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string       `envconfig:"VAPID_SUBJECT" default:"mailto:ops@localhost"`
	TTL             int          `envconfig:"PUSH_TTL_SECONDS" default:"3600"`

	// SubscriptionsJSON is a JSON array of browser PushSubscription objects:
	// [{"endpoint": "...", "keys": {"p256dh": "...", "auth": "..."}}]
	SubscriptionsJSON string `envconfig:"PUSH_SUBSCRIPTIONS_JSON" default:"[]" validate:"json"`
}

// EmailConfig holds email provider credentials and routing. The channel is
// enabled only when the key, sender and recipient are all present.
type EmailConfig struct {
	SendGridAPIKey SecretString `envconfig:"SENDGRID_API_KEY"`
	BaseURL        string       `envconfig:"SENDGRID_BASE_URL"`
	FromAddress    string       `envconfig:"EMAIL_FROM_ADDRESS" validate:"omitempty,email"`
	FromName       string       `envconfig:"EMAIL_FROM_NAME" default:"OpsDeck Automations"`
	ToAddress      string       `envconfig:"EMAIL_TO_ADDRESS" validate:"omitempty,email"`
}

// Enabled reports whether every required email setting is present.
func (e EmailConfig) Enabled() bool {
	return e.SendGridAPIKey.IsSet() && e.FromAddress != "" && e.ToAddress != ""
}

// QueueConfig holds the optional SQS relay channel.
type QueueConfig struct {
	NotificationQueueURL string `envconfig:"SQS_AUTOMATION_NOTIFICATIONS" validate:"omitempty,url"`
	Region               string `envconfig:"AWS_REGION" default:"us-east-1"`
	EndpointURL          string `envconfig:"AWS_ENDPOINT_URL"`
}

// SchedulerConfig controls the supervisor tick.
type SchedulerConfig struct {
	Interval        time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"60s"`
	WorkflowTimeout time.Duration `envconfig:"WORKFLOW_TIMEOUT" default:"2m"`
	RunOnStart      bool          `envconfig:"SCHEDULER_RUN_ON_START" default:"true"`

	// HistoryRetention bounds how long terminal runs and notification
	// history are kept before the purge task removes them.
	HistoryRetention time.Duration `envconfig:"HISTORY_RETENTION" default:"2160h"`
}

// WorkflowConfig holds per-workflow schedule parameters.
type WorkflowConfig struct {
	DailyBriefingHour   int           `envconfig:"DAILY_BRIEFING_HOUR" default:"8" validate:"gte=0,lte=23"`
	WeeklyReportWeekday time.Weekday  `envconfig:"WEEKLY_REPORT_WEEKDAY" default:"1" validate:"gte=0,lte=6"`
	WeeklyReportHour    int           `envconfig:"WEEKLY_REPORT_HOUR" default:"9" validate:"gte=0,lte=23"`
	MintAlertLookback   time.Duration `envconfig:"MINT_ALERT_LOOKBACK" default:"2h"`
	DashboardURL        string        `envconfig:"DASHBOARD_URL" validate:"omitempty,url"`
}

// StripeConfig holds the webhook secret used to verify top-up events.
type StripeConfig struct {
	WebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"OpsDeck/Automation"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`

	// PrometheusAddr, when set, serves /metrics from the long-running
	// automation process.
	PrometheusAddr string `envconfig:"METRICS_ADDR"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
