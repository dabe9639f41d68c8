// Package app assembles the automation core from configuration. Both the
// long-running process and the Lambda entry points build the same graph
// here so they cannot drift apart.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"opsdeck/internal/billing"
	"opsdeck/internal/config"
	"opsdeck/internal/db"
	"opsdeck/internal/notifications/core"
	"opsdeck/internal/notifications/email"
	"opsdeck/internal/notifications/push"
	"opsdeck/internal/notifications/queue"
	"opsdeck/internal/runs"
	"opsdeck/internal/scheduler"
	"opsdeck/internal/telemetry"
	"opsdeck/internal/types"
	"opsdeck/internal/workflows"
)

// App holds the wired services. Close releases the pool.
type App struct {
	Config      *config.Config
	Pool        *pgxpool.Pool
	Runs        *runs.Ledger
	Billing     *billing.Ledger
	Dispatcher  *core.Dispatcher
	Supervisor  *scheduler.Supervisor
	Maintenance *scheduler.MaintenanceService
	Handler     *scheduler.Handler
	Metrics     telemetry.Recorder

	// TopUps is nil unless STRIPE_WEBHOOK_SECRET is set.
	TopUps *billing.StripeTopUps

	// Prometheus is non-nil when METRICS_ADDR is set.
	Prometheus *telemetry.PrometheusMetrics

	logger *slog.Logger
}

// NewLogger returns the JSON logger used by every entry point.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// New connects to the database and builds the service graph.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:               cfg.Database.URL.Unmask(),
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return nil, err
	}

	a, err := build(ctx, cfg, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	a.Pool = pool
	return a, nil
}

// Migrate applies the embedded schema.
func (a *App) Migrate(ctx context.Context) error {
	if err := db.Migrate(ctx, a.Pool); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "database schema applied")
	return nil
}

// OpsServer builds the HTTP surface for the long-running process. started is
// when the supervisor was armed.
func (a *App) OpsServer(started time.Time) *OpsServer {
	srv := &OpsServer{
		Checks: []HealthCheck{
			TickCheck{Ticks: a.Supervisor, Started: started},
		},
		Balance: a.Billing,
		Logger:  a.logger,
	}
	if a.Pool != nil {
		srv.Checks = append([]HealthCheck{CheckFunc{Label: "database", Fn: a.Pool.Ping}}, srv.Checks...)
	}
	if a.Prometheus != nil {
		srv.Metrics = a.Prometheus.Handler()
	}
	if a.TopUps != nil {
		srv.Webhooks = a.TopUps
	}
	return srv
}

// Close releases the database pool.
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
}

func build(ctx context.Context, cfg *config.Config, pool db.TxBeginner, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := types.NewSlogLogger(logger)

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Queue.Region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("loading AWS config (region=%s): %w", cfg.Queue.Region, err)
		}
		awsCfg = &c
		return c, nil
	}

	recorder, prom, err := buildMetrics(cfg, loadAWS, log)
	if err != nil {
		return nil, err
	}

	channels, err := buildChannels(cfg, loadAWS, log)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		logger.WarnContext(ctx, "no notification channels enabled; every run will be refunded as undelivered")
	}

	prices, err := cfg.Billing.Prices()
	if err != nil {
		return nil, err
	}

	runLedger := runs.NewLedger(db.NewRunRepository(pool), logger)
	billingLedger := billing.NewLedger(NewBillingStore(db.NewBillingRepository(pool)), billing.Config{
		PayPerUseEnabled:        cfg.Billing.PayPerUseEnabled,
		Prices:                  billing.PriceTable(prices),
		Currency:                cfg.Billing.Currency,
		DefaultBalanceCents:     cfg.Billing.DefaultBalanceCents,
		MaxSerializationRetries: cfg.Database.SerializationRetries,
	}, logger, billing.WithMetrics(recorder))

	dispatcher := core.NewDispatcher(db.NewNotificationRepository(pool), channels, core.DispatcherConfig{
		MaxRetries:     cfg.Notification.MaxRetries,
		RetryBase:      cfg.Notification.RetryBase(),
		SendTimeout:    cfg.Notification.SendTimeout,
		MaxConcurrency: cfg.Notification.MaxConcurrency,
	}, log, core.WithDeliveryMetrics(recorder))

	drivers := workflows.NewDrivers(workflows.Catalog(cfg.Workflows), workflows.Deps{
		Runs:      runLedger,
		Billing:   billingLedger,
		Notifier:  dispatcher,
		Snapshots: db.NewSnapshotRepository(pool),
		Metrics:   recorder,
		Logger:    logger,
	})

	supervisor := scheduler.NewSupervisor(asSchedulerDrivers(drivers), scheduler.Config{
		Interval:        cfg.Scheduler.Interval,
		WorkflowTimeout: cfg.Scheduler.WorkflowTimeout,
		RunOnStart:      cfg.Scheduler.RunOnStart,
	}, logger,
		scheduler.WithMetrics(recorder),
		scheduler.WithRetrySweep(dispatcher, cfg.Notification.RetryBatch),
	)

	maintenance := scheduler.NewMaintenanceService(billingLedger, cfg.Scheduler.HistoryRetention, logger).
		AddPurger("workflow_runs", runLedger).
		AddPurger("notification_history", dispatcher)

	var topUps *billing.StripeTopUps
	if cfg.Stripe.WebhookSecret.IsSet() {
		topUps = billing.NewStripeTopUps(billingLedger, cfg.Stripe.WebhookSecret.Unmask(), cfg.Billing.Currency, logger)
	}

	logger.InfoContext(ctx, "automation core assembled",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"workflows", len(drivers),
		"channels", channelNames(channels),
		"pay_per_use", cfg.Billing.PayPerUseEnabled,
	)

	return &App{
		Config:      cfg,
		Runs:        runLedger,
		Billing:     billingLedger,
		Dispatcher:  dispatcher,
		Supervisor:  supervisor,
		Maintenance: maintenance,
		Handler:     scheduler.NewHandler(supervisor, maintenance, nil, logger),
		Metrics:     recorder,
		Prometheus:  prom,
		TopUps:      topUps,
		logger:      logger,
	}, nil
}

func asSchedulerDrivers(drivers []*workflows.Driver) []scheduler.Driver {
	out := make([]scheduler.Driver, len(drivers))
	for i, d := range drivers {
		out[i] = d
	}
	return out
}

// buildChannels returns the enabled channels in the fixed order push, email,
// queue. A disabled channel is left out rather than added as a nil.
func buildChannels(cfg *config.Config, loadAWS func() (aws.Config, error), log types.Logger) ([]core.Channel, error) {
	var channels []core.Channel

	pushCh, err := push.NewChannelFromConfig(cfg.Push, log)
	if err != nil {
		return nil, fmt.Errorf("push channel: %w", err)
	}
	if pushCh != nil {
		channels = append(channels, pushCh)
	}

	emailCh, err := email.NewChannelFromConfig(cfg.Email, log)
	if err != nil {
		return nil, fmt.Errorf("email channel: %w", err)
	}
	if emailCh != nil {
		channels = append(channels, emailCh)
	}

	if cfg.Queue.NotificationQueueURL != "" {
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, fmt.Errorf("queue channel: %w", err)
		}
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.Queue.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.Queue.EndpointURL)
			}
		})
		channels = append(channels, queue.NewChannel(client, cfg.Queue.NotificationQueueURL, log))
	}

	return channels, nil
}

// buildMetrics combines CloudWatch (ENABLE_METRICS) and Prometheus
// (METRICS_ADDR). With neither, metrics are discarded.
func buildMetrics(cfg *config.Config, loadAWS func() (aws.Config, error), log types.Logger) (telemetry.Recorder, *telemetry.PrometheusMetrics, error) {
	var cw, pm telemetry.Recorder
	var prom *telemetry.PrometheusMetrics

	if cfg.Observability.EnableMetrics {
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, nil, fmt.Errorf("cloudwatch metrics: %w", err)
		}
		cw = telemetry.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, log)
	}
	if cfg.Observability.PrometheusAddr != "" {
		prom = telemetry.NewPrometheusMetrics(cfg.Service, cfg.Environment)
		pm = prom
	}
	return telemetry.Combine(cw, pm), prom, nil
}

func channelNames(channels []core.Channel) []string {
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = string(ch.Type())
	}
	return names
}
