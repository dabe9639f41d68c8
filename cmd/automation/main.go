// Package main is the long-running automation process. It arms the scheduler
// timer, serves the ops endpoints, and stops cleanly on SIGINT/SIGTERM.
//
// Flags:
//
//	--migrate          apply the embedded schema before starting
//	--once TASK        run one task (tick, purge, reconcile) and exit
//	--reference-time   RFC3339 time used by --once purge
//	--gen-vapid        print a fresh VAPID key pair and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"opsdeck/internal/app"
	"opsdeck/internal/config"
	"opsdeck/internal/external"
	"opsdeck/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

func main() {
	migrateFlag := flag.Bool("migrate", false, "apply the database schema before starting")
	onceFlag := flag.String("once", "", "run a single task (tick, purge, reconcile) and exit")
	refTimeFlag := flag.String("reference-time", "", "RFC3339 reference time for --once purge")
	vapidFlag := flag.Bool("gen-vapid", false, "print a new VAPID key pair and exit")
	flag.Parse()

	if *vapidFlag {
		if err := printVAPIDKeys(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *migrateFlag, *onceFlag, *refTimeFlag); err != nil {
		slog.Error("automation exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, migrate bool, once, refTime string) error {
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		store, err := config.NewParameterStore(ctx, os.Getenv("AWS_REGION"))
		if err != nil {
			return err
		}
		provider = store
	}
	cfg, err := config.Load(ctx, provider)
	if err != nil {
		return err
	}

	logger := app.NewLogger(cfg.LogLevel).With("service", cfg.Service, "env", cfg.Environment)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing automation core: %w", err)
	}
	defer a.Close()

	if migrate {
		if err := a.Migrate(ctx); err != nil {
			return err
		}
	}

	if once != "" {
		return runOnce(ctx, a, once, refTime)
	}
	return serve(ctx, a, logger)
}

func runOnce(ctx context.Context, a *app.App, task, refTime string) error {
	payload := scheduler.Payload{Task: scheduler.TaskType(task)}
	if refTime != "" {
		t, err := time.Parse(time.RFC3339, refTime)
		if err != nil {
			return fmt.Errorf("invalid --reference-time %q: %w", refTime, err)
		}
		payload.ReferenceTime = &t
	}
	res, err := a.Handler.Handle(ctx, payload)
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	return err
}

func serve(ctx context.Context, a *app.App, logger *slog.Logger) error {
	started := time.Now().UTC()
	if err := a.Supervisor.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var httpServer *http.Server
	if addr := a.Config.Observability.PrometheusAddr; addr != "" {
		httpServer = &http.Server{
			Addr:              addr,
			Handler:           a.OpsServer(started).Router(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		g.Go(func() error {
			logger.Info("ops server listening", "addr", addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := a.Supervisor.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if httpServer != nil {
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("ops server shutdown: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("automation stopped cleanly")
	return nil
}

func printVAPIDKeys() error {
	pub, priv, err := external.GenerateVAPIDKeys()
	if err != nil {
		return err
	}
	fmt.Printf("VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", pub, priv)
	return nil
}
