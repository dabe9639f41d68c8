// Package main is the scheduled automation Lambda. EventBridge rules invoke it
// with a JSON payload naming the task:
//
//	{"task": "tick"}                       every minute
//	{"task": "purge"}                      daily
//	{"task": "reconcile"}                  daily
//
// The service graph is built once per cold start and reused across
// invocations. A Lambda instance never runs two invocations at once, so the
// supervisor's overlap guard only matters if a tick outlives its timeout.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"opsdeck/internal/app"
	"opsdeck/internal/config"
)

func main() {
	ctx := context.Background()
	logger := app.NewLogger(os.Getenv("LOG_LEVEL"))
	logger.Info("automation lambda initializing (cold start)")

	store, err := config.NewParameterStore(ctx, os.Getenv("AWS_REGION"))
	if err != nil {
		logger.Error("failed to create parameter store client", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(ctx, store)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger = logger.With("service", cfg.Service, "env", cfg.Environment)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize automation core", "error", err)
		os.Exit(1)
	}

	logger.Info("automation lambda initialized", "version", cfg.Build.Version)
	lambda.Start(a.Handler.Handle)
}
