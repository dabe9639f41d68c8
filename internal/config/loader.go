package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is returned by Load for every startup failure.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// secretSuffix marks a variable whose value is a parameter-store path for the
// variable named by the prefix. DATABASE_URL_SSM_PARAM=/prod/opsdeck/db
// resolves DATABASE_URL.
const secretSuffix = "_SSM_PARAM"

const localEnv = "local"

// resolveTimeout bounds the whole secret resolution round trip.
const resolveTimeout = 20 * time.Second

// environment is the process-environment surface the loader touches. Tests
// substitute a map-backed implementation.
type environment interface {
	Lookup(key string) (string, bool)
	Set(key, value string) error
	List() []string
}

type osEnvironment struct{}

func (osEnvironment) Lookup(key string) (string, bool) { return os.LookupEnv(key) }
func (osEnvironment) Set(key, value string) error      { return os.Setenv(key, value) }
func (osEnvironment) List() []string                   { return os.Environ() }

// Load builds the process configuration. Secrets referenced through
// *_SSM_PARAM variables are fetched from provider unless APP_ENV is "local";
// provider may be nil when no such variables exist.
func Load(ctx context.Context, provider SecretProvider) (*Config, error) {
	return load(ctx, provider, osEnvironment{})
}

func load(ctx context.Context, provider SecretProvider, env environment) (*Config, error) {
	time.Local = time.UTC

	// Absent .env is the normal case outside local development.
	_ = godotenv.Load()

	if appEnv, _ := env.Lookup("APP_ENV"); appEnv != localEnv {
		if err := injectSecrets(ctx, provider, env); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{Type: ErrParsing, Message: "failed to process environment configuration", Err: err}
	}
	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}
	if _, err := cfg.Billing.Prices(); err != nil {
		return nil, &ConfigError{Type: ErrValidation, Message: "invalid price table", Err: err}
	}
	if cfg.Scheduler.Interval <= 0 || cfg.Scheduler.WorkflowTimeout <= 0 {
		return nil, &ConfigError{Type: ErrValidation, Message: "SCHEDULER_INTERVAL and WORKFLOW_TIMEOUT must be positive"}
	}

	return &cfg, nil
}

// ResolveSecrets performs only the secret injection step. Lambda entry points
// call it before Load so handlers constructed from os.Getenv see the values.
func ResolveSecrets(ctx context.Context, provider SecretProvider) error {
	env := osEnvironment{}
	if appEnv, _ := env.Lookup("APP_ENV"); appEnv == localEnv {
		return nil
	}
	return injectSecrets(ctx, provider, env)
}

// pendingSecrets lists target variable -> parameter path for every pointer
// whose target is not already set. An explicit variable always wins.
func pendingSecrets(env environment) map[string]string {
	pending := make(map[string]string)
	for _, entry := range env.List() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || path == "" || !strings.HasSuffix(key, secretSuffix) {
			continue
		}
		target := strings.TrimSuffix(key, secretSuffix)
		if _, set := env.Lookup(target); set {
			continue
		}
		pending[target] = path
	}
	return pending
}

func injectSecrets(ctx context.Context, provider SecretProvider, env environment) error {
	pending := pendingSecrets(env)
	if len(pending) == 0 {
		return nil
	}

	targets := make([]string, 0, len(pending))
	for target := range pending {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "no secret provider configured to resolve: " + strings.Join(targets, ", "),
		}
	}

	paths := make([]string, 0, len(targets))
	for _, target := range targets {
		paths = append(paths, pending[target])
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	values, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{Type: ErrSSMResolution, Message: fmt.Sprintf("failed to resolve %d parameters", len(paths)), Err: err}
	}

	var missing []string
	for _, target := range targets {
		value, ok := values[pending[target]]
		if !ok {
			missing = append(missing, target)
			continue
		}
		if err := env.Set(target, value); err != nil {
			return &ConfigError{Type: ErrSSMResolution, Message: "failed to export " + target, Err: err}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{Type: ErrSSMResolution, Message: "parameters not found for: " + strings.Join(missing, ", ")}
	}
	return nil
}
