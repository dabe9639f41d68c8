// Package runs implements the run ledger: one durable row per
// (workflow_key, run_key) that grants at-most-once execution across every
// scheduler process sharing the database.
package runs

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"

	"opsdeck/internal/types"
)

// Store is the persistence surface used by the Ledger. db.RunRepository
// implements it.
type Store interface {
	Claim(ctx context.Context, workflowKey, runKey string, details types.Details) (int64, bool, error)
	Finish(ctx context.Context, id int64, status types.RunStatus, details types.Details) error
	Get(ctx context.Context, workflowKey, runKey string) (*types.WorkflowRun, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BeginResult reports whether this caller claimed the run.
type BeginResult struct {
	Started bool
	RunID   int64
}

type runKeys struct {
	WorkflowKey string `validate:"required,max=128,runkey"`
	RunKey      string `validate:"required,max=128,runkey"`
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("runkey", func(fl validator.FieldLevel) bool {
		return keyPattern.MatchString(fl.Field().String())
	})
	return v
}

// Ledger validates keys and delegates to the Store.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// NewLedger creates a Ledger.
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// Begin claims (workflowKey, runKey). Started=false means the run was already
// claimed by this or another process and must be reported as already_ran.
func (l *Ledger) Begin(ctx context.Context, workflowKey, runKey string) (BeginResult, error) {
	if err := ValidateKeys(workflowKey, runKey); err != nil {
		return BeginResult{}, err
	}

	id, claimed, err := l.store.Claim(ctx, workflowKey, runKey, types.Details{})
	if err != nil {
		return BeginResult{}, err
	}
	if !claimed {
		l.logger.InfoContext(ctx, "run already claimed", "workflow_key", workflowKey, "run_key", runKey)
		return BeginResult{Started: false}, nil
	}
	return BeginResult{Started: true, RunID: id}, nil
}

// Finish records the terminal outcome of a claimed run.
func (l *Ledger) Finish(ctx context.Context, runID int64, status types.RunStatus, details types.Details) error {
	if !status.IsTerminal() {
		return types.NewAppError(types.ErrCodeValidationStatus, "run status must be terminal: "+string(status), nil)
	}
	return l.store.Finish(ctx, runID, status, details)
}

// Get returns the run for a key, or nil if it was never claimed.
func (l *Ledger) Get(ctx context.Context, workflowKey, runKey string) (*types.WorkflowRun, error) {
	if err := ValidateKeys(workflowKey, runKey); err != nil {
		return nil, err
	}
	return l.store.Get(ctx, workflowKey, runKey)
}

// PurgeBefore deletes terminal runs older than cutoff.
func (l *Ledger) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := l.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.InfoContext(ctx, "purged workflow runs", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// ValidateKeys rejects empty or oversized keys and keys containing anything
// other than letters, digits and "_.:-". Billing accepts the same keys.
func ValidateKeys(workflowKey, runKey string) error {
	err := validate.Struct(runKeys{WorkflowKey: workflowKey, RunKey: runKey})
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		code := types.ErrCodeValidationRunKey
		if verrs[0].Field() == "WorkflowKey" {
			code = types.ErrCodeValidationWorkflowKey
		}
		return types.NewAppErrorWithDetails(code, "invalid "+verrs[0].Field(), err,
			map[string]any{"rule": verrs[0].Tag()})
	}
	return types.NewAppError(types.ErrCodeValidationMissing, "invalid run keys", err)
}
