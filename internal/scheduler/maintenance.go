package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"opsdeck/internal/billing"
	"opsdeck/internal/types"
)

// Purger deletes terminal rows older than a cutoff. Implemented by
// *runs.Ledger and *core.Dispatcher.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Reconciler is implemented by *billing.Ledger.
type Reconciler interface {
	Reconcile(ctx context.Context) (billing.ReconcileReport, error)
}

// PurgeReport counts rows removed per store.
type PurgeReport struct {
	Cutoff  time.Time
	Deleted map[string]int64
}

// MaintenanceService runs the retention and ledger checks that do not belong
// to any single workflow.
type MaintenanceService struct {
	purgers    map[string]Purger
	order      []string
	reconciler Reconciler
	retention  time.Duration
	logger     *slog.Logger
}

// NewMaintenanceService creates a MaintenanceService. A zero retention
// disables purging.
func NewMaintenanceService(reconciler Reconciler, retention time.Duration, logger *slog.Logger) *MaintenanceService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MaintenanceService{
		purgers:    map[string]Purger{},
		reconciler: reconciler,
		retention:  retention,
		logger:     logger,
	}
}

// AddPurger registers a store under name. Purgers run in registration order.
func (m *MaintenanceService) AddPurger(name string, p Purger) *MaintenanceService {
	if _, ok := m.purgers[name]; !ok {
		m.order = append(m.order, name)
	}
	m.purgers[name] = p
	return m
}

// Purge deletes rows that reached a terminal state before now minus the
// retention. A failing store is logged and the rest still run; the joined
// errors are returned with the partial report.
func (m *MaintenanceService) Purge(ctx context.Context, now time.Time) (PurgeReport, error) {
	report := PurgeReport{Deleted: map[string]int64{}}
	if m.retention <= 0 {
		m.logger.InfoContext(ctx, "history retention disabled, skipping purge")
		return report, nil
	}
	report.Cutoff = now.Add(-m.retention)

	var errs []error
	for _, name := range m.order {
		n, err := m.purgers[name].PurgeBefore(ctx, report.Cutoff)
		if err != nil {
			m.logger.ErrorContext(ctx, "purge failed",
				"store", name,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("purging %s: %w", name, err))
			continue
		}
		report.Deleted[name] = n
	}

	m.logger.InfoContext(ctx, "purge complete",
		"cutoff", report.Cutoff.Format(time.RFC3339),
		"deleted", report.Deleted,
	)
	return report, errors.Join(errs...)
}

// Reconcile checks the billing balance against the transaction log.
func (m *MaintenanceService) Reconcile(ctx context.Context) (billing.ReconcileReport, error) {
	if m.reconciler == nil {
		return billing.ReconcileReport{}, types.NewAppError(types.ErrCodeInternalUnexpected, "no reconciler configured", nil)
	}
	report, err := m.reconciler.Reconcile(ctx)
	if err != nil {
		return report, err
	}
	m.logger.InfoContext(ctx, "billing ledger reconciled",
		"account_id", report.AccountID,
		"balance_cents", report.BalanceCents,
	)
	return report, nil
}
