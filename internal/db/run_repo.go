package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"opsdeck/internal/types"
)

// RunRepository persists workflow_runs, the cross-process run lock.
type RunRepository struct {
	db DBTX
}

// NewRunRepository creates a RunRepository backed by the given connection.
func NewRunRepository(db DBTX) *RunRepository {
	return &RunRepository{db: db}
}

// Claim inserts the (workflow_key, run_key) row in status 'started'. It
// returns claimed=false when the key already exists, whoever inserted it.
//
//	INSERT ... ON CONFLICT (workflow_key, run_key) DO NOTHING RETURNING id
//
// DO NOTHING returns no row on conflict, which pgx surfaces as ErrNoRows.
func (r *RunRepository) Claim(ctx context.Context, workflowKey, runKey string, details types.Details) (int64, bool, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO workflow_runs (workflow_key, run_key, status, details)
		 VALUES ($1, $2, 'started', $3)
		 ON CONFLICT (workflow_key, run_key) DO NOTHING
		 RETURNING id`,
		workflowKey, runKey, details,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim workflow run", err)
	}
	return id, true, nil
}

// Finish moves a started run to a terminal status, merging details into the
// stored payload. A run that is missing or already terminal is reported with
// a typed error instead of being overwritten.
func (r *RunRepository) Finish(ctx context.Context, id int64, status types.RunStatus, details types.Details) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE workflow_runs
		 SET status = $2, details = details || $3, updated_at = NOW()
		 WHERE id = $1 AND status = 'started'`,
		id, string(status), details,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish workflow run", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = r.db.QueryRow(ctx, `SELECT status FROM workflow_runs WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewAppError(types.ErrCodeNotFoundRun, "workflow run not found", nil)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to read workflow run", err)
	}
	return types.NewAppErrorWithDetails(types.ErrCodeConflictRunFinished, "workflow run already finished", nil,
		map[string]any{"run_id": id, "status": current})
}

// Get returns the run for a key, or nil when it has never been claimed.
func (r *RunRepository) Get(ctx context.Context, workflowKey, runKey string) (*types.WorkflowRun, error) {
	var run types.WorkflowRun
	var status string
	err := r.db.QueryRow(ctx,
		`SELECT id, workflow_key, run_key, status, details, created_at, updated_at
		 FROM workflow_runs
		 WHERE workflow_key = $1 AND run_key = $2`,
		workflowKey, runKey,
	).Scan(&run.ID, &run.WorkflowKey, &run.RunKey, &status, &run.Details, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get workflow run", err)
	}
	run.Status = types.RunStatus(status)
	return &run, nil
}

// DeleteFinishedBefore removes terminal runs last touched before cutoff.
// Started rows are never purged so an in-flight claim cannot be re-acquired.
func (r *RunRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM workflow_runs WHERE status <> 'started' AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge workflow runs", err)
	}
	return tag.RowsAffected(), nil
}
