package db

import (
	"context"
	"time"

	"opsdeck/internal/types"
)

// SnapshotRepository reads the dashboard state a workflow reports on. The
// SQL function automation_snapshot(workflow_key, now, lookback) is owned by
// the dashboard schema; this repository only invokes it and returns the JSONB
// verbatim.
type SnapshotRepository struct {
	db DBTX
}

// NewSnapshotRepository creates a SnapshotRepository.
func NewSnapshotRepository(db DBTX) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Build returns the snapshot for workflowKey at now. A NULL result is an
// empty snapshot, not an error.
func (r *SnapshotRepository) Build(ctx context.Context, workflowKey string, now time.Time, lookback time.Duration) (types.Details, error) {
	var snap types.Details
	err := r.db.QueryRow(ctx,
		`SELECT automation_snapshot($1, $2, make_interval(secs => $3))`,
		workflowKey, now, lookback.Seconds(),
	).Scan(&snap)
	if err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeInternalDB, "failed to build snapshot", err,
			map[string]any{"workflow_key": workflowKey})
	}
	if snap == nil {
		snap = types.Details{}
	}
	return snap, nil
}
