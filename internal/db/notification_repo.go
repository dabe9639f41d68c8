package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"opsdeck/internal/types"
)

// NotificationRepository provides data access for notification_history, the
// per (target_key, channel) delivery record. Retry state lives entirely in
// the row so a restarted process resumes where the last one stopped.
type NotificationRepository struct {
	db DBTX
}

// NewNotificationRepository creates a NotificationRepository backed by the
// given database connection (pool or transaction).
func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

const historyColumns = `id, target_key, channel, status, attempts, last_error,
	next_retry_at, sent_at, payload, created_at, updated_at`

// Ensure returns the history row for (target, channel), creating it in
// status 'pending' with zero attempts if absent. The payload of an existing
// row is left as first recorded.
func (r *NotificationRepository) Ensure(ctx context.Context, targetKey string, channel types.ChannelType, payload types.Details) (*types.NotificationHistory, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO notification_history (target_key, channel, status, attempts, payload)
		 VALUES ($1, $2, 'pending', 0, $3)
		 ON CONFLICT (target_key, channel) DO NOTHING`,
		targetKey, string(channel), payload,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create notification history", err)
	}

	h, err := r.Get(ctx, targetKey, channel)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundHistory, "notification history missing after insert", nil)
	}
	return h, nil
}

// Get returns the history row or nil if none exists.
func (r *NotificationRepository) Get(ctx context.Context, targetKey string, channel types.ChannelType) (*types.NotificationHistory, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+historyColumns+`
		 FROM notification_history
		 WHERE target_key = $1 AND channel = $2`,
		targetKey, string(channel),
	)
	h, err := scanHistory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get notification history", err)
	}
	return h, nil
}

// ListByTarget returns every channel row recorded for a target.
func (r *NotificationRepository) ListByTarget(ctx context.Context, targetKey string) ([]types.NotificationHistory, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+historyColumns+`
		 FROM notification_history
		 WHERE target_key = $1
		 ORDER BY channel`,
		targetKey,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list notification history", err)
	}
	defer rows.Close()

	var out []types.NotificationHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification history", err)
		}
		out = append(out, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate notification history", err)
	}
	return out, nil
}

// ListDue returns rows a retry sweep should attempt: retrying rows whose
// next_retry_at has passed, and pending rows untouched for staleAfter, which
// belong to a dispatch that never recorded its outcome. Oldest first.
func (r *NotificationRepository) ListDue(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]types.NotificationHistory, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+historyColumns+`
		 FROM notification_history
		 WHERE (status = 'retrying' AND next_retry_at <= $1)
		    OR (status = 'pending' AND COALESCE(next_retry_at, updated_at) <= $2)
		 ORDER BY COALESCE(next_retry_at, updated_at), id
		 LIMIT $3`,
		now, now.Add(-staleAfter), limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due notifications", err)
	}
	defer rows.Close()

	var out []types.NotificationHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification history", err)
		}
		out = append(out, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate notification history", err)
	}
	return out, nil
}

// MarkSent records a successful delivery and clears the retry fields. A row
// already terminal is left untouched; updated reports whether this call won.
func (r *NotificationRepository) MarkSent(ctx context.Context, id int64, sentAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE notification_history
		 SET status = 'sent', sent_at = $2, next_retry_at = NULL, last_error = NULL, updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ('sent', 'failed')`,
		id, sentAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark notification sent", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordFailure stores the outcome of a failed attempt. status is 'retrying'
// with a future nextRetryAt, or 'failed' with nextRetryAt nil.
func (r *NotificationRepository) RecordFailure(ctx context.Context, id int64, attempts int, status types.DeliveryStatus, lastError string, nextRetryAt *time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE notification_history
		 SET status = $2, attempts = $3, last_error = $4, next_retry_at = $5, updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ('sent', 'failed')`,
		id, string(status), attempts, lastError, nextRetryAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record notification failure", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteTerminalBefore removes sent and failed rows last touched before cutoff.
func (r *NotificationRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM notification_history
		 WHERE status IN ('sent', 'failed') AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge notification history", err)
	}
	return tag.RowsAffected(), nil
}

func scanHistory(row pgx.Row) (*types.NotificationHistory, error) {
	var h types.NotificationHistory
	var channel, status string
	err := row.Scan(&h.ID, &h.TargetKey, &channel, &status, &h.Attempts, &h.LastError,
		&h.NextRetryAt, &h.SentAt, &h.Payload, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	h.Channel = types.ChannelType(channel)
	h.Status = types.DeliveryStatus(status)
	return &h, nil
}
