package billing

import (
	"context"
	"time"

	"opsdeck/internal/types"
)

// retryPause is the base pause between serialization retries; attempt n
// waits n*retryPause.
const retryPause = 15 * time.Millisecond

// withTx runs fn in a fresh transaction, committing on success. A
// serialization conflict from any step, including Commit, replays fn in a new
// transaction up to MaxSerializationRetries times. Any other error rolls back
// and propagates unchanged.
func (l *Ledger) withTx(ctx context.Context, op string, fn func(tx Tx) error) error {
	var err error
	for attempt := 0; attempt <= l.cfg.MaxSerializationRetries; attempt++ {
		if attempt > 0 {
			l.logger.WarnContext(ctx, "retrying billing transaction after conflict",
				"operation", op,
				"attempt", attempt,
				"error", err,
			)
			l.sleep(time.Duration(attempt) * retryPause)
		}

		err = l.runTx(ctx, fn)
		if err == nil || !types.HasCode(err, types.ErrCodeConflictSerialize) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (l *Ledger) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := l.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
