package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"opsdeck/internal/types"
)

// BillingRepository provides data access for billing_accounts,
// automation_usage_events and automation_billing_transactions.
//
// Reads run directly on the pool. Every mutation happens through a BillingTx
// opened with BeginTx at SERIALIZABLE isolation; the ledger service locks the
// usage event and the account row with SELECT ... FOR UPDATE inside it.
type BillingRepository struct {
	billingQueries
	pool TxBeginner
}

// NewBillingRepository creates a BillingRepository backed by the pool.
func NewBillingRepository(pool TxBeginner) *BillingRepository {
	return &BillingRepository{billingQueries: billingQueries{db: pool}, pool: pool}
}

// BeginTx opens a serializable transaction. The caller must Commit or Rollback.
func (r *BillingRepository) BeginTx(ctx context.Context) (*BillingTx, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, wrapDBError("failed to begin billing transaction", err)
	}
	return &BillingTx{billingQueries: billingQueries{db: tx}, tx: tx}, nil
}

// GetAccount returns the account, or nil if it has not been created yet.
func (r *BillingRepository) GetAccount(ctx context.Context, accountKey string) (*types.BillingAccount, error) {
	acct, err := r.selectAccount(ctx, accountKey, false)
	if types.HasCode(err, types.ErrCodeNotFoundAccount) {
		return nil, nil
	}
	return acct, err
}

// ListTransactions returns the newest entries first.
func (r *BillingRepository) ListTransactions(ctx context.Context, accountKey string, limit int) ([]types.Transaction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT t.id, t.account_id, t.kind, t.amount_cents, t.balance_after_cents, t.currency,
		        t.workflow_key, t.run_key, t.external_ref, t.details, t.created_at
		 FROM automation_billing_transactions t
		 JOIN billing_accounts a ON a.id = t.account_id
		 WHERE a.account_key = $1
		 ORDER BY t.created_at DESC, t.id DESC
		 LIMIT $2`,
		accountKey, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list billing transactions", err)
	}
	defer rows.Close()

	var out []types.Transaction
	for rows.Next() {
		var t types.Transaction
		var kind string
		if err := rows.Scan(&t.ID, &t.AccountID, &kind, &t.AmountCents, &t.BalanceAfterCents, &t.Currency,
			&t.WorkflowKey, &t.RunKey, &t.ExternalRef, &t.Details, &t.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan billing transaction", err)
		}
		t.Kind = types.TransactionKind(kind)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate billing transactions", err)
	}
	return out, nil
}

// LedgerSum returns SUM(amount_cents) of the account's transaction log.
func (r *BillingRepository) LedgerSum(ctx context.Context, accountID int64) (int64, error) {
	var sum int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0)::BIGINT
		 FROM automation_billing_transactions
		 WHERE account_id = $1`,
		accountID,
	).Scan(&sum)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sum billing transactions", err)
	}
	return sum, nil
}

// GetUsageEvent returns the usage event for a run without locking it.
func (r *BillingRepository) GetUsageEvent(ctx context.Context, workflowKey, runKey string) (*types.UsageEvent, error) {
	return r.selectUsageEvent(ctx, workflowKey, runKey, false)
}

// BillingTx is one serializable ledger transaction.
type BillingTx struct {
	billingQueries
	tx pgx.Tx
}

// Commit commits the transaction.
func (t *BillingTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return wrapDBError("failed to commit billing transaction", err)
	}
	return nil
}

// Rollback aborts the transaction. It is a no-op after Commit.
func (t *BillingTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to roll back billing transaction", err)
	}
	return nil
}

// billingQueries holds the statements shared by the pool and tx paths.
type billingQueries struct {
	db DBTX
}

// LockUsageEvent selects the usage event FOR UPDATE. It returns nil when the
// run has never been billed.
func (q billingQueries) LockUsageEvent(ctx context.Context, workflowKey, runKey string) (*types.UsageEvent, error) {
	return q.selectUsageEvent(ctx, workflowKey, runKey, true)
}

func (q billingQueries) selectUsageEvent(ctx context.Context, workflowKey, runKey string, forUpdate bool) (*types.UsageEvent, error) {
	query := `SELECT id, workflow_key, run_key, status, price_cents, currency,
	                 billing_transaction_id, details, created_at, updated_at
	          FROM automation_usage_events
	          WHERE workflow_key = $1 AND run_key = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var ev types.UsageEvent
	var status string
	err := q.db.QueryRow(ctx, query, workflowKey, runKey).Scan(
		&ev.ID, &ev.WorkflowKey, &ev.RunKey, &status, &ev.PriceCents, &ev.Currency,
		&ev.BillingTransactionID, &ev.Details, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapDBError("failed to read usage event", err)
	}
	ev.Status = types.UsageStatus(status)
	return &ev, nil
}

// InsertUsageEvent creates the usage event for a run and fills ID and
// timestamps on ev.
func (q billingQueries) InsertUsageEvent(ctx context.Context, ev *types.UsageEvent) error {
	err := q.db.QueryRow(ctx,
		`INSERT INTO automation_usage_events
		 (workflow_key, run_key, status, price_cents, currency, billing_transaction_id, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		ev.WorkflowKey, ev.RunKey, string(ev.Status), ev.PriceCents, ev.Currency,
		ev.BillingTransactionID, ev.Details,
	).Scan(&ev.ID, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return wrapDBError("failed to insert usage event", err)
	}
	return nil
}

// UpsertFreeUsage records a free_disabled usage event. On a repeat call the
// incoming details overlay the stored ones per top-level key. A row that has
// left free_disabled is never touched.
func (q billingQueries) UpsertFreeUsage(ctx context.Context, ev *types.UsageEvent) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO automation_usage_events
		 (workflow_key, run_key, status, price_cents, currency, details)
		 VALUES ($1, $2, 'free_disabled', $3, $4, $5)
		 ON CONFLICT (workflow_key, run_key) DO UPDATE
		   SET details = automation_usage_events.details || EXCLUDED.details,
		       price_cents = EXCLUDED.price_cents,
		       updated_at = NOW()
		   WHERE automation_usage_events.status = 'free_disabled'`,
		ev.WorkflowKey, ev.RunKey, ev.PriceCents, ev.Currency, ev.Details,
	)
	if err != nil {
		return wrapDBError("failed to upsert free usage event", err)
	}
	return nil
}

// UpdateUsageEvent transitions a locked usage event. A nil transactionID
// keeps the stored link; details are merged.
func (q billingQueries) UpdateUsageEvent(ctx context.Context, id int64, status types.UsageStatus, transactionID *string, details types.Details) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE automation_usage_events
		 SET status = $2,
		     billing_transaction_id = COALESCE($3, billing_transaction_id),
		     details = details || $4,
		     updated_at = NOW()
		 WHERE id = $1`,
		id, string(status), transactionID, details,
	)
	if err != nil {
		return wrapDBError("failed to update usage event", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "usage event vanished inside transaction", nil)
	}
	return nil
}

// EnsureAccount creates the account with the opening balance if it does not
// exist. created reports whether this call inserted it.
func (q billingQueries) EnsureAccount(ctx context.Context, accountKey, currency string, openingBalance int64) (*types.BillingAccount, bool, error) {
	var acct types.BillingAccount
	err := q.db.QueryRow(ctx,
		`INSERT INTO billing_accounts (account_key, currency, balance_cents, spent_cents)
		 VALUES ($1, $2, $3, 0)
		 ON CONFLICT (account_key) DO NOTHING
		 RETURNING id, account_key, currency, balance_cents, spent_cents, last_charged_at, created_at, updated_at`,
		accountKey, currency, openingBalance,
	).Scan(&acct.ID, &acct.AccountKey, &acct.Currency, &acct.BalanceCents, &acct.SpentCents,
		&acct.LastChargedAt, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, wrapDBError("failed to create billing account", err)
	}
	return &acct, true, nil
}

// LockAccount selects the account row FOR UPDATE.
func (q billingQueries) LockAccount(ctx context.Context, accountKey string) (*types.BillingAccount, error) {
	return q.selectAccount(ctx, accountKey, true)
}

func (q billingQueries) selectAccount(ctx context.Context, accountKey string, forUpdate bool) (*types.BillingAccount, error) {
	query := `SELECT id, account_key, currency, balance_cents, spent_cents, last_charged_at, created_at, updated_at
	          FROM billing_accounts
	          WHERE account_key = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var acct types.BillingAccount
	err := q.db.QueryRow(ctx, query, accountKey).Scan(
		&acct.ID, &acct.AccountKey, &acct.Currency, &acct.BalanceCents, &acct.SpentCents,
		&acct.LastChargedAt, &acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "billing account not found", nil)
		}
		return nil, wrapDBError("failed to read billing account", err)
	}
	return &acct, nil
}

// SaveAccount writes the balance fields of a locked account.
func (q billingQueries) SaveAccount(ctx context.Context, acct *types.BillingAccount) error {
	err := q.db.QueryRow(ctx,
		`UPDATE billing_accounts
		 SET balance_cents = $2, spent_cents = $3, last_charged_at = $4, updated_at = NOW()
		 WHERE id = $1
		 RETURNING updated_at`,
		acct.ID, acct.BalanceCents, acct.SpentCents, acct.LastChargedAt,
	).Scan(&acct.UpdatedAt)
	if err != nil {
		return wrapDBError("failed to update billing account", err)
	}
	return nil
}

// InsertTransaction appends an entry to the transaction log. t.ID must be set.
func (q billingQueries) InsertTransaction(ctx context.Context, t *types.Transaction) error {
	err := q.db.QueryRow(ctx,
		`INSERT INTO automation_billing_transactions
		 (id, account_id, kind, amount_cents, balance_after_cents, currency,
		  workflow_key, run_key, external_ref, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at`,
		t.ID, t.AccountID, string(t.Kind), t.AmountCents, t.BalanceAfterCents, t.Currency,
		t.WorkflowKey, t.RunKey, t.ExternalRef, t.Details,
	).Scan(&t.CreatedAt)
	if err != nil {
		return wrapDBError("failed to insert billing transaction", err)
	}
	return nil
}

// FindTransactionByExternalRef returns the transaction carrying ref, or nil.
func (q billingQueries) FindTransactionByExternalRef(ctx context.Context, ref string) (*types.Transaction, error) {
	var t types.Transaction
	var kind string
	err := q.db.QueryRow(ctx,
		`SELECT id, account_id, kind, amount_cents, balance_after_cents, currency,
		        workflow_key, run_key, external_ref, details, created_at
		 FROM automation_billing_transactions
		 WHERE external_ref = $1`,
		ref,
	).Scan(&t.ID, &t.AccountID, &kind, &t.AmountCents, &t.BalanceAfterCents, &t.Currency,
		&t.WorkflowKey, &t.RunKey, &t.ExternalRef, &t.Details, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapDBError("failed to find billing transaction", err)
	}
	t.Kind = types.TransactionKind(kind)
	return &t, nil
}

// HasRefund reports whether a refund entry exists for the run.
func (q billingQueries) HasRefund(ctx context.Context, workflowKey, runKey string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM automation_billing_transactions
		   WHERE kind = 'refund' AND workflow_key = $1 AND run_key = $2
		 )`,
		workflowKey, runKey,
	).Scan(&exists)
	if err != nil {
		return false, wrapDBError("failed to check refund", err)
	}
	return exists, nil
}
