// Package billing implements the automation billing ledger: a prepaid
// balance account, one usage event per (workflow_key, run_key), and an
// append-only transaction log from which the balance can always be rebuilt.
package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"opsdeck/internal/runs"
	"opsdeck/internal/types"
)

// Store is the persistence surface of the ledger. Every mutation runs inside
// a Tx; the remaining methods are plain reads.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)
	GetAccount(ctx context.Context, accountKey string) (*types.BillingAccount, error)
	ListTransactions(ctx context.Context, accountKey string, limit int) ([]types.Transaction, error)
	LedgerSum(ctx context.Context, accountID int64) (int64, error)
	GetUsageEvent(ctx context.Context, workflowKey, runKey string) (*types.UsageEvent, error)
}

// Tx is one serializable read-modify-write sequence over the account
// aggregate. LockUsageEvent and LockAccount take row locks held until
// Commit or Rollback.
type Tx interface {
	LockUsageEvent(ctx context.Context, workflowKey, runKey string) (*types.UsageEvent, error)
	InsertUsageEvent(ctx context.Context, ev *types.UsageEvent) error
	UpsertFreeUsage(ctx context.Context, ev *types.UsageEvent) error
	UpdateUsageEvent(ctx context.Context, id int64, status types.UsageStatus, transactionID *string, details types.Details) error

	EnsureAccount(ctx context.Context, accountKey, currency string, openingBalance int64) (*types.BillingAccount, bool, error)
	LockAccount(ctx context.Context, accountKey string) (*types.BillingAccount, error)
	SaveAccount(ctx context.Context, acct *types.BillingAccount) error

	InsertTransaction(ctx context.Context, t *types.Transaction) error
	FindTransactionByExternalRef(ctx context.Context, ref string) (*types.Transaction, error)
	HasRefund(ctx context.Context, workflowKey, runKey string) (bool, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Config holds the pricing policy.
type Config struct {
	PayPerUseEnabled    bool
	Prices              PriceTable
	Currency            string
	DefaultBalanceCents int64
	AccountKey          string

	// MaxSerializationRetries bounds replays of a transaction that failed
	// with a serialization conflict.
	MaxSerializationRetries int
}

// Ledger is the billing service.
type Ledger struct {
	store   Store
	cfg     Config
	clock   types.Clock
	newID   func() string
	sleep   func(time.Duration)
	metrics Metrics
	logger  *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for last_charged_at.
func WithClock(c types.Clock) Option { return func(l *Ledger) { l.clock = c } }

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option { return func(l *Ledger) { l.metrics = m } }

// WithIDGenerator overrides transaction ID generation.
func WithIDGenerator(fn func() string) Option { return func(l *Ledger) { l.newID = fn } }

// WithSleepFunc overrides the pause between serialization retries.
func WithSleepFunc(fn func(time.Duration)) Option { return func(l *Ledger) { l.sleep = fn } }

// NewLedger creates a Ledger.
func NewLedger(store Store, cfg Config, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AccountKey == "" {
		cfg.AccountKey = types.DefaultAccountKey
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.Prices == nil {
		cfg.Prices = PriceTable{}
	}
	l := &Ledger{
		store:   store,
		cfg:     cfg,
		clock:   types.RealClock{},
		newID:   func() string { return "txn_" + uuid.NewString() },
		sleep:   time.Sleep,
		metrics: NoopMetrics{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ChargeInput identifies the run being billed.
type ChargeInput struct {
	WorkflowKey string
	RunKey      string
	Details     types.Details
}

// ChargeResult is the billing decision for one run. BalanceCents and
// TransactionID are nil when the ledger was not consulted (free runs).
type ChargeResult struct {
	Allowed       bool
	Charged       bool
	Status        types.UsageStatus
	PriceCents    int64
	BalanceCents  *int64
	TransactionID *string
	Idempotent    bool
}

// RefundInput identifies the run to reverse.
type RefundInput struct {
	WorkflowKey string
	RunKey      string
	Reason      string
	Details     types.Details
}

// RefundResult reports whether a refund entry was written.
type RefundResult struct {
	Refunded      bool
	AmountCents   int64
	BalanceCents  *int64
	TransactionID *string
}

// TopUpInput credits the account. ExternalRef, when set, makes the top-up
// idempotent per provider event.
type TopUpInput struct {
	AmountCents int64
	Source      string
	ExternalRef string
	Details     types.Details
}

// TopUpResult carries the new balance.
type TopUpResult struct {
	BalanceCents  int64
	TransactionID string
	Idempotent    bool
}

// ResolvePrice returns the price for a workflow; unknown workflows are free.
func (l *Ledger) ResolvePrice(workflowKey string) int64 {
	return l.cfg.Prices.Price(workflowKey)
}

// PayPerUseEnabled reports the global switch.
func (l *Ledger) PayPerUseEnabled() bool {
	return l.cfg.PayPerUseEnabled
}

// Charge bills a run at most once. Repeated calls for the same key return the
// stored decision with Idempotent=true and never touch the balance again.
// Insufficient balance is a result, not an error.
func (l *Ledger) Charge(ctx context.Context, in ChargeInput) (ChargeResult, error) {
	if err := runs.ValidateKeys(in.WorkflowKey, in.RunKey); err != nil {
		return ChargeResult{}, err
	}
	price := l.ResolvePrice(in.WorkflowKey)

	var res ChargeResult
	err := l.withTx(ctx, "charge", func(tx Tx) error {
		var err error
		res, err = l.chargeTx(ctx, tx, in, price)
		return err
	})
	if err != nil {
		return ChargeResult{}, err
	}

	if !res.Idempotent {
		l.metrics.RecordCharge(ctx, in.WorkflowKey, res.Status, res.PriceCents)
	}
	l.logger.InfoContext(ctx, "charge evaluated",
		"workflow_key", in.WorkflowKey,
		"run_key", in.RunKey,
		"status", string(res.Status),
		"price_cents", res.PriceCents,
		"idempotent", res.Idempotent,
	)
	return res, nil
}

func (l *Ledger) chargeTx(ctx context.Context, tx Tx, in ChargeInput, price int64) (ChargeResult, error) {
	ev, err := tx.LockUsageEvent(ctx, in.WorkflowKey, in.RunKey)
	if err != nil {
		return ChargeResult{}, err
	}
	if ev != nil {
		return l.cachedCharge(ctx, tx, ev)
	}

	details := in.Details.Clone()
	if !l.cfg.PayPerUseEnabled || price <= 0 {
		details["billing_mode"] = freeReason(l.cfg.PayPerUseEnabled)
		err := tx.UpsertFreeUsage(ctx, &types.UsageEvent{
			WorkflowKey: in.WorkflowKey,
			RunKey:      in.RunKey,
			PriceCents:  price,
			Currency:    l.cfg.Currency,
			Details:     details,
		})
		if err != nil {
			return ChargeResult{}, err
		}
		return ChargeResult{Allowed: true, Status: types.UsageFreeDisabled, PriceCents: price}, nil
	}

	acct, err := l.lockAccount(ctx, tx)
	if err != nil {
		return ChargeResult{}, err
	}

	if acct.BalanceCents < price {
		balance := acct.BalanceCents
		details["balance_cents"] = balance
		details["required_cents"] = price
		err := tx.InsertUsageEvent(ctx, &types.UsageEvent{
			WorkflowKey: in.WorkflowKey,
			RunKey:      in.RunKey,
			Status:      types.UsageBlockedNoFunds,
			PriceCents:  price,
			Currency:    acct.Currency,
			Details:     details,
		})
		if err != nil {
			return ChargeResult{}, err
		}
		return ChargeResult{
			Allowed:      false,
			Status:       types.UsageBlockedNoFunds,
			PriceCents:   price,
			BalanceCents: &balance,
		}, nil
	}

	now := l.clock.Now()
	acct.BalanceCents -= price
	acct.SpentCents += price
	acct.LastChargedAt = &now

	wk, rk := in.WorkflowKey, in.RunKey
	txn := &types.Transaction{
		ID:                l.newID(),
		AccountID:         acct.ID,
		Kind:              types.TxKindCharge,
		AmountCents:       -price,
		BalanceAfterCents: acct.BalanceCents,
		Currency:          acct.Currency,
		WorkflowKey:       &wk,
		RunKey:            &rk,
		Details:           details,
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return ChargeResult{}, err
	}
	if err := tx.SaveAccount(ctx, acct); err != nil {
		return ChargeResult{}, err
	}
	err = tx.InsertUsageEvent(ctx, &types.UsageEvent{
		WorkflowKey:          in.WorkflowKey,
		RunKey:               in.RunKey,
		Status:               types.UsageCharged,
		PriceCents:           price,
		Currency:             acct.Currency,
		BillingTransactionID: &txn.ID,
		Details:              details,
	})
	if err != nil {
		return ChargeResult{}, err
	}

	balance := acct.BalanceCents
	txID := txn.ID
	return ChargeResult{
		Allowed:       true,
		Charged:       true,
		Status:        types.UsageCharged,
		PriceCents:    price,
		BalanceCents:  &balance,
		TransactionID: &txID,
	}, nil
}

// cachedCharge rebuilds the result for a run that was already billed. A run
// recorded as free stays free even if pay-per-use was switched on since.
func (l *Ledger) cachedCharge(ctx context.Context, tx Tx, ev *types.UsageEvent) (ChargeResult, error) {
	res := ChargeResult{
		Status:        ev.Status,
		PriceCents:    ev.PriceCents,
		TransactionID: ev.BillingTransactionID,
		Idempotent:    true,
	}
	switch ev.Status {
	case types.UsageFreeDisabled:
		res.Allowed = true
		return res, nil
	case types.UsageCharged:
		res.Allowed = true
		res.Charged = true
	}

	acct, err := l.lockAccount(ctx, tx)
	if err != nil {
		return ChargeResult{}, err
	}
	balance := acct.BalanceCents
	res.BalanceCents = &balance
	return res, nil
}

// Refund reverses the charge for a run. It is a no-op (Refunded=false) unless
// the usage event is currently charged.
func (l *Ledger) Refund(ctx context.Context, in RefundInput) (RefundResult, error) {
	if err := runs.ValidateKeys(in.WorkflowKey, in.RunKey); err != nil {
		return RefundResult{}, err
	}
	if in.Reason == "" {
		return RefundResult{}, types.NewAppError(types.ErrCodeValidationMissing, "refund reason is required", nil)
	}

	var res RefundResult
	err := l.withTx(ctx, "refund", func(tx Tx) error {
		var err error
		res, err = l.refundTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return RefundResult{}, err
	}

	if res.Refunded {
		l.metrics.RecordRefund(ctx, in.WorkflowKey, res.AmountCents)
		l.logger.InfoContext(ctx, "charge refunded",
			"workflow_key", in.WorkflowKey,
			"run_key", in.RunKey,
			"reason", in.Reason,
			"amount_cents", res.AmountCents,
		)
	}
	return res, nil
}

func (l *Ledger) refundTx(ctx context.Context, tx Tx, in RefundInput) (RefundResult, error) {
	ev, err := tx.LockUsageEvent(ctx, in.WorkflowKey, in.RunKey)
	if err != nil {
		return RefundResult{}, err
	}
	if ev == nil || ev.Status != types.UsageCharged {
		return RefundResult{}, nil
	}

	already, err := tx.HasRefund(ctx, in.WorkflowKey, in.RunKey)
	if err != nil {
		return RefundResult{}, err
	}
	if already {
		l.logger.ErrorContext(ctx, "charged usage event already has a refund entry",
			"workflow_key", in.WorkflowKey, "run_key", in.RunKey)
		return RefundResult{}, nil
	}

	acct, err := l.lockAccount(ctx, tx)
	if err != nil {
		return RefundResult{}, err
	}
	amount := ev.PriceCents
	acct.BalanceCents += amount
	acct.SpentCents = max(acct.SpentCents-amount, 0)

	details := in.Details.Merge(types.Details{"chargeback_reason": in.Reason})
	if ev.BillingTransactionID != nil {
		details["original_transaction_id"] = *ev.BillingTransactionID
	}

	wk, rk := in.WorkflowKey, in.RunKey
	txn := &types.Transaction{
		ID:                l.newID(),
		AccountID:         acct.ID,
		Kind:              types.TxKindRefund,
		AmountCents:       amount,
		BalanceAfterCents: acct.BalanceCents,
		Currency:          acct.Currency,
		WorkflowKey:       &wk,
		RunKey:            &rk,
		Details:           details,
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return RefundResult{}, err
	}
	if err := tx.SaveAccount(ctx, acct); err != nil {
		return RefundResult{}, err
	}

	usageDetails := details.Merge(types.Details{"refund_transaction_id": txn.ID})
	if err := tx.UpdateUsageEvent(ctx, ev.ID, types.UsageFailedReverted, nil, usageDetails); err != nil {
		return RefundResult{}, err
	}

	balance := acct.BalanceCents
	txID := txn.ID
	return RefundResult{Refunded: true, AmountCents: amount, BalanceCents: &balance, TransactionID: &txID}, nil
}

// TopUp credits the account by a positive amount of cents.
func (l *Ledger) TopUp(ctx context.Context, in TopUpInput) (TopUpResult, error) {
	if in.AmountCents <= 0 {
		return TopUpResult{}, types.NewAppErrorWithDetails(types.ErrCodeValidationAmount,
			"top-up amount must be a positive number of cents", nil,
			map[string]any{"amount_cents": in.AmountCents})
	}
	if in.Source == "" {
		in.Source = "manual"
	}

	var res TopUpResult
	err := l.withTx(ctx, "topup", func(tx Tx) error {
		var err error
		res, err = l.topUpTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return TopUpResult{}, err
	}

	if !res.Idempotent {
		l.metrics.RecordTopUp(ctx, in.Source, in.AmountCents)
		l.logger.InfoContext(ctx, "account topped up",
			"source", in.Source,
			"amount_cents", in.AmountCents,
			"balance_cents", res.BalanceCents,
		)
	}
	return res, nil
}

func (l *Ledger) topUpTx(ctx context.Context, tx Tx, in TopUpInput) (TopUpResult, error) {
	if in.ExternalRef != "" {
		existing, err := tx.FindTransactionByExternalRef(ctx, in.ExternalRef)
		if err != nil {
			return TopUpResult{}, err
		}
		if existing != nil {
			acct, err := l.lockAccount(ctx, tx)
			if err != nil {
				return TopUpResult{}, err
			}
			return TopUpResult{BalanceCents: acct.BalanceCents, TransactionID: existing.ID, Idempotent: true}, nil
		}
	}

	acct, err := l.lockAccount(ctx, tx)
	if err != nil {
		return TopUpResult{}, err
	}
	acct.BalanceCents += in.AmountCents

	txn := &types.Transaction{
		ID:                l.newID(),
		AccountID:         acct.ID,
		Kind:              types.TxKindTopUp,
		AmountCents:       in.AmountCents,
		BalanceAfterCents: acct.BalanceCents,
		Currency:          acct.Currency,
		Details:           in.Details.Merge(types.Details{"source": in.Source}),
	}
	if in.ExternalRef != "" {
		ref := in.ExternalRef
		txn.ExternalRef = &ref
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return TopUpResult{}, err
	}
	if err := tx.SaveAccount(ctx, acct); err != nil {
		return TopUpResult{}, err
	}
	return TopUpResult{BalanceCents: acct.BalanceCents, TransactionID: txn.ID}, nil
}

// Balance returns the account, creating it with the opening balance on first
// use.
func (l *Ledger) Balance(ctx context.Context) (*types.BillingAccount, error) {
	acct, err := l.store.GetAccount(ctx, l.cfg.AccountKey)
	if err != nil || acct != nil {
		return acct, err
	}
	err = l.withTx(ctx, "open_account", func(tx Tx) error {
		var err error
		acct, err = l.lockAccount(ctx, tx)
		return err
	})
	return acct, err
}

// UsageEvent returns the stored billing decision for a run, or nil.
func (l *Ledger) UsageEvent(ctx context.Context, workflowKey, runKey string) (*types.UsageEvent, error) {
	return l.store.GetUsageEvent(ctx, workflowKey, runKey)
}

// ListTransactions returns the newest log entries first.
func (l *Ledger) ListTransactions(ctx context.Context, limit int) ([]types.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListTransactions(ctx, l.cfg.AccountKey, limit)
}

// ReconcileReport compares the stored balance with the transaction log.
type ReconcileReport struct {
	AccountID      int64
	BalanceCents   int64
	LedgerSumCents int64
}

// Matches reports whether balance equals the running sum of the log.
func (r ReconcileReport) Matches() bool {
	return r.BalanceCents == r.LedgerSumCents
}

// Reconcile verifies that the balance is reconstructible from the log. A
// mismatch returns the report together with an internal_ledger_mismatch error.
func (l *Ledger) Reconcile(ctx context.Context) (ReconcileReport, error) {
	acct, err := l.store.GetAccount(ctx, l.cfg.AccountKey)
	if err != nil {
		return ReconcileReport{}, err
	}
	if acct == nil {
		return ReconcileReport{}, nil
	}
	sum, err := l.store.LedgerSum(ctx, acct.ID)
	if err != nil {
		return ReconcileReport{}, err
	}

	report := ReconcileReport{AccountID: acct.ID, BalanceCents: acct.BalanceCents, LedgerSumCents: sum}
	if !report.Matches() {
		l.logger.ErrorContext(ctx, "billing ledger mismatch",
			"account_id", acct.ID,
			"balance_cents", acct.BalanceCents,
			"ledger_sum_cents", sum,
		)
		return report, types.NewAppErrorWithDetails(types.ErrCodeInternalLedger, "balance does not match transaction log", nil,
			map[string]any{"balance_cents": acct.BalanceCents, "ledger_sum_cents": sum})
	}
	return report, nil
}

// lockAccount creates the account on first use and locks it. The opening
// balance is written to the log as a top-up so the balance stays equal to the
// sum of the transaction amounts.
func (l *Ledger) lockAccount(ctx context.Context, tx Tx) (*types.BillingAccount, error) {
	created, isNew, err := tx.EnsureAccount(ctx, l.cfg.AccountKey, l.cfg.Currency, l.cfg.DefaultBalanceCents)
	if err != nil {
		return nil, err
	}
	if isNew && created.BalanceCents > 0 {
		err := tx.InsertTransaction(ctx, &types.Transaction{
			ID:                l.newID(),
			AccountID:         created.ID,
			Kind:              types.TxKindTopUp,
			AmountCents:       created.BalanceCents,
			BalanceAfterCents: created.BalanceCents,
			Currency:          created.Currency,
			Details:           types.Details{"source": "opening_balance"},
		})
		if err != nil {
			return nil, err
		}
	}
	return tx.LockAccount(ctx, l.cfg.AccountKey)
}

func freeReason(payPerUseEnabled bool) string {
	if payPerUseEnabled {
		return "unpriced"
	}
	return "pay_per_use_disabled"
}
