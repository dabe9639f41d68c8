package billing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdeck/internal/types"
)

var fixedNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingMetrics struct {
	mu      sync.Mutex
	charges []types.UsageStatus
	refunds []int64
	topups  []int64
}

func (m *recordingMetrics) RecordCharge(_ context.Context, _ string, status types.UsageStatus, _ int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges = append(m.charges, status)
}

func (m *recordingMetrics) RecordRefund(_ context.Context, _ string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunds = append(m.refunds, amount)
}

func (m *recordingMetrics) RecordTopUp(_ context.Context, _ string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topups = append(m.topups, amount)
}

func newTestLedger(store Store, cfg Config, opts ...Option) *Ledger {
	var seq atomic.Int64
	base := []Option{
		WithClock(types.ClockFunc(func() time.Time { return fixedNow })),
		WithIDGenerator(func() string { return fmt.Sprintf("txn_%03d", seq.Add(1)) }),
		WithSleepFunc(func(time.Duration) {}),
	}
	return NewLedger(store, cfg, quietLogger(), append(base, opts...)...)
}

func paidConfig(opening int64) Config {
	return Config{
		PayPerUseEnabled:        true,
		Prices:                  PriceTable{"daily_briefing_email": 300},
		Currency:                "USD",
		DefaultBalanceCents:     opening,
		MaxSerializationRetries: 3,
	}
}

func countKind(txns []types.Transaction, kind types.TransactionKind) int {
	n := 0
	for _, t := range txns {
		if t.Kind == kind {
			n++
		}
	}
	return n
}

func TestCharge_PayPerUseDisabledIsFree(t *testing.T) {
	store := newMemStore()
	cfg := paidConfig(500)
	cfg.PayPerUseEnabled = false
	l := newTestLedger(store, cfg)
	ctx := context.Background()

	res, err := l.Charge(ctx, ChargeInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-02"})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.False(t, res.Charged)
	assert.Equal(t, types.UsageFreeDisabled, res.Status)
	assert.Equal(t, int64(300), res.PriceCents)
	assert.Nil(t, res.BalanceCents)
	assert.Nil(t, res.TransactionID)

	ev, err := l.UsageEvent(ctx, "daily_briefing_email", "2026-03-02")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "pay_per_use_disabled", ev.Details["billing_mode"])

	assert.Empty(t, store.transactions(), "a free run never opens the account")
}

func TestCharge_UnpricedWorkflowIsFree(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store, paidConfig(500))

	res, err := l.Charge(context.Background(), ChargeInput{WorkflowKey: "mint_alerts", RunKey: "2026-03-02T08"})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, types.UsageFreeDisabled, res.Status)
	assert.Equal(t, int64(0), res.PriceCents)

	ev, err := l.UsageEvent(context.Background(), "mint_alerts", "2026-03-02T08")
	require.NoError(t, err)
	assert.Equal(t, "unpriced", ev.Details["billing_mode"])
}

func TestCharge_FreeRunStaysFreeAfterEnabling(t *testing.T) {
	store := newMemStore()
	cfg := paidConfig(500)
	cfg.PayPerUseEnabled = false
	ctx := context.Background()

	_, err := newTestLedger(store, cfg).Charge(ctx, ChargeInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-02"})
	require.NoError(t, err)

	cfg.PayPerUseEnabled = true
	res, err := newTestLedger(store, cfg).Charge(ctx, ChargeInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-02"})
	require.NoError(t, err)
	assert.True(t, res.Idempotent)
	assert.True(t, res.Allowed)
	assert.Equal(t, types.UsageFreeDisabled, res.Status)
	assert.Zero(t, countKind(store.transactions(), types.TxKindCharge))
}

func TestCharge_DebitsOnceAndIsIdempotent(t *testing.T) {
	store := newMemStore()
	metrics := &recordingMetrics{}
	l := newTestLedger(store, paidConfig(500), WithMetrics(metrics))
	ctx := context.Background()
	in := ChargeInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-02", Details: types.Details{"trigger": "scheduler"}}

	first, err := l.Charge(ctx, in)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.True(t, first.Charged)
	assert.False(t, first.Idempotent)
	assert.Equal(t, types.UsageCharged, first.Status)
	require.NotNil(t, first.BalanceCents)
	assert.Equal(t, int64(200), *first.BalanceCents)
	require.NotNil(t, first.TransactionID)

	second, err := l.Charge(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.True(t, second.Charged)
	assert.Equal(t, *first.TransactionID, *second.TransactionID)
	assert.Equal(t, int64(200), *second.BalanceCents)

	acct := store.account()
	assert.Equal(t, int64(200), acct.BalanceCents)
	assert.Equal(t, int64(300), acct.SpentCents)
	require.NotNil(t, acct.LastChargedAt)
	assert.Equal(t, fixedNow, *acct.LastChargedAt)

	txns := store.transactions()
	assert.Equal(t, 1, countKind(txns, types.TxKindCharge))
	for _, txn := range txns {
		if txn.Kind == types.TxKindCharge {
			assert.Equal(t, int64(-300), txn.AmountCents)
			assert.Equal(t, int64(200), txn.BalanceAfterCents)
			assert.Equal(t, "scheduler", txn.Details["trigger"])
		}
	}

	assert.Equal(t, []types.UsageStatus{types.UsageCharged}, metrics.charges, "idempotent replays are not re-counted")
}

func TestCharge_ConcurrentCallersShareOneDebit(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store, paidConfig(500))
	ctx := context.Background()

	const callers = 8
	results := make([]ChargeResult, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Charge(ctx, ChargeInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-02"})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, res := range results {
		require.NotNil(t, res.TransactionID)
		assert.Equal(t, *results[0].TransactionID, *res.TransactionID)
		if !res.Idempotent {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, int64(200), store.account().BalanceCents)
	assert.Equal(t, 1, countKind(store.transactions(), types.TxKindCharge))
}

func TestCharge_InsufficientFundsBlocks(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store, paidConfig(100))
	ctx := context.Background()
	in := ChargeInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-02"}

	res, err := l.Charge(ctx, in)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.False(t, res.Charged)
	assert.Equal(t, types.UsageBlockedNoFunds, res.Status)
	require.NotNil(t, res.BalanceCents)
	assert.Equal(t, int64(100), *res.BalanceCents)
	assert.Nil(t, res.TransactionID)

	again, err := l.Charge(ctx, in)
	require.NoError(t, err)
	assert.True(t, again.Idempotent)
	assert.False(t, again.Allowed)
	assert.Equal(t, types.UsageBlockedNoFunds, again.Status)

	ev, err := l.UsageEvent(ctx, in.WorkflowKey, in.RunKey)
	require.NoError(t, err)
	assert.EqualValues(t, 300, ev.Details["required_cents"])

	assert.Equal(t, int64(100), store.account().BalanceCents)
	assert.Zero(t, countKind(store.transactions(), types.TxKindCharge))
}

func TestCharge_RejectsInvalidKeys(t *testing.T) {
	l := newTestLedger(newMemStore(), paidConfig(500))

	_, err := l.Charge(context.Background(), ChargeInput{WorkflowKey: "", RunKey: "2026-03-02"})
	assert.True(t, types.HasCode(err, types.ErrCodeValidationWorkflowKey))

	_, err = l.Charge(context.Background(), ChargeInput{WorkflowKey: "daily_briefing_email", RunKey: "has space"})
	assert.True(t, types.HasCode(err, types.ErrCodeValidationRunKey))
}

func TestRefund_RestoresBalanceOnce(t *testing.T) {
	store := newMemStore()
	metrics := &recordingMetrics{}
	l := newTestLedger(store, paidConfig(500), WithMetrics(metrics))
	ctx := context.Background()

	charge, err := l.Charge(ctx, ChargeInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-02"})
	require.NoError(t, err)
	require.True(t, charge.Charged)

	in := RefundInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-02", Reason: types.RefundReasonDeliveryFailed}
	res, err := l.Refund(ctx, in)
	require.NoError(t, err)
	assert.True(t, res.Refunded)
	assert.Equal(t, int64(300), res.AmountCents)
	require.NotNil(t, res.BalanceCents)
	assert.Equal(t, int64(500), *res.BalanceCents)

	acct := store.account()
	assert.Equal(t, int64(500), acct.BalanceCents)
	assert.Equal(t, int64(0), acct.SpentCents)

	ev, err := l.UsageEvent(ctx, in.WorkflowKey, in.RunKey)
	require.NoError(t, err)
	assert.Equal(t, types.UsageFailedReverted, ev.Status)
	assert.Equal(t, *res.TransactionID, ev.Details["refund_transaction_id"])
	assert.Equal(t, *charge.TransactionID, *ev.BillingTransactionID, "the original charge reference is kept")

	var refund types.Transaction
	for _, txn := range store.transactions() {
		if txn.Kind == types.TxKindRefund {
			refund = txn
		}
	}
	assert.Equal(t, int64(300), refund.AmountCents)
	assert.Equal(t, int64(500), refund.BalanceAfterCents)
	assert.Equal(t, types.RefundReasonDeliveryFailed, refund.Details["chargeback_reason"])
	assert.Equal(t, *charge.TransactionID, refund.Details["original_transaction_id"])

	again, err := l.Refund(ctx, in)
	require.NoError(t, err)
	assert.False(t, again.Refunded)
	assert.Equal(t, 1, countKind(store.transactions(), types.TxKindRefund))
	assert.Equal(t, []int64{300}, metrics.refunds)

	// A later charge for the same run does not re-bill it.
	replay, err := l.Charge(ctx, ChargeInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-02"})
	require.NoError(t, err)
	assert.True(t, replay.Idempotent)
	assert.False(t, replay.Allowed)
	assert.Equal(t, types.UsageFailedReverted, replay.Status)
	assert.Equal(t, int64(500), store.account().BalanceCents)
}

func TestRefund_NoOpUnlessCharged(t *testing.T) {
	ctx := context.Background()

	t.Run("no usage event", func(t *testing.T) {
		l := newTestLedger(newMemStore(), paidConfig(500))
		res, err := l.Refund(ctx, RefundInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-02", Reason: "test"})
		require.NoError(t, err)
		assert.False(t, res.Refunded)
	})

	t.Run("blocked run", func(t *testing.T) {
		store := newMemStore()
		l := newTestLedger(store, paidConfig(100))
		_, err := l.Charge(ctx, ChargeInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-02"})
		require.NoError(t, err)

		res, err := l.Refund(ctx, RefundInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-02", Reason: "test"})
		require.NoError(t, err)
		assert.False(t, res.Refunded)
		assert.Equal(t, int64(100), store.account().BalanceCents)
	})

	t.Run("free run", func(t *testing.T) {
		store := newMemStore()
		l := newTestLedger(store, paidConfig(500))
		_, err := l.Charge(ctx, ChargeInput{WorkflowKey: "mint_alerts", RunKey: "2026-03-02T08"})
		require.NoError(t, err)

		res, err := l.Refund(ctx, RefundInput{WorkflowKey: "mint_alerts", RunKey: "2026-03-02T08", Reason: "test"})
		require.NoError(t, err)
		assert.False(t, res.Refunded)
		assert.Empty(t, store.transactions())
	})
}

func TestRefund_RequiresReason(t *testing.T) {
	l := newTestLedger(newMemStore(), paidConfig(500))
	_, err := l.Refund(context.Background(), RefundInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-02"})
	assert.True(t, types.HasCode(err, types.ErrCodeValidationMissing))
}

func TestTopUp_RejectsNonPositiveAmounts(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store, paidConfig(0))

	for _, amount := range []int64{0, -5} {
		_, err := l.TopUp(context.Background(), TopUpInput{AmountCents: amount})
		assert.True(t, types.HasCode(err, types.ErrCodeValidationAmount), "amount %d", amount)
	}
	assert.Zero(t, store.begins, "validation happens before any transaction")
}

func TestTopUp_CreditsBalance(t *testing.T) {
	store := newMemStore()
	metrics := &recordingMetrics{}
	l := newTestLedger(store, paidConfig(100), WithMetrics(metrics))

	res, err := l.TopUp(context.Background(), TopUpInput{AmountCents: 500})
	require.NoError(t, err)
	assert.Equal(t, int64(600), res.BalanceCents)
	assert.False(t, res.Idempotent)

	txns := store.transactions()
	last := txns[len(txns)-1]
	assert.Equal(t, types.TxKindTopUp, last.Kind)
	assert.Equal(t, int64(500), last.AmountCents)
	assert.Equal(t, int64(600), last.BalanceAfterCents)
	assert.Equal(t, "manual", last.Details["source"])
	assert.Equal(t, []int64{500}, metrics.topups)
}

func TestTopUp_ExternalRefIsIdempotent(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store, paidConfig(0))
	in := TopUpInput{AmountCents: 1000, Source: "stripe", ExternalRef: "evt_123"}

	first, err := l.TopUp(context.Background(), in)
	require.NoError(t, err)
	second, err := l.TopUp(context.Background(), in)
	require.NoError(t, err)

	assert.True(t, second.Idempotent)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, int64(1000), store.account().BalanceCents)
	assert.Equal(t, 1, countKind(store.transactions(), types.TxKindTopUp))
}

func TestBalance_OpensAccountWithOpeningTopUp(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store, paidConfig(250))

	acct, err := l.Balance(context.Background())
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, int64(250), acct.BalanceCents)
	assert.Equal(t, types.DefaultAccountKey, acct.AccountKey)

	txns := store.transactions()
	require.Len(t, txns, 1)
	assert.Equal(t, types.TxKindTopUp, txns[0].Kind)
	assert.Equal(t, "opening_balance", txns[0].Details["source"])

	again, err := l.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, acct.ID, again.ID)
	assert.Len(t, store.transactions(), 1)
}

func TestWithTx_RetriesSerializationConflicts(t *testing.T) {
	conflict := types.NewAppError(types.ErrCodeConflictSerialize, "could not serialize access", nil)

	t.Run("succeeds within budget", func(t *testing.T) {
		store := newMemStore()
		store.commitErr = []error{conflict, conflict}
		var pauses []time.Duration
		l := newTestLedger(store, paidConfig(500), WithSleepFunc(func(d time.Duration) { pauses = append(pauses, d) }))

		res, err := l.Charge(context.Background(), ChargeInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-02"})
		require.NoError(t, err)
		assert.True(t, res.Charged)
		assert.Equal(t, 3, store.begins)
		assert.Equal(t, []time.Duration{retryPause, 2 * retryPause}, pauses)
		assert.Equal(t, int64(200), store.account().BalanceCents)
		assert.Equal(t, 1, countKind(store.transactions(), types.TxKindCharge))
	})

	t.Run("gives up after budget", func(t *testing.T) {
		store := newMemStore()
		store.commitErr = []error{conflict, conflict, conflict}
		cfg := paidConfig(500)
		cfg.MaxSerializationRetries = 1
		l := newTestLedger(store, cfg)

		_, err := l.Charge(context.Background(), ChargeInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-02"})
		assert.True(t, types.HasCode(err, types.ErrCodeConflictSerialize))
		assert.Equal(t, 2, store.begins)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		store := newMemStore()
		store.insertErr = types.NewAppError(types.ErrCodeInternalDB, "disk full", nil)
		l := newTestLedger(store, paidConfig(500))

		_, err := l.TopUp(context.Background(), TopUpInput{AmountCents: 100})
		assert.True(t, types.HasCode(err, types.ErrCodeInternalDB))
		assert.Equal(t, 1, store.begins)
	})
}

func TestReconcile(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store, paidConfig(1000))
	ctx := context.Background()

	report, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.AccountID, "no account yet")

	_, err = l.Charge(ctx, ChargeInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-02"})
	require.NoError(t, err)
	_, err = l.Charge(ctx, ChargeInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-03"})
	require.NoError(t, err)
	_, err = l.Refund(ctx, RefundInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-03", Reason: types.RefundReasonWorkflowException})
	require.NoError(t, err)
	_, err = l.TopUp(ctx, TopUpInput{AmountCents: 700})
	require.NoError(t, err)

	report, err = l.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.Matches())
	assert.Equal(t, int64(1400), report.BalanceCents)

	store.mu.Lock()
	store.state.accounts[types.DefaultAccountKey].BalanceCents = 1
	store.mu.Unlock()

	report, err = l.Reconcile(ctx)
	assert.True(t, types.HasCode(err, types.ErrCodeInternalLedger))
	assert.False(t, report.Matches())
	assert.Equal(t, int64(1400), report.LedgerSumCents)
}

func TestListTransactions_NewestFirst(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store, paidConfig(0))
	ctx := context.Background()

	for _, amount := range []int64{100, 200, 300} {
		_, err := l.TopUp(ctx, TopUpInput{AmountCents: amount})
		require.NoError(t, err)
	}

	txns, err := l.ListTransactions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, int64(300), txns[0].AmountCents)
	assert.Equal(t, int64(200), txns[1].AmountCents)
}

// The three balance scenarios a paid daily run can go through.
func TestBalanceScenarios(t *testing.T) {
	ctx := context.Background()
	key := ChargeInput{WorkflowKey: "daily_briefing_email", RunKey: "2026-03-02"}

	t.Run("funded run charged once across retries", func(t *testing.T) {
		store := newMemStore()
		l := newTestLedger(store, paidConfig(500))
		for range 3 {
			_, err := l.Charge(ctx, key)
			require.NoError(t, err)
		}
		assert.Equal(t, int64(200), store.account().BalanceCents)
	})

	t.Run("underfunded run blocked", func(t *testing.T) {
		store := newMemStore()
		l := newTestLedger(store, paidConfig(100))
		res, err := l.Charge(ctx, key)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, int64(100), store.account().BalanceCents)
	})

	t.Run("charged run refunded after delivery failure", func(t *testing.T) {
		store := newMemStore()
		l := newTestLedger(store, paidConfig(500))
		_, err := l.Charge(ctx, key)
		require.NoError(t, err)
		_, err = l.Refund(ctx, RefundInput{WorkflowKey: key.WorkflowKey, RunKey: key.RunKey, Reason: types.RefundReasonDeliveryFailed})
		require.NoError(t, err)

		ev, err := l.UsageEvent(ctx, key.WorkflowKey, key.RunKey)
		require.NoError(t, err)
		assert.Equal(t, types.UsageFailedReverted, ev.Status)
		assert.Equal(t, int64(500), store.account().BalanceCents)
	})
}
