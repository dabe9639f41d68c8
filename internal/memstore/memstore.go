// Package memstore holds in-memory implementations of the run, billing and
// notification history stores. They follow the row-level rules of the
// Postgres repositories closely enough to wire the real ledgers and the
// dispatcher together in tests without a database.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"opsdeck/internal/billing"
	"opsdeck/internal/types"
)

// --- runs ---

// Runs implements runs.Store.
type Runs struct {
	mu     sync.Mutex
	clock  types.Clock
	nextID int64
	rows   map[string]*types.WorkflowRun
}

// NewRuns creates an empty run store.
func NewRuns(clock types.Clock) *Runs {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Runs{clock: clock, rows: map[string]*types.WorkflowRun{}}
}

func runKey(wk, rk string) string { return wk + "|" + rk }

// Claim inserts the run in status started unless the key exists.
func (s *Runs) Claim(_ context.Context, workflowKey, rk string, details types.Details) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := runKey(workflowKey, rk)
	if _, ok := s.rows[k]; ok {
		return 0, false, nil
	}
	s.nextID++
	now := s.clock.Now()
	s.rows[k] = &types.WorkflowRun{
		ID: s.nextID, WorkflowKey: workflowKey, RunKey: rk,
		Status: types.RunStatusStarted, Details: details.Clone(),
		CreatedAt: now, UpdatedAt: now,
	}
	return s.nextID, true, nil
}

// Finish moves a started run to status, merging details.
func (s *Runs) Finish(_ context.Context, id int64, status types.RunStatus, details types.Details) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ID != id {
			continue
		}
		if r.Status != types.RunStatusStarted {
			return types.NewAppError(types.ErrCodeConflictRunFinished, "workflow run already finished", nil)
		}
		r.Status = status
		r.Details = r.Details.Merge(details)
		r.UpdatedAt = s.clock.Now()
		return nil
	}
	return types.NewAppError(types.ErrCodeNotFoundRun, "workflow run not found", nil)
}

// Get returns a copy of the run or nil.
func (s *Runs) Get(_ context.Context, workflowKey, rk string) (*types.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[runKey(workflowKey, rk)]
	if !ok {
		return nil, nil
	}
	c := *r
	c.Details = r.Details.Clone()
	return &c, nil
}

// DeleteFinishedBefore removes terminal runs last touched before cutoff.
func (s *Runs) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, r := range s.rows {
		if r.Status != types.RunStatusStarted && r.UpdatedAt.Before(cutoff) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

// --- notification history ---

// History implements core.HistoryStore.
type History struct {
	mu     sync.Mutex
	clock  types.Clock
	nextID int64
	rows   map[string]*types.NotificationHistory
}

// NewHistory creates an empty history store.
func NewHistory(clock types.Clock) *History {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &History{clock: clock, rows: map[string]*types.NotificationHistory{}}
}

func historyKey(target string, ch types.ChannelType) string { return target + "|" + string(ch) }

func terminal(s types.DeliveryStatus) bool {
	return s == types.DeliveryStatusSent || s == types.DeliveryStatusFailed
}

// Ensure returns the row for (target, channel), creating it pending.
func (s *History) Ensure(_ context.Context, targetKey string, channel types.ChannelType, payload types.Details) (*types.NotificationHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := historyKey(targetKey, channel)
	if _, ok := s.rows[k]; !ok {
		s.nextID++
		now := s.clock.Now()
		s.rows[k] = &types.NotificationHistory{
			ID: s.nextID, TargetKey: targetKey, Channel: channel,
			Status: types.DeliveryStatusPending, Payload: payload.Clone(),
			CreatedAt: now, UpdatedAt: now,
		}
	}
	c := *s.rows[k]
	return &c, nil
}

func (s *History) byID(id int64) *types.NotificationHistory {
	for _, h := range s.rows {
		if h.ID == id {
			return h
		}
	}
	return nil
}

// MarkSent records a delivery unless the row is already terminal.
func (s *History) MarkSent(_ context.Context, id int64, sentAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.byID(id)
	if h == nil || terminal(h.Status) {
		return false, nil
	}
	h.Status = types.DeliveryStatusSent
	h.SentAt = &sentAt
	h.NextRetryAt = nil
	h.LastError = nil
	h.UpdatedAt = s.clock.Now()
	return true, nil
}

// RecordFailure stores a failed attempt unless the row is already terminal.
func (s *History) RecordFailure(_ context.Context, id int64, attempts int, status types.DeliveryStatus, lastError string, nextRetryAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.byID(id)
	if h == nil || terminal(h.Status) {
		return false, nil
	}
	h.Status = status
	h.Attempts = attempts
	h.LastError = &lastError
	h.NextRetryAt = nextRetryAt
	h.UpdatedAt = s.clock.Now()
	return true, nil
}

// ListDue mirrors NotificationRepository.ListDue.
func (s *History) ListDue(_ context.Context, now time.Time, staleAfter time.Duration, limit int) ([]types.NotificationHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.NotificationHistory
	for _, h := range s.rows {
		switch {
		case h.Status == types.DeliveryStatusRetrying && h.NextRetryAt != nil && !h.NextRetryAt.After(now):
		case h.Status == types.DeliveryStatusPending && !h.UpdatedAt.After(now.Add(-staleAfter)):
		default:
			continue
		}
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByTarget returns the rows of a target ordered by channel.
func (s *History) ListByTarget(_ context.Context, targetKey string) ([]types.NotificationHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.NotificationHistory
	for _, h := range s.rows {
		if h.TargetKey == targetKey {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

// DeleteTerminalBefore removes sent and failed rows last touched before cutoff.
func (s *History) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, h := range s.rows {
		if terminal(h.Status) && h.UpdatedAt.Before(cutoff) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

// --- billing ---

type billingState struct {
	accounts map[string]*types.BillingAccount
	usage    map[string]*types.UsageEvent
	txns     []types.Transaction
	nextID   int64
}

func (s *billingState) clone() *billingState {
	out := &billingState{
		accounts: make(map[string]*types.BillingAccount, len(s.accounts)),
		usage:    make(map[string]*types.UsageEvent, len(s.usage)),
		txns:     append([]types.Transaction(nil), s.txns...),
		nextID:   s.nextID,
	}
	for k, v := range s.accounts {
		c := *v
		out.accounts[k] = &c
	}
	for k, v := range s.usage {
		c := *v
		c.Details = v.Details.Clone()
		out.usage[k] = &c
	}
	return out
}

// Billing implements billing.Store. A transaction holds the store lock from
// BeginTx until Commit or Rollback and works on a copy of the state, so
// transactions are serial and a rollback discards everything.
type Billing struct {
	mu    sync.Mutex
	state *billingState
}

var _ billing.Store = (*Billing)(nil)

// NewBilling creates an empty billing store.
func NewBilling() *Billing {
	return &Billing{state: &billingState{
		accounts: map[string]*types.BillingAccount{},
		usage:    map[string]*types.UsageEvent{},
	}}
}

// BeginTx starts a transaction.
func (s *Billing) BeginTx(context.Context) (billing.Tx, error) {
	s.mu.Lock()
	return &billingTx{store: s, state: s.state.clone()}, nil
}

func (s *Billing) GetAccount(_ context.Context, key string) (*types.BillingAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.state.accounts[key]; ok {
		c := *a
		return &c, nil
	}
	return nil, nil
}

func (s *Billing) ListTransactions(_ context.Context, _ string, limit int) ([]types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Transaction, 0, len(s.state.txns))
	for i := len(s.state.txns) - 1; i >= 0; i-- {
		out = append(out, s.state.txns[i])
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Billing) LedgerSum(_ context.Context, accountID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int64
	for _, t := range s.state.txns {
		if t.AccountID == accountID {
			sum += t.AmountCents
		}
	}
	return sum, nil
}

func (s *Billing) GetUsageEvent(_ context.Context, wk, rk string) (*types.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.state.usage[runKey(wk, rk)]; ok {
		c := *ev
		c.Details = ev.Details.Clone()
		return &c, nil
	}
	return nil, nil
}

type billingTx struct {
	store *Billing
	state *billingState
	done  bool
}

func (t *billingTx) LockUsageEvent(_ context.Context, wk, rk string) (*types.UsageEvent, error) {
	if ev, ok := t.state.usage[runKey(wk, rk)]; ok {
		c := *ev
		return &c, nil
	}
	return nil, nil
}

func (t *billingTx) InsertUsageEvent(_ context.Context, ev *types.UsageEvent) error {
	k := runKey(ev.WorkflowKey, ev.RunKey)
	if _, ok := t.state.usage[k]; ok {
		return types.NewAppError(types.ErrCodeConflictSerialize, "duplicate usage event", nil)
	}
	t.state.nextID++
	ev.ID = t.state.nextID
	c := *ev
	t.state.usage[k] = &c
	return nil
}

func (t *billingTx) UpsertFreeUsage(_ context.Context, ev *types.UsageEvent) error {
	k := runKey(ev.WorkflowKey, ev.RunKey)
	if existing, ok := t.state.usage[k]; ok {
		if existing.Status == types.UsageFreeDisabled {
			existing.Details = existing.Details.Merge(ev.Details)
		}
		return nil
	}
	t.state.nextID++
	c := *ev
	c.ID = t.state.nextID
	c.Status = types.UsageFreeDisabled
	t.state.usage[k] = &c
	return nil
}

func (t *billingTx) UpdateUsageEvent(_ context.Context, id int64, status types.UsageStatus, txID *string, details types.Details) error {
	for _, ev := range t.state.usage {
		if ev.ID == id {
			ev.Status = status
			if txID != nil {
				ev.BillingTransactionID = txID
			}
			ev.Details = ev.Details.Merge(details)
			return nil
		}
	}
	return types.NewAppError(types.ErrCodeInternalDB, "usage event not found", nil)
}

func (t *billingTx) EnsureAccount(_ context.Context, key, currency string, opening int64) (*types.BillingAccount, bool, error) {
	if _, ok := t.state.accounts[key]; ok {
		return nil, false, nil
	}
	t.state.nextID++
	a := &types.BillingAccount{ID: t.state.nextID, AccountKey: key, Currency: currency, BalanceCents: opening}
	t.state.accounts[key] = a
	c := *a
	return &c, true, nil
}

func (t *billingTx) LockAccount(_ context.Context, key string) (*types.BillingAccount, error) {
	a, ok := t.state.accounts[key]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "billing account not found", nil)
	}
	c := *a
	return &c, nil
}

func (t *billingTx) SaveAccount(_ context.Context, acct *types.BillingAccount) error {
	if acct.BalanceCents < 0 || acct.SpentCents < 0 {
		return errors.New("billing_accounts check constraint violated")
	}
	c := *acct
	t.state.accounts[acct.AccountKey] = &c
	return nil
}

func (t *billingTx) InsertTransaction(_ context.Context, txn *types.Transaction) error {
	if txn.ExternalRef != nil {
		for _, existing := range t.state.txns {
			if existing.ExternalRef != nil && *existing.ExternalRef == *txn.ExternalRef {
				return types.NewAppError(types.ErrCodeConflictSerialize, "duplicate external ref", nil)
			}
		}
	}
	t.state.txns = append(t.state.txns, *txn)
	return nil
}

func (t *billingTx) FindTransactionByExternalRef(_ context.Context, ref string) (*types.Transaction, error) {
	for _, existing := range t.state.txns {
		if existing.ExternalRef != nil && *existing.ExternalRef == ref {
			c := existing
			return &c, nil
		}
	}
	return nil, nil
}

func (t *billingTx) HasRefund(_ context.Context, wk, rk string) (bool, error) {
	for _, existing := range t.state.txns {
		if existing.Kind == types.TxKindRefund && existing.WorkflowKey != nil && *existing.WorkflowKey == wk &&
			existing.RunKey != nil && *existing.RunKey == rk {
			return true, nil
		}
	}
	return false, nil
}

func (t *billingTx) Commit(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.state = t.state
	t.store.mu.Unlock()
	return nil
}

func (t *billingTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}
