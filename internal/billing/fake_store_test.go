package billing

import (
	"context"
	"errors"
	"sync"

	"opsdeck/internal/types"
)

// memState is the full ledger state; transactions work on a copy and swap it
// in on Commit, which gives the fake serializable semantics.
type memState struct {
	accounts map[string]*types.BillingAccount
	usage    map[string]*types.UsageEvent
	txns     []types.Transaction
	nextID   int64
}

func (s *memState) clone() *memState {
	out := &memState{
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

type memStore struct {
	mu    sync.Mutex // held for the lifetime of a transaction
	state *memState

	beginErr  error
	commitErr []error // popped per Commit
	insertErr error
	begins    int
}

func newMemStore() *memStore {
	return &memStore{state: &memState{
		accounts: map[string]*types.BillingAccount{},
		usage:    map[string]*types.UsageEvent{},
	}}
}

func usageKey(wk, rk string) string { return wk + "|" + rk }

func (s *memStore) BeginTx(context.Context) (Tx, error) {
	s.mu.Lock()
	s.begins++
	if s.beginErr != nil {
		s.mu.Unlock()
		return nil, s.beginErr
	}
	return &memTx{store: s, state: s.state.clone()}, nil
}

func (s *memStore) GetAccount(_ context.Context, key string) (*types.BillingAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.state.accounts[key]; ok {
		c := *a
		return &c, nil
	}
	return nil, nil
}

func (s *memStore) ListTransactions(_ context.Context, _ string, limit int) ([]types.Transaction, error) {
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

func (s *memStore) LedgerSum(_ context.Context, accountID int64) (int64, error) {
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

func (s *memStore) GetUsageEvent(_ context.Context, wk, rk string) (*types.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.state.usage[usageKey(wk, rk)]; ok {
		c := *ev
		return &c, nil
	}
	return nil, nil
}

// account returns a copy of the stored account, for assertions.
func (s *memStore) account() types.BillingAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.state.accounts[types.DefaultAccountKey]
}

func (s *memStore) transactions() []types.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Transaction(nil), s.state.txns...)
}

type memTx struct {
	store *memStore
	state *memState
	done  bool
}

func (t *memTx) LockUsageEvent(_ context.Context, wk, rk string) (*types.UsageEvent, error) {
	if ev, ok := t.state.usage[usageKey(wk, rk)]; ok {
		c := *ev
		return &c, nil
	}
	return nil, nil
}

func (t *memTx) InsertUsageEvent(_ context.Context, ev *types.UsageEvent) error {
	k := usageKey(ev.WorkflowKey, ev.RunKey)
	if _, ok := t.state.usage[k]; ok {
		return types.NewAppError(types.ErrCodeConflictSerialize, "duplicate usage event", nil)
	}
	t.state.nextID++
	ev.ID = t.state.nextID
	c := *ev
	t.state.usage[k] = &c
	return nil
}

func (t *memTx) UpsertFreeUsage(_ context.Context, ev *types.UsageEvent) error {
	k := usageKey(ev.WorkflowKey, ev.RunKey)
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

func (t *memTx) UpdateUsageEvent(_ context.Context, id int64, status types.UsageStatus, txID *string, details types.Details) error {
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
	return errors.New("usage event not found")
}

func (t *memTx) EnsureAccount(_ context.Context, key, currency string, opening int64) (*types.BillingAccount, bool, error) {
	if _, ok := t.state.accounts[key]; ok {
		return nil, false, nil
	}
	t.state.nextID++
	a := &types.BillingAccount{ID: t.state.nextID, AccountKey: key, Currency: currency, BalanceCents: opening}
	t.state.accounts[key] = a
	c := *a
	return &c, true, nil
}

func (t *memTx) LockAccount(_ context.Context, key string) (*types.BillingAccount, error) {
	a, ok := t.state.accounts[key]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "billing account not found", nil)
	}
	c := *a
	return &c, nil
}

func (t *memTx) SaveAccount(_ context.Context, acct *types.BillingAccount) error {
	if acct.BalanceCents < 0 || acct.SpentCents < 0 {
		return errors.New("check constraint violated")
	}
	c := *acct
	t.state.accounts[acct.AccountKey] = &c
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, txn *types.Transaction) error {
	if t.store.insertErr != nil {
		return t.store.insertErr
	}
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

func (t *memTx) FindTransactionByExternalRef(_ context.Context, ref string) (*types.Transaction, error) {
	for _, existing := range t.state.txns {
		if existing.ExternalRef != nil && *existing.ExternalRef == ref {
			c := existing
			return &c, nil
		}
	}
	return nil, nil
}

func (t *memTx) HasRefund(_ context.Context, wk, rk string) (bool, error) {
	for _, existing := range t.state.txns {
		if existing.Kind == types.TxKindRefund && existing.WorkflowKey != nil && *existing.WorkflowKey == wk &&
			existing.RunKey != nil && *existing.RunKey == rk {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.mu.Unlock()
	if n := len(t.store.commitErr); n > 0 {
		err := t.store.commitErr[0]
		t.store.commitErr = t.store.commitErr[1:]
		if err != nil {
			return err
		}
	}
	t.store.state = t.state
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}
