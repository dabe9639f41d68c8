package app

import (
	"context"

	"opsdeck/internal/billing"
	"opsdeck/internal/db"
)

// billingStore adapts *db.BillingRepository to billing.Store. The repository
// returns its concrete transaction type; the ledger wants the interface.
type billingStore struct {
	*db.BillingRepository
}

var _ billing.Store = billingStore{}

// NewBillingStore wraps repo for billing.NewLedger.
func NewBillingStore(repo *db.BillingRepository) billing.Store {
	return billingStore{BillingRepository: repo}
}

func (s billingStore) BeginTx(ctx context.Context) (billing.Tx, error) {
	tx, err := s.BillingRepository.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}
