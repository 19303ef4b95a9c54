// Package account provides an in-memory account store for tests and demos.
// In a deployed system the account store is owned by an external
// collaborator; this implementation only mirrors its contract.
package account

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemStore holds account balances and buying power in process memory.
type MemStore struct {
	lock        sync.RWMutex
	balances    map[string]decimal.Decimal
	buyingPower map[string]decimal.Decimal
}

func NewMemStore() *MemStore {
	return &MemStore{
		balances:    map[string]decimal.Decimal{},
		buyingPower: map[string]decimal.Decimal{},
	}
}

func (s *MemStore) Balance(
	ctx context.Context, accountID string,
) (decimal.Decimal, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.balances[accountID], nil
}

func (s *MemStore) SetBalance(
	ctx context.Context, accountID string, balance decimal.Decimal,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.balances[accountID] = balance
	return nil
}

func (s *MemStore) BuyingPower(
	ctx context.Context, accountID string,
) (decimal.Decimal, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.buyingPower[accountID], nil
}

func (s *MemStore) SetBuyingPower(
	ctx context.Context, accountID string, power decimal.Decimal,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.buyingPower[accountID] = power
	return nil
}
