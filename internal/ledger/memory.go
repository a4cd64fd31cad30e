package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps balances in process memory. Mutations on one account are
// serialized by a per-account lock; different accounts never contend.
type MemoryStore struct {
	locks *Locker
	now   func() time.Time

	mu       sync.RWMutex
	accounts map[string]*Account
	entries  map[string][]Entry
	refs     map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    NewLocker(),
		now:      func() time.Time { return time.Now().UTC() },
		accounts: make(map[string]*Account),
		entries:  make(map[string][]Entry),
		refs:     make(map[string]Entry),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) EnsureAccount(_ context.Context, address string) error {
	addr := NormalizeAddress(address)
	if addr == "" {
		return ErrInvalidAddress
	}
	m.account(addr)
	return nil
}

func (m *MemoryStore) Balance(_ context.Context, address string) (decimal.Decimal, error) {
	addr := NormalizeAddress(address)
	if addr == "" {
		return decimal.Zero, ErrInvalidAddress
	}
	acc := m.account(addr)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return acc.Balance, nil
}

func (m *MemoryStore) Deposit(_ context.Context, address string, amount decimal.Decimal, externalRef, memo string) (DepositResult, error) {
	addr, err := ValidateMutation(address, amount)
	if err != nil {
		return DepositResult{}, err
	}
	unlock := m.locks.Lock(addr)
	defer unlock()

	acc := m.account(addr)

	m.mu.Lock()
	defer m.mu.Unlock()
	if externalRef != "" {
		if prev, ok := m.refs[externalRef]; ok {
			return CheckReplay(prev, addr, amount)
		}
	}

	acc.Balance = acc.Balance.Add(amount)
	e := Entry{
		ID:           uuid.NewString(),
		Address:      addr,
		Kind:         KindDeposit,
		Amount:       amount,
		BalanceAfter: acc.Balance,
		Memo:         memo,
		CreatedAt:    m.now(),
	}
	if externalRef != "" {
		ref := externalRef
		e.ExternalRef = &ref
		m.refs[externalRef] = e
	}
	m.entries[addr] = append(m.entries[addr], e)
	return DepositResult{NewBalance: acc.Balance, Entry: e}, nil
}

func (m *MemoryStore) DepositByRef(_ context.Context, externalRef string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.refs[externalRef]
	if !ok || externalRef == "" {
		return Entry{}, ErrUnknownReference
	}
	return e, nil
}

func (m *MemoryStore) Deduct(_ context.Context, address string, amount decimal.Decimal, memo string) (DeductResult, error) {
	addr, err := ValidateMutation(address, amount)
	if err != nil {
		return DeductResult{}, err
	}
	unlock := m.locks.Lock(addr)
	defer unlock()

	acc := m.account(addr)

	m.mu.Lock()
	defer m.mu.Unlock()
	if acc.Balance.LessThan(amount) {
		return DeductResult{}, &InsufficientFundsError{Required: amount, Available: acc.Balance}
	}
	acc.Balance = acc.Balance.Sub(amount)
	e := Entry{
		ID:           uuid.NewString(),
		Address:      addr,
		Kind:         KindDeduction,
		Amount:       amount,
		BalanceAfter: acc.Balance,
		Memo:         memo,
		CreatedAt:    m.now(),
	}
	m.entries[addr] = append(m.entries[addr], e)
	return DeductResult{NewBalance: acc.Balance, Entry: e}, nil
}

func (m *MemoryStore) Entries(_ context.Context, address string, limit int) ([]Entry, error) {
	addr := NormalizeAddress(address)
	if limit <= 0 {
		limit = DefaultEntriesLimit
	}
	m.mu.RLock()
	all := append([]Entry(nil), m.entries[addr]...)
	m.mu.RUnlock()

	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) account(addr string) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[addr]
	if !ok {
		acc = &Account{Address: addr, Balance: decimal.Zero, CreatedAt: m.now()}
		m.accounts[addr] = acc
	}
	return acc
}
