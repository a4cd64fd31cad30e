// Package ledger defines the credit ledger contract shared by the in-memory
// and SQL-backed stores.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrConflict          = errors.New("ledger: conflicting write")
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
	ErrInvalidAddress    = errors.New("ledger: wallet address is empty")
	ErrUnknownReference  = errors.New("ledger: no entry for reference")
)

// InsufficientFundsError carries the amounts a client needs to render a top-up prompt.
type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s, available %s", e.Required.String(), e.Available.String())
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

type Kind string

const (
	KindDeposit   Kind = "deposit"
	KindDeduction Kind = "deduction"
)

type Account struct {
	Address   string
	Balance   decimal.Decimal
	CreatedAt time.Time
}

type Entry struct {
	ID           string
	Address      string
	Kind         Kind
	Amount       decimal.Decimal
	ExternalRef  *string
	BalanceAfter decimal.Decimal
	Memo         string
	CreatedAt    time.Time
}

type DepositResult struct {
	NewBalance decimal.Decimal
	Entry      Entry
	// Replayed is set when the reference was already applied and nothing changed.
	Replayed bool
}

type DeductResult struct {
	NewBalance decimal.Decimal
	Entry      Entry
}

// Store is the durable keyed balance store. Deduct must check and apply in one
// indivisible step per account.
type Store interface {
	EnsureAccount(ctx context.Context, address string) error
	Balance(ctx context.Context, address string) (decimal.Decimal, error)
	Deposit(ctx context.Context, address string, amount decimal.Decimal, externalRef, memo string) (DepositResult, error)
	// DepositByRef returns the deposit entry recorded under externalRef, or ErrUnknownReference.
	DepositByRef(ctx context.Context, externalRef string) (Entry, error)
	Deduct(ctx context.Context, address string, amount decimal.Decimal, memo string) (DeductResult, error)
	Entries(ctx context.Context, address string, limit int) ([]Entry, error)
}

const DefaultEntriesLimit = 20

func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ValidateMutation normalizes the address and rejects non-positive amounts.
func ValidateMutation(address string, amount decimal.Decimal) (string, error) {
	addr := NormalizeAddress(address)
	if addr == "" {
		return "", ErrInvalidAddress
	}
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}
	return addr, nil
}

// CheckReplay compares a stored deposit entry against a new request with the same reference.
func CheckReplay(prev Entry, address string, amount decimal.Decimal) (DepositResult, error) {
	if prev.Address != address || !prev.Amount.Equal(amount) {
		return DepositResult{}, fmt.Errorf("reference %q already used for %s %s: %w", deref(prev.ExternalRef), prev.Address, prev.Amount.String(), ErrConflict)
	}
	return DepositResult{NewBalance: prev.BalanceAfter, Entry: prev, Replayed: true}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
