package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func TestMemoryStoreConcurrentDeductNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	addr := "0xABCDEF0000000000000000000000000000000001"

	if _, err := s.Deposit(ctx, addr, decimal.RequireFromString("1"), "0xseed", ""); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	amount := decimal.RequireFromString("0.03")
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Deduct(ctx, addr, amount, "prompt")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientFunds):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 33 || rejected != 67 {
		t.Fatalf("expected 33 successes and 67 rejections, got %d/%d", succeeded, rejected)
	}
	bal, err := s.Balance(ctx, addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	want := decimal.RequireFromString("1").Sub(amount.Mul(decimal.NewFromInt(int64(succeeded))))
	if !bal.Equal(want) {
		t.Fatalf("expected balance %s, got %s", want, bal)
	}
	if bal.IsNegative() {
		t.Fatalf("balance went negative: %s", bal)
	}
}

func TestMemoryStoreDepositIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.Deposit(ctx, "0xAbc", decimal.RequireFromString("5.5"), "0xabc", "")
	if err != nil {
		t.Fatalf("deposit#1: %v", err)
	}
	second, err := s.Deposit(ctx, "0xabc", decimal.RequireFromString("5.5"), "0xabc", "")
	if err != nil {
		t.Fatalf("deposit#2: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("expected replayed deposit")
	}
	if !first.NewBalance.Equal(second.NewBalance) {
		t.Fatalf("replay changed balance: %s vs %s", first.NewBalance, second.NewBalance)
	}
	bal, _ := s.Balance(ctx, "0xabc")
	if bal.String() != "5.5" {
		t.Fatalf("expected balance 5.5, got %s", bal)
	}

	if _, err := s.Deposit(ctx, "0xabc", decimal.RequireFromString("6"), "0xabc", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for reused reference, got %v", err)
	}
}

func TestMemoryStoreDepositByRef(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.DepositByRef(ctx, "0xfp"); !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("expected unknown reference, got %v", err)
	}
	if _, err := s.Deposit(ctx, "0xabc", decimal.RequireFromString("2.5"), "0xfp", "settled in tx 0x01"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	e, err := s.DepositByRef(ctx, "0xfp")
	if err != nil {
		t.Fatalf("deposit by ref: %v", err)
	}
	if e.Memo != "settled in tx 0x01" || e.Address != "0xabc" || e.Amount.String() != "2.5" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if _, err := s.DepositByRef(ctx, ""); !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("expected unknown reference for empty ref, got %v", err)
	}
}

func TestMemoryStoreInsufficientFundsDetail(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.Deposit(ctx, "0x1", decimal.RequireFromString("0.01"), "0xr1", ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	_, err := s.Deduct(ctx, "0x1", decimal.RequireFromString("0.02"), "")
	var insufficient *InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if insufficient.Required.String() != "0.02" || insufficient.Available.String() != "0.01" {
		t.Fatalf("unexpected detail: %+v", insufficient)
	}
}

func TestMemoryStoreRejectsNonPositive(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Deposit(context.Background(), "0x1", decimal.Zero, "r", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := s.Deduct(context.Background(), "0x1", decimal.RequireFromString("-1"), ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestMemoryStoreEntriesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, ref := range []string{"0xa", "0xb", "0xc"} {
		if _, err := s.Deposit(ctx, "0x1", decimal.NewFromInt(1), ref, ""); err != nil {
			t.Fatalf("deposit %s: %v", ref, err)
		}
	}
	entries, err := s.Entries(ctx, "0x1", 2)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if *entries[0].ExternalRef != "0xc" || *entries[1].ExternalRef != "0xb" {
		t.Fatalf("unexpected order: %s, %s", *entries[0].ExternalRef, *entries[1].ExternalRef)
	}
}
