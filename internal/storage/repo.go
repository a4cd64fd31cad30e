package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payprompt/internal/ledger"
)

var ErrNotFound = errors.New("not found")

var _ ledger.Store = (*Store)(nil)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) EnsureAccount(ctx context.Context, address string) error {
	addr := ledger.NormalizeAddress(address)
	if addr == "" {
		return ledger.ErrInvalidAddress
	}
	return s.ensureAccount(ctx, s.db, addr)
}

func (s *Store) ensureAccount(ctx context.Context, q queryer, addr string) error {
	ins := s.sql.Insert("accounts").
		Columns("wallet_address", "balance", "created_at", "updated_at").
		Values(addr, decimal.Zero, s.now(), s.now()).
		Suffix("ON CONFLICT(wallet_address) DO NOTHING")

	sqlStr, args, err := ins.ToSql()
	if err != nil {
		return fmt.Errorf("build ensure account query: %w", err)
	}
	if _, err := q.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

func (s *Store) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	addr := ledger.NormalizeAddress(address)
	if addr == "" {
		return decimal.Zero, ledger.ErrInvalidAddress
	}
	if err := s.ensureAccount(ctx, s.db, addr); err != nil {
		return decimal.Zero, err
	}
	return s.balance(ctx, s.db, addr)
}

func (s *Store) balance(ctx context.Context, q queryer, addr string) (decimal.Decimal, error) {
	sel := s.sql.Select("balance").From("accounts").Where(sq.Eq{"wallet_address": addr})
	sqlStr, args, err := sel.ToSql()
	if err != nil {
		return decimal.Zero, fmt.Errorf("build balance query: %w", err)
	}
	var bal decimal.Decimal
	if err := q.QueryRowContext(ctx, sqlStr, args...).Scan(&bal); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	return bal, nil
}

func (s *Store) Deposit(ctx context.Context, address string, amount decimal.Decimal, externalRef, memo string) (ledger.DepositResult, error) {
	addr, err := ledger.ValidateMutation(address, amount)
	if err != nil {
		return ledger.DepositResult{}, err
	}
	if s.driver == "sqlite" {
		unlock := s.locks.Lock(addr)
		defer unlock()
	}

	if externalRef != "" {
		prev, err := s.entryByRef(ctx, s.db, externalRef)
		switch {
		case err == nil:
			return ledger.CheckReplay(prev, addr, amount)
		case !errors.Is(err, ErrNotFound):
			return ledger.DepositResult{}, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.DepositResult{}, fmt.Errorf("begin deposit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensureAccount(ctx, tx, addr); err != nil {
		return ledger.DepositResult{}, err
	}
	newBalance, err := s.credit(ctx, tx, addr, amount)
	if err != nil {
		return ledger.DepositResult{}, err
	}

	entry := ledger.Entry{
		ID:           uuid.NewString(),
		Address:      addr,
		Kind:         ledger.KindDeposit,
		Amount:       amount,
		BalanceAfter: newBalance,
		Memo:         memo,
		CreatedAt:    s.now(),
	}
	if externalRef != "" {
		ref := externalRef
		entry.ExternalRef = &ref
	}
	inserted, err := s.insertEntry(ctx, tx, entry)
	if err != nil {
		return ledger.DepositResult{}, err
	}
	if !inserted {
		// Lost a race against the same reference; the winner's row is authoritative.
		_ = tx.Rollback()
		prev, err := s.entryByRef(ctx, s.db, externalRef)
		if err != nil {
			return ledger.DepositResult{}, fmt.Errorf("reload replayed deposit: %w", ledger.ErrConflict)
		}
		return ledger.CheckReplay(prev, addr, amount)
	}

	if err := tx.Commit(); err != nil {
		return ledger.DepositResult{}, fmt.Errorf("commit deposit: %w", err)
	}
	return ledger.DepositResult{NewBalance: newBalance, Entry: entry}, nil
}

func (s *Store) DepositByRef(ctx context.Context, externalRef string) (ledger.Entry, error) {
	if externalRef == "" {
		return ledger.Entry{}, ledger.ErrUnknownReference
	}
	e, err := s.entryByRef(ctx, s.db, externalRef)
	if errors.Is(err, ErrNotFound) {
		return ledger.Entry{}, ledger.ErrUnknownReference
	}
	return e, err
}

func (s *Store) Deduct(ctx context.Context, address string, amount decimal.Decimal, memo string) (ledger.DeductResult, error) {
	addr, err := ledger.ValidateMutation(address, amount)
	if err != nil {
		return ledger.DeductResult{}, err
	}
	if s.driver == "sqlite" {
		unlock := s.locks.Lock(addr)
		defer unlock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.DeductResult{}, fmt.Errorf("begin deduct tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensureAccount(ctx, tx, addr); err != nil {
		return ledger.DeductResult{}, err
	}
	newBalance, err := s.debit(ctx, tx, addr, amount)
	if err != nil {
		return ledger.DeductResult{}, err
	}

	entry := ledger.Entry{
		ID:           uuid.NewString(),
		Address:      addr,
		Kind:         ledger.KindDeduction,
		Amount:       amount,
		BalanceAfter: newBalance,
		Memo:         memo,
		CreatedAt:    s.now(),
	}
	if _, err := s.insertEntry(ctx, tx, entry); err != nil {
		return ledger.DeductResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.DeductResult{}, fmt.Errorf("commit deduct: %w: %w", ledger.ErrConflict, err)
	}
	return ledger.DeductResult{NewBalance: newBalance, Entry: entry}, nil
}

func (s *Store) credit(ctx context.Context, tx *sql.Tx, addr string, amount decimal.Decimal) (decimal.Decimal, error) {
	if s.driver == "postgres" {
		upd := s.sql.Update("accounts").
			Set("balance", sq.Expr("balance + ?", amount)).
			Set("updated_at", nowExpr(s.driver)).
			Where(sq.Eq{"wallet_address": addr}).
			Suffix("RETURNING balance")
		return s.returningBalance(ctx, tx, upd, "credit account")
	}

	current, err := s.balance(ctx, tx, addr)
	if err != nil {
		return decimal.Zero, err
	}
	next := current.Add(amount)
	if err := s.setBalance(ctx, tx, addr, next); err != nil {
		return decimal.Zero, err
	}
	return next, nil
}

// debit applies the deduction only if the balance covers it.
func (s *Store) debit(ctx context.Context, tx *sql.Tx, addr string, amount decimal.Decimal) (decimal.Decimal, error) {
	if s.driver == "postgres" {
		upd := s.sql.Update("accounts").
			Set("balance", sq.Expr("balance - ?", amount)).
			Set("updated_at", nowExpr(s.driver)).
			Where(sq.Eq{"wallet_address": addr}).
			Where(sq.GtOrEq{"balance": amount}).
			Suffix("RETURNING balance")
		next, err := s.returningBalance(ctx, tx, upd, "debit account")
		if errors.Is(err, ErrNotFound) {
			available, berr := s.balance(ctx, tx, addr)
			if berr != nil {
				return decimal.Zero, berr
			}
			return decimal.Zero, &ledger.InsufficientFundsError{Required: amount, Available: available}
		}
		return next, err
	}

	current, err := s.balance(ctx, tx, addr)
	if err != nil {
		return decimal.Zero, err
	}
	if current.LessThan(amount) {
		return decimal.Zero, &ledger.InsufficientFundsError{Required: amount, Available: current}
	}
	next := current.Sub(amount)
	if err := s.setBalance(ctx, tx, addr, next); err != nil {
		return decimal.Zero, err
	}
	return next, nil
}

func (s *Store) returningBalance(ctx context.Context, tx *sql.Tx, upd sq.UpdateBuilder, op string) (decimal.Decimal, error) {
	sqlStr, args, err := upd.ToSql()
	if err != nil {
		return decimal.Zero, fmt.Errorf("build %s query: %w", op, err)
	}
	var bal decimal.Decimal
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&bal); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("%s: %w", op, err)
	}
	return bal, nil
}

func (s *Store) setBalance(ctx context.Context, tx *sql.Tx, addr string, bal decimal.Decimal) error {
	upd := s.sql.Update("accounts").
		Set("balance", bal).
		Set("updated_at", s.now()).
		Where(sq.Eq{"wallet_address": addr})
	sqlStr, args, err := upd.ToSql()
	if err != nil {
		return fmt.Errorf("build set balance query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrConflict
	}
	return nil
}

func (s *Store) insertEntry(ctx context.Context, tx *sql.Tx, e ledger.Entry) (bool, error) {
	var ref any
	if e.ExternalRef != nil {
		ref = *e.ExternalRef
	}
	ins := s.sql.Insert("ledger_entries").
		Columns("id", "wallet_address", "kind", "amount", "external_ref", "balance_after", "memo", "created_at").
		Values(e.ID, e.Address, string(e.Kind), e.Amount, ref, e.BalanceAfter, e.Memo, e.CreatedAt).
		Suffix("ON CONFLICT(external_ref) DO NOTHING")

	sqlStr, args, err := ins.ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert entry query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("insert ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert ledger entry rows: %w", err)
	}
	return n == 1, nil
}

var entryColumns = []string{"id", "wallet_address", "kind", "amount", "external_ref", "balance_after", "memo", "created_at"}

func (s *Store) entryByRef(ctx context.Context, q queryer, ref string) (ledger.Entry, error) {
	sel := s.sql.Select(entryColumns...).From("ledger_entries").Where(sq.Eq{"external_ref": ref})
	sqlStr, args, err := sel.ToSql()
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("build entry by ref query: %w", err)
	}
	e, err := scanEntry(q.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Entry{}, ErrNotFound
		}
		return ledger.Entry{}, fmt.Errorf("get entry by ref: %w", err)
	}
	return e, nil
}

func (s *Store) Entries(ctx context.Context, address string, limit int) ([]ledger.Entry, error) {
	addr := ledger.NormalizeAddress(address)
	if limit <= 0 {
		limit = ledger.DefaultEntriesLimit
	}
	sel := s.sql.Select(entryColumns...).
		From("ledger_entries").
		Where(sq.Eq{"wallet_address": addr}).
		OrderBy("created_at DESC").
		Limit(uint64(limit))
	sqlStr, args, err := sel.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list entries query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	out := make([]ledger.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (ledger.Entry, error) {
	var e ledger.Entry
	var kind string
	var ref sql.NullString
	if err := r.Scan(&e.ID, &e.Address, &kind, &e.Amount, &ref, &e.BalanceAfter, &e.Memo, &e.CreatedAt); err != nil {
		return ledger.Entry{}, err
	}
	e.Kind = ledger.Kind(kind)
	if ref.Valid {
		e.ExternalRef = &ref.String
	}
	return e, nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
