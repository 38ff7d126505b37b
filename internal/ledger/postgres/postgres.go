// Package postgres implements ledger.Store backed by PostgreSQL. Per-principal
// serialization uses SELECT ... FOR UPDATE row locks, so concurrent debits
// against one account queue on the row while unrelated accounts proceed.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/relaymeter/relaymeter-gateway/internal/gwerror"
	"github.com/relaymeter/relaymeter-gateway/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger using the provided DSN and pool limits.
func New(dsn string, maxOpen, maxIdle int, connLifetime time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if connLifetime > 0 {
		db.SetConnMaxLifetime(connLifetime)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	principal TEXT PRIMARY KEY,
	balance NUMERIC(20,4) NOT NULL,
	allocated NUMERIC(20,4) NOT NULL,
	tier TEXT NOT NULL,
	last_reset TIMESTAMPTZ NOT NULL,
	archived BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS transactions (
	id UUID PRIMARY KEY,
	principal TEXT NOT NULL REFERENCES accounts(principal),
	kind TEXT NOT NULL CHECK(kind IN ('debit','credit','reset')),
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	units BIGINT NOT NULL DEFAULT 0,
	amount NUMERIC(20,4) NOT NULL,
	balance_before NUMERIC(20,4) NOT NULL,
	balance_after NUMERIC(20,4) NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_transactions_principal_created ON transactions(principal, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_refund_once ON transactions(correlation_id) WHERE kind = 'credit' AND correlation_id <> '';
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureAccount creates the account on first use with the opening allocation.
func (s *Store) EnsureAccount(ctx context.Context, principal, tier string, allocation decimal.Decimal) (ledger.Account, error) {
	if principal == "" {
		return ledger.Account{}, errors.New("principal required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(principal, balance, allocated, tier, last_reset)
VALUES($1, $2, $2, $3, NOW())
ON CONFLICT(principal) DO NOTHING`,
		principal, allocation, tier)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("ensure account: %w", err)
	}
	return s.GetAccount(ctx, principal)
}

// GetAccount returns current account state.
func (s *Store) GetAccount(ctx context.Context, principal string) (ledger.Account, error) {
	var a ledger.Account
	err := s.db.QueryRowContext(ctx, `
SELECT principal, balance, allocated, tier, last_reset, archived, created_at
FROM accounts WHERE principal = $1`, principal).Scan(
		&a.Principal, &a.Balance, &a.Allocated, &a.Tier, &a.LastReset, &a.Archived, &a.CreatedAt)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// Debit performs the atomic compare-and-decrement plus transaction append
// under a row lock.
func (s *Store) Debit(ctx context.Context, principal string, amount decimal.Decimal, meta ledger.DebitMeta) (ledger.Transaction, error) {
	if amount.IsNegative() {
		return ledger.Transaction{}, fmt.Errorf("debit amount %s is negative", amount)
	}
	return s.mutate(ctx, principal, func(balance decimal.Decimal) (decimal.Decimal, ledger.Transaction, error) {
		if balance.LessThan(amount) {
			return balance, ledger.Transaction{}, gwerror.ErrInsufficientFunds
		}
		return balance.Sub(amount), ledger.Transaction{
			Kind:          ledger.KindDebit,
			Provider:      meta.Provider,
			Model:         meta.Model,
			Units:         meta.Units,
			Amount:        amount.Neg(),
			CorrelationID: meta.CorrelationID,
		}, nil
	})
}

// Credit increments the balance; idempotent per correlation id (enforced by
// the unique partial index on refund rows).
func (s *Store) Credit(ctx context.Context, principal string, amount decimal.Decimal, reason, correlationID string) (ledger.Transaction, error) {
	if amount.IsNegative() {
		return ledger.Transaction{}, fmt.Errorf("credit amount %s is negative", amount)
	}
	if correlationID != "" {
		if txn, ok, err := s.findCredit(ctx, correlationID); err != nil {
			return ledger.Transaction{}, err
		} else if ok {
			return txn, nil
		}
	}
	txn, err := s.mutate(ctx, principal, func(balance decimal.Decimal) (decimal.Decimal, ledger.Transaction, error) {
		return balance.Add(amount), ledger.Transaction{
			Kind:          ledger.KindCredit,
			Amount:        amount,
			Reason:        reason,
			CorrelationID: correlationID,
		}, nil
	})
	if err != nil && correlationID != "" {
		if existing, ok, ferr := s.findCredit(ctx, correlationID); ferr == nil && ok {
			return existing, nil
		}
	}
	return txn, err
}

// ResetPeriod sets the balance back to the tier allocation.
func (s *Store) ResetPeriod(ctx context.Context, principal string, allocation decimal.Decimal) (ledger.Transaction, error) {
	txn, err := s.mutate(ctx, principal, func(balance decimal.Decimal) (decimal.Decimal, ledger.Transaction, error) {
		return allocation, ledger.Transaction{
			Kind:   ledger.KindReset,
			Amount: allocation.Sub(balance),
			Reason: "periodic allocation reset",
		}, nil
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE accounts SET allocated = $1, last_reset = NOW() WHERE principal = $2`,
		allocation, principal)
	return txn, err
}

func (s *Store) mutate(ctx context.Context, principal string, f func(balance decimal.Decimal) (decimal.Decimal, ledger.Transaction, error)) (ledger.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var balance decimal.Decimal
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE principal = $1 FOR UPDATE`, principal).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, fmt.Errorf("unknown account %q", principal)
		}
		return ledger.Transaction{}, err
	}

	after, txn, err := f(balance)
	if err != nil {
		return ledger.Transaction{}, err
	}
	txn.ID = uuid.New()
	txn.Principal = principal
	txn.BalanceBefore = balance
	txn.BalanceAfter = after
	txn.CreatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $1 WHERE principal = $2`, after, principal); err != nil {
		return ledger.Transaction{}, fmt.Errorf("update balance: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO transactions(id, principal, kind, provider, model, units, amount, balance_before, balance_after, reason, correlation_id, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		txn.ID, txn.Principal, string(txn.Kind), txn.Provider, txn.Model, txn.Units,
		txn.Amount, txn.BalanceBefore, txn.BalanceAfter, txn.Reason, txn.CorrelationID, txn.CreatedAt); err != nil {
		return ledger.Transaction{}, fmt.Errorf("append transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, fmt.Errorf("commit: %w", err)
	}
	return txn, nil
}

func (s *Store) findCredit(ctx context.Context, correlationID string) (ledger.Transaction, bool, error) {
	var t ledger.Transaction
	var kind string
	err := s.db.QueryRowContext(ctx, `
SELECT id, principal, kind, provider, model, units, amount, balance_before, balance_after, reason, correlation_id, created_at
FROM transactions WHERE kind = 'credit' AND correlation_id = $1 LIMIT 1`, correlationID).Scan(
		&t.ID, &t.Principal, &kind, &t.Provider, &t.Model, &t.Units,
		&t.Amount, &t.BalanceBefore, &t.BalanceAfter, &t.Reason, &t.CorrelationID, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	t.Kind = ledger.Kind(kind)
	return t, true, nil
}

// History returns the latest transactions for a principal, newest first.
func (s *Store) History(ctx context.Context, principal string, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, principal, kind, provider, model, units, amount, balance_before, balance_after, reason, correlation_id, created_at
FROM transactions
WHERE principal = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, principal, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		var kind string
		if err := rows.Scan(&t.ID, &t.Principal, &kind, &t.Provider, &t.Model, &t.Units,
			&t.Amount, &t.BalanceBefore, &t.BalanceAfter, &t.Reason, &t.CorrelationID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = ledger.Kind(kind)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// ListAccounts returns all non-archived accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT principal, balance, allocated, tier, last_reset, archived, created_at
FROM accounts WHERE archived = FALSE ORDER BY principal`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		var a ledger.Account
		if err := rows.Scan(&a.Principal, &a.Balance, &a.Allocated, &a.Tier, &a.LastReset, &a.Archived, &a.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Archive soft-archives an account; its transaction history stays intact.
func (s *Store) Archive(ctx context.Context, principal string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET archived = TRUE WHERE principal = $1`, principal)
	return err
}
