// Package sqlite implements ledger.Store backed by SQLite. Transactions open
// with an immediate lock, so SQLite itself serializes concurrent mutations;
// balances travel as canonical decimal strings and are compared in Go.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/relaymeter/relaymeter-gateway/internal/gwerror"
	"github.com/relaymeter/relaymeter-gateway/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite ledger at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	// _txlock=immediate makes every write transaction take the database
	// lock up front, so concurrent debits queue instead of failing with
	// SQLITE_BUSY at commit time.
	db, err := sql.Open("sqlite", path+"?_txlock=immediate&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
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
	balance TEXT NOT NULL,
	allocated TEXT NOT NULL,
	tier TEXT NOT NULL,
	last_reset TIMESTAMP NOT NULL,
	archived INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	principal TEXT NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('debit','credit','reset')),
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	units INTEGER NOT NULL DEFAULT 0,
	amount TEXT NOT NULL,
	balance_before TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(principal, balance, allocated, tier, last_reset, created_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(principal) DO NOTHING`,
		principal, allocation.String(), allocation.String(), tier, now, now)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("ensure account: %w", err)
	}
	return s.GetAccount(ctx, principal)
}

// GetAccount returns current account state.
func (s *Store) GetAccount(ctx context.Context, principal string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT principal, balance, allocated, tier, last_reset, archived, created_at
FROM accounts WHERE principal = ?`, principal)
	return scanAccount(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanAccount(row rowScanner) (ledger.Account, error) {
	var a ledger.Account
	var balance, allocated string
	var archived int
	if err := row.Scan(&a.Principal, &balance, &allocated, &a.Tier, &a.LastReset, &archived, &a.CreatedAt); err != nil {
		return ledger.Account{}, err
	}
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return ledger.Account{}, fmt.Errorf("corrupt balance %q: %w", balance, err)
	}
	if a.Allocated, err = decimal.NewFromString(allocated); err != nil {
		return ledger.Account{}, fmt.Errorf("corrupt allocation %q: %w", allocated, err)
	}
	a.Archived = archived != 0
	return a, nil
}

// Debit performs the atomic compare-and-decrement plus transaction append.
func (s *Store) Debit(ctx context.Context, principal string, amount decimal.Decimal, meta ledger.DebitMeta) (ledger.Transaction, error) {
	if amount.IsNegative() {
		return ledger.Transaction{}, fmt.Errorf("debit amount %s is negative", amount)
	}
	return s.mutate(ctx, principal, func(balance decimal.Decimal) (decimal.Decimal, ledger.Transaction, error) {
		if balance.LessThan(amount) {
			return balance, ledger.Transaction{}, gwerror.ErrInsufficientFunds
		}
		after := balance.Sub(amount)
		return after, ledger.Transaction{
			Kind:          ledger.KindDebit,
			Provider:      meta.Provider,
			Model:         meta.Model,
			Units:         meta.Units,
			Amount:        amount.Neg(),
			CorrelationID: meta.CorrelationID,
		}, nil
	})
}

// Credit increments the balance; idempotent per correlation id.
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
		after := balance.Add(amount)
		return after, ledger.Transaction{
			Kind:          ledger.KindCredit,
			Amount:        amount,
			Reason:        reason,
			CorrelationID: correlationID,
		}, nil
	})
	if err != nil && correlationID != "" && isUniqueViolation(err) {
		// Lost a race with a concurrent refund for the same request; the
		// committed row is the answer.
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
UPDATE accounts SET allocated = ?, last_reset = ? WHERE principal = ?`,
		allocation.String(), time.Now().UTC(), principal)
	return txn, err
}

// mutate runs one balance change and its transaction row inside a single
// immediate SQLite transaction.
func (s *Store) mutate(ctx context.Context, principal string, f func(balance decimal.Decimal) (decimal.Decimal, ledger.Transaction, error)) (ledger.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var balanceStr string
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE principal = ?`, principal).Scan(&balanceStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, fmt.Errorf("unknown account %q", principal)
		}
		return ledger.Transaction{}, err
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("corrupt balance %q: %w", balanceStr, err)
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
		`UPDATE accounts SET balance = ? WHERE principal = ?`, after.String(), principal); err != nil {
		return ledger.Transaction{}, fmt.Errorf("update balance: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO transactions(id, principal, kind, provider, model, units, amount, balance_before, balance_after, reason, correlation_id, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID.String(), txn.Principal, string(txn.Kind), txn.Provider, txn.Model, txn.Units,
		txn.Amount.String(), txn.BalanceBefore.String(), txn.BalanceAfter.String(),
		txn.Reason, txn.CorrelationID, txn.CreatedAt); err != nil {
		return ledger.Transaction{}, fmt.Errorf("append transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, fmt.Errorf("commit: %w", err)
	}
	return txn, nil
}

func (s *Store) findCredit(ctx context.Context, correlationID string) (ledger.Transaction, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, principal, kind, provider, model, units, amount, balance_before, balance_after, reason, correlation_id, created_at
FROM transactions WHERE kind = 'credit' AND correlation_id = ? LIMIT 1`, correlationID)
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return ledger.Transaction{}, false, rows.Err()
	}
	txn, err := scanTransaction(rows)
	return txn, err == nil, err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

// History returns the latest transactions for a principal, newest first.
func (s *Store) History(ctx context.Context, principal string, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, principal, kind, provider, model, units, amount, balance_before, balance_after, reason, correlation_id, created_at
FROM transactions
WHERE principal = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, principal, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []ledger.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var t ledger.Transaction
	var id, kind, amount, before, after string
	if err := rows.Scan(&id, &t.Principal, &kind, &t.Provider, &t.Model, &t.Units,
		&amount, &before, &after, &t.Reason, &t.CorrelationID, &t.CreatedAt); err != nil {
		return ledger.Transaction{}, err
	}
	var err error
	if t.ID, err = uuid.Parse(id); err != nil {
		return ledger.Transaction{}, fmt.Errorf("corrupt transaction id %q: %w", id, err)
	}
	t.Kind = ledger.Kind(kind)
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.Transaction{}, err
	}
	if t.BalanceBefore, err = decimal.NewFromString(before); err != nil {
		return ledger.Transaction{}, err
	}
	if t.BalanceAfter, err = decimal.NewFromString(after); err != nil {
		return ledger.Transaction{}, err
	}
	return t, nil
}

// ListAccounts returns all non-archived accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT principal, balance, allocated, tier, last_reset, archived, created_at
FROM accounts WHERE archived = 0 ORDER BY principal`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Archive soft-archives an account; its transaction history stays intact.
func (s *Store) Archive(ctx context.Context, principal string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET archived = 1 WHERE principal = ?`, principal)
	return err
}
