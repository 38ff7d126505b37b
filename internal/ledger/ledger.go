// Package ledger tracks prepaid credit balances and the append-only
// transaction log behind them. All mutation goes through the Store's atomic
// debit/credit operations; balances are fixed-point decimals and are never
// negative after a committed transaction.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind labels a transaction row.
type Kind string

const (
	KindDebit  Kind = "debit"
	KindCredit Kind = "credit"
	KindReset  Kind = "reset"
)

// Account is the balance record for one billable principal. Accounts are
// created on first use and soft-archived, never deleted.
type Account struct {
	Principal string          `json:"principal"`
	Balance   decimal.Decimal `json:"balance"`
	Allocated decimal.Decimal `json:"allocated"`
	Tier      string          `json:"tier"`
	LastReset time.Time       `json:"last_reset"`
	Archived  bool            `json:"archived"`
	CreatedAt time.Time       `json:"created_at"`
}

// Transaction is one immutable audit row. Amount is signed: negative for
// debits, positive for credits and resets.
type Transaction struct {
	ID            uuid.UUID       `json:"id"`
	Principal     string          `json:"principal"`
	Kind          Kind            `json:"kind"`
	Provider      string          `json:"provider,omitempty"`
	Model         string          `json:"model,omitempty"`
	Units         int64           `json:"units"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Reason        string          `json:"reason,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DebitMeta carries the usage attribution written alongside a debit.
type DebitMeta struct {
	Provider      string
	Model         string
	Units         int64
	CorrelationID string
}

// Store defines persistence for accounts and transactions. Implementations
// must serialize concurrent mutations per principal (row locks or an
// equivalent) so interleaved debits can never produce a negative or
// double-counted balance.
type Store interface {
	// EnsureAccount returns the principal's account, creating it with the
	// given tier and opening allocation on first use.
	EnsureAccount(ctx context.Context, principal, tier string, allocation decimal.Decimal) (Account, error)

	// GetAccount returns the current account state.
	GetAccount(ctx context.Context, principal string) (Account, error)

	// Debit atomically checks the balance, decrements it and appends the
	// transaction row as one indivisible unit. A shortfall returns
	// gwerror.ErrInsufficientFunds with no row written. A zero amount
	// (BYOK usage) still writes a row.
	Debit(ctx context.Context, principal string, amount decimal.Decimal, meta DebitMeta) (Transaction, error)

	// Credit atomically increments the balance and appends a row. When
	// correlationID is non-empty the operation is idempotent: a second
	// credit with the same correlation id returns the first row unchanged.
	Credit(ctx context.Context, principal string, amount decimal.Decimal, reason, correlationID string) (Transaction, error)

	// ResetPeriod sets the balance to the period allocation and appends a
	// reset row.
	ResetPeriod(ctx context.Context, principal string, allocation decimal.Decimal) (Transaction, error)

	// History returns the most recent transactions, newest first.
	History(ctx context.Context, principal string, limit int) ([]Transaction, error)

	// ListAccounts returns all non-archived accounts (reset scheduling).
	ListAccounts(ctx context.Context) ([]Account, error)

	// Archive soft-archives an account.
	Archive(ctx context.Context, principal string) error

	Close() error
}
