package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymeter/relaymeter-gateway/internal/gwerror"
	"github.com/relaymeter/relaymeter-gateway/internal/ledger"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDebitHappyPath(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.EnsureAccount(ctx, "acct-1", "pro", dec("100"))
	require.NoError(t, err)

	txn, err := store.Debit(ctx, "acct-1", dec("5"), ledger.DebitMeta{
		Provider: "openai", Model: "gpt-4o", Units: 1234, CorrelationID: "req-1",
	})
	require.NoError(t, err)
	assert.True(t, txn.Amount.Equal(dec("-5")))
	assert.True(t, txn.BalanceBefore.Equal(dec("100")))
	assert.True(t, txn.BalanceAfter.Equal(dec("95")))

	acct, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("95")))

	history, err := store.History(ctx, "acct-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "openai", history[0].Provider)
	assert.Equal(t, int64(1234), history[0].Units)
}

func TestDebitInsufficientFundsWritesNothing(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.EnsureAccount(ctx, "acct-2", "free", dec("3"))
	require.NoError(t, err)

	_, err = store.Debit(ctx, "acct-2", dec("5"), ledger.DebitMeta{})
	require.True(t, errors.Is(err, gwerror.ErrInsufficientFunds))

	acct, err := store.GetAccount(ctx, "acct-2")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("3")), "balance must be untouched")

	history, err := store.History(ctx, "acct-2", 10)
	require.NoError(t, err)
	assert.Empty(t, history, "no transaction row on rejection")
}

func TestZeroDebitStillWritesRow(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.EnsureAccount(ctx, "acct-3", "pro", dec("50"))
	require.NoError(t, err)

	txn, err := store.Debit(ctx, "acct-3", decimal.Zero, ledger.DebitMeta{
		Provider: "anthropic", Model: "claude-3-haiku", CorrelationID: "req-byok",
	})
	require.NoError(t, err)
	assert.True(t, txn.Amount.IsZero())

	acct, err := store.GetAccount(ctx, "acct-3")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("50")))

	history, err := store.History(ctx, "acct-3", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestCreditIdempotentPerCorrelationID(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.EnsureAccount(ctx, "acct-4", "pro", dec("10"))
	require.NoError(t, err)

	first, err := store.Credit(ctx, "acct-4", dec("5"), "refund", "req-42")
	require.NoError(t, err)

	second, err := store.Credit(ctx, "acct-4", dec("5"), "refund", "req-42")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "retried refund must return the committed row")

	acct, err := store.GetAccount(ctx, "acct-4")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("15")), "refund applied exactly once, got %s", acct.Balance)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.EnsureAccount(ctx, "acct-5", "pro", dec("10"))
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded, rejected int

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Debit(ctx, "acct-5", dec("1"), ledger.DebitMeta{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, gwerror.ErrInsufficientFunds):
				rejected++
			default:
				t.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 10, rejected)

	acct, err := store.GetAccount(ctx, "acct-5")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.Zero), "got %s", acct.Balance)
}

func TestLedgerConservation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	initial := dec("100")
	_, err := store.EnsureAccount(ctx, "acct-6", "pro", initial)
	require.NoError(t, err)

	_, err = store.Debit(ctx, "acct-6", dec("12.5"), ledger.DebitMeta{})
	require.NoError(t, err)
	_, err = store.Credit(ctx, "acct-6", dec("2.5"), "refund", "r-1")
	require.NoError(t, err)
	_, err = store.Debit(ctx, "acct-6", dec("0.0001"), ledger.DebitMeta{})
	require.NoError(t, err)

	history, err := store.History(ctx, "acct-6", 100)
	require.NoError(t, err)

	sum := decimal.Zero
	for _, txn := range history {
		sum = sum.Add(txn.Amount)
	}
	acct, err := store.GetAccount(ctx, "acct-6")
	require.NoError(t, err)
	assert.True(t, sum.Equal(acct.Balance.Sub(initial)),
		"sum of signed amounts %s != balance delta %s", sum, acct.Balance.Sub(initial))
}

func TestResetPeriod(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.EnsureAccount(ctx, "acct-7", "pro", dec("100"))
	require.NoError(t, err)
	_, err = store.Debit(ctx, "acct-7", dec("60"), ledger.DebitMeta{})
	require.NoError(t, err)

	txn, err := store.ResetPeriod(ctx, "acct-7", dec("100"))
	require.NoError(t, err)
	assert.Equal(t, ledger.KindReset, txn.Kind)
	assert.True(t, txn.Amount.Equal(dec("60")))

	acct, err := store.GetAccount(ctx, "acct-7")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("100")))
}

func TestArchiveHidesFromListing(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.EnsureAccount(ctx, "acct-8", "free", dec("5"))
	require.NoError(t, err)
	_, err = store.EnsureAccount(ctx, "acct-9", "free", dec("5"))
	require.NoError(t, err)

	require.NoError(t, store.Archive(ctx, "acct-8"))

	accounts, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "acct-9", accounts[0].Principal)

	// Archived accounts remain readable.
	acct, err := store.GetAccount(ctx, "acct-8")
	require.NoError(t, err)
	assert.True(t, acct.Archived)
}

func TestEnsureAccountIsIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.EnsureAccount(ctx, "acct-10", "pro", dec("100"))
	require.NoError(t, err)
	_, err = store.Debit(ctx, "acct-10", dec("40"), ledger.DebitMeta{})
	require.NoError(t, err)

	acct, err := store.EnsureAccount(ctx, "acct-10", "pro", dec("100"))
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("60")), "re-ensure must not reset the balance")
}
