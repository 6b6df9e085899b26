package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebitIdempotent(t *testing.T) {
	l := NewMemoryLedger()
	l.Credit("org-1", decimal.NewFromInt(10))

	amount := decimal.NewFromFloat(2.5)
	require.NoError(t, l.Debit(context.Background(), "org-1", "req-1", amount))
	require.NoError(t, l.Debit(context.Background(), "org-1", "req-1", amount))

	assert.True(t, l.Balance("org-1").Equal(decimal.NewFromFloat(7.5)),
		"balance decreased exactly once, got %s", l.Balance("org-1"))
}

func TestDebitConcurrentSameRequest(t *testing.T) {
	l := NewMemoryLedger()
	l.Credit("org-1", decimal.NewFromInt(100))

	amount := decimal.NewFromInt(3)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Debit(context.Background(), "org-1", "req-x", amount)
		}()
	}
	wg.Wait()

	assert.True(t, l.Balance("org-1").Equal(decimal.NewFromInt(97)))
}

func TestDebitInsufficientCredits(t *testing.T) {
	l := NewMemoryLedger()
	l.Credit("org-1", decimal.NewFromInt(1))

	err := l.Debit(context.Background(), "org-1", "req-1", decimal.NewFromInt(2))
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.True(t, l.Balance("org-1").Equal(decimal.NewFromInt(1)), "failed debit must not move the balance")
}

func TestPrecheck(t *testing.T) {
	l := NewMemoryLedger()
	assert.ErrorIs(t, l.Precheck(context.Background(), "org-1", decimal.NewFromFloat(0.01)), ErrInsufficientCredits)

	l.Credit("org-1", decimal.NewFromInt(5))
	assert.NoError(t, l.Precheck(context.Background(), "org-1", decimal.NewFromInt(5)))
	assert.ErrorIs(t, l.Precheck(context.Background(), "org-1", decimal.NewFromFloat(5.01)), ErrInsufficientCredits)
}

func TestRefundIdempotent(t *testing.T) {
	l := NewMemoryLedger()
	l.Credit("org-1", decimal.NewFromInt(10))
	require.NoError(t, l.Debit(context.Background(), "org-1", "req-1", decimal.NewFromInt(4)))

	require.NoError(t, l.Refund(context.Background(), "org-1", "req-1"))
	require.NoError(t, l.Refund(context.Background(), "org-1", "req-1"))
	assert.True(t, l.Balance("org-1").Equal(decimal.NewFromInt(10)))

	// Refund without a debit is a no-op.
	require.NoError(t, l.Refund(context.Background(), "org-1", "req-unknown"))
	assert.True(t, l.Balance("org-1").Equal(decimal.NewFromInt(10)))
}
