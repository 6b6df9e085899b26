package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryLedger is an in-process Ledger used by tests and credit-less dev
// deployments. Same idempotency contract as GormLedger.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	debits   map[string]decimal.Decimal // request id -> amount
	refunds  map[string]bool
	owners   map[string]string // request id -> org id
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: map[string]decimal.Decimal{},
		debits:   map[string]decimal.Decimal{},
		refunds:  map[string]bool{},
		owners:   map[string]string{},
	}
}

// Credit funds an org balance directly.
func (l *MemoryLedger) Credit(orgID string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[orgID] = l.balances[orgID].Add(amount)
}

// Balance reads the current org balance.
func (l *MemoryLedger) Balance(orgID string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[orgID]
}

func (l *MemoryLedger) Precheck(_ context.Context, orgID string, estimated decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[orgID].LessThan(estimated) {
		return ErrInsufficientCredits
	}
	return nil
}

func (l *MemoryLedger) Debit(_ context.Context, orgID, requestID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("negative debit amount %s for request %s", amount, requestID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, done := l.debits[requestID]; done {
		return nil
	}
	if l.balances[orgID].LessThan(amount) {
		return ErrInsufficientCredits
	}
	l.balances[orgID] = l.balances[orgID].Sub(amount)
	l.debits[requestID] = amount
	l.owners[requestID] = orgID
	return nil
}

func (l *MemoryLedger) Refund(_ context.Context, orgID, requestID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount, ok := l.debits[requestID]
	if !ok || l.refunds[requestID] {
		return nil
	}
	l.balances[orgID] = l.balances[orgID].Add(amount)
	l.refunds[requestID] = true
	return nil
}
