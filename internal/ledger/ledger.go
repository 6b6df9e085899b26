package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUnknownOrg          = errors.New("unknown organization")
)

// Ledger is the single source of truth for org credit balances. Debits are
// idempotent on request id; implementations serialize writes per org.
type Ledger interface {
	// Precheck is a non-binding read: it reports whether the org currently
	// holds at least the estimated amount. Nothing is reserved.
	Precheck(ctx context.Context, orgID string, estimated decimal.Decimal) error

	// Debit removes amount from the org balance exactly once per request
	// id. A repeated call with the same request id is a no-op.
	Debit(ctx context.Context, orgID, requestID string, amount decimal.Decimal) error

	// Refund returns a prior debit for the request id. Idempotent; a refund
	// without a matching debit is a no-op.
	Refund(ctx context.Context, orgID, requestID string) error
}
