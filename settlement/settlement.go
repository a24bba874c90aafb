// Package settlement defines the boundary to whatever moves value: an
// in-memory ledger for development and tests, or an EVM escrow contract.
package settlement

import (
	"context"
	"time"
)

// Hold moves Amount from the depositor into the escrow Account.
type Hold struct {
	Reference string
	Account   string
	From      string
	Amount    int64
}

// Transfer pays Amount out of the escrow Account.
type Transfer struct {
	Reference string
	Account   string
	To        string
	Amount    int64
}

// Receipt is returned once the backend has confirmed a movement.
type Receipt struct {
	Reference   string
	TxID        string
	ConfirmedAt time.Time
}

// Backend is implemented by every settlement adapter. Calls return only
// after confirmation. A repeated Reference must not move funds twice; the
// original receipt is returned instead.
//
// Failures are reported with the coded errors UNREACHABLE (nothing was
// submitted) and INDETERMINATE (submitted, confirmation not observed).
type Backend interface {
	HoldFunds(ctx context.Context, h Hold) (Receipt, error)
	TransferFunds(ctx context.Context, t Transfer) (Receipt, error)
	QueryBalance(ctx context.Context, account string) (int64, error)
}
