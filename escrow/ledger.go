package escrow

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	xerrors "clawtrust/errors"
	"clawtrust/settlement"
)

// Ledger holds the pure escrow transitions. It performs no I/O: each method
// returns the successor account plus the settlement movements that must be
// confirmed before the successor may be stored.
type Ledger struct {
	TaxBps      int64
	FundAccount string
}

// Step is the outcome of a ledger transition.
type Step struct {
	// Op identifies the operation and its parameters; it is stored in
	// Account.Pending while settlement is in flight.
	Op        string
	Next      Account
	Hold      *settlement.Hold
	Transfers []settlement.Transfer
	// Noop marks an idempotent replay: the target state was already reached.
	Noop bool
}

// Settles reports whether the step moves funds on the backend.
func (s Step) Settles() bool {
	return s.Hold != nil || len(s.Transfers) > 0
}

func opDeposit(amount int64) string { return "deposit:" + strconv.FormatInt(amount, 10) }
func opRelease(amount int64) string { return "release:" + strconv.FormatInt(amount, 10) }
func opResolve(bps int64) string { return "resolve:" + strconv.FormatInt(bps, 10) }
func opSpend(ref string) string { return "spend:" + ref }
func opRefund(forced bool) string {
	if forced {
		return "refund:forced"
	}
	return "refund"
}

func stateError(a Account, op string) error {
	if a.State.Terminal() {
		return xerrors.New(xerrors.CodeTerminalState,
			fmt.Sprintf("escrow %s is %s; %s not permitted", a.ID, a.State, op),
			xerrors.WithMetadata("escrow_id", a.ID))
	}
	return xerrors.New(xerrors.CodeInvalidState,
		fmt.Sprintf("escrow %s is %s; %s not permitted", a.ID, a.State, op),
		xerrors.WithMetadata("escrow_id", a.ID))
}

func stamp(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}

// Deposit moves Empty to Funded once the renter pays exactly the agreed price.
func (l Ledger) Deposit(a Account, amount int64, depositor string, now time.Time) (Step, error) {
	op := opDeposit(amount)
	if depositor != a.Renter {
		return Step{}, xerrors.New(xerrors.CodeUnauthorized,
			fmt.Sprintf("only renter %s may fund escrow %s", a.Renter, a.ID))
	}
	switch {
	case a.State == StateEmpty:
	case !a.State.Terminal() && a.Deposited == amount:
		return Step{Op: op, Next: a, Noop: true}, nil
	default:
		return Step{}, stateError(a, "deposit")
	}
	if amount != a.Price {
		return Step{}, xerrors.New(xerrors.CodeAmountMismatch,
			fmt.Sprintf("deposit %d does not match price %d", amount, a.Price),
			xerrors.WithMetadata("escrow_id", a.ID))
	}

	next := a
	next.State = StateFunded
	next.Deposited = amount
	next.FundedAt = stamp(now)
	next.UpdatedAt = now.UTC()
	return Step{
		Op:   op,
		Next: next,
		Hold: &settlement.Hold{
			Reference: a.ID + ":deposit",
			Account:   a.SettlementAccount(),
			From:      a.Renter,
			Amount:    amount,
		},
	}, nil
}

// Lock freezes a funded escrow; from here on the step cap is enforced.
func (l Ledger) Lock(a Account, now time.Time) (Step, error) {
	switch a.State {
	case StateLocked:
		return Step{Op: "lock", Next: a, Noop: true}, nil
	case StateFunded:
	default:
		return Step{}, stateError(a, "lock")
	}
	next := a
	next.State = StateLocked
	next.LockedAt = stamp(now)
	next.UpdatedAt = now.UTC()
	return Step{Op: "lock", Next: next}, nil
}

// AuthorizeSpend records an external charge against the step cap. A repeated
// reference is treated as a replay of the last authorisation.
func (l Ledger) AuthorizeSpend(a Account, amount int64, ref string, now time.Time) (Step, error) {
	op := opSpend(ref)
	if ref == "" || amount <= 0 {
		return Step{}, xerrors.New(xerrors.CodeInvalidArgument, "spend requires a reference and a positive amount")
	}
	if a.LastSpendRef == ref {
		return Step{Op: op, Next: a, Noop: true}, nil
	}
	if a.State != StateLocked {
		return Step{}, stateError(a, "spend authorisation")
	}
	if a.Spent+amount > a.EffectiveCap() {
		return Step{}, xerrors.New(xerrors.CodeCapExceeded,
			fmt.Sprintf("spend %d on top of %d exceeds cap %d", amount, a.Spent, a.EffectiveCap()),
			xerrors.WithMetadata("escrow_id", a.ID))
	}
	next := a
	next.Spent += amount
	next.LastSpendRef = ref
	next.UpdatedAt = now.UTC()
	return Step{Op: op, Next: next}, nil
}

// Release pays toProvider (less contribution tax) to the provider and returns
// the remainder of the deposit to the renter.
func (l Ledger) Release(a Account, toProvider int64, now time.Time) (Step, error) {
	op := opRelease(toProvider)
	if a.State == StateReleased && a.ReleasedToProvider+a.TaxRetained == toProvider {
		return Step{Op: op, Next: a, Noop: true}, nil
	}
	if a.State != StateLocked {
		return Step{}, stateError(a, "release")
	}
	if toProvider < 0 || toProvider > a.Deposited {
		return Step{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("release %d outside [0, %d]", toProvider, a.Deposited))
	}
	if toProvider > a.EffectiveCap() {
		return Step{}, xerrors.New(xerrors.CodeCapExceeded,
			fmt.Sprintf("release %d exceeds cap %d", toProvider, a.EffectiveCap()),
			xerrors.WithMetadata("escrow_id", a.ID))
	}
	next, transfers := l.split(a, toProvider, "release")
	next.State = StateReleased
	next.SettledAt = stamp(now)
	next.UpdatedAt = now.UTC()
	return Step{Op: op, Next: next, Transfers: transfers}, nil
}

// Refund returns the whole deposit to the renter without tax. forced is set
// by lifecycle expiry, which may also close an account that was never funded.
func (l Ledger) Refund(a Account, forced bool, now time.Time) (Step, error) {
	op := opRefund(forced)
	if a.State == StateRefunded {
		return Step{Op: op, Next: a, Noop: true}, nil
	}
	switch a.State {
	case StateFunded, StateLocked:
	case StateEmpty:
		if !forced {
			return Step{}, stateError(a, "refund")
		}
		next := a
		next.State = StateRefunded
		next.SettledAt = stamp(now)
		next.UpdatedAt = now.UTC()
		return Step{Op: op, Next: next}, nil
	default:
		return Step{}, stateError(a, "refund")
	}

	next := a
	next.State = StateRefunded
	next.RefundedToRenter = a.Deposited
	next.SettledAt = stamp(now)
	next.UpdatedAt = now.UTC()
	var transfers []settlement.Transfer
	if a.Deposited > 0 {
		transfers = append(transfers, settlement.Transfer{
			Reference: a.ID + ":refund:renter",
			Account:   a.SettlementAccount(),
			To:        a.Renter,
			Amount:    a.Deposited,
		})
	}
	return Step{Op: op, Next: next, Transfers: transfers}, nil
}

// MarkDisputed freezes a locked escrow pending arbitration.
func (l Ledger) MarkDisputed(a Account, now time.Time) (Step, error) {
	switch a.State {
	case StateDisputed:
		return Step{Op: "dispute", Next: a, Noop: true}, nil
	case StateLocked:
	default:
		return Step{}, stateError(a, "dispute")
	}
	next := a
	next.State = StateDisputed
	next.UpdatedAt = now.UTC()
	return Step{Op: "dispute", Next: next}, nil
}

// ApplyDisputeResolution splits the deposit by providerBps. Tax applies to the
// provider portion only.
func (l Ledger) ApplyDisputeResolution(a Account, providerBps int64, now time.Time) (Step, error) {
	op := opResolve(providerBps)
	if a.State == StateResolved && a.ProviderShareBps != nil && *a.ProviderShareBps == providerBps {
		return Step{Op: op, Next: a, Noop: true}, nil
	}
	if a.State != StateDisputed {
		return Step{}, stateError(a, "dispute resolution")
	}
	if providerBps < 0 || providerBps > BasisPoints {
		return Step{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("provider share %d bps outside [0, %d]", providerBps, BasisPoints))
	}
	toProvider := a.Deposited * providerBps / BasisPoints
	next, transfers := l.split(a, toProvider, "resolve")
	share := providerBps
	next.ProviderShareBps = &share
	next.State = StateResolved
	next.SettledAt = stamp(now)
	next.UpdatedAt = now.UTC()
	return Step{Op: op, Next: next, Transfers: transfers}, nil
}

// Tax returns the contribution withheld from a provider payout.
func (l Ledger) Tax(toProvider int64) int64 {
	return toProvider * l.TaxBps / BasisPoints
}

func (l Ledger) split(a Account, toProvider int64, leg string) (Account, []settlement.Transfer) {
	tax := l.Tax(toProvider)
	net := toProvider - tax
	renter := a.Deposited - toProvider

	next := a
	next.ReleasedToProvider = net
	next.TaxRetained = tax
	next.RefundedToRenter = renter

	var transfers []settlement.Transfer
	add := func(party, to string, amount int64) {
		if amount <= 0 {
			return
		}
		transfers = append(transfers, settlement.Transfer{
			Reference: strings.Join([]string{a.ID, leg, party}, ":"),
			Account:   a.SettlementAccount(),
			To:        to,
			Amount:    amount,
		})
	}
	add("provider", a.Provider, net)
	add("tax", l.FundAccount, tax)
	add("renter", a.Renter, renter)
	return next, transfers
}
