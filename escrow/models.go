package escrow

import "time"

// State is the lifecycle position of an escrow account.
type State string

const (
	StateEmpty    State = "empty"
	StateFunded   State = "funded"
	StateLocked   State = "locked"
	StateReleased State = "released"
	StateRefunded State = "refunded"
	StateDisputed State = "disputed"
	StateResolved State = "resolved"
)

// Terminal reports whether no further transition is permitted.
func (s State) Terminal() bool {
	switch s {
	case StateReleased, StateRefunded, StateResolved:
		return true
	}
	return false
}

// BasisPoints is the denominator for tax rates and dispute shares.
const BasisPoints = 10_000

// Account mirrors the escrow_accounts table. Amounts are integer micro-units.
type Account struct {
	ID        string
	MandateID string
	Renter    string
	Provider  string

	Price     int64
	Deposited int64
	// StepCap bounds provider payouts and spend authorisations once locked.
	StepCap      int64
	Spent        int64
	LastSpendRef string

	State State

	ReleasedToProvider int64
	RefundedToRenter   int64
	TaxRetained        int64
	// ProviderShareBps is set when a dispute resolution is applied.
	ProviderShareBps *int64

	// Pending names a settlement operation that claimed the account and has
	// not yet recorded its outcome.
	Pending string

	CreatedAt time.Time
	UpdatedAt time.Time
	FundedAt  *time.Time
	LockedAt  *time.Time
	SettledAt *time.Time

	Version int64
}

// SettlementAccount is the backend account holding this escrow's funds.
func (a Account) SettlementAccount() string {
	return "escrow:" + a.ID
}

// EffectiveCap resolves a zero cap to the deposited amount.
func (a Account) EffectiveCap() int64 {
	if a.StepCap > 0 {
		return a.StepCap
	}
	if a.Deposited > 0 {
		return a.Deposited
	}
	return a.Price
}

// Conserved reports whether every deposited unit is accounted for. Non-terminal
// accounts trivially conserve because nothing has left the escrow.
func (a Account) Conserved() bool {
	if !a.State.Terminal() {
		return a.ReleasedToProvider == 0 && a.RefundedToRenter == 0 && a.TaxRetained == 0
	}
	return a.ReleasedToProvider+a.RefundedToRenter+a.TaxRetained == a.Deposited
}

// OpenParams creates the Empty account paired with a new mandate.
type OpenParams struct {
	ID        string
	MandateID string
	Renter    string
	Provider  string
	Price     int64
	StepCap   int64
}
