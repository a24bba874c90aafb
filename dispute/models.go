package dispute

import (
	"fmt"
	"time"

	xerrors "clawtrust/errors"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// BasisPoints is the denominator of ProviderShareBps.
const BasisPoints = 10_000

// Outcome is the kind of verdict an arbiter casts.
type Outcome string

const (
	OutcomeFavorRenter   Outcome = "favor_renter"
	OutcomeFavorProvider Outcome = "favor_provider"
	OutcomeSplit         Outcome = "split"
)

// Decision is a verdict on how the escrow is divided. ProviderShareBps is the
// provider's share of the deposit; favor_* outcomes imply 0 or BasisPoints.
type Decision struct {
	Outcome          Outcome `json:"outcome"`
	ProviderShareBps int64   `json:"provider_share_bps"`
}

func FavorRenter() Decision   { return Decision{Outcome: OutcomeFavorRenter} }
func FavorProvider() Decision { return Decision{Outcome: OutcomeFavorProvider, ProviderShareBps: BasisPoints} }
func Split(providerBps int64) Decision {
	return Decision{Outcome: OutcomeSplit, ProviderShareBps: providerBps}
}

// Normalize validates d and pins the share implied by favor_* outcomes.
func (d Decision) Normalize() (Decision, error) {
	switch d.Outcome {
	case OutcomeFavorRenter:
		return FavorRenter(), nil
	case OutcomeFavorProvider:
		return FavorProvider(), nil
	case OutcomeSplit:
		if d.ProviderShareBps < 0 || d.ProviderShareBps > BasisPoints {
			return Decision{}, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("split share %d bps outside [0, %d]", d.ProviderShareBps, BasisPoints))
		}
		return d, nil
	default:
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown outcome %q", d.Outcome))
	}
}

// Fallback records why a dispute resolved without a majority.
type Fallback string

const (
	FallbackNone     Fallback = ""
	FallbackTie      Fallback = "tie"
	FallbackDeadline Fallback = "deadline"
)

// Vote is immutable once cast.
type Vote struct {
	DisputeID string
	Arbiter   string
	Decision  Decision
	CastAt    time.Time
}

// Record mirrors the disputes table plus its votes.
type Record struct {
	ID        string
	MandateID string
	EscrowID  string
	Renter    string
	Provider  string
	OpenedBy  string
	Reason    string
	Panel     []string
	Votes     []Vote
	Status    Status
	Decision  *Decision
	Fallback  Fallback
	Deadline  time.Time
	OpenedAt  time.Time
	// ResolvedAt is set together with Decision.
	ResolvedAt *time.Time
	// Applied is set once the resolver executed the decision.
	Applied bool
	Version int64
}

func (r Record) OnPanel(agentID string) bool {
	for _, p := range r.Panel {
		if p == agentID {
			return true
		}
	}
	return false
}

func (r Record) HasVoted(agentID string) bool {
	for _, v := range r.Votes {
		if v.Arbiter == agentID {
			return true
		}
	}
	return false
}

func (r Record) clone() Record {
	out := r
	out.Panel = append([]string(nil), r.Panel...)
	out.Votes = append([]Vote(nil), r.Votes...)
	if r.Decision != nil {
		d := *r.Decision
		out.Decision = &d
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

// OpenParams describes the contested mandate.
type OpenParams struct {
	MandateID string
	EscrowID  string
	Renter    string
	Provider  string
	OpenedBy  string
	Reason    string
}
