package mandate

import "time"

// Terms are fixed when the mandate is proposed. Amendments need a new mandate.
type Terms struct {
	SkillCategory   string        `json:"skill_category"`
	UnitPrice       int64         `json:"unit_price"`
	Duration        time.Duration `json:"duration"`
	DeliverableSpec string        `json:"deliverable_spec"`
	SLADeadline     time.Time     `json:"sla_deadline"`
	// StepCap bounds cumulative spend against the escrow; zero means the price.
	StepCap int64 `json:"step_cap,omitempty"`
}

// Mandate mirrors the mandates table.
type Mandate struct {
	ID         string `json:"id"`
	Renter     string `json:"renter"`
	Provider   string `json:"provider"`
	ProposedBy string `json:"proposed_by"`
	Terms      Terms  `json:"terms"`
	Status     Status `json:"status"`
	EscrowID   string `json:"escrow_id"`

	// Stakes are snapshots of the identity records at proposal time.
	RenterStake   int64 `json:"renter_stake"`
	ProviderStake int64 `json:"provider_stake"`

	ArtifactRef  string `json:"artifact_ref,omitempty"`
	RejectReason string `json:"reject_reason,omitempty"`
	// Resolution is the provider share in basis points applied after a dispute.
	Resolution *int64 `json:"resolution_bps,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	FundedAt    *time.Time `json:"funded_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`

	Version int64 `json:"version"`
}

// Counterparty returns the other side of the mandate, or "" for outsiders.
func (m Mandate) Counterparty(agentID string) string {
	switch agentID {
	case m.Renter:
		return m.Provider
	case m.Provider:
		return m.Renter
	}
	return ""
}

func (m Mandate) IsParty(agentID string) bool {
	return agentID != "" && (agentID == m.Renter || agentID == m.Provider)
}

// Overdue reports whether the SLA deadline has passed on an expirable mandate.
func (m Mandate) Overdue(now time.Time) bool {
	return m.Status.Expirable() && !now.Before(m.ExpiresAt)
}

// DeliveredOnTime is true when the deliverable arrived before the SLA deadline.
func (m Mandate) DeliveredOnTime() bool {
	return m.DeliveredAt != nil && !m.DeliveredAt.After(m.Terms.SLADeadline)
}

// ProposeParams is the input of Negotiator.Propose.
type ProposeParams struct {
	Renter     string
	Provider   string
	ProposedBy string
	Terms      Terms
}
