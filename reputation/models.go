package reputation

import "time"

// Review is immutable once stored; one per (mandate, reviewer).
type Review struct {
	ID            string  `json:"id"`
	MandateID     string  `json:"mandate_id"`
	Reviewer      string  `json:"reviewer"`
	Subject       string  `json:"subject"`
	Rating        float64 `json:"rating"`
	Justification string  `json:"justification"`
	// SubjectRole is "provider" or "renter" on the reviewed mandate.
	SubjectRole     string    `json:"subject_role"`
	CompletedOnTime bool      `json:"completed_on_time"`
	CreatedAt       time.Time `json:"created_at"`
}

const (
	RoleProvider = "provider"
	RoleRenter   = "renter"
)

// MaxRating bounds Review.Rating; the lower bound is zero.
const MaxRating = 5.0

type Tier string

const (
	TierExcellent    Tier = "excellent"
	TierGood         Tier = "good"
	TierAverage      Tier = "average"
	TierNeedsWork    Tier = "needs_work"
	TierInsufficient Tier = "insufficient_reviews"
)

func tierOf(score float64, reviews, minReviews int) Tier {
	switch {
	case reviews < minReviews:
		return TierInsufficient
	case score >= 4.5:
		return TierExcellent
	case score >= 3.5:
		return TierGood
	case score >= 2.5:
		return TierAverage
	default:
		return TierNeedsWork
	}
}

// Score is the derived reputation of one agent.
type Score struct {
	AgentID    string    `json:"agent_id"`
	Score      float64   `json:"score"`
	Reviews    int       `json:"reviews"`
	UpdatedAt  time.Time `json:"updated_at"`
	Converged  bool      `json:"converged"`
	Iterations int       `json:"iterations"`
	Tier       Tier      `json:"tier"`
	// OnTimeRate is the share of provider engagements delivered before the SLA deadline.
	OnTimeRate float64 `json:"on_time_rate"`
}

// ReviewContext is what the engine needs to know about a mandate to
// authorize a review.
type ReviewContext struct {
	MandateID string
	Renter    string
	Provider  string
	// Closed is true once the mandate reached a terminal state.
	Closed   bool
	OnTime   bool
	Arbiters []string
}

// SubmitParams is a review as submitted by an agent.
type SubmitParams struct {
	MandateID     string
	Reviewer      string
	Subject       string
	Rating        float64
	Justification string
}
