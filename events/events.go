package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type names a domain event; it doubles as the outbox topic and routing key.
type Type string

const (
	TypeMandateCreated      Type = "mandate.created"
	TypeMandateStateChanged Type = "mandate.state_changed"
	TypeEscrowReleased      Type = "escrow.released"
	TypeDisputeOpened       Type = "dispute.opened"
	TypeDisputeResolved     Type = "dispute.resolved"
	TypeReputationUpdated   Type = "reputation.updated"
)

// Event is an immutable notification about a committed state change.
type Event struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	AggregateID string         `json:"aggregate_id"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Payload     map[string]any `json:"payload"`
}

// Publisher delivers events to downstream consumers. Delivery is
// at-least-once; consumers deduplicate on Event.ID.
type Publisher interface {
	Publish(ctx context.Context, evts ...Event) error
}

func newEvent(t Type, aggregateID string, at time.Time, payload map[string]any) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        t,
		AggregateID: aggregateID,
		OccurredAt:  at.UTC(),
		Payload:     payload,
	}
}

// Body encodes the event for transports.
func (e Event) Body() ([]byte, error) {
	return json.Marshal(e)
}

func MandateCreated(mandateID, escrowID, renter, provider string, price int64, at time.Time) Event {
	return newEvent(TypeMandateCreated, mandateID, at, map[string]any{
		"mandate_id": mandateID,
		"escrow_id":  escrowID,
		"renter":     renter,
		"provider":   provider,
		"price":      price,
	})
}

func MandateStateChanged(mandateID, previous, next string, at time.Time) Event {
	return newEvent(TypeMandateStateChanged, mandateID, at, map[string]any{
		"mandate_id": mandateID,
		"previous":   previous,
		"next":       next,
	})
}

// EscrowReleased reports where the funds of a settled escrow went.
func EscrowReleased(mandateID, escrowID string, toProvider, toRenter, tax int64, at time.Time) Event {
	return newEvent(TypeEscrowReleased, mandateID, at, map[string]any{
		"mandate_id":  mandateID,
		"escrow_id":   escrowID,
		"to_provider": toProvider,
		"to_renter":   toRenter,
		"tax":         tax,
	})
}

func DisputeOpened(disputeID, mandateID string, panel []string, deadline, at time.Time) Event {
	return newEvent(TypeDisputeOpened, mandateID, at, map[string]any{
		"dispute_id": disputeID,
		"mandate_id": mandateID,
		"panel":      panel,
		"deadline":   deadline.UTC(),
	})
}

func DisputeResolved(disputeID, mandateID, outcome string, providerBps int64, fallback string, at time.Time) Event {
	payload := map[string]any{
		"dispute_id":         disputeID,
		"mandate_id":         mandateID,
		"outcome":            outcome,
		"provider_share_bps": providerBps,
	}
	if fallback != "" {
		payload["fallback"] = fallback
	}
	return newEvent(TypeDisputeResolved, mandateID, at, payload)
}

func ReputationUpdated(agentID string, score float64, reviews int, converged bool, at time.Time) Event {
	return newEvent(TypeReputationUpdated, agentID, at, map[string]any{
		"agent_id":  agentID,
		"score":     score,
		"reviews":   reviews,
		"converged": converged,
	})
}
