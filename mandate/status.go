package mandate

// Status is the lifecycle position of a mandate.
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusAccepted  Status = "accepted"
	StatusFunded    Status = "funded"
	StatusDelivered Status = "delivered"
	StatusDisputed  Status = "disputed"
	StatusCompleted Status = "completed"
	StatusRefunded  Status = "refunded"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusProposed:  {StatusAccepted, StatusExpired, StatusCancelled},
	StatusAccepted:  {StatusFunded, StatusExpired, StatusCancelled},
	StatusFunded:    {StatusDelivered, StatusExpired},
	StatusDelivered: {StatusCompleted, StatusDisputed, StatusExpired},
	StatusDisputed:  {StatusCompleted, StatusRefunded},
}

// CanTransition validates an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Expirable statuses move to Expired once the SLA deadline passes. A
// disputed mandate waits for its arbitration instead.
func (s Status) Expirable() bool {
	return CanTransition(s, StatusExpired)
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok || s.Terminal()
}
