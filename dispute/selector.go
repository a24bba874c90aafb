package dispute

import (
	"context"
	"fmt"
	"sort"

	xerrors "clawtrust/errors"
	"clawtrust/identity"
)

// PanelSelector chooses the arbiters for a new dispute.
type PanelSelector interface {
	Select(ctx context.Context, p OpenParams, size int) ([]string, error)
}

// ScoreReader exposes current reputation scores.
type ScoreReader interface {
	Score(agentID string) float64
}

// ReputationSelector picks the highest-scoring registered agents whose stake
// meets MinStake, excluding both parties. Ties are broken by agent ID.
type ReputationSelector struct {
	Registry identity.Registry
	Scores   ScoreReader
	MinStake int64
}

func (s ReputationSelector) Select(ctx context.Context, p OpenParams, size int) ([]string, error) {
	agents, err := s.Registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispute: list candidates: %w", err)
	}

	type candidate struct {
		id    string
		score float64
	}
	var pool []candidate
	for _, a := range agents {
		if a.ID == p.Renter || a.ID == p.Provider || a.Stake < s.MinStake {
			continue
		}
		pool = append(pool, candidate{id: a.ID, score: s.Scores.Score(a.ID)})
	}
	if len(pool) < size {
		return nil, xerrors.New(xerrors.CodeInsufficientArbiters,
			fmt.Sprintf("need %d arbiters, %d eligible", size, len(pool)),
			xerrors.WithMetadata("mandate_id", p.MandateID))
	}

	sort.Slice(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		return pool[i].id < pool[j].id
	})
	panel := make([]string, size)
	for i := range panel {
		panel[i] = pool[i].id
	}
	return panel, nil
}

// StaticSelector always returns the same panel. Operators use it to pin
// arbiters; tests use it for determinism.
type StaticSelector []string

func (s StaticSelector) Select(_ context.Context, p OpenParams, size int) ([]string, error) {
	var panel []string
	for _, id := range s {
		if id == p.Renter || id == p.Provider {
			continue
		}
		panel = append(panel, id)
		if len(panel) == size {
			return panel, nil
		}
	}
	return nil, xerrors.New(xerrors.CodeInsufficientArbiters,
		fmt.Sprintf("need %d arbiters, %d configured", size, len(panel)))
}
