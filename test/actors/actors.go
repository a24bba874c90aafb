package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"clawtrust/dispute"
	xerrors "clawtrust/errors"
	"clawtrust/mandate"
	"clawtrust/reputation"
	"clawtrust/test/infra"
)

// Tally counts what the actors managed to do. Rejections are expected under
// contention; the oracles decide whether the run is healthy.
type Tally struct {
	Proposed atomic.Int64
	Settled  atomic.Int64
	Disputed atomic.Int64
	Votes    atomic.Int64
	Reviews  atomic.Int64
	Rejected atomic.Int64
}

func (t *Tally) String() string {
	return fmt.Sprintf("proposed=%d settled=%d disputed=%d votes=%d reviews=%d rejected=%d",
		t.Proposed.Load(), t.Settled.Load(), t.Disputed.Load(), t.Votes.Load(), t.Reviews.Load(), t.Rejected.Load())
}

func (t *Tally) note(err error) {
	if err != nil {
		t.Rejected.Add(1)
	}
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

// Trader runs mandates between two agents end to end and then picks an
// ending: approve, reject, cancel early or walk away and let it expire.
func Trader(ctx context.Context, s *infra.Stack, renter, provider string, seed int64, t *Tally, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for !stopped(ctx, stop) {
		price := int64(1+rng.Intn(50)) * 1_000_000
		m, err := s.Negotiator.Propose(ctx, mandate.ProposeParams{
			Renter:   renter,
			Provider: provider,
			Terms: mandate.Terms{
				SkillCategory:   "summarize",
				UnitPrice:       price,
				Duration:        time.Duration(500+rng.Intn(2500)) * time.Millisecond,
				DeliverableSpec: "summarize the attached paper",
				StepCap:         price / int64(1+rng.Intn(2)),
			},
		})
		if err != nil {
			t.note(err)
			pause(rng, 20, 40)
			continue
		}
		t.Proposed.Add(1)

		if rng.Intn(8) == 0 {
			t.note(cancel(ctx, s, m, rng))
			continue
		}
		if _, err := s.Negotiator.Accept(ctx, m.ID, provider); err != nil {
			t.note(err)
			continue
		}
		if _, err := s.Negotiator.Fund(ctx, m.ID, renter, price); err != nil {
			t.note(err)
			continue
		}
		if rng.Intn(10) == 0 {
			// walk away; the sweeper expires and refunds it
			continue
		}
		if _, err := s.Negotiator.SubmitDeliverable(ctx, m.ID, provider, "ipfs://"+m.ID); err != nil {
			t.note(err)
			continue
		}
		if rng.Intn(3) == 0 {
			if _, err := s.Negotiator.Reject(ctx, m.ID, renter, "summary misses the results section"); err != nil {
				t.note(err)
				continue
			}
			t.Disputed.Add(1)
			continue
		}
		if _, err := s.Negotiator.Approve(ctx, m.ID, renter); err != nil {
			t.note(err)
			continue
		}
		t.Settled.Add(1)
		pause(rng, 5, 20)
	}
	return nil
}

func cancel(ctx context.Context, s *infra.Stack, m mandate.Mandate, rng *rand.Rand) error {
	party := m.Renter
	if rng.Intn(2) == 0 {
		party = m.Provider
	}
	_, err := s.Negotiator.Cancel(ctx, m.ID, party)
	return err
}

// Racer picks a delivered mandate and fires approve, reject and cancel at it
// at the same time. At most one ending may win.
func Racer(ctx context.Context, s *infra.Stack, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for !stopped(ctx, stop) {
		var id, renter string
		err := s.Pool.QueryRow(ctx, `
			SELECT id::text, renter_id FROM mandates WHERE status = 'delivered' ORDER BY random() LIMIT 1
		`).Scan(&id, &renter)
		if err != nil {
			pause(rng, 30, 50)
			continue
		}
		var wins atomic.Int64
		var g errgroup.Group
		g.Go(func() error {
			if _, err := s.Negotiator.Approve(ctx, id, renter); err == nil {
				wins.Add(1)
			}
			return nil
		})
		g.Go(func() error {
			if _, err := s.Negotiator.Reject(ctx, id, renter, "raced rejection"); err == nil {
				wins.Add(1)
			}
			return nil
		})
		g.Go(func() error {
			if _, err := s.Negotiator.Cancel(ctx, id, renter); err == nil {
				wins.Add(1)
			}
			return nil
		})
		_ = g.Wait()
		if wins.Load() > 1 {
			return fmt.Errorf("mandate %s settled %d times", id, wins.Load())
		}
		pause(rng, 10, 30)
	}
	return nil
}

// Voter casts panel votes on pending disputes. Duplicate and late votes are
// rejected by the arbiter and only counted.
func Voter(ctx context.Context, s *infra.Stack, t *Tally, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	outcomes := []dispute.Decision{
		dispute.FavorProvider(),
		{Outcome: dispute.OutcomeFavorRenter, ProviderShareBps: 0},
		{Outcome: dispute.OutcomeSplit, ProviderShareBps: 2500},
		{Outcome: dispute.OutcomeSplit, ProviderShareBps: 6000},
	}
	for !stopped(ctx, stop) {
		var id string
		var panel []string
		err := s.Pool.QueryRow(ctx, `
			SELECT id::text, panel FROM disputes WHERE status = 'pending' ORDER BY random() LIMIT 1
		`).Scan(&id, &panel)
		if err != nil {
			pause(rng, 30, 50)
			continue
		}
		arbiter := panel[rng.Intn(len(panel))]
		if rng.Intn(20) == 0 {
			arbiter = "agent-00"
		}
		_, err = s.Arbiter.CastVote(ctx, id, arbiter, outcomes[rng.Intn(len(outcomes))])
		if err == nil {
			t.Votes.Add(1)
		} else if xerrors.CodeOf(err) == xerrors.CodeUnauthorizedArbiter && arbiter != "agent-00" {
			return fmt.Errorf("panel member %s refused on dispute %s: %w", arbiter, id, err)
		}
		pause(rng, 10, 30)
	}
	return nil
}

// Reviewer leaves reviews on closed mandates, sometimes twice.
func Reviewer(ctx context.Context, s *infra.Stack, t *Tally, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for !stopped(ctx, stop) {
		var id, renter, provider string
		err := s.Pool.QueryRow(ctx, `
			SELECT id::text, renter_id, provider_id FROM mandates
			WHERE status IN ('completed', 'refunded', 'expired') ORDER BY random() LIMIT 1
		`).Scan(&id, &renter, &provider)
		if err != nil {
			pause(rng, 50, 50)
			continue
		}
		_, err = s.Reputation.SubmitReview(ctx, reputation.SubmitParams{
			MandateID:     id,
			Reviewer:      renter,
			Subject:       provider,
			Rating:        float64(rng.Intn(11)) / 2,
			Justification: "stress review",
		})
		if err == nil {
			t.Reviews.Add(1)
		}
		pause(rng, 40, 60)
	}
	return nil
}

// Sweeper runs the maintenance pass the API process schedules.
func Sweeper(ctx context.Context, s *infra.Stack, stop <-chan struct{}) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-ticker.C:
			_, _ = s.Negotiator.SweepExpired(ctx)
			_, _ = s.Arbiter.Sweep(ctx)
			_, _ = s.Escrow.ResumePending(ctx)
		}
	}
}

// Relayer drains the outbox. Several may run side by side.
func Relayer(ctx context.Context, s *infra.Stack, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if n, _ := s.Relay.RunOnce(ctx); n == 0 {
			time.Sleep(100 * time.Millisecond)
		}
	}
	return nil
}
