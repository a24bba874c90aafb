package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"clawtrust/dispute"
	"clawtrust/escrow"
	"clawtrust/events"
	"clawtrust/identity"
	"clawtrust/logger"
	"clawtrust/mandate"
	"clawtrust/reputation"
	"clawtrust/settlement"
)

const usdc = 1_000_000

// Stack is the full service graph wired against one Postgres pool, the way
// the API process wires it, with an in-memory settlement backend that chaos
// can inject faults into.
type Stack struct {
	Pool       *pgxpool.Pool
	Agents     []string
	Arbiters   []string
	Settlement *settlement.Faulty
	Escrow     *escrow.Service
	Negotiator *mandate.Negotiator
	Arbiter    *dispute.Arbiter
	Reputation *reputation.Service
	Relay      *events.Relay
}

// NewStack seeds nAgents trading agents plus a fixed arbiter pool and wires
// every service on top of pool.
func NewStack(ctx context.Context, pool *pgxpool.Pool, nAgents int) (*Stack, error) {
	registry := identity.NewRepository(pool)
	s := &Stack{Pool: pool}
	for i := 0; i < nAgents; i++ {
		s.Agents = append(s.Agents, fmt.Sprintf("agent-%02d", i))
	}
	s.Arbiters = []string{"arb-1", "arb-2", "arb-3", "arb-4", "arb-5"}
	for _, id := range append(append([]string{}, s.Agents...), s.Arbiters...) {
		if _, err := registry.Upsert(ctx, identity.Agent{ID: id, Name: id, Stake: 500 * usdc}); err != nil {
			return nil, fmt.Errorf("seed agent %s: %w", id, err)
		}
	}

	pub := events.NewOutboxPublisher(pool)
	s.Settlement = settlement.NewFaulty(settlement.NewMemoryBackend())
	s.Escrow = escrow.NewService(escrow.NewPGStore(pool), s.Settlement, escrow.Options{
		TaxBps:              1500,
		FundAccount:         "fund:commons",
		MaxCASRetries:       16,
		MaxRetries:          3,
		InitialBackoff:      5 * time.Millisecond,
		MaxBackoff:          50 * time.Millisecond,
		ConfirmationTimeout: 2 * time.Second,
	}).WithLogger(logger.Discard())

	s.Reputation = reputation.NewService(reputation.NewRepository(pool), nil, pub, reputation.Options{
		Params:     reputation.Params{HalfLife: 30 * 24 * time.Hour, Epsilon: 1e-6, MaxIterations: 50, Prior: 2.5},
		MinReviews: 1,
	}).WithLogger(logger.Discard())
	selector := dispute.StaticSelector(s.Arbiters)
	s.Arbiter = dispute.NewArbiter(dispute.NewRepository(pool), selector, pub, dispute.Options{
		PanelSize:    3,
		VotingWindow: 2 * time.Second,
	}).WithLogger(logger.Discard())
	s.Negotiator = mandate.NewNegotiator(mandate.NewRepository(pool), registry, s.Escrow, s.Arbiter, mandate.Options{
		MinStake:      100 * usdc,
		MaxCASRetries: 16,
	}).WithLogger(logger.Discard())
	s.Arbiter.WithResolver(s.Negotiator.DisputeResolver())
	s.Reputation.WithMandates(s.Negotiator)
	s.Relay = events.NewRelay(pool, events.NewLogPublisher(logger.Discard()), 50)
	return s, nil
}

// Reset truncates every mutable table so a run can reuse a shared database.
func Reset(ctx context.Context, pool *pgxpool.Pool) error {
	const q = `TRUNCATE TABLE dispute_votes, disputes, reviews, escrow_accounts, mandates, outbox, agent_credentials, agents CASCADE`
	if _, err := pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}
