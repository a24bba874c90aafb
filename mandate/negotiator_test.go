package mandate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawtrust/dispute"
	xerrors "clawtrust/errors"
	"clawtrust/escrow"
	"clawtrust/events"
	"clawtrust/identity"
	"clawtrust/logger"
	"clawtrust/settlement"
)

const usdc = 1_000_000

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	neg     *Negotiator
	escrow  *escrow.Service
	arbiter *dispute.Arbiter
	backend *settlement.MemoryBackend
	pub     *events.MemoryPublisher
	clock   *clock
}

// wiring holds the collaborators handed to the negotiator, so a test can
// wrap them before the fixture is built.
type wiring struct {
	store   Store
	escrow  Escrow
	arbiter Arbiter
}

func newFixture(t *testing.T, wrap ...func(*wiring)) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	pub := events.NewMemoryPublisher()
	backend := settlement.NewMemoryBackend().WithClock(clk.Now)
	registry := identity.NewMemoryRegistry(
		identity.Agent{ID: "renter", Stake: 500 * usdc},
		identity.Agent{ID: "provider", Stake: 500 * usdc},
		identity.Agent{ID: "arb-1", Stake: 500 * usdc},
		identity.Agent{ID: "arb-2", Stake: 500 * usdc},
		identity.Agent{ID: "arb-3", Stake: 500 * usdc},
		identity.Agent{ID: "pauper", Stake: usdc},
	)
	esc := escrow.NewService(escrow.NewMemoryStore(), backend, escrow.Options{
		TaxBps:              1500,
		FundAccount:         "fund:commons",
		MaxCASRetries:       5,
		MaxRetries:          1,
		InitialBackoff:      time.Millisecond,
		MaxBackoff:          time.Millisecond,
		ConfirmationTimeout: time.Second,
	}).WithClock(clk.Now).WithLogger(logger.Discard())
	arb := dispute.NewArbiter(dispute.NewMemoryStore(), dispute.StaticSelector{"arb-1", "arb-2", "arb-3"}, pub,
		dispute.Options{PanelSize: 3, VotingWindow: 48 * time.Hour}).
		WithClock(clk.Now).WithLogger(logger.Discard())
	w := &wiring{store: NewMemoryStore(pub), escrow: esc, arbiter: arb}
	for _, fn := range wrap {
		fn(w)
	}
	neg := NewNegotiator(w.store, registry, w.escrow, w.arbiter, Options{MinStake: 100 * usdc}).
		WithClock(clk.Now).WithLogger(logger.Discard())
	arb.WithResolver(neg.DisputeResolver())

	return &fixture{neg: neg, escrow: esc, arbiter: arb, backend: backend, pub: pub, clock: clk}
}

func defaultTerms() Terms {
	return Terms{
		SkillCategory:   "code-review",
		UnitPrice:       10 * usdc,
		Duration:        24 * time.Hour,
		DeliverableSpec: "review pull request 42",
	}
}

func (f *fixture) propose(t *testing.T) Mandate {
	t.Helper()
	m, err := f.neg.Propose(context.Background(), ProposeParams{Renter: "renter", Provider: "provider", Terms: defaultTerms()})
	require.NoError(t, err)
	return m
}

func (f *fixture) delivered(t *testing.T) Mandate {
	t.Helper()
	ctx := context.Background()
	m := f.propose(t)
	_, err := f.neg.Accept(ctx, m.ID, "provider")
	require.NoError(t, err)
	_, err = f.neg.Fund(ctx, m.ID, "renter", 10*usdc)
	require.NoError(t, err)
	m, err = f.neg.SubmitDeliverable(ctx, m.ID, "provider", "ipfs://report")
	require.NoError(t, err)
	return m
}

func (f *fixture) balance(t *testing.T, account string) int64 {
	t.Helper()
	v, err := f.backend.QueryBalance(context.Background(), account)
	require.NoError(t, err)
	return v
}

// A 10 USDC approval pays 8.5 to the provider; the 15% tax lands in the
// commons fund and the renter gets nothing back.
func TestApproveSendsTaxToFundAndNothingBackToRenter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.delivered(t)
	require.Equal(t, StatusDelivered, m.Status)

	m, err := f.neg.Approve(ctx, m.ID, "renter")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, m.Status)
	assert.NotNil(t, m.ClosedAt)

	acct, err := f.escrow.Get(ctx, m.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateReleased, acct.State)
	assert.Equal(t, int64(8_500_000), acct.ReleasedToProvider)
	assert.Equal(t, int64(1_500_000), acct.TaxRetained)
	assert.Equal(t, int64(0), acct.RefundedToRenter)
	assert.True(t, acct.Conserved())

	assert.Equal(t, int64(8_500_000), f.balance(t, "provider"))
	assert.Equal(t, int64(1_500_000), f.balance(t, "fund:commons"))
	assert.Equal(t, int64(-10*usdc), f.balance(t, "renter"))

	assert.Len(t, f.pub.Of(events.TypeMandateCreated), 1)
	assert.Len(t, f.pub.Of(events.TypeMandateStateChanged), 4)
	released := f.pub.Of(events.TypeEscrowReleased)
	require.Len(t, released, 1)
	assert.Equal(t, int64(8_500_000), released[0].Payload["to_provider"])
	assert.Equal(t, int64(1_500_000), released[0].Payload["tax"])

	_, err = f.neg.Reject(ctx, m.ID, "renter", "too late")
	assert.ErrorIs(t, err, xerrors.ErrTerminalState)
	_, err = f.neg.Approve(ctx, m.ID, "renter")
	assert.ErrorIs(t, err, xerrors.ErrTerminalState)
}

func TestStateChangesFollowLifecycleGraph(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.delivered(t)
	_, err := f.neg.Approve(ctx, m.ID, "renter")
	require.NoError(t, err)

	var seen []Status
	for _, e := range f.pub.Of(events.TypeMandateStateChanged) {
		prev := Status(e.Payload["previous"].(string))
		next := Status(e.Payload["next"].(string))
		assert.True(t, CanTransition(prev, next), "%s -> %s", prev, next)
		seen = append(seen, next)
	}
	assert.Equal(t, []Status{StatusAccepted, StatusFunded, StatusDelivered, StatusCompleted}, seen)
}

func TestRejectedDeliveryResolvedByMajority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.delivered(t)

	m, err := f.neg.Reject(ctx, m.ID, "renter", "report is incomplete")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, m.Status)
	assert.Equal(t, "report is incomplete", m.RejectReason)

	acct, err := f.escrow.Get(ctx, m.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateDisputed, acct.State)

	rec, err := f.arbiter.ByMandate(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"arb-1", "arb-2", "arb-3"}, rec.Panel)

	_, err = f.arbiter.CastVote(ctx, rec.ID, "arb-1", dispute.FavorProvider())
	require.NoError(t, err)
	_, err = f.arbiter.CastVote(ctx, rec.ID, "arb-2", dispute.FavorRenter())
	require.NoError(t, err)
	rec, err = f.arbiter.CastVote(ctx, rec.ID, "arb-3", dispute.FavorProvider())
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusResolved, rec.Status)
	assert.True(t, rec.Applied)

	m, err = f.neg.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, m.Status)
	require.NotNil(t, m.Resolution)
	assert.Equal(t, int64(dispute.BasisPoints), *m.Resolution)

	acct, err = f.escrow.Get(ctx, m.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateResolved, acct.State)
	assert.Equal(t, int64(8_500_000), acct.ReleasedToProvider)
	assert.Equal(t, int64(1_500_000), acct.TaxRetained)
	assert.True(t, acct.Conserved())
}

func TestDisputeDeadlineRefundsRenter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.delivered(t)
	_, err := f.neg.Reject(ctx, m.ID, "renter", "wrong repository")
	require.NoError(t, err)

	rec, err := f.arbiter.ByMandate(ctx, m.ID)
	require.NoError(t, err)
	_, err = f.arbiter.CastVote(ctx, rec.ID, "arb-1", dispute.FavorProvider())
	require.NoError(t, err)

	f.clock.Advance(49 * time.Hour)
	n, err := f.arbiter.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err = f.neg.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, m.Status)
	assert.Zero(t, f.balance(t, "renter"))

	acct, err := f.escrow.Get(ctx, m.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, int64(10*usdc), acct.RefundedToRenter)
	assert.Zero(t, acct.TaxRetained)
	assert.Zero(t, f.balance(t, "provider"))
}

func TestResolveDisputeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.delivered(t)
	_, err := f.neg.Reject(ctx, m.ID, "renter", "late")
	require.NoError(t, err)

	first, err := f.neg.ResolveDispute(ctx, m.ID, dispute.Split(5000))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, first.Status)

	again, err := f.neg.ResolveDispute(ctx, m.ID, dispute.Split(5000))
	require.NoError(t, err)
	assert.Equal(t, first.Version, again.Version)
	assert.Len(t, f.backend.Journal(), 4)

	_, err = f.neg.ResolveDispute(ctx, m.ID, dispute.FavorRenter())
	assert.ErrorIs(t, err, xerrors.ErrTerminalState)
}

func TestExpiryBeforeFundingMovesNoFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.propose(t)
	_, err := f.neg.Accept(ctx, m.ID, "provider")
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	_, err = f.neg.Fund(ctx, m.ID, "renter", 10*usdc)
	require.ErrorIs(t, err, xerrors.ErrTerminalState)

	m, err = f.neg.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, m.Status)
	assert.Empty(t, f.backend.Journal())

	acct, err := f.escrow.Get(ctx, m.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateRefunded, acct.State)
	assert.Zero(t, acct.Deposited)
	assert.True(t, acct.Conserved())

	again, err := f.neg.Expire(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Version, again.Version)
}

func TestExpireRefundsHeldFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.delivered(t)

	_, err := f.neg.Expire(ctx, m.ID)
	require.ErrorIs(t, err, xerrors.ErrInvalidState)

	f.clock.Advance(24 * time.Hour)
	n, err := f.neg.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err = f.neg.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, m.Status)

	acct, err := f.escrow.Get(ctx, m.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateRefunded, acct.State)
	assert.Equal(t, int64(10*usdc), acct.RefundedToRenter)
	assert.Zero(t, f.balance(t, acct.SettlementAccount()))

	n, err = f.neg.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProposeValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := []struct {
		name   string
		mutate func(*ProposeParams)
		want   error
	}{
		{"zero price", func(p *ProposeParams) { p.Terms.UnitPrice = 0 }, xerrors.ErrInvalidTerms},
		{"zero duration", func(p *ProposeParams) { p.Terms.Duration = 0 }, xerrors.ErrInvalidTerms},
		{"empty deliverable", func(p *ProposeParams) { p.Terms.DeliverableSpec = "  " }, xerrors.ErrInvalidTerms},
		{"self dealing", func(p *ProposeParams) { p.Provider = p.Renter }, xerrors.ErrInvalidTerms},
		{"past deadline", func(p *ProposeParams) { p.Terms.SLADeadline = f.clock.Now().Add(-time.Minute) }, xerrors.ErrInvalidTerms},
		{"cap above price", func(p *ProposeParams) { p.Terms.StepCap = 11 * usdc }, xerrors.ErrInvalidTerms},
		{"unknown provider", func(p *ProposeParams) { p.Provider = "ghost" }, xerrors.ErrUnknownAgent},
		{"thin stake", func(p *ProposeParams) { p.Provider = "pauper" }, xerrors.ErrInsufficientStake},
		{"outside proposer", func(p *ProposeParams) { p.ProposedBy = "arb-1" }, xerrors.ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := ProposeParams{Renter: "renter", Provider: "provider", Terms: defaultTerms()}
			tc.mutate(&p)
			_, err := f.neg.Propose(ctx, p)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, f.pub.Of(events.TypeMandateCreated))
}

func TestProposeSnapshotsStakes(t *testing.T) {
	f := newFixture(t)
	m := f.propose(t)

	assert.Equal(t, StatusProposed, m.Status)
	assert.Equal(t, int64(500*usdc), m.RenterStake)
	assert.Equal(t, "renter", m.ProposedBy)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), m.ExpiresAt)

	acct, err := f.escrow.Get(context.Background(), m.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateEmpty, acct.State)
	assert.Equal(t, m.ID, acct.MandateID)
}

func TestAcceptRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.propose(t)

	_, err := f.neg.Accept(ctx, m.ID, "renter")
	assert.ErrorIs(t, err, xerrors.ErrUnauthorized)
	_, err = f.neg.Accept(ctx, m.ID, "arb-1")
	assert.ErrorIs(t, err, xerrors.ErrUnauthorized)

	accepted, err := f.neg.Accept(ctx, m.ID, "provider")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, accepted.Status)

	replay, err := f.neg.Accept(ctx, m.ID, "provider")
	require.NoError(t, err)
	assert.Equal(t, accepted.Version, replay.Version)

	_, err = f.neg.SubmitDeliverable(ctx, m.ID, "provider", "ipfs://early")
	assert.ErrorIs(t, err, xerrors.ErrInvalidState)

	_, err = f.neg.Fund(ctx, m.ID, "renter", 9*usdc)
	assert.ErrorIs(t, err, xerrors.ErrAmountMismatch)
	_, err = f.neg.Fund(ctx, m.ID, "provider", 10*usdc)
	assert.ErrorIs(t, err, xerrors.ErrUnauthorized)

	still, err := f.neg.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, still.Status)

	funded, err := f.neg.Fund(ctx, m.ID, "renter", 10*usdc)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, funded.Status)
	again, err := f.neg.Fund(ctx, m.ID, "renter", 10*usdc)
	require.NoError(t, err)
	assert.Equal(t, funded.Version, again.Version)
	assert.Len(t, f.backend.Journal(), 1)
}

func TestProviderProposalIsAcceptedByRenter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m, err := f.neg.Propose(ctx, ProposeParams{Renter: "renter", Provider: "provider", ProposedBy: "provider", Terms: defaultTerms()})
	require.NoError(t, err)

	_, err = f.neg.Accept(ctx, m.ID, "provider")
	assert.ErrorIs(t, err, xerrors.ErrUnauthorized)
	m, err = f.neg.Accept(ctx, m.ID, "renter")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, m.Status)
}

func TestCancelBeforeFunding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.propose(t)

	_, err := f.neg.Cancel(ctx, m.ID, "arb-2")
	assert.ErrorIs(t, err, xerrors.ErrUnauthorized)

	m, err = f.neg.Cancel(ctx, m.ID, "provider")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, m.Status)
	assert.Empty(t, f.backend.Journal())

	_, err = f.neg.Accept(ctx, m.ID, "provider")
	assert.ErrorIs(t, err, xerrors.ErrTerminalState)

	funded := f.delivered(t)
	_, err = f.neg.Cancel(ctx, funded.ID, "renter")
	assert.ErrorIs(t, err, xerrors.ErrInvalidState)
}

func TestApproveRespectsStepCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	terms := defaultTerms()
	terms.StepCap = 6 * usdc
	m, err := f.neg.Propose(ctx, ProposeParams{Renter: "renter", Provider: "provider", Terms: terms})
	require.NoError(t, err)
	_, err = f.neg.Accept(ctx, m.ID, "provider")
	require.NoError(t, err)
	_, err = f.neg.Fund(ctx, m.ID, "renter", 10*usdc)
	require.NoError(t, err)
	_, err = f.neg.SubmitDeliverable(ctx, m.ID, "provider", "ipfs://partial")
	require.NoError(t, err)

	_, err = f.neg.Approve(ctx, m.ID, "renter")
	require.NoError(t, err)

	acct, err := f.escrow.Get(ctx, m.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, int64(5_100_000), acct.ReleasedToProvider)
	assert.Equal(t, int64(900_000), acct.TaxRetained)
	assert.Equal(t, int64(4*usdc), acct.RefundedToRenter)
	assert.True(t, acct.Conserved())
}

func TestConcurrentApprovalsSettleOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.delivered(t)

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.neg.Approve(ctx, m.ID, "renter")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Contains(t, []xerrors.Code{xerrors.CodeTerminalState, xerrors.CodeContention}, xerrors.CodeOf(err))
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, f.backend.Journal(), 3)
	assert.Len(t, f.pub.Of(events.TypeEscrowReleased), 1)
}

func TestReviewContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.delivered(t)

	rc, err := f.neg.ReviewContext(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, rc.Closed)
	assert.True(t, rc.OnTime)
	assert.Empty(t, rc.Arbiters)

	_, err = f.neg.Reject(ctx, m.ID, "renter", "missing sections")
	require.NoError(t, err)
	_, err = f.neg.ResolveDispute(ctx, m.ID, dispute.FavorRenter())
	require.NoError(t, err)

	rc, err = f.neg.ReviewContext(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, rc.Closed)
	assert.Equal(t, []string{"arb-1", "arb-2", "arb-3"}, rc.Arbiters)

	_, err = f.neg.ReviewContext(ctx, "missing")
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestListByParticipant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.propose(t)
	f.clock.Advance(time.Minute)
	second := f.propose(t)

	list, err := f.neg.ListByParticipant(ctx, "provider")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	list, err = f.neg.ListByParticipant(ctx, "arb-1")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = f.neg.ListByParticipant(ctx, "")
	assert.ErrorIs(t, err, xerrors.ErrInvalidArgument)
}
