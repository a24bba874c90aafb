package mandate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"clawtrust/config"
	"clawtrust/dispute"
	xerrors "clawtrust/errors"
	"clawtrust/escrow"
	"clawtrust/events"
	"clawtrust/identity"
	"clawtrust/logger"
	"clawtrust/metrics"
	"clawtrust/reputation"
)

// Escrow is the part of escrow.Service the negotiator drives.
type Escrow interface {
	Open(ctx context.Context, p escrow.OpenParams) (escrow.Account, error)
	Get(ctx context.Context, id string) (escrow.Account, error)
	Deposit(ctx context.Context, id string, amount int64, depositor string) (escrow.Account, error)
	Lock(ctx context.Context, id string) (escrow.Account, error)
	Release(ctx context.Context, id string, toProvider int64) (escrow.Account, error)
	ForceRefund(ctx context.Context, id string) (escrow.Account, error)
	MarkDisputed(ctx context.Context, id string) (escrow.Account, error)
	ApplyDisputeResolution(ctx context.Context, id string, providerBps int64) (escrow.Account, error)
}

// Arbiter opens disputes for rejected deliveries.
type Arbiter interface {
	Open(ctx context.Context, p dispute.OpenParams) (dispute.Record, error)
	ByMandate(ctx context.Context, mandateID string) (dispute.Record, error)
}

type Options struct {
	MinStake      int64
	MaxCASRetries int
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MinStake:      cfg.Negotiation.MinStake,
		MaxCASRetries: cfg.Escrow.MaxCASRetries,
	}
}

// Negotiator drives mandates through their lifecycle. Each operation first
// expires an overdue mandate, then applies its escrow side effect, then
// writes the successor under compare-and-set. Escrow operations are
// idempotent, so a lost compare-and-set round simply replays them.
type Negotiator struct {
	store    Store
	registry identity.Registry
	escrow   Escrow
	arbiter  Arbiter
	opts     Options
	now      func() time.Time
	log      *slog.Logger
}

func NewNegotiator(store Store, registry identity.Registry, esc Escrow, arbiter Arbiter, opts Options) *Negotiator {
	if opts.MaxCASRetries <= 0 {
		opts.MaxCASRetries = 5
	}
	return &Negotiator{
		store:    store,
		registry: registry,
		escrow:   esc,
		arbiter:  arbiter,
		opts:     opts,
		now:      time.Now,
		log:      logger.Named("mandate"),
	}
}

func (n *Negotiator) WithClock(now func() time.Time) *Negotiator {
	if now != nil {
		n.now = now
	}
	return n
}

func (n *Negotiator) WithLogger(l *slog.Logger) *Negotiator {
	if l != nil {
		n.log = l
	}
	return n
}

func invalidTerms(msg string) error {
	return xerrors.New(xerrors.CodeInvalidTerms, msg)
}

func stateError(m Mandate, op string) error {
	code := xerrors.CodeInvalidState
	if m.Status.Terminal() {
		code = xerrors.CodeTerminalState
	}
	return xerrors.New(code, fmt.Sprintf("cannot %s mandate %s in status %s", op, m.ID, m.Status),
		xerrors.WithMetadata("mandate_id", m.ID),
		xerrors.WithMetadata("status", string(m.Status)))
}

func unauthorized(m Mandate, agentID, op string) error {
	return xerrors.New(xerrors.CodeUnauthorized, fmt.Sprintf("%s may not %s mandate %s", agentID, op, m.ID),
		xerrors.WithMetadata("mandate_id", m.ID))
}

func stamp(t time.Time) *time.Time {
	return &t
}

// Propose validates the terms and both identities, then creates the mandate
// together with its empty escrow account.
func (n *Negotiator) Propose(ctx context.Context, p ProposeParams) (Mandate, error) {
	now := n.now().UTC()
	terms := p.Terms
	switch {
	case p.Renter == "" || p.Provider == "":
		return Mandate{}, invalidTerms("renter and provider are required")
	case p.Renter == p.Provider:
		return Mandate{}, invalidTerms("renter and provider must differ")
	case terms.UnitPrice <= 0:
		return Mandate{}, invalidTerms("price must be positive")
	case terms.Duration <= 0:
		return Mandate{}, invalidTerms("duration must be positive")
	case strings.TrimSpace(terms.DeliverableSpec) == "":
		return Mandate{}, invalidTerms("deliverable specification is required")
	case terms.StepCap < 0 || terms.StepCap > terms.UnitPrice:
		return Mandate{}, invalidTerms(fmt.Sprintf("step cap %d outside [0, %d]", terms.StepCap, terms.UnitPrice))
	}
	if terms.SLADeadline.IsZero() {
		terms.SLADeadline = now.Add(terms.Duration)
	}
	terms.SLADeadline = terms.SLADeadline.UTC()
	if !terms.SLADeadline.After(now) {
		return Mandate{}, invalidTerms("SLA deadline must be in the future")
	}

	proposer := p.ProposedBy
	if proposer == "" {
		proposer = p.Renter
	}
	if proposer != p.Renter && proposer != p.Provider {
		return Mandate{}, xerrors.New(xerrors.CodeUnauthorized, fmt.Sprintf("%s is not a party to the proposal", proposer))
	}

	renter, err := n.resolve(ctx, p.Renter)
	if err != nil {
		return Mandate{}, err
	}
	provider, err := n.resolve(ctx, p.Provider)
	if err != nil {
		return Mandate{}, err
	}

	m := Mandate{
		ID:            uuid.NewString(),
		Renter:        renter.ID,
		Provider:      provider.ID,
		ProposedBy:    proposer,
		Terms:         terms,
		Status:        StatusProposed,
		EscrowID:      uuid.NewString(),
		RenterStake:   renter.Stake,
		ProviderStake: provider.Stake,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     terms.SLADeadline,
	}
	if _, err := n.escrow.Open(ctx, escrow.OpenParams{
		ID:        m.EscrowID,
		MandateID: m.ID,
		Renter:    m.Renter,
		Provider:  m.Provider,
		Price:     terms.UnitPrice,
		StepCap:   terms.StepCap,
	}); err != nil {
		return Mandate{}, fmt.Errorf("mandate: open escrow: %w", err)
	}

	created, err := n.store.Create(ctx, m, events.MandateCreated(m.ID, m.EscrowID, m.Renter, m.Provider, terms.UnitPrice, now))
	if err != nil {
		return Mandate{}, err
	}
	metrics.MandateTransitions.WithLabelValues("none", string(StatusProposed)).Inc()
	n.log.Info("mandate proposed",
		"mandate_id", created.ID,
		"escrow_id", created.EscrowID,
		"renter", created.Renter,
		"provider", created.Provider,
		"price", terms.UnitPrice,
		"expires_at", created.ExpiresAt,
	)
	return created, nil
}

// resolve snapshots an identity and enforces the stake floor.
func (n *Negotiator) resolve(ctx context.Context, agentID string) (identity.Agent, error) {
	a, err := n.registry.Resolve(ctx, agentID)
	if err != nil {
		return identity.Agent{}, err
	}
	if a.Stake < n.opts.MinStake {
		return identity.Agent{}, xerrors.New(xerrors.CodeInsufficientStake,
			fmt.Sprintf("agent %s stake %d below minimum %d", agentID, a.Stake, n.opts.MinStake),
			xerrors.WithMetadata("agent_id", agentID))
	}
	return a, nil
}

// Accept binds the mandate. Only the party that did not propose may accept.
func (n *Negotiator) Accept(ctx context.Context, id, party string) (Mandate, error) {
	return n.mutate(ctx, id, "accept", func(m Mandate, now time.Time) (change, error) {
		if m.Status.Terminal() {
			return change{}, stateError(m, "accept")
		}
		if party == "" || party != m.Counterparty(m.ProposedBy) {
			return change{}, unauthorized(m, party, "accept")
		}
		if m.Status == StatusAccepted {
			return change{noop: true}, nil
		}
		if m.Status != StatusProposed {
			return change{}, stateError(m, "accept")
		}
		next := m
		next.Status = StatusAccepted
		next.AcceptedAt = stamp(now)
		return change{next: next}, nil
	})
}

// Fund deposits the agreed price into escrow and locks it.
func (n *Negotiator) Fund(ctx context.Context, id, renter string, amount int64) (Mandate, error) {
	return n.mutate(ctx, id, "fund", func(m Mandate, now time.Time) (change, error) {
		if m.Status.Terminal() {
			return change{}, stateError(m, "fund")
		}
		if renter != m.Renter {
			return change{}, unauthorized(m, renter, "fund")
		}
		if m.Status == StatusFunded {
			return change{noop: true}, nil
		}
		if m.Status != StatusAccepted {
			return change{}, stateError(m, "fund")
		}
		if _, err := n.escrow.Deposit(ctx, m.EscrowID, amount, renter); err != nil {
			return change{}, err
		}
		if _, err := n.escrow.Lock(ctx, m.EscrowID); err != nil {
			return change{}, err
		}
		next := m
		next.Status = StatusFunded
		next.FundedAt = stamp(now)
		return change{next: next}, nil
	})
}

// SubmitDeliverable records the provider's artifact once the escrow holds funds.
func (n *Negotiator) SubmitDeliverable(ctx context.Context, id, provider, artifactRef string) (Mandate, error) {
	return n.mutate(ctx, id, "deliver", func(m Mandate, now time.Time) (change, error) {
		if m.Status.Terminal() {
			return change{}, stateError(m, "deliver")
		}
		if provider != m.Provider {
			return change{}, unauthorized(m, provider, "deliver")
		}
		if strings.TrimSpace(artifactRef) == "" {
			return change{}, xerrors.New(xerrors.CodeInvalidArgument, "artifact reference is required")
		}
		if m.Status == StatusDelivered && m.ArtifactRef == artifactRef {
			return change{noop: true}, nil
		}
		if m.Status != StatusFunded {
			return change{}, stateError(m, "deliver")
		}
		acct, err := n.escrow.Get(ctx, m.EscrowID)
		if err != nil {
			return change{}, err
		}
		if acct.State != escrow.StateFunded && acct.State != escrow.StateLocked {
			return change{}, xerrors.New(xerrors.CodeInvalidState,
				fmt.Sprintf("escrow %s is %s; deliverables need held funds", acct.ID, acct.State),
				xerrors.WithMetadata("mandate_id", m.ID))
		}
		next := m
		next.Status = StatusDelivered
		next.ArtifactRef = artifactRef
		next.DeliveredAt = stamp(now)
		return change{next: next}, nil
	})
}

// Approve releases the escrow to the provider, bounded by the step cap.
func (n *Negotiator) Approve(ctx context.Context, id, renter string) (Mandate, error) {
	return n.mutate(ctx, id, "approve", func(m Mandate, now time.Time) (change, error) {
		if m.Status.Terminal() {
			return change{}, stateError(m, "approve")
		}
		if renter != m.Renter {
			return change{}, unauthorized(m, renter, "approve")
		}
		if m.Status != StatusDelivered {
			return change{}, stateError(m, "approve")
		}
		if _, found, err := n.disputeFor(ctx, m.ID); err != nil {
			return change{}, err
		} else if found {
			return change{}, xerrors.New(xerrors.CodeInvalidState,
				fmt.Sprintf("mandate %s has an open dispute", m.ID),
				xerrors.WithMetadata("mandate_id", m.ID))
		}
		acct, err := n.escrow.Get(ctx, m.EscrowID)
		if err != nil {
			return change{}, err
		}
		if acct.State == escrow.StateDisputed {
			return change{}, xerrors.New(xerrors.CodeInvalidState,
				fmt.Sprintf("escrow %s is under dispute", acct.ID),
				xerrors.WithMetadata("mandate_id", m.ID))
		}
		payout := min(acct.Deposited, acct.EffectiveCap())
		acct, err = n.escrow.Release(ctx, m.EscrowID, payout)
		if err != nil {
			return change{}, err
		}
		next := m
		next.Status = StatusCompleted
		next.ClosedAt = stamp(now)
		return change{
			next:   next,
			events: []events.Event{released(m, acct, now)},
		}, nil
	})
}

// Reject contests the delivery and hands the mandate to arbitration.
func (n *Negotiator) Reject(ctx context.Context, id, renter, reason string) (Mandate, error) {
	return n.mutate(ctx, id, "reject", func(m Mandate, now time.Time) (change, error) {
		if m.Status.Terminal() {
			return change{}, stateError(m, "reject")
		}
		if renter != m.Renter {
			return change{}, unauthorized(m, renter, "reject")
		}
		if m.Status == StatusDisputed {
			return change{noop: true}, nil
		}
		if m.Status != StatusDelivered {
			return change{}, stateError(m, "reject")
		}
		if strings.TrimSpace(reason) == "" {
			return change{}, xerrors.New(xerrors.CodeInvalidArgument, "a rejection reason is required")
		}
		if n.arbiter == nil {
			return change{}, xerrors.New(xerrors.CodeUnknown, "mandate: no arbiter configured")
		}
		// Freeze the escrow before the dispute opens. Both calls return the
		// existing state when a failed reject is retried.
		if _, err := n.escrow.MarkDisputed(ctx, m.EscrowID); err != nil {
			return change{}, err
		}
		if _, err := n.arbiter.Open(ctx, dispute.OpenParams{
			MandateID: m.ID,
			EscrowID:  m.EscrowID,
			Renter:    m.Renter,
			Provider:  m.Provider,
			OpenedBy:  renter,
			Reason:    reason,
		}); err != nil {
			return change{}, err
		}
		next := m
		next.Status = StatusDisputed
		next.RejectReason = reason
		return change{next: next}, nil
	})
}

// Cancel withdraws a mandate before any funds were deposited.
func (n *Negotiator) Cancel(ctx context.Context, id, party string) (Mandate, error) {
	return n.mutate(ctx, id, "cancel", func(m Mandate, now time.Time) (change, error) {
		if m.Status.Terminal() {
			return change{}, stateError(m, "cancel")
		}
		if !m.IsParty(party) {
			return change{}, unauthorized(m, party, "cancel")
		}
		if m.Status != StatusProposed && m.Status != StatusAccepted {
			return change{}, stateError(m, "cancel")
		}
		if _, err := n.escrow.ForceRefund(ctx, m.EscrowID); err != nil {
			return change{}, err
		}
		next := m
		next.Status = StatusCancelled
		next.ClosedAt = stamp(now)
		return change{next: next}, nil
	})
}

// ResolveDispute executes an arbitration decision on a disputed mandate.
// A provider share of zero ends the mandate as refunded.
func (n *Negotiator) ResolveDispute(ctx context.Context, id string, d dispute.Decision) (Mandate, error) {
	return n.mutate(ctx, id, "resolve", func(m Mandate, now time.Time) (change, error) {
		bps := d.ProviderShareBps
		if m.Status.Terminal() && m.Resolution != nil && *m.Resolution == bps {
			return change{noop: true}, nil
		}
		if m.Status != StatusDisputed {
			return change{}, stateError(m, "resolve dispute on")
		}
		acct, err := n.escrow.ApplyDisputeResolution(ctx, m.EscrowID, bps)
		if err != nil {
			return change{}, err
		}
		next := m
		next.Status = StatusCompleted
		if bps == 0 {
			next.Status = StatusRefunded
		}
		next.Resolution = &bps
		next.ClosedAt = stamp(now)
		return change{
			next:   next,
			events: []events.Event{released(m, acct, now)},
		}, nil
	})
}

// DisputeResolver adapts ResolveDispute for the arbiter.
func (n *Negotiator) DisputeResolver() dispute.Resolver {
	return dispute.ResolverFunc(func(ctx context.Context, mandateID string, d dispute.Decision) error {
		_, err := n.ResolveDispute(ctx, mandateID, d)
		return err
	})
}

// Expire closes an overdue mandate and refunds whatever the escrow holds.
// A mandate whose escrow already settled is closed with that outcome instead.
// Expiring an already expired mandate returns it unchanged.
func (n *Negotiator) Expire(ctx context.Context, id string) (Mandate, error) {
	for attempt := 0; attempt <= n.opts.MaxCASRetries; attempt++ {
		cur, err := n.store.Get(ctx, id)
		if err != nil {
			return Mandate{}, err
		}
		if cur.Status == StatusExpired {
			return cur, nil
		}
		now := n.now().UTC()
		if !cur.Overdue(now) {
			if cur.Status.Terminal() {
				return Mandate{}, stateError(cur, "expire")
			}
			return Mandate{}, xerrors.New(xerrors.CodeInvalidState,
				fmt.Sprintf("mandate %s in status %s is not overdue", id, cur.Status),
				xerrors.WithMetadata("mandate_id", id))
		}
		expired, err := n.expire(ctx, cur, now)
		if isConflict(err) {
			continue
		}
		return expired, err
	}
	return Mandate{}, contention(id, "expire", n.opts.MaxCASRetries)
}

// expire closes an overdue mandate. When the escrow already settled or froze,
// its state decides the outcome; otherwise the renter gets the funds back.
func (n *Negotiator) expire(ctx context.Context, cur Mandate, now time.Time) (Mandate, error) {
	acct, err := n.escrow.Get(ctx, cur.EscrowID)
	if err != nil {
		return Mandate{}, fmt.Errorf("mandate: read expiring escrow: %w", err)
	}

	next := cur
	var extra []events.Event
	switch acct.State {
	case escrow.StateReleased:
		next.Status = StatusCompleted
		extra = append(extra, released(cur, acct, now))
	case escrow.StateDisputed, escrow.StateResolved:
		rec, found, err := n.disputeFor(ctx, cur.ID)
		if err != nil {
			return Mandate{}, err
		}
		if found {
			return n.adoptDispute(ctx, cur, acct, rec, now)
		}
		if acct.State == escrow.StateDisputed {
			if _, err := n.escrow.ApplyDisputeResolution(ctx, cur.EscrowID, 0); err != nil {
				return Mandate{}, fmt.Errorf("mandate: refund frozen escrow: %w", err)
			}
		}
		next.Status = StatusExpired
	default:
		if _, err := n.escrow.ForceRefund(ctx, cur.EscrowID); err != nil {
			return Mandate{}, fmt.Errorf("mandate: refund expired escrow: %w", err)
		}
		next.Status = StatusExpired
	}

	next.ClosedAt = stamp(now)
	next.UpdatedAt = now
	evts := append([]events.Event{
		events.MandateStateChanged(cur.ID, string(cur.Status), string(next.Status), now),
	}, extra...)
	stored, err := n.store.Update(ctx, next, cur.Version, evts...)
	if err != nil {
		return Mandate{}, err
	}
	n.record("expire", cur, stored)
	return stored, nil
}

// adoptDispute moves a delivered mandate whose rejection was cut short into
// Disputed, then applies the panel's decision if there already is one.
func (n *Negotiator) adoptDispute(ctx context.Context, cur Mandate, acct escrow.Account, rec dispute.Record, now time.Time) (Mandate, error) {
	next := cur
	next.Status = StatusDisputed
	next.RejectReason = rec.Reason
	next.UpdatedAt = now
	stored, err := n.store.Update(ctx, next, cur.Version,
		events.MandateStateChanged(cur.ID, string(cur.Status), string(next.Status), now))
	if err != nil {
		return Mandate{}, err
	}
	n.record("expire", cur, stored)

	switch {
	case acct.State == escrow.StateResolved && acct.ProviderShareBps != nil:
		return n.ResolveDispute(ctx, cur.ID, dispute.Split(*acct.ProviderShareBps))
	case rec.Decision != nil:
		return n.ResolveDispute(ctx, cur.ID, *rec.Decision)
	}
	return stored, nil
}

func (n *Negotiator) disputeFor(ctx context.Context, mandateID string) (dispute.Record, bool, error) {
	if n.arbiter == nil {
		return dispute.Record{}, false, nil
	}
	rec, err := n.arbiter.ByMandate(ctx, mandateID)
	switch {
	case err == nil:
		return rec, true, nil
	case errors.Is(err, xerrors.ErrNotFound):
		return dispute.Record{}, false, nil
	}
	return dispute.Record{}, false, err
}

// SweepExpired expires every overdue mandate. Expiry is also applied lazily
// by each operation, so the sweep only shortens how long funds stay held.
func (n *Negotiator) SweepExpired(ctx context.Context) (int, error) {
	overdue, err := n.store.ListOverdue(ctx, n.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("mandate: list overdue: %w", err)
	}
	expired := 0
	var errs error
	for _, m := range overdue {
		if _, err := n.Expire(ctx, m.ID); err != nil {
			n.log.Warn("expire mandate", "mandate_id", m.ID, "status", m.Status, "error", err)
			errs = errors.Join(errs, err)
			continue
		}
		expired++
	}
	return expired, errs
}

func (n *Negotiator) Get(ctx context.Context, id string) (Mandate, error) {
	return n.store.Get(ctx, id)
}

func (n *Negotiator) ListByParticipant(ctx context.Context, agentID string) ([]Mandate, error) {
	if agentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	}
	return n.store.ListByParticipant(ctx, agentID)
}

// ReviewContext tells the reputation engine who may review the mandate.
func (n *Negotiator) ReviewContext(ctx context.Context, id string) (reputation.ReviewContext, error) {
	m, err := n.store.Get(ctx, id)
	if err != nil {
		return reputation.ReviewContext{}, err
	}
	rc := reputation.ReviewContext{
		MandateID: m.ID,
		Renter:    m.Renter,
		Provider:  m.Provider,
		Closed:    m.Status.Terminal(),
		OnTime:    m.DeliveredOnTime(),
	}
	rec, found, err := n.disputeFor(ctx, m.ID)
	if err != nil {
		return reputation.ReviewContext{}, err
	}
	if found {
		rc.Arbiters = rec.Panel
	}
	return rc, nil
}

type change struct {
	next   Mandate
	events []events.Event
	noop   bool
}

func isConflict(err error) bool {
	return errors.Is(err, xerrors.ErrConcurrentModification)
}

func contention(id, op string, retries int) error {
	return xerrors.New(xerrors.CodeContention,
		fmt.Sprintf("mandate %s: %s lost %d compare-and-set rounds", id, op, retries+1),
		xerrors.WithMetadata("mandate_id", id))
}

func (n *Negotiator) mutate(ctx context.Context, id, op string, step func(Mandate, time.Time) (change, error)) (m Mandate, err error) {
	defer func() {
		if err != nil && xerrors.IsDefect(err) {
			n.log.Warn("mandate operation rejected", "op", op, "mandate_id", id, "error", err)
		}
	}()

	for attempt := 0; attempt <= n.opts.MaxCASRetries; attempt++ {
		cur, err := n.store.Get(ctx, id)
		if err != nil {
			return Mandate{}, err
		}
		now := n.now().UTC()
		if cur.Overdue(now) {
			settled, err := n.expire(ctx, cur, now)
			if isConflict(err) {
				continue
			}
			if err != nil {
				return Mandate{}, err
			}
			if settled.Status != StatusExpired {
				continue
			}
			return Mandate{}, xerrors.New(xerrors.CodeTerminalState,
				fmt.Sprintf("mandate %s expired at %s", id, cur.ExpiresAt.Format(time.RFC3339)),
				xerrors.WithMetadata("mandate_id", id),
				xerrors.WithMetadata("status", string(StatusExpired)))
		}

		ch, err := step(cur, now)
		if err != nil {
			return Mandate{}, err
		}
		if ch.noop {
			return cur, nil
		}
		next := ch.next
		if next.Status != cur.Status && !CanTransition(cur.Status, next.Status) {
			return Mandate{}, stateError(cur, op)
		}
		next.UpdatedAt = now
		evts := append([]events.Event{
			events.MandateStateChanged(cur.ID, string(cur.Status), string(next.Status), now),
		}, ch.events...)

		stored, err := n.store.Update(ctx, next, cur.Version, evts...)
		if isConflict(err) {
			continue
		}
		if err != nil {
			return Mandate{}, err
		}
		n.record(op, cur, stored)
		return stored, nil
	}
	return Mandate{}, contention(id, op, n.opts.MaxCASRetries)
}

func released(m Mandate, acct escrow.Account, now time.Time) events.Event {
	return events.EscrowReleased(m.ID, acct.ID, acct.ReleasedToProvider, acct.RefundedToRenter, acct.TaxRetained, now)
}

func (n *Negotiator) record(op string, prev, next Mandate) {
	metrics.MandateTransitions.WithLabelValues(string(prev.Status), string(next.Status)).Inc()
	n.log.Info("mandate transition",
		"op", op,
		"mandate_id", next.ID,
		"from", prev.Status,
		"to", next.Status,
		"version", next.Version,
	)
}
