package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"clawtrust/config"
	xerrors "clawtrust/errors"
	"clawtrust/events"
	"clawtrust/logger"
	"clawtrust/metrics"
)

// Resolver executes a final decision against the contested mandate.
type Resolver interface {
	ResolveDispute(ctx context.Context, mandateID string, d Decision) error
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, mandateID string, d Decision) error

func (f ResolverFunc) ResolveDispute(ctx context.Context, mandateID string, d Decision) error {
	return f(ctx, mandateID, d)
}

type Options struct {
	PanelSize     int
	VotingWindow  time.Duration
	MaxCASRetries int
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		PanelSize:     cfg.Dispute.PanelSize,
		VotingWindow:  cfg.Dispute.VotingWindow,
		MaxCASRetries: cfg.Escrow.MaxCASRetries,
	}
}

// Arbiter runs panel votes. Casts within one dispute are serialized by
// compare-and-set on the record version, so exactly one writer observes the
// resolving vote and only that writer invokes the Resolver.
type Arbiter struct {
	store    Store
	selector PanelSelector
	resolver Resolver
	pub      events.Publisher
	opts     Options
	now      func() time.Time
	log      *slog.Logger
	audit    *slog.Logger
}

func NewArbiter(store Store, selector PanelSelector, pub events.Publisher, opts Options) *Arbiter {
	if opts.PanelSize <= 0 {
		opts.PanelSize = 3
	}
	if opts.VotingWindow <= 0 {
		opts.VotingWindow = 72 * time.Hour
	}
	if opts.MaxCASRetries <= 0 {
		opts.MaxCASRetries = 5
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &Arbiter{
		store:    store,
		selector: selector,
		pub:      pub,
		opts:     opts,
		now:      time.Now,
		log:      logger.Named("dispute"),
		audit:    logger.Audit(),
	}
}

// WithResolver sets the component that executes verdicts.
func (a *Arbiter) WithResolver(r Resolver) *Arbiter {
	a.resolver = r
	return a
}

func (a *Arbiter) WithClock(now func() time.Time) *Arbiter {
	if now != nil {
		a.now = now
	}
	return a
}

func (a *Arbiter) WithLogger(l *slog.Logger) *Arbiter {
	if l != nil {
		a.log = l
		a.audit = l
	}
	return a
}

// Open creates the dispute for a mandate, or returns the existing one.
func (a *Arbiter) Open(ctx context.Context, p OpenParams) (Record, error) {
	if p.MandateID == "" || p.Renter == "" || p.Provider == "" {
		return Record{}, xerrors.New(xerrors.CodeInvalidArgument, "dispute requires mandate and both parties")
	}
	if existing, err := a.store.GetByMandate(ctx, p.MandateID); err == nil {
		return existing, nil
	} else if !errors.Is(err, xerrors.ErrNotFound) {
		return Record{}, err
	}

	panel, err := a.selector.Select(ctx, p, a.opts.PanelSize)
	if err != nil {
		return Record{}, err
	}
	now := a.now().UTC()
	rec, err := a.store.Create(ctx, Record{
		ID:        uuid.NewString(),
		MandateID: p.MandateID,
		EscrowID:  p.EscrowID,
		Renter:    p.Renter,
		Provider:  p.Provider,
		OpenedBy:  p.OpenedBy,
		Reason:    p.Reason,
		Panel:     panel,
		Status:    StatusPending,
		Deadline:  now.Add(a.opts.VotingWindow),
		OpenedAt:  now,
	})
	if errors.Is(err, xerrors.ErrInvalidState) {
		return a.store.GetByMandate(ctx, p.MandateID)
	}
	if err != nil {
		return Record{}, err
	}

	a.log.Info("dispute opened", "dispute_id", rec.ID, "mandate_id", rec.MandateID, "panel", rec.Panel, "deadline", rec.Deadline)
	a.publish(ctx, events.DisputeOpened(rec.ID, rec.MandateID, rec.Panel, rec.Deadline, now))
	return rec, nil
}

func (a *Arbiter) Get(ctx context.Context, id string) (Record, error) {
	return a.store.Get(ctx, id)
}

func (a *Arbiter) ByMandate(ctx context.Context, mandateID string) (Record, error) {
	return a.store.GetByMandate(ctx, mandateID)
}

// CastVote records an arbiter's decision. When the vote resolves the dispute
// the decision is executed before returning; a resolver failure is returned
// alongside the stored record and is retried by Sweep. A vote arriving after
// the deadline closes the dispute with the refund fallback and is rejected.
func (a *Arbiter) CastVote(ctx context.Context, disputeID, arbiter string, d Decision) (Record, error) {
	d, err := d.Normalize()
	if err != nil {
		return Record{}, err
	}

	for attempt := 0; attempt <= a.opts.MaxCASRetries; attempt++ {
		cur, err := a.store.Get(ctx, disputeID)
		if err != nil {
			return Record{}, err
		}
		if cur.Status == StatusResolved {
			return Record{}, xerrors.New(xerrors.CodeInvalidState,
				fmt.Sprintf("dispute %s already resolved", disputeID),
				xerrors.WithMetadata("dispute_id", disputeID))
		}
		if !cur.OnPanel(arbiter) {
			return Record{}, xerrors.New(xerrors.CodeUnauthorizedArbiter,
				fmt.Sprintf("%s is not on the panel of dispute %s", arbiter, disputeID))
		}
		if cur.HasVoted(arbiter) {
			return Record{}, xerrors.New(xerrors.CodeDuplicateVote,
				fmt.Sprintf("%s already voted on dispute %s", arbiter, disputeID))
		}

		now := a.now().UTC()
		next := cur.clone()
		closed := now.After(cur.Deadline)
		if closed {
			a.resolve(&next, FavorRenter(), FallbackDeadline, now)
		} else {
			next.Votes = append(next.Votes, Vote{DisputeID: cur.ID, Arbiter: arbiter, Decision: d, CastAt: now})
			if decision, fallback, ok := Tally(len(next.Panel), next.Votes, false); ok {
				a.resolve(&next, decision, fallback, now)
			}
		}

		stored, err := a.store.Update(ctx, next, cur.Version)
		if errors.Is(err, xerrors.ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return Record{}, err
		}

		if !closed {
			a.audit.Info("dispute vote cast", "dispute_id", stored.ID, "arbiter", arbiter, "outcome", d.Outcome, "provider_share_bps", d.ProviderShareBps)
		}
		if stored.Status == StatusResolved {
			a.announce(ctx, stored)
			stored, err = a.apply(ctx, stored)
			if err != nil {
				return stored, err
			}
		}
		if closed {
			return stored, xerrors.New(xerrors.CodeInvalidState,
				fmt.Sprintf("dispute %s voting closed at %s", disputeID, cur.Deadline.Format(time.RFC3339)),
				xerrors.WithMetadata("dispute_id", disputeID))
		}
		return stored, nil
	}
	return Record{}, xerrors.New(xerrors.CodeContention,
		fmt.Sprintf("dispute %s: vote lost %d compare-and-set rounds", disputeID, a.opts.MaxCASRetries+1))
}

// Sweep closes overdue disputes with the refund fallback and re-executes
// resolved decisions that were never applied. It returns the number of
// disputes it finished.
func (a *Arbiter) Sweep(ctx context.Context) (int, error) {
	now := a.now().UTC()
	overdue, err := a.store.ListOverdue(ctx, now)
	if err != nil {
		return 0, err
	}
	var errs error
	for _, rec := range overdue {
		next := rec.clone()
		a.resolve(&next, FavorRenter(), FallbackDeadline, now)
		stored, err := a.store.Update(ctx, next, rec.Version)
		if errors.Is(err, xerrors.ErrConcurrentModification) {
			continue
		}
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		a.announce(ctx, stored)
	}

	unapplied, err := a.store.ListUnapplied(ctx)
	if err != nil {
		return 0, errors.Join(errs, err)
	}
	done := 0
	for _, rec := range unapplied {
		if _, err := a.apply(ctx, rec); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		done++
	}
	return done, errs
}

func (a *Arbiter) resolve(r *Record, d Decision, fb Fallback, now time.Time) {
	r.Status = StatusResolved
	r.Decision = &d
	r.Fallback = fb
	r.ResolvedAt = &now
}

func (a *Arbiter) announce(ctx context.Context, rec Record) {
	metrics.DisputeResolutions.WithLabelValues(string(rec.Decision.Outcome), string(rec.Fallback)).Inc()
	a.audit.Info("dispute resolved",
		"dispute_id", rec.ID,
		"mandate_id", rec.MandateID,
		"outcome", rec.Decision.Outcome,
		"provider_share_bps", rec.Decision.ProviderShareBps,
		"fallback", rec.Fallback,
		"votes", len(rec.Votes),
	)
	a.publish(ctx, events.DisputeResolved(rec.ID, rec.MandateID, string(rec.Decision.Outcome),
		rec.Decision.ProviderShareBps, string(rec.Fallback), a.now()))
}

// apply runs the resolver and marks the record applied.
func (a *Arbiter) apply(ctx context.Context, rec Record) (Record, error) {
	if rec.Applied || rec.Decision == nil {
		return rec, nil
	}
	if a.resolver == nil {
		return rec, nil
	}
	if err := a.resolver.ResolveDispute(ctx, rec.MandateID, *rec.Decision); err != nil {
		a.log.Warn("dispute decision not applied", "dispute_id", rec.ID, "mandate_id", rec.MandateID, "error", err)
		return rec, fmt.Errorf("dispute: apply %s: %w", rec.ID, err)
	}

	for attempt := 0; attempt <= a.opts.MaxCASRetries; attempt++ {
		next := rec.clone()
		next.Applied = true
		stored, err := a.store.Update(ctx, next, rec.Version)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, xerrors.ErrConcurrentModification) {
			return rec, err
		}
		if rec, err = a.store.Get(ctx, rec.ID); err != nil {
			return Record{}, err
		}
		if rec.Applied {
			return rec, nil
		}
	}
	return rec, xerrors.New(xerrors.CodeContention, fmt.Sprintf("dispute %s: could not mark applied", rec.ID))
}

func (a *Arbiter) publish(ctx context.Context, evts ...events.Event) {
	if err := a.pub.Publish(ctx, evts...); err != nil {
		a.log.Error("publish dispute events", "error", err)
	}
}
