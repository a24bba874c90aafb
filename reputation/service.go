package reputation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"clawtrust/config"
	xerrors "clawtrust/errors"
	"clawtrust/events"
	"clawtrust/logger"
	"clawtrust/metrics"
)

// MandateSource describes mandates for review authorization.
type MandateSource interface {
	ReviewContext(ctx context.Context, mandateID string) (ReviewContext, error)
}

// Snapshot is an immutable set of scores from one recomputation.
type Snapshot struct {
	Scores     map[string]Score
	Reviews    int
	Iterations int
	Converged  bool
	ComputedAt time.Time
}

type Options struct {
	Params
	MinReviews int
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Params: Params{
			HalfLife:      cfg.Reputation.HalfLife,
			Epsilon:       cfg.Reputation.Epsilon,
			MaxIterations: cfg.Reputation.MaxIterations,
			Prior:         cfg.Reputation.Prior,
		},
		MinReviews: cfg.Reputation.MinReviews,
	}
}

// Service accepts reviews and serves scores. Recomputation runs under
// singleflight; readers only ever see a fully computed Snapshot.
type Service struct {
	store    Store
	mandates MandateSource
	pub      events.Publisher
	opts     Options
	snap     atomic.Pointer[Snapshot]
	group    singleflight.Group
	now      func() time.Time
	log      *slog.Logger
}

func NewService(store Store, mandates MandateSource, pub events.Publisher, opts Options) *Service {
	if pub == nil {
		pub = events.Discard{}
	}
	if opts.Epsilon <= 0 {
		opts.Epsilon = 1e-6
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 100
	}
	return &Service{
		store:    store,
		mandates: mandates,
		pub:      pub,
		opts:     opts,
		now:      time.Now,
		log:      logger.Named("reputation"),
	}
}

// WithMandates sets the review authorization source after construction.
func (s *Service) WithMandates(m MandateSource) *Service {
	s.mandates = m
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.log = l
	}
	return s
}

// SubmitReview validates and stores a review, then returns the subject's
// recomputed score.
func (s *Service) SubmitReview(ctx context.Context, p SubmitParams) (Score, error) {
	if math.IsNaN(p.Rating) || p.Rating < 0 || p.Rating > MaxRating {
		return Score{}, xerrors.New(xerrors.CodeInvalidRating,
			fmt.Sprintf("rating %v outside [0, %v]", p.Rating, MaxRating))
	}
	if s.mandates == nil {
		return Score{}, xerrors.New(xerrors.CodeUnknown, "reputation: no mandate source configured")
	}
	rc, err := s.mandates.ReviewContext(ctx, p.MandateID)
	if err != nil {
		return Score{}, err
	}

	subject, role, err := authorize(rc, p.Reviewer, p.Subject)
	if err != nil {
		return Score{}, err
	}
	if !rc.Closed {
		return Score{}, xerrors.New(xerrors.CodeInvalidState,
			fmt.Sprintf("mandate %s is still open", p.MandateID),
			xerrors.WithMetadata("mandate_id", p.MandateID))
	}

	review, err := s.store.Add(ctx, Review{
		ID:              uuid.NewString(),
		MandateID:       p.MandateID,
		Reviewer:        p.Reviewer,
		Subject:         subject,
		Rating:          p.Rating,
		Justification:   p.Justification,
		SubjectRole:     role,
		CompletedOnTime: role == RoleProvider && rc.OnTime,
		CreatedAt:       s.now().UTC(),
	})
	if err != nil {
		return Score{}, err
	}
	s.log.Info("review accepted", "review_id", review.ID, "mandate_id", review.MandateID, "reviewer", review.Reviewer, "subject", review.Subject)

	// Results of a recompute that started before this review was stored must
	// not be reused.
	s.group.Forget(recomputeKey)
	snap, err := s.Recompute(ctx)
	if err != nil {
		return Score{}, err
	}
	score := snap.lookup(subject, s.opts)
	if err := s.pub.Publish(ctx, events.ReputationUpdated(subject, score.Score, score.Reviews, score.Converged, s.now())); err != nil {
		s.log.Error("publish reputation event", "error", err)
	}
	return score, nil
}

func authorize(rc ReviewContext, reviewer, subject string) (string, string, error) {
	deny := func() (string, string, error) {
		return "", "", xerrors.New(xerrors.CodeUnauthorizedReviewer,
			fmt.Sprintf("%s may not review %q on mandate %s", reviewer, subject, rc.MandateID),
			xerrors.WithMetadata("mandate_id", rc.MandateID))
	}
	roleOf := func(id string) string {
		switch id {
		case rc.Provider:
			return RoleProvider
		case rc.Renter:
			return RoleRenter
		}
		return ""
	}

	switch reviewer {
	case rc.Renter, rc.Provider:
		counter := rc.Provider
		if reviewer == rc.Provider {
			counter = rc.Renter
		}
		if subject != "" && subject != counter {
			return deny()
		}
		return counter, roleOf(counter), nil
	}
	for _, a := range rc.Arbiters {
		if a == reviewer {
			if role := roleOf(subject); role != "" {
				return subject, role, nil
			}
			return deny()
		}
	}
	return deny()
}

const recomputeKey = "recompute"

// Recompute rebuilds every score from the full review history.
func (s *Service) Recompute(ctx context.Context) (*Snapshot, error) {
	v, err, _ := s.group.Do(recomputeKey, func() (any, error) {
		reviews, err := s.store.All(ctx)
		if err != nil {
			return nil, fmt.Errorf("reputation: load reviews: %w", err)
		}
		return s.build(reviews), nil
	})
	if err != nil {
		return nil, err
	}
	snap := v.(*Snapshot)
	for {
		cur := s.snap.Load()
		if cur != nil && cur.Reviews > snap.Reviews {
			return cur, nil
		}
		if s.snap.CompareAndSwap(cur, snap) {
			return snap, nil
		}
	}
}

func (s *Service) build(reviews []Review) *Snapshot {
	res := Compute(reviews, s.opts.Params)
	metrics.ReputationIterations.Observe(float64(res.Iterations))
	if !res.Converged {
		metrics.ReputationDegraded.Inc()
		s.log.Warn("reputation did not converge; using unweighted mean", "iterations", res.Iterations, "reviews", len(reviews))
	}

	onTime := make(map[string]int)
	asProvider := make(map[string]int)
	for _, r := range reviews {
		if r.SubjectRole == RoleProvider {
			asProvider[r.Subject]++
			if r.CompletedOnTime {
				onTime[r.Subject]++
			}
		}
	}

	now := s.now().UTC()
	scores := make(map[string]Score, len(res.Scores))
	for id, v := range res.Scores {
		sc := Score{
			AgentID:    id,
			Score:      v,
			Reviews:    res.Counts[id],
			UpdatedAt:  now,
			Converged:  res.Converged,
			Iterations: res.Iterations,
			Tier:       tierOf(v, res.Counts[id], s.opts.MinReviews),
		}
		if n := asProvider[id]; n > 0 {
			sc.OnTimeRate = float64(onTime[id]) / float64(n)
		}
		scores[id] = sc
	}
	return &Snapshot{
		Scores:     scores,
		Reviews:    len(reviews),
		Iterations: res.Iterations,
		Converged:  res.Converged,
		ComputedAt: now,
	}
}

func (snap *Snapshot) lookup(agentID string, opts Options) Score {
	if sc, ok := snap.Scores[agentID]; ok {
		return sc
	}
	return Score{
		AgentID:   agentID,
		Score:     opts.Prior,
		UpdatedAt: snap.ComputedAt,
		Converged: snap.Converged,
		Tier:      tierOf(opts.Prior, 0, opts.MinReviews),
	}
}

func (s *Service) current(ctx context.Context) (*Snapshot, error) {
	if snap := s.snap.Load(); snap != nil {
		return snap, nil
	}
	return s.Recompute(ctx)
}

// GetScore returns the agent's score from the latest snapshot. Agents
// without reviews report the prior.
func (s *Service) GetScore(ctx context.Context, agentID string) (Score, error) {
	snap, err := s.current(ctx)
	if err != nil {
		return Score{}, err
	}
	return snap.lookup(agentID, s.opts), nil
}

// Score returns the current score without triggering a recomputation.
func (s *Service) Score(agentID string) float64 {
	snap := s.snap.Load()
	if snap == nil {
		return s.opts.Prior
	}
	return snap.lookup(agentID, s.opts).Score
}

// TopAgents ranks reviewed agents by score, ties by ID.
func (s *Service) TopAgents(ctx context.Context, n int) ([]Score, error) {
	snap, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Score, 0, len(snap.Scores))
	for _, sc := range snap.Scores {
		if sc.Reviews > 0 {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].AgentID < out[j].AgentID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}
