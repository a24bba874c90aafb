package reputation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "clawtrust/errors"
	"clawtrust/events"
	"clawtrust/logger"
)

type mandateMap map[string]ReviewContext

func (m mandateMap) ReviewContext(_ context.Context, id string) (ReviewContext, error) {
	rc, ok := m[id]
	if !ok {
		return ReviewContext{}, xerrors.New(xerrors.CodeNotFound, "mandate "+id)
	}
	return rc, nil
}

func newService(t *testing.T, mandates mandateMap) (*Service, *events.MemoryPublisher) {
	t.Helper()
	pub := events.NewMemoryPublisher()
	svc := NewService(NewMemoryStore(), mandates, pub, Options{Params: defaultParams(), MinReviews: 2}).
		WithClock(func() time.Time { return base }).
		WithLogger(logger.Discard())
	return svc, pub
}

func closed(id, renter, provider string, arbiters ...string) ReviewContext {
	return ReviewContext{MandateID: id, Renter: renter, Provider: provider, Closed: true, OnTime: true, Arbiters: arbiters}
}

func TestSubmitReviewRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, mandateMap{"m-1": closed("m-1", "renter", "provider")})

	first, err := svc.SubmitReview(ctx, SubmitParams{MandateID: "m-1", Reviewer: "renter", Rating: 4})
	require.NoError(t, err)
	assert.Equal(t, "provider", first.AgentID)
	assert.Equal(t, 4.0, first.Score)

	_, err = svc.SubmitReview(ctx, SubmitParams{MandateID: "m-1", Reviewer: "renter", Rating: 0})
	require.ErrorIs(t, err, xerrors.ErrDuplicateReview)

	after, err := svc.GetScore(ctx, "provider")
	require.NoError(t, err)
	assert.Equal(t, first.Score, after.Score)
	assert.Equal(t, 1, after.Reviews)
}

func TestSubmitReviewAuthorization(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, mandateMap{
		"m-1":    closed("m-1", "renter", "provider", "arb"),
		"m-open": {MandateID: "m-open", Renter: "renter", Provider: "provider"},
	})

	_, err := svc.SubmitReview(ctx, SubmitParams{MandateID: "m-1", Reviewer: "stranger", Subject: "provider", Rating: 3})
	assert.ErrorIs(t, err, xerrors.ErrUnauthorizedReviewer)

	_, err = svc.SubmitReview(ctx, SubmitParams{MandateID: "m-1", Reviewer: "renter", Subject: "renter", Rating: 5})
	assert.ErrorIs(t, err, xerrors.ErrUnauthorizedReviewer)

	_, err = svc.SubmitReview(ctx, SubmitParams{MandateID: "m-1", Reviewer: "arb", Subject: "arb", Rating: 5})
	assert.ErrorIs(t, err, xerrors.ErrUnauthorizedReviewer)

	_, err = svc.SubmitReview(ctx, SubmitParams{MandateID: "m-1", Reviewer: "renter", Rating: 5.5})
	assert.ErrorIs(t, err, xerrors.ErrInvalidRating)

	_, err = svc.SubmitReview(ctx, SubmitParams{MandateID: "m-open", Reviewer: "renter", Rating: 5})
	assert.ErrorIs(t, err, xerrors.ErrInvalidState)

	_, err = svc.SubmitReview(ctx, SubmitParams{MandateID: "missing", Reviewer: "renter", Rating: 5})
	assert.ErrorIs(t, err, xerrors.ErrNotFound)

	sc, err := svc.SubmitReview(ctx, SubmitParams{MandateID: "m-1", Reviewer: "arb", Subject: "renter", Rating: 2})
	require.NoError(t, err)
	assert.Equal(t, "renter", sc.AgentID)
}

func TestScoresTiersAndRanking(t *testing.T) {
	ctx := context.Background()
	mandates := mandateMap{}
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("m-%d", i)
		mandates[id] = closed(id, fmt.Sprintf("renter-%d", i), "alpha")
	}
	mandates["m-late"] = ReviewContext{MandateID: "m-late", Renter: "renter-9", Provider: "beta", Closed: true}
	svc, pub := newService(t, mandates)

	for i := 0; i < 4; i++ {
		_, err := svc.SubmitReview(ctx, SubmitParams{MandateID: fmt.Sprintf("m-%d", i), Reviewer: fmt.Sprintf("renter-%d", i), Rating: 4.8})
		require.NoError(t, err)
	}
	beta, err := svc.SubmitReview(ctx, SubmitParams{MandateID: "m-late", Reviewer: "renter-9", Rating: 3})
	require.NoError(t, err)
	assert.Equal(t, TierInsufficient, beta.Tier)
	assert.Equal(t, 0.0, beta.OnTimeRate)

	alpha, err := svc.GetScore(ctx, "alpha")
	require.NoError(t, err)
	assert.InDelta(t, 4.8, alpha.Score, 1e-9)
	assert.Equal(t, TierExcellent, alpha.Tier)
	assert.Equal(t, 1.0, alpha.OnTimeRate)
	assert.True(t, alpha.Converged)

	top, err := svc.TopAgents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "alpha", top[0].AgentID)

	unknown, err := svc.GetScore(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, 2.5, unknown.Score)
	assert.Equal(t, 2.5, svc.Score("nobody"))

	assert.Len(t, pub.Of(events.TypeReputationUpdated), 5)
}

func TestConcurrentReviewsMatchFullRecompute(t *testing.T) {
	ctx := context.Background()
	mandates := mandateMap{}
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("m-%02d", i)
		mandates[id] = closed(id, fmt.Sprintf("agent-%d", i%4), fmt.Sprintf("agent-%d", (i+1)%4))
	}
	svc, _ := newService(t, mandates)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.SubmitReview(ctx, SubmitParams{
				MandateID: fmt.Sprintf("m-%02d", i),
				Reviewer:  fmt.Sprintf("agent-%d", i%4),
				Rating:    float64(i%5) + 0.5,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snap, err := svc.current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, snap.Reviews)

	all, err := svc.store.All(ctx)
	require.NoError(t, err)
	full := Compute(all, defaultParams())
	for id, v := range full.Scores {
		assert.Equal(t, v, snap.Scores[id].Score, id)
	}
}
