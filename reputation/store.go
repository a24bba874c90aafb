package reputation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"clawtrust/db"
	xerrors "clawtrust/errors"
)

// Store is the append-only review history.
type Store interface {
	Add(ctx context.Context, r Review) (Review, error)
	All(ctx context.Context) ([]Review, error)
}

func duplicate(mandateID, reviewer string) error {
	return xerrors.New(xerrors.CodeDuplicateReview,
		fmt.Sprintf("%s already reviewed mandate %s", reviewer, mandateID),
		xerrors.WithMetadata("mandate_id", mandateID))
}

type MemoryStore struct {
	mu      sync.RWMutex
	reviews []Review
	seen    map[[2]string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[[2]string]struct{})}
}

func (s *MemoryStore) Add(_ context.Context, r Review) (Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{r.MandateID, r.Reviewer}
	if _, ok := s.seen[key]; ok {
		return Review{}, duplicate(r.MandateID, r.Reviewer)
	}
	s.seen[key] = struct{}{}
	s.reviews = append(s.reviews, r)
	return r, nil
}

func (s *MemoryStore) All(_ context.Context) ([]Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Review, len(s.reviews))
	copy(out, s.reviews)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Repository stores reviews in Postgres.
type Repository struct {
	q db.Querier
}

func NewRepository(q db.Querier) *Repository {
	return &Repository{q: q}
}

func (r *Repository) Add(ctx context.Context, rv Review) (Review, error) {
	const query = `
		INSERT INTO reviews (id, mandate_id, reviewer_id, subject_id, rating, justification,
			subject_role, completed_on_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.q.Exec(ctx, query,
		rv.ID, rv.MandateID, rv.Reviewer, rv.Subject, rv.Rating, rv.Justification,
		rv.SubjectRole, rv.CompletedOnTime, rv.CreatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Review{}, duplicate(rv.MandateID, rv.Reviewer)
		}
		return Review{}, fmt.Errorf("reputation: insert review: %w", err)
	}
	return rv, nil
}

func (r *Repository) All(ctx context.Context) ([]Review, error) {
	const query = `
		SELECT id::text, mandate_id::text, reviewer_id, subject_id, rating, justification,
			subject_role, completed_on_time, created_at
		FROM reviews
		ORDER BY id
	`
	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reputation: list reviews: %w", err)
	}
	defer rows.Close()

	var out []Review
	for rows.Next() {
		var rv Review
		if err := rows.Scan(&rv.ID, &rv.MandateID, &rv.Reviewer, &rv.Subject, &rv.Rating, &rv.Justification,
			&rv.SubjectRole, &rv.CompletedOnTime, &rv.CreatedAt); err != nil {
			return nil, fmt.Errorf("reputation: scan review: %w", err)
		}
		out = append(out, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reputation: iterate reviews: %w", err)
	}
	return out, nil
}
