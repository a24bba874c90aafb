package dispute

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	xerrors "clawtrust/errors"
)

// Store persists dispute records. Update must compare-and-set on Version and
// persist any votes appended since the expected version.
type Store interface {
	Create(ctx context.Context, r Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	GetByMandate(ctx context.Context, mandateID string) (Record, error)
	Update(ctx context.Context, next Record, expected int64) (Record, error)
	ListOverdue(ctx context.Context, now time.Time) ([]Record, error)
	ListUnapplied(ctx context.Context) ([]Record, error)
}

func notFound(what, id string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("dispute %s %s not found", what, id))
}

func conflict(id string, expected int64) error {
	return xerrors.New(xerrors.CodeConcurrentModification,
		fmt.Sprintf("dispute %s changed since version %d", id, expected),
		xerrors.WithMetadata("dispute_id", id))
}

func alreadyOpen(mandateID string) error {
	return xerrors.New(xerrors.CodeInvalidState,
		fmt.Sprintf("mandate %s already has a dispute", mandateID),
		xerrors.WithMetadata("mandate_id", mandateID))
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]Record
	byMandate map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), byMandate: make(map[string]string)}
}

func (s *MemoryStore) Create(_ context.Context, r Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byMandate[r.MandateID]; ok {
		return Record{}, alreadyOpen(r.MandateID)
	}
	r = r.clone()
	r.Version = 1
	s.records[r.ID] = r
	s.byMandate[r.MandateID] = r.ID
	return r.clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, notFound("id", id)
	}
	return r.clone(), nil
}

func (s *MemoryStore) GetByMandate(_ context.Context, mandateID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byMandate[mandateID]
	if !ok {
		return Record{}, notFound("for mandate", mandateID)
	}
	return s.records[id].clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, next Record, expected int64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[next.ID]
	if !ok {
		return Record{}, notFound("id", next.ID)
	}
	if cur.Version != expected {
		return Record{}, conflict(next.ID, expected)
	}
	next = next.clone()
	next.Version = expected + 1
	s.records[next.ID] = next
	return next.clone(), nil
}

func (s *MemoryStore) ListOverdue(_ context.Context, now time.Time) ([]Record, error) {
	return s.filter(func(r Record) bool {
		return r.Status == StatusPending && now.After(r.Deadline)
	}), nil
}

func (s *MemoryStore) ListUnapplied(_ context.Context) ([]Record, error) {
	return s.filter(func(r Record) bool {
		return r.Status == StatusResolved && !r.Applied
	}), nil
}

func (s *MemoryStore) filter(keep func(Record) bool) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
