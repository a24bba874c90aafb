package mandate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "clawtrust/errors"
	"clawtrust/events"
	"clawtrust/logger"
)

// Store persists mandates together with the events describing each write.
// Implementations make the events durable no earlier than the write itself.
type Store interface {
	Create(ctx context.Context, m Mandate, evts ...events.Event) (Mandate, error)
	Get(ctx context.Context, id string) (Mandate, error)
	// Update writes next if the stored version still equals expected.
	Update(ctx context.Context, next Mandate, expected int64, evts ...events.Event) (Mandate, error)
	ListByParticipant(ctx context.Context, agentID string) ([]Mandate, error)
	// ListOverdue returns expirable mandates whose deadline is not after now.
	ListOverdue(ctx context.Context, now time.Time) ([]Mandate, error)
}

func notFound(id string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("mandate %s not found", id),
		xerrors.WithMetadata("mandate_id", id))
}

func conflict(id string, expected int64) error {
	return xerrors.New(xerrors.CodeConcurrentModification,
		fmt.Sprintf("mandate %s changed since version %d", id, expected),
		xerrors.WithMetadata("mandate_id", id))
}

// MemoryStore keeps mandates in process and hands events to a Publisher
// after each successful write.
type MemoryStore struct {
	mu       sync.RWMutex
	mandates map[string]Mandate
	pub      events.Publisher
	log      *slog.Logger
}

func NewMemoryStore(pub events.Publisher) *MemoryStore {
	if pub == nil {
		pub = events.Discard{}
	}
	return &MemoryStore{mandates: make(map[string]Mandate), pub: pub, log: logger.Named("mandate")}
}

func (s *MemoryStore) Create(ctx context.Context, m Mandate, evts ...events.Event) (Mandate, error) {
	s.mu.Lock()
	if _, ok := s.mandates[m.ID]; ok {
		s.mu.Unlock()
		return Mandate{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("mandate %s already exists", m.ID))
	}
	m.Version = 1
	s.mandates[m.ID] = m
	s.mu.Unlock()

	s.publish(ctx, evts)
	return m, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mandates[id]
	if !ok {
		return Mandate{}, notFound(id)
	}
	return m, nil
}

func (s *MemoryStore) Update(ctx context.Context, next Mandate, expected int64, evts ...events.Event) (Mandate, error) {
	s.mu.Lock()
	cur, ok := s.mandates[next.ID]
	if !ok {
		s.mu.Unlock()
		return Mandate{}, notFound(next.ID)
	}
	if cur.Version != expected {
		s.mu.Unlock()
		return Mandate{}, conflict(next.ID, expected)
	}
	next.Version = expected + 1
	s.mandates[next.ID] = next
	s.mu.Unlock()

	s.publish(ctx, evts)
	return next, nil
}

func (s *MemoryStore) ListByParticipant(_ context.Context, agentID string) ([]Mandate, error) {
	return s.filter(func(m Mandate) bool { return m.IsParty(agentID) }), nil
}

func (s *MemoryStore) ListOverdue(_ context.Context, now time.Time) ([]Mandate, error) {
	return s.filter(func(m Mandate) bool { return m.Overdue(now) }), nil
}

func (s *MemoryStore) filter(keep func(Mandate) bool) []Mandate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Mandate
	for _, m := range s.mandates {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) publish(ctx context.Context, evts []events.Event) {
	if len(evts) == 0 {
		return
	}
	if err := s.pub.Publish(ctx, evts...); err != nil {
		s.log.Error("publish mandate events", "count", len(evts), "error", err)
	}
}
