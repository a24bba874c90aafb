package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	xerrors "clawtrust/errors"
)

// Store persists accounts with optimistic versioning. Update must fail with
// CONCURRENT_MODIFICATION when the stored version differs from expected, and
// on success returns the account carrying the incremented version.
type Store interface {
	Create(ctx context.Context, a Account) (Account, error)
	Get(ctx context.Context, id string) (Account, error)
	Update(ctx context.Context, next Account, expected int64) (Account, error)
	ListPending(ctx context.Context) ([]Account, error)
}

func notFound(id string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("escrow %s not found", id),
		xerrors.WithMetadata("escrow_id", id))
}

func conflict(id string, expected, actual int64) error {
	return xerrors.New(xerrors.CodeConcurrentModification,
		fmt.Sprintf("escrow %s at version %d, expected %d", id, actual, expected),
		xerrors.WithMetadata("escrow_id", id))
}

// MemoryStore keeps accounts in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]Account)}
}

func (s *MemoryStore) Create(_ context.Context, a Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; ok {
		return Account{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("escrow %s already exists", a.ID))
	}
	a.Version = 1
	s.accounts[a.ID] = a
	return a, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, notFound(id)
	}
	return a, nil
}

func (s *MemoryStore) Update(_ context.Context, next Account, expected int64) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.accounts[next.ID]
	if !ok {
		return Account{}, notFound(next.ID)
	}
	if cur.Version != expected {
		return Account{}, conflict(next.ID, expected, cur.Version)
	}
	next.Version = expected + 1
	s.accounts[next.ID] = next
	return next, nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Account
	for _, a := range s.accounts {
		if a.Pending != "" {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
