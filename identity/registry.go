package identity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	xerrors "clawtrust/errors"
)

// Registry resolves agent identities and their declared stake.
type Registry interface {
	Resolve(ctx context.Context, id string) (Agent, error)
	List(ctx context.Context) ([]Agent, error)
}

func unknownAgent(id string) error {
	return xerrors.New(xerrors.CodeUnknownAgent, fmt.Sprintf("agent %s is not registered", id),
		xerrors.WithMetadata("agent_id", id))
}

// MemoryRegistry is an in-process registry used by tests and the memory driver.
type MemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	now    func() time.Time
}

func NewMemoryRegistry(agents ...Agent) *MemoryRegistry {
	r := &MemoryRegistry{agents: make(map[string]Agent), now: time.Now}
	for _, a := range agents {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an agent, bumping its version.
func (r *MemoryRegistry) Register(a Agent) Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.agents[a.ID]
	if ok {
		a.Version = prev.Version + 1
		if a.CreatedAt.IsZero() {
			a.CreatedAt = prev.CreatedAt
		}
	} else {
		a.Version = 1
		if a.CreatedAt.IsZero() {
			a.CreatedAt = r.now().UTC()
		}
	}
	r.agents[a.ID] = a
	return a
}

func (r *MemoryRegistry) Resolve(_ context.Context, id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, unknownAgent(id)
	}
	return a, nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
