package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "clawtrust/errors"
)

// Movement is one confirmed entry of the in-memory journal.
type Movement struct {
	Reference string
	From      string
	To        string
	Amount    int64
	At        time.Time
}

// MemoryBackend is a process-local double-entry ledger. External wallets
// may go negative; only escrow accounts are checked for sufficient funds.
type MemoryBackend struct {
	mu       sync.Mutex
	balances map[string]int64
	receipts map[string]Receipt
	journal  []Movement
	now      func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		balances: make(map[string]int64),
		receipts: make(map[string]Receipt),
		now:      time.Now,
	}
}

// WithClock overrides the time source used for receipts.
func (m *MemoryBackend) WithClock(now func() time.Time) *MemoryBackend {
	if now != nil {
		m.now = now
	}
	return m
}

func (m *MemoryBackend) HoldFunds(ctx context.Context, h Hold) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodeUnreachable, err, "hold funds")
	}
	if h.Amount <= 0 {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "hold amount must be positive")
	}
	return m.move(h.Reference, h.From, h.Account, h.Amount, false)
}

func (m *MemoryBackend) TransferFunds(ctx context.Context, t Transfer) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodeUnreachable, err, "transfer funds")
	}
	if t.Amount <= 0 {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "transfer amount must be positive")
	}
	return m.move(t.Reference, t.Account, t.To, t.Amount, true)
}

func (m *MemoryBackend) QueryBalance(ctx context.Context, account string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeUnreachable, err, "query balance")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account], nil
}

func (m *MemoryBackend) move(ref, from, to string, amount int64, checkSource bool) (Receipt, error) {
	if ref == "" {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "settlement reference required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.receipts[ref]; ok {
		return r, nil
	}
	if checkSource && m.balances[from] < amount {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidState,
			fmt.Sprintf("account %s holds %d, cannot pay %d", from, m.balances[from], amount))
	}
	now := m.now().UTC()
	m.balances[from] -= amount
	m.balances[to] += amount
	m.journal = append(m.journal, Movement{Reference: ref, From: from, To: to, Amount: amount, At: now})
	r := Receipt{Reference: ref, TxID: uuid.NewString(), ConfirmedAt: now}
	m.receipts[ref] = r
	return r, nil
}

// Credit seeds an account balance outside of any escrow flow.
func (m *MemoryBackend) Credit(account string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] += amount
}

// Journal returns confirmed movements ordered by reference for stable assertions.
func (m *MemoryBackend) Journal() []Movement {
	m.mu.Lock()
	out := make([]Movement, len(m.journal))
	copy(out, m.journal)
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out
}
