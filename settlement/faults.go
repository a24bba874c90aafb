package settlement

import (
	"context"
	"sync"

	xerrors "clawtrust/errors"
)

// Faulty wraps a Backend and fails a scripted number of calls. The stress
// suite and escrow tests use it to exercise retry and indeterminate paths.
type Faulty struct {
	Backend

	mu    sync.Mutex
	fails []failure
	calls int
}

type failure struct {
	code xerrors.Code
	// apply executes the call before failing, modelling a lost confirmation.
	apply bool
}

func NewFaulty(b Backend) *Faulty {
	return &Faulty{Backend: b}
}

// FailNext makes the next n mutating calls fail with UNREACHABLE.
func (f *Faulty) FailNext(n int) {
	f.script(n, failure{code: xerrors.CodeUnreachable})
}

// LoseConfirmations makes the next n mutating calls succeed on the backend
// but report INDETERMINATE to the caller.
func (f *Faulty) LoseConfirmations(n int) {
	f.script(n, failure{code: xerrors.CodeIndeterminate, apply: true})
}

func (f *Faulty) script(n int, fl failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.fails = append(f.fails, fl)
	}
}

// Calls reports how many mutating calls reached the wrapper.
func (f *Faulty) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Faulty) next() (failure, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.fails) == 0 {
		return failure{}, false
	}
	fl := f.fails[0]
	f.fails = f.fails[1:]
	return fl, true
}

func (f *Faulty) HoldFunds(ctx context.Context, h Hold) (Receipt, error) {
	fl, ok := f.next()
	if !ok {
		return f.Backend.HoldFunds(ctx, h)
	}
	if fl.apply {
		_, _ = f.Backend.HoldFunds(ctx, h)
	}
	return Receipt{}, xerrors.New(fl.code, "injected fault on hold "+h.Reference)
}

func (f *Faulty) TransferFunds(ctx context.Context, t Transfer) (Receipt, error) {
	fl, ok := f.next()
	if !ok {
		return f.Backend.TransferFunds(ctx, t)
	}
	if fl.apply {
		_, _ = f.Backend.TransferFunds(ctx, t)
	}
	return Receipt{}, xerrors.New(fl.code, "injected fault on transfer "+t.Reference)
}
