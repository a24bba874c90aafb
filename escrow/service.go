package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"clawtrust/config"
	xerrors "clawtrust/errors"
	"clawtrust/logger"
	"clawtrust/metrics"
	"clawtrust/settlement"
)

// Options tune the orchestration around the pure ledger.
type Options struct {
	TaxBps              int64
	FundAccount         string
	StepCapDefault      int64
	MaxCASRetries       int
	MaxRetries          int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	ConfirmationTimeout time.Duration
}

// OptionsFromConfig maps the escrow and settlement configuration sections.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		TaxBps:              cfg.Escrow.TaxBasisPoints(),
		FundAccount:         cfg.Escrow.FundAccount,
		StepCapDefault:      cfg.Escrow.StepCapDefault,
		MaxCASRetries:       cfg.Escrow.MaxCASRetries,
		MaxRetries:          cfg.Settlement.MaxRetries,
		InitialBackoff:      cfg.Settlement.InitialBackoff,
		MaxBackoff:          cfg.Settlement.MaxBackoff,
		ConfirmationTimeout: cfg.Settlement.ConfirmationTimeout,
	}
}

// Service applies ledger transitions against a Store and a settlement Backend.
// Per account it linearises writers through compare-and-set on Version; a
// transition that moves funds first claims the account (Pending), then waits
// for backend confirmation, then records the successor state.
type Service struct {
	store   Store
	backend settlement.Backend
	ledger  Ledger
	opts    Options
	now     func() time.Time
	log     *slog.Logger
	audit   *slog.Logger
}

func NewService(store Store, backend settlement.Backend, opts Options) *Service {
	if opts.MaxCASRetries <= 0 {
		opts.MaxCASRetries = 5
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = 30 * time.Second
	}
	return &Service{
		store:   store,
		backend: backend,
		ledger:  Ledger{TaxBps: opts.TaxBps, FundAccount: opts.FundAccount},
		opts:    opts,
		now:     time.Now,
		log:     logger.Named("escrow"),
		audit:   logger.Audit(),
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithLogger replaces both the application and audit loggers.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.log = l
		s.audit = l
	}
	return s
}

// Ledger exposes the pure transition rules in use.
func (s *Service) Ledger() Ledger {
	return s.ledger
}

// Open creates the Empty account for a mandate.
func (s *Service) Open(ctx context.Context, p OpenParams) (Account, error) {
	if p.Price <= 0 {
		return Account{}, xerrors.New(xerrors.CodeInvalidTerms, "escrow price must be positive")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	stepCap := p.StepCap
	if stepCap <= 0 {
		stepCap = s.opts.StepCapDefault
	}
	now := s.now().UTC()
	acct, err := s.store.Create(ctx, Account{
		ID:        p.ID,
		MandateID: p.MandateID,
		Renter:    p.Renter,
		Provider:  p.Provider,
		Price:     p.Price,
		StepCap:   stepCap,
		State:     StateEmpty,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Account{}, fmt.Errorf("escrow: open: %w", err)
	}
	return acct, nil
}

func (s *Service) Get(ctx context.Context, id string) (Account, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Deposit(ctx context.Context, id string, amount int64, depositor string) (Account, error) {
	return s.apply(ctx, id, "deposit", func(a Account) (Step, error) {
		return s.ledger.Deposit(a, amount, depositor, s.now())
	})
}

func (s *Service) Lock(ctx context.Context, id string) (Account, error) {
	return s.apply(ctx, id, "lock", func(a Account) (Step, error) {
		return s.ledger.Lock(a, s.now())
	})
}

func (s *Service) AuthorizeSpend(ctx context.Context, id string, amount int64, ref string) (Account, error) {
	return s.apply(ctx, id, "spend", func(a Account) (Step, error) {
		return s.ledger.AuthorizeSpend(a, amount, ref, s.now())
	})
}

func (s *Service) Release(ctx context.Context, id string, toProvider int64) (Account, error) {
	return s.apply(ctx, id, "release", func(a Account) (Step, error) {
		return s.ledger.Release(a, toProvider, s.now())
	})
}

func (s *Service) Refund(ctx context.Context, id string) (Account, error) {
	return s.apply(ctx, id, "refund", func(a Account) (Step, error) {
		return s.ledger.Refund(a, false, s.now())
	})
}

// ForceRefund is used by lifecycle expiry and also closes unfunded accounts.
func (s *Service) ForceRefund(ctx context.Context, id string) (Account, error) {
	return s.apply(ctx, id, "refund", func(a Account) (Step, error) {
		return s.ledger.Refund(a, true, s.now())
	})
}

func (s *Service) MarkDisputed(ctx context.Context, id string) (Account, error) {
	return s.apply(ctx, id, "dispute", func(a Account) (Step, error) {
		return s.ledger.MarkDisputed(a, s.now())
	})
}

func (s *Service) ApplyDisputeResolution(ctx context.Context, id string, providerBps int64) (Account, error) {
	return s.apply(ctx, id, "resolve", func(a Account) (Step, error) {
		return s.ledger.ApplyDisputeResolution(a, providerBps, s.now())
	})
}

// Resume completes the settlement operation recorded in Pending, if any.
// Deterministic references make the replayed movements no-ops on the backend.
func (s *Service) Resume(ctx context.Context, id string) (Account, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return Account{}, err
	}
	if cur.Pending == "" {
		return cur, nil
	}
	kind, arg, _ := strings.Cut(cur.Pending, ":")
	n, _ := strconv.ParseInt(arg, 10, 64)
	switch kind {
	case "deposit":
		return s.Deposit(ctx, id, n, cur.Renter)
	case "release":
		return s.Release(ctx, id, n)
	case "resolve":
		return s.ApplyDisputeResolution(ctx, id, n)
	case "refund":
		if arg == "forced" {
			return s.ForceRefund(ctx, id)
		}
		return s.Refund(ctx, id)
	default:
		return Account{}, xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("escrow %s: unknown pending op %q", id, cur.Pending))
	}
}

// ResumePending walks every claimed account and attempts to finish it.
// It returns the number of accounts completed.
func (s *Service) ResumePending(ctx context.Context) (int, error) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("escrow: list pending: %w", err)
	}
	done := 0
	var errs error
	for _, a := range pending {
		if _, err := s.Resume(ctx, a.ID); err != nil {
			s.log.Warn("resume pending escrow", "escrow_id", a.ID, "pending", a.Pending, "error", err)
			errs = errors.Join(errs, err)
			continue
		}
		done++
	}
	return done, errs
}

// Reconcile reports the backend balance of the escrow account next to the
// stored record. Callers use it after an INDETERMINATE outcome.
func (s *Service) Reconcile(ctx context.Context, id string) (Account, int64, error) {
	acct, err := s.store.Get(ctx, id)
	if err != nil {
		return Account{}, 0, err
	}
	var balance int64
	err = s.call(ctx, "balance", func(c context.Context) error {
		var err error
		balance, err = s.backend.QueryBalance(c, acct.SettlementAccount())
		return err
	})
	if err != nil {
		return acct, 0, err
	}
	return acct, balance, nil
}

func isConflict(err error) bool {
	return errors.Is(err, xerrors.ErrConcurrentModification)
}

func (s *Service) apply(ctx context.Context, id, name string, transition func(Account) (Step, error)) (acct Account, err error) {
	defer func() { s.observe(name, id, err) }()

	for attempt := 0; attempt <= s.opts.MaxCASRetries; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return Account{}, err
		}
		step, err := transition(cur)
		if err != nil {
			return Account{}, err
		}
		if step.Noop {
			return cur, nil
		}
		if cur.Pending != "" && cur.Pending != step.Op {
			return Account{}, xerrors.New(xerrors.CodeContention,
				fmt.Sprintf("escrow %s has %s in flight", id, cur.Pending),
				xerrors.WithMetadata("escrow_id", id))
		}

		if step.Settles() {
			if cur.Pending == "" {
				claimed := cur
				claimed.Pending = step.Op
				cur, err = s.store.Update(ctx, claimed, cur.Version)
				if isConflict(err) {
					continue
				}
				if err != nil {
					return Account{}, err
				}
			}
			if err := s.settle(ctx, step); err != nil {
				return Account{}, err
			}
		}

		next := step.Next
		next.Pending = ""
		stored, err := s.store.Update(ctx, next, cur.Version)
		if isConflict(err) {
			continue
		}
		if err != nil {
			return Account{}, err
		}
		s.record(name, cur, stored)
		return stored, nil
	}
	return Account{}, xerrors.New(xerrors.CodeContention,
		fmt.Sprintf("escrow %s: %s lost %d compare-and-set rounds", id, name, s.opts.MaxCASRetries+1),
		xerrors.WithMetadata("escrow_id", id))
}

func (s *Service) settle(ctx context.Context, step Step) error {
	if h := step.Hold; h != nil {
		err := s.call(ctx, "hold", func(c context.Context) error {
			_, err := s.backend.HoldFunds(c, *h)
			return err
		})
		if err != nil {
			return err
		}
		s.audit.Info("settlement hold confirmed", "reference", h.Reference, "from", h.From, "account", h.Account, "amount", h.Amount)
	}
	for _, t := range step.Transfers {
		t := t
		err := s.call(ctx, "transfer", func(c context.Context) error {
			_, err := s.backend.TransferFunds(c, t)
			return err
		})
		if err != nil {
			return err
		}
		s.audit.Info("settlement transfer confirmed", "reference", t.Reference, "account", t.Account, "to", t.To, "amount", t.Amount)
	}
	return nil
}

// call runs fn with a bounded wait per attempt and retries UNREACHABLE with
// exponential backoff. Exhaustion surfaces as SETTLEMENT_UNAVAILABLE; a wait
// that times out surfaces as INDETERMINATE and is not retried here.
func (s *Service) call(ctx context.Context, name string, fn func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.InitialBackoff
	policy.MaxInterval = s.opts.MaxBackoff
	policy.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		if attempts > 0 {
			metrics.SettlementRetries.WithLabelValues(name).Inc()
		}
		attempts++

		cctx, cancel := context.WithTimeout(ctx, s.opts.ConfirmationTimeout)
		defer cancel()
		err := fn(cctx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(err)
		case errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, xerrors.ErrUnreachable):
			return backoff.Permanent(xerrors.Wrap(xerrors.CodeIndeterminate, err, name+": confirmation wait elapsed"))
		case errors.Is(err, xerrors.ErrUnreachable):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.opts.MaxRetries)), ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, xerrors.ErrUnreachable) || ctx.Err() != nil {
		return xerrors.Wrap(xerrors.CodeSettlementUnavailable, err,
			fmt.Sprintf("%s: gave up after %d attempts", name, attempts))
	}
	return err
}

func (s *Service) record(name string, prev, next Account) {
	s.log.Info("escrow transition",
		"op", name,
		"escrow_id", next.ID,
		"mandate_id", next.MandateID,
		"from", prev.State,
		"to", next.State,
		"version", next.Version,
	)
	if next.State.Terminal() {
		metrics.EscrowSettledAmount.WithLabelValues("provider").Add(float64(next.ReleasedToProvider))
		metrics.EscrowSettledAmount.WithLabelValues("renter").Add(float64(next.RefundedToRenter))
		metrics.EscrowSettledAmount.WithLabelValues("fund").Add(float64(next.TaxRetained))
		if !next.Conserved() {
			s.log.Error("escrow conservation violated",
				"escrow_id", next.ID,
				"deposited", next.Deposited,
				"provider", next.ReleasedToProvider,
				"renter", next.RefundedToRenter,
				"tax", next.TaxRetained,
			)
		}
	}
}

func (s *Service) observe(name, id string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(xerrors.CodeOf(err))
		if xerrors.IsDefect(err) {
			s.log.Warn("escrow operation rejected", "op", name, "escrow_id", id, "error", err)
		}
	}
	metrics.EscrowOperations.WithLabelValues(name, outcome).Inc()
}
