package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"clawtrust/db"
	xerrors "clawtrust/errors"
)

// PGStore persists accounts in escrow_accounts. The version column carries
// the optimistic lock; the table also enforces the conservation check.
type PGStore struct {
	q db.Querier
}

func NewPGStore(q db.Querier) *PGStore {
	return &PGStore{q: q}
}

const accountColumns = `
	id::text, mandate_id::text, renter_id, provider_id,
	price, deposited, step_cap, spent, last_spend_ref,
	state, released_to_provider, refunded_to_renter, tax_retained, provider_share_bps,
	pending, created_at, updated_at, funded_at, locked_at, settled_at, version`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(
		&a.ID, &a.MandateID, &a.Renter, &a.Provider,
		&a.Price, &a.Deposited, &a.StepCap, &a.Spent, &a.LastSpendRef,
		&a.State, &a.ReleasedToProvider, &a.RefundedToRenter, &a.TaxRetained, &a.ProviderShareBps,
		&a.Pending, &a.CreatedAt, &a.UpdatedAt, &a.FundedAt, &a.LockedAt, &a.SettledAt, &a.Version,
	)
	return a, err
}

func (s *PGStore) Create(ctx context.Context, a Account) (Account, error) {
	query := `
		INSERT INTO escrow_accounts (
			id, mandate_id, renter_id, provider_id, price, deposited, step_cap, spent,
			last_spend_ref, state, released_to_provider, refunded_to_renter, tax_retained,
			provider_share_bps, pending, created_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,1)
		RETURNING ` + accountColumns

	created, err := scanAccount(s.q.QueryRow(ctx, query,
		a.ID, a.MandateID, a.Renter, a.Provider, a.Price, a.Deposited, a.StepCap, a.Spent,
		a.LastSpendRef, a.State, a.ReleasedToProvider, a.RefundedToRenter, a.TaxRetained,
		a.ProviderShareBps, a.Pending, a.CreatedAt, a.UpdatedAt,
	))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Account{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("escrow %s already exists", a.ID))
		}
		return Account{}, fmt.Errorf("escrow: insert account: %w", err)
	}
	return created, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Account, error) {
	a, err := scanAccount(s.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM escrow_accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, notFound(id)
		}
		return Account{}, fmt.Errorf("escrow: get account: %w", err)
	}
	return a, nil
}

func (s *PGStore) Update(ctx context.Context, next Account, expected int64) (Account, error) {
	query := `
		UPDATE escrow_accounts
		SET deposited = $3,
		    step_cap = $4,
		    spent = $5,
		    last_spend_ref = $6,
		    state = $7,
		    released_to_provider = $8,
		    refunded_to_renter = $9,
		    tax_retained = $10,
		    provider_share_bps = $11,
		    pending = $12,
		    updated_at = $13,
		    funded_at = $14,
		    locked_at = $15,
		    settled_at = $16,
		    version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING ` + accountColumns

	stored, err := scanAccount(s.q.QueryRow(ctx, query,
		next.ID, expected,
		next.Deposited, next.StepCap, next.Spent, next.LastSpendRef, next.State,
		next.ReleasedToProvider, next.RefundedToRenter, next.TaxRetained, next.ProviderShareBps,
		next.Pending, next.UpdatedAt, next.FundedAt, next.LockedAt, next.SettledAt,
	))
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Account{}, fmt.Errorf("escrow: update account: %w", err)
	}

	var actual int64
	if err := s.q.QueryRow(ctx, `SELECT version FROM escrow_accounts WHERE id = $1`, next.ID).Scan(&actual); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, notFound(next.ID)
		}
		return Account{}, fmt.Errorf("escrow: update fetch version: %w", err)
	}
	return Account{}, conflict(next.ID, expected, actual)
}

func (s *PGStore) ListPending(ctx context.Context) ([]Account, error) {
	rows, err := s.q.Query(ctx, `SELECT `+accountColumns+` FROM escrow_accounts WHERE pending <> '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("escrow: list pending: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan pending: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate pending: %w", err)
	}
	return out, nil
}
