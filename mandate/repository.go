package mandate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"clawtrust/db"
	xerrors "clawtrust/errors"
	"clawtrust/events"
)

// Repository stores mandates in Postgres. Every write appends its events to
// the outbox inside the same transaction.
type Repository struct {
	pool db.TxBeginner
	q    db.Querier
}

// Pool is satisfied by *pgxpool.Pool.
type Pool interface {
	db.TxBeginner
	db.Querier
}

func NewRepository(pool Pool) *Repository {
	return &Repository{pool: pool, q: pool}
}

const mandateColumns = `
	id::text, renter_id, provider_id, proposed_by,
	skill_category, unit_price, duration_ms, deliverable_spec, sla_deadline, step_cap,
	status, escrow_id::text, renter_stake, provider_stake,
	artifact_ref, reject_reason, resolution_bps,
	created_at, updated_at, expires_at, accepted_at, funded_at, delivered_at, closed_at, version`

func scanMandate(row pgx.Row) (Mandate, error) {
	var (
		m          Mandate
		durationMS int64
	)
	err := row.Scan(
		&m.ID, &m.Renter, &m.Provider, &m.ProposedBy,
		&m.Terms.SkillCategory, &m.Terms.UnitPrice, &durationMS, &m.Terms.DeliverableSpec, &m.Terms.SLADeadline, &m.Terms.StepCap,
		&m.Status, &m.EscrowID, &m.RenterStake, &m.ProviderStake,
		&m.ArtifactRef, &m.RejectReason, &m.Resolution,
		&m.CreatedAt, &m.UpdatedAt, &m.ExpiresAt, &m.AcceptedAt, &m.FundedAt, &m.DeliveredAt, &m.ClosedAt, &m.Version,
	)
	m.Terms.Duration = time.Duration(durationMS) * time.Millisecond
	return m, err
}

func (r *Repository) Create(ctx context.Context, m Mandate, evts ...events.Event) (Mandate, error) {
	var created Mandate
	err := db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		created, err = scanMandate(tx.QueryRow(ctx, `
			INSERT INTO mandates (
				id, renter_id, provider_id, proposed_by,
				skill_category, unit_price, duration_ms, deliverable_spec, sla_deadline, step_cap,
				status, escrow_id, renter_stake, provider_stake,
				created_at, updated_at, expires_at, version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,1)
			RETURNING `+mandateColumns,
			m.ID, m.Renter, m.Provider, m.ProposedBy,
			m.Terms.SkillCategory, m.Terms.UnitPrice, m.Terms.Duration.Milliseconds(), m.Terms.DeliverableSpec, m.Terms.SLADeadline, m.Terms.StepCap,
			m.Status, m.EscrowID, m.RenterStake, m.ProviderStake,
			m.CreatedAt, m.UpdatedAt, m.ExpiresAt,
		))
		if err != nil {
			if db.IsUniqueViolation(err) {
				return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("mandate %s already exists", m.ID))
			}
			return fmt.Errorf("mandate: insert: %w", err)
		}
		return events.NewOutboxPublisher(tx).Publish(ctx, evts...)
	})
	if err != nil {
		return Mandate{}, err
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Mandate, error) {
	m, err := scanMandate(r.q.QueryRow(ctx, `SELECT `+mandateColumns+` FROM mandates WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Mandate{}, notFound(id)
		}
		return Mandate{}, fmt.Errorf("mandate: get: %w", err)
	}
	return m, nil
}

func (r *Repository) Update(ctx context.Context, next Mandate, expected int64, evts ...events.Event) (Mandate, error) {
	var stored Mandate
	err := db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		stored, err = scanMandate(tx.QueryRow(ctx, `
			UPDATE mandates
			SET status = $3,
			    artifact_ref = $4,
			    reject_reason = $5,
			    resolution_bps = $6,
			    updated_at = $7,
			    accepted_at = $8,
			    funded_at = $9,
			    delivered_at = $10,
			    closed_at = $11,
			    version = version + 1
			WHERE id = $1 AND version = $2
			RETURNING `+mandateColumns,
			next.ID, expected,
			next.Status, next.ArtifactRef, next.RejectReason, next.Resolution, next.UpdatedAt,
			next.AcceptedAt, next.FundedAt, next.DeliveredAt, next.ClosedAt,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM mandates WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
				return fmt.Errorf("mandate: update probe: %w", err)
			}
			if !exists {
				return notFound(next.ID)
			}
			return conflict(next.ID, expected)
		}
		if err != nil {
			return fmt.Errorf("mandate: update: %w", err)
		}
		return events.NewOutboxPublisher(tx).Publish(ctx, evts...)
	})
	if err != nil {
		return Mandate{}, err
	}
	return stored, nil
}

func (r *Repository) ListByParticipant(ctx context.Context, agentID string) ([]Mandate, error) {
	return r.list(ctx, `
		SELECT `+mandateColumns+` FROM mandates
		WHERE renter_id = $1 OR provider_id = $1
		ORDER BY created_at, id`, agentID)
}

func (r *Repository) ListOverdue(ctx context.Context, now time.Time) ([]Mandate, error) {
	return r.list(ctx, `
		SELECT `+mandateColumns+` FROM mandates
		WHERE status IN ('proposed', 'accepted', 'funded', 'delivered') AND expires_at <= $1
		ORDER BY created_at, id`, now)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Mandate, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mandate: list: %w", err)
	}
	defer rows.Close()

	var out []Mandate
	for rows.Next() {
		m, err := scanMandate(rows)
		if err != nil {
			return nil, fmt.Errorf("mandate: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mandate: iterate: %w", err)
	}
	return out, nil
}
