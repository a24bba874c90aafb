package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"clawtrust/db"
)

// Repository persists disputes and their votes in Postgres.
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

const recordColumns = `
	id::text, mandate_id::text, escrow_id::text, renter_id, provider_id, opened_by, reason, panel,
	status, decision_outcome, decision_bps, fallback, deadline, opened_at, resolved_at, applied, version`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec     Record
		outcome *string
		bps     *int64
	)
	err := row.Scan(
		&rec.ID, &rec.MandateID, &rec.EscrowID, &rec.Renter, &rec.Provider, &rec.OpenedBy, &rec.Reason, &rec.Panel,
		&rec.Status, &outcome, &bps, &rec.Fallback, &rec.Deadline, &rec.OpenedAt, &rec.ResolvedAt, &rec.Applied, &rec.Version,
	)
	if err != nil {
		return Record{}, err
	}
	if outcome != nil && bps != nil {
		rec.Decision = &Decision{Outcome: Outcome(*outcome), ProviderShareBps: *bps}
	}
	return rec, nil
}

func (r *Repository) loadVotes(ctx context.Context, q db.Querier, rec *Record) error {
	rows, err := q.Query(ctx, `
		SELECT arbiter_id, outcome, provider_share_bps, cast_at
		FROM dispute_votes
		WHERE dispute_id = $1
		ORDER BY cast_at, arbiter_id
	`, rec.ID)
	if err != nil {
		return fmt.Errorf("dispute: list votes: %w", err)
	}
	defer rows.Close()

	rec.Votes = nil
	for rows.Next() {
		v := Vote{DisputeID: rec.ID}
		var outcome string
		if err := rows.Scan(&v.Arbiter, &outcome, &v.Decision.ProviderShareBps, &v.CastAt); err != nil {
			return fmt.Errorf("dispute: scan vote: %w", err)
		}
		v.Decision.Outcome = Outcome(outcome)
		rec.Votes = append(rec.Votes, v)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("dispute: iterate votes: %w", err)
	}
	return nil
}

func (r *Repository) Create(ctx context.Context, rec Record) (Record, error) {
	const query = `
		INSERT INTO disputes (id, mandate_id, escrow_id, renter_id, provider_id, opened_by, reason, panel,
			status, fallback, deadline, opened_at, applied, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', '', $9, $10, false, 1)
		RETURNING ` + recordColumns

	created, err := scanRecord(r.q.QueryRow(ctx, query,
		rec.ID, rec.MandateID, rec.EscrowID, rec.Renter, rec.Provider, rec.OpenedBy, rec.Reason, rec.Panel,
		rec.Deadline, rec.OpenedAt,
	))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Record{}, alreadyOpen(rec.MandateID)
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	return r.get(ctx, `SELECT `+recordColumns+` FROM disputes WHERE id = $1`, "id", id)
}

func (r *Repository) GetByMandate(ctx context.Context, mandateID string) (Record, error) {
	return r.get(ctx, `SELECT `+recordColumns+` FROM disputes WHERE mandate_id = $1`, "for mandate", mandateID)
}

func (r *Repository) get(ctx context.Context, query, what, key string) (Record, error) {
	rec, err := scanRecord(r.q.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, notFound(what, key)
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	if err := r.loadVotes(ctx, r.q, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Update writes the record and any new votes in one transaction. The unique
// (dispute_id, arbiter_id) key keeps votes immutable.
func (r *Repository) Update(ctx context.Context, next Record, expected int64) (Record, error) {
	var stored Record
	err := db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		var outcome *string
		var bps *int64
		if next.Decision != nil {
			o := string(next.Decision.Outcome)
			b := next.Decision.ProviderShareBps
			outcome, bps = &o, &b
		}
		const query = `
			UPDATE disputes
			SET status = $3,
			    decision_outcome = $4,
			    decision_bps = $5,
			    fallback = $6,
			    resolved_at = $7,
			    applied = $8,
			    version = version + 1
			WHERE id = $1 AND version = $2
			RETURNING ` + recordColumns
		rec, err := scanRecord(tx.QueryRow(ctx, query,
			next.ID, expected, next.Status, outcome, bps, next.Fallback, next.ResolvedAt, next.Applied,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return conflict(next.ID, expected)
			}
			return fmt.Errorf("dispute: update: %w", err)
		}

		for _, v := range next.Votes {
			_, err := tx.Exec(ctx, `
				INSERT INTO dispute_votes (dispute_id, arbiter_id, outcome, provider_share_bps, cast_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (dispute_id, arbiter_id) DO NOTHING
			`, next.ID, v.Arbiter, string(v.Decision.Outcome), v.Decision.ProviderShareBps, v.CastAt)
			if err != nil {
				return fmt.Errorf("dispute: insert vote: %w", err)
			}
		}
		if err := r.loadVotes(ctx, tx, &rec); err != nil {
			return err
		}
		stored = rec
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return stored, nil
}

func (r *Repository) ListOverdue(ctx context.Context, now time.Time) ([]Record, error) {
	return r.list(ctx, `SELECT `+recordColumns+` FROM disputes WHERE status = 'pending' AND deadline < $1 ORDER BY id`, now)
}

func (r *Repository) ListUnapplied(ctx context.Context) ([]Record, error) {
	return r.list(ctx, `SELECT `+recordColumns+` FROM disputes WHERE status = 'resolved' AND NOT applied ORDER BY id`)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	for i := range out {
		if err := r.loadVotes(ctx, r.q, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
