package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_escrow_conserved",
			SQL: `SELECT id FROM escrow_accounts
                  WHERE state IN ('released','refunded','resolved')
                    AND released_to_provider + refunded_to_renter + tax_retained <> deposited`,
		},
		{
			Name: "O2_spend_within_deposit",
			SQL:  `SELECT id FROM escrow_accounts WHERE spent > deposited OR deposited > price`,
		},
		{
			Name: "O3_tax_on_provider_share",
			SQL: `SELECT id FROM escrow_accounts
                  WHERE state IN ('released','resolved') AND pending = ''
                    AND tax_retained <> ((released_to_provider + tax_retained) * 1500) / 10000`,
		},
		{
			Name: "O4_completed_mandate_settled",
			SQL: `SELECT m.id FROM mandates m
                  JOIN escrow_accounts e ON e.id = m.escrow_id
                  WHERE m.status = 'completed' AND e.state NOT IN ('released','resolved')`,
		},
		{
			Name: "O5_refunded_mandate_not_paid",
			SQL: `SELECT m.id FROM mandates m
                  JOIN escrow_accounts e ON e.id = m.escrow_id
                  WHERE m.status IN ('refunded','expired','cancelled') AND e.released_to_provider > 0`,
		},
		{
			Name: "O6_disputed_mandate_has_dispute",
			SQL: `SELECT m.id FROM mandates m
                  LEFT JOIN disputes d ON d.mandate_id = m.id
                  WHERE m.status = 'disputed' AND d.id IS NULL`,
		},
		{
			Name: "O7_votes_from_panel",
			SQL: `SELECT v.dispute_id, v.arbiter_id FROM dispute_votes v
                  JOIN disputes d ON d.id = v.dispute_id
                  WHERE NOT (v.arbiter_id = ANY (d.panel))`,
		},
		{
			Name: "O8_reviews_on_closed_mandates",
			SQL: `SELECT r.id FROM reviews r
                  JOIN mandates m ON m.id = r.mandate_id
                  WHERE m.status NOT IN ('completed','refunded','expired','cancelled')`,
		},
		{
			Name: "O9_outbox_drained",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '1 minute'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
