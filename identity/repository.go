package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"clawtrust/db"
)

// Repository reads agents from the agents table.
type Repository struct {
	q db.Querier
}

// NewRepository wires a pgx-backed registry.
func NewRepository(q db.Querier) *Repository {
	return &Repository{q: q}
}

// Resolve fetches an agent by its primary key.
func (r *Repository) Resolve(ctx context.Context, id string) (Agent, error) {
	const query = `
		SELECT id, name, stake, created_at, version
		FROM agents
		WHERE id = $1
	`

	var agent Agent
	err := r.q.QueryRow(ctx, query, id).Scan(
		&agent.ID,
		&agent.Name,
		&agent.Stake,
		&agent.CreatedAt,
		&agent.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, unknownAgent(id)
		}
		return Agent{}, fmt.Errorf("identity: query by id: %w", err)
	}

	return agent, nil
}

// List returns every registered agent ordered by id.
func (r *Repository) List(ctx context.Context) ([]Agent, error) {
	const query = `
		SELECT id, name, stake, created_at, version
		FROM agents
		ORDER BY id ASC
	`

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("identity: list: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var agent Agent
		if err := rows.Scan(&agent.ID, &agent.Name, &agent.Stake, &agent.CreatedAt, &agent.Version); err != nil {
			return nil, fmt.Errorf("identity: scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity: iterate agents: %w", err)
	}

	return agents, nil
}

// Upsert registers an agent or updates its name and stake.
func (r *Repository) Upsert(ctx context.Context, a Agent) (Agent, error) {
	const query = `
		INSERT INTO agents (id, name, stake, created_at, version)
		VALUES ($1, $2, $3, NOW(), 1)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    stake = EXCLUDED.stake,
		    version = agents.version + 1
		RETURNING id, name, stake, created_at, version
	`

	var agent Agent
	err := r.q.QueryRow(ctx, query, a.ID, a.Name, a.Stake).Scan(
		&agent.ID,
		&agent.Name,
		&agent.Stake,
		&agent.CreatedAt,
		&agent.Version,
	)
	if err != nil {
		return Agent{}, fmt.Errorf("identity: upsert: %w", err)
	}
	return agent, nil
}
