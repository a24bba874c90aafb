package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"clawtrust/db"
)

var (
	// ErrCredentialNotFound signals that the agent has no registered secret.
	ErrCredentialNotFound = errors.New("auth: credential not found")
	// ErrDuplicateAgent signals that the agent already registered a secret.
	ErrDuplicateAgent = errors.New("auth: agent already registered")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateCredential(ctx context.Context, params CreateCredentialParams) (Credential, error)
	GetCredential(ctx context.Context, agentID string) (Credential, error)
}

// CreateCredentialParams contains write parameters for creating credentials.
type CreateCredentialParams struct {
	AgentID    string
	SecretHash string
	Role       Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	q db.Querier
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(q db.Querier) *PGRepository {
	return &PGRepository{q: q}
}

// CreateCredential inserts a new credential with a hashed secret.
func (r *PGRepository) CreateCredential(ctx context.Context, params CreateCredentialParams) (Credential, error) {
	const insertSQL = `
		INSERT INTO agent_credentials (agent_id, secret_hash, role)
		VALUES ($1, $2, $3)
		RETURNING agent_id, secret_hash, role, created_at, updated_at
	`

	cred, err := scanCredential(r.q.QueryRow(ctx, insertSQL, params.AgentID, params.SecretHash, params.Role))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Credential{}, ErrDuplicateAgent
		}
		return Credential{}, fmt.Errorf("auth: create credential: %w", err)
	}

	return cred, nil
}

// GetCredential retrieves the credential registered for an agent.
func (r *PGRepository) GetCredential(ctx context.Context, agentID string) (Credential, error) {
	const selectSQL = `
		SELECT agent_id, secret_hash, role, created_at, updated_at
		FROM agent_credentials
		WHERE agent_id = $1
	`

	cred, err := scanCredential(r.q.QueryRow(ctx, selectSQL, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, ErrCredentialNotFound
		}
		return Credential{}, fmt.Errorf("auth: get credential: %w", err)
	}

	return cred, nil
}

func scanCredential(row pgx.Row) (Credential, error) {
	var cred Credential
	err := row.Scan(
		&cred.AgentID,
		&cred.SecretHash,
		&cred.Role,
		&cred.CreatedAt,
		&cred.UpdatedAt,
	)
	if err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// MemoryRepository keeps credentials in process for the memory storage driver.
type MemoryRepository struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{creds: make(map[string]Credential)}
}

func (r *MemoryRepository) CreateCredential(_ context.Context, params CreateCredentialParams) (Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.creds[params.AgentID]; ok {
		return Credential{}, ErrDuplicateAgent
	}
	now := time.Now().UTC()
	cred := Credential{
		AgentID:    params.AgentID,
		SecretHash: params.SecretHash,
		Role:       params.Role,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.creds[cred.AgentID] = cred
	return cred, nil
}

func (r *MemoryRepository) GetCredential(_ context.Context, agentID string) (Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cred, ok := r.creds[agentID]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return cred, nil
}
