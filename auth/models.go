package auth

import "time"

type Role string

const (
	RoleAgent    Role = "agent"
	RoleOperator Role = "operator"
)

// Credential is the secret an agent presents to obtain a token. It mirrors
// the agent_credentials table and carries no JSON annotations so the secret
// hash never leaks through a presentation layer by accident.
type Credential struct {
	AgentID    string
	SecretHash string
	Role       Role
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RegisterRequest contains credential registration data supplied by callers.
type RegisterRequest struct {
	AgentID string `json:"agent_id"`
	Secret  string `json:"secret"`
	Role    Role   `json:"role"`
}

// LoginRequest contains agent login credentials.
type LoginRequest struct {
	AgentID string `json:"agent_id"`
	Secret  string `json:"secret"`
}
