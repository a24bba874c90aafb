package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"clawtrust/identity"
)

var (
	// ErrInvalidCredentials signals a wrong agent id or secret.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakSecret signals the secret doesn't meet requirements.
	ErrWeakSecret = errors.New("auth: secret must be at least 12 characters")
)

// Service issues and verifies agent tokens.
type Service struct {
	repo      Repository
	registry  identity.Registry
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// LoginResult bundles the token and its expiry.
type LoginResult struct {
	Token     string
	AgentID   string
	Role      Role
	ExpiresAt time.Time
}

// NewService creates a new authentication service. Only agents known to
// the identity registry may register a secret.
func NewService(repo Repository, registry identity.Registry, jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		repo:      repo,
		registry:  registry,
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

// Register stores a hashed secret for an agent.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Credential, error) {
	if len(req.Secret) < 12 {
		return nil, ErrWeakSecret
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		return nil, fmt.Errorf("auth: agent_id is required")
	}
	if _, err := s.registry.Resolve(ctx, agentID); err != nil {
		return nil, err
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleAgent
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("auth: invalid role %q", role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash secret: %w", err)
	}

	cred, err := s.repo.CreateCredential(ctx, CreateCredentialParams{
		AgentID:    agentID,
		SecretHash: string(hash),
		Role:       role,
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// Login checks the secret and returns a signed token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	cred, err := s.repo.GetCredential(ctx, req.AgentID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(cred.SecretHash), []byte(req.Secret)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	expires := s.now().Add(s.ttl)
	token, err := s.generateToken(cred.AgentID, cred.Role, expires)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token:     token,
		AgentID:   cred.AgentID,
		Role:      cred.Role,
		ExpiresAt: expires,
	}, nil
}

// VerifyToken validates a JWT and returns the agent id and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		return "", "", fmt.Errorf("auth: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		agentID, ok := claims["agent_id"].(string)
		if !ok || agentID == "" {
			return "", "", fmt.Errorf("auth: invalid agent_id in token")
		}
		roleStr, ok := claims["role"].(string)
		if !ok {
			return "", "", fmt.Errorf("auth: invalid role in token")
		}
		role := Role(roleStr)
		if !isValidRole(role) {
			return "", "", fmt.Errorf("auth: invalid role %q in token", roleStr)
		}
		return agentID, role, nil
	}

	return "", "", fmt.Errorf("auth: invalid token")
}

func (s *Service) generateToken(agentID string, role Role, expires time.Time) (string, error) {
	claims := jwt.MapClaims{
		"agent_id": agentID,
		"role":     role,
		"exp":      expires.Unix(),
		"iat":      s.now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAgent, RoleOperator:
		return true
	default:
		return false
	}
}
