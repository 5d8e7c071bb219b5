package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fleetbeam/relay/internal/core/domain"
	"github.com/fleetbeam/relay/internal/core/ports"
)

// SessionClaims is the dashboard session token payload: a signed, time-bound
// claim carrying the user and organization.
type SessionClaims struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"org_id"`
	jwt.RegisteredClaims
}

type AuthService struct {
	agentRepo ports.AgentRepository
	orgRepo   ports.OrganizationRepository
	jwtSecret []byte
}

func NewAuthService(agentRepo ports.AgentRepository, orgRepo ports.OrganizationRepository, jwtSecret string) *AuthService {
	return &AuthService{
		agentRepo: agentRepo,
		orgRepo:   orgRepo,
		jwtSecret: []byte(jwtSecret),
	}
}

// Authenticate resolves the connection handshake credential into a
// Principal. Agents present a long-lived api key, dashboards a session
// token; an absent or invalid credential rejects the connection before any
// event processing.
func (s *AuthService) Authenticate(ctx context.Context, credential string) (*domain.Principal, error) {
	if credential == "" {
		return nil, domain.ErrAuthentication
	}
	if principal, err := s.AuthenticateAgent(ctx, credential); err == nil {
		return principal, nil
	}
	return s.AuthenticateDashboard(credential)
}

// AuthenticateAgent looks up the agent by exact api key match.
func (s *AuthService) AuthenticateAgent(ctx context.Context, apiKey string) (*domain.Principal, error) {
	agent, err := s.agentRepo.GetAgentByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, domain.ErrAuthentication
	}
	return &domain.Principal{
		Kind:           domain.PrincipalAgent,
		OrganizationID: agent.OrganizationID,
		AgentID:        agent.ID,
	}, nil
}

// AuthenticateDashboard verifies a signed session token.
func (s *AuthService) AuthenticateDashboard(tokenString string) (*domain.Principal, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, domain.ErrAuthentication
	}
	if claims.UserID == "" || claims.OrganizationID == "" {
		return nil, domain.ErrAuthentication
	}
	return &domain.Principal{
		Kind:           domain.PrincipalDashboard,
		OrganizationID: claims.OrganizationID,
		UserID:         claims.UserID,
	}, nil
}

// AuthenticateOrganization resolves an organization api key, used by the
// agent provisioning endpoint.
func (s *AuthService) AuthenticateOrganization(ctx context.Context, apiKey string) (*domain.Organization, error) {
	if apiKey == "" {
		return nil, domain.ErrAuthentication
	}
	org, err := s.orgRepo.GetByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, domain.ErrAuthentication
	}
	return org, nil
}

// IssueSessionToken signs a dashboard session token. Exposed for tests and
// for the external CRUD layer sharing the secret.
func (s *AuthService) IssueSessionToken(userID, orgID string, ttl time.Duration) (string, error) {
	claims := &SessionClaims{
		UserID:         userID,
		OrganizationID: orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// NewAgentAPIKey mints an opaque agent credential.
func NewAgentAPIKey() string {
	buf := make([]byte, 24)
	rand.Read(buf)
	return "agent_" + hex.EncodeToString(buf)
}
