package ports

import (
	"context"
	"time"

	"github.com/fleetbeam/relay/internal/core/domain"
)

type AgentRepository interface {
	Create(ctx context.Context, agent *domain.Agent) error
	Update(ctx context.Context, agent *domain.Agent) error
	UpdateStatus(ctx context.Context, id string, status domain.AgentStatus, lastSeen time.Time) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	GetAgentByAPIKey(ctx context.Context, apiKey string) (*domain.Agent, error)
	GetAgentByHostname(ctx context.Context, orgID, hostname string) (*domain.Agent, error)
	ListAgents(ctx context.Context, orgID string, status domain.AgentStatus, offset, limit int) ([]*domain.Agent, int64, error)
	ListByStatus(ctx context.Context, status domain.AgentStatus) ([]*domain.Agent, error)
}

type OrganizationRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*domain.Organization, error)
}

type CommandRepository interface {
	CreateCommand(ctx context.Context, cmd *domain.Command) error
	UpdateCommand(ctx context.Context, cmd *domain.Command) error
	GetCommand(ctx context.Context, id string) (*domain.Command, error)
	// ListPending returns PENDING commands for one agent in creation order,
	// oldest first. Replay relies on this ordering.
	ListPending(ctx context.Context, agentID string) ([]*domain.Command, error)
	CountPending(ctx context.Context, agentID string) (int64, error)
	ListByAgent(ctx context.Context, agentID string, status domain.CommandStatus, limit int) ([]*domain.Command, error)
	// ListSentBefore returns SENT commands whose sent_at precedes the cutoff,
	// used by the expiry sweep.
	ListSentBefore(ctx context.Context, cutoff time.Time) ([]*domain.Command, error)
}

type MetricFilter struct {
	MetricType string
	From       time.Time
	To         time.Time
	Limit      int
}

type AlertFilter struct {
	Resolved *bool
	Severity domain.AlertSeverity
	Limit    int
}

type TelemetryRepository interface {
	CreateMetric(ctx context.Context, sample *domain.MetricSample) error
	ListMetrics(ctx context.Context, agentID string, filter MetricFilter) ([]*domain.MetricSample, error)
	CreateAlert(ctx context.Context, alert *domain.Alert) error
	ListAlerts(ctx context.Context, agentID string, filter AlertFilter) ([]*domain.Alert, error)
	ResolveAlert(ctx context.Context, alertID, userID string) (*domain.Alert, error)
}

// Broadcaster is the publish-to-group capability handed to components that
// must fan events out. Group membership lives with the implementation (the
// websocket hub); it is a rebuildable index over live connections, never
// durable state.
type Broadcaster interface {
	// BroadcastToOrg publishes to every live connection in the organization
	// group. No listeners is a no-op, not an error.
	BroadcastToOrg(orgID, event string, payload any)
	// SendToAgent unicasts to the agent's private group.
	SendToAgent(agentID, event string, payload any)
	// AgentConnected reports whether the agent currently has a live
	// connection.
	AgentConnected(agentID string) bool
}

// PresenceCache mirrors transient agent liveness into a shared cache so the
// REST layer can overlay live status without hitting the store. Errors are
// advisory; the durable record remains the source of truth across restarts.
type PresenceCache interface {
	MarkActive(ctx context.Context, agentID string) error
	MarkOffline(ctx context.Context, agentID string) error
	ActiveAgents(ctx context.Context, agentIDs []string) (map[string]bool, error)
}
