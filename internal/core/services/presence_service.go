package services

import (
	"context"
	"time"

	"github.com/fleetbeam/relay/internal/core/domain"
	"github.com/fleetbeam/relay/internal/core/logger"
	"github.com/fleetbeam/relay/internal/core/ports"
)

// CommandReplayer delivers the PENDING backlog when an agent reconnects.
// Implemented by CommandService.
type CommandReplayer interface {
	ReplayPending(ctx context.Context, agentID string) error
}

// PresenceService tracks agent liveness. Per agent the state machine is
// OFFLINE --connect--> ACTIVE --disconnect/missed heartbeats--> OFFLINE, with
// heartbeats refreshing lastSeen. Store and cache writes are best effort:
// failures are logged and swallowed so a lagging backend never stalls the
// live channel, and in-memory group membership stays authoritative for
// routing.
type PresenceService struct {
	agentRepo   ports.AgentRepository
	cache       ports.PresenceCache
	broadcaster ports.Broadcaster
	replayer    CommandReplayer

	timeout time.Duration // 0 disables the idle sweep
}

func NewPresenceService(
	agentRepo ports.AgentRepository,
	cache ports.PresenceCache,
	broadcaster ports.Broadcaster,
	replayer CommandReplayer,
	timeout time.Duration,
) *PresenceService {
	return &PresenceService{
		agentRepo:   agentRepo,
		cache:       cache,
		broadcaster: broadcaster,
		replayer:    replayer,
		timeout:     timeout,
	}
}

// OnAgentConnect marks the agent ACTIVE, notifies the organization's
// dashboards, and replays the PENDING command backlog in creation order
// before any newer command is delivered.
func (s *PresenceService) OnAgentConnect(ctx context.Context, agentID, orgID string) {
	now := time.Now()
	if err := s.agentRepo.UpdateStatus(ctx, agentID, domain.AgentStatusActive, now); err != nil {
		logger.Warn("agent status write failed on connect", "agent_id", agentID, "error", err)
	}
	if err := s.cache.MarkActive(ctx, agentID); err != nil {
		logger.Warn("presence cache write failed", "agent_id", agentID, "error", err)
	}

	payload := map[string]any{"agentId": agentID, "lastSeen": now}
	if agent, err := s.agentRepo.GetAgent(ctx, agentID); err == nil {
		payload["hostname"] = agent.Hostname
	}
	go s.broadcaster.BroadcastToOrg(orgID, domain.EventAgentConnected, payload)

	if err := s.replayer.ReplayPending(ctx, agentID); err != nil {
		logger.Warn("pending command replay failed", "agent_id", agentID, "error", err)
	}
}

// OnDashboardConnect returns the full agent snapshot for the organization so
// the new dashboard doesn't wait for the next presence event to learn current
// state. The gateway unicasts it to the connecting client only.
func (s *PresenceService) OnDashboardConnect(ctx context.Context, orgID string) ([]domain.AgentSummary, error) {
	agents, _, err := s.agentRepo.ListAgents(ctx, orgID, "", 0, 1000)
	if err != nil {
		return nil, err
	}
	summaries := make([]domain.AgentSummary, 0, len(agents))
	for _, agent := range agents {
		summaries = append(summaries, agent.Summary())
	}
	return summaries, nil
}

// OnAgentDisconnect flips the agent OFFLINE and notifies the organization.
// Dashboard disconnects never reach here; they require no state change.
func (s *PresenceService) OnAgentDisconnect(ctx context.Context, agentID, orgID string) {
	now := time.Now()
	if err := s.agentRepo.UpdateStatus(ctx, agentID, domain.AgentStatusOffline, now); err != nil {
		logger.Warn("agent status write failed on disconnect", "agent_id", agentID, "error", err)
	}
	if err := s.cache.MarkOffline(ctx, agentID); err != nil {
		logger.Warn("presence cache delete failed", "agent_id", agentID, "error", err)
	}
	s.broadcaster.BroadcastToOrg(orgID, domain.EventAgentDisconnected, map[string]any{
		"agentId":  agentID,
		"lastSeen": now,
	})
}

// OnHeartbeat refreshes lastSeen. An OFFLINE agent heartbeating (reconnect
// race) flips back to ACTIVE.
func (s *PresenceService) OnHeartbeat(ctx context.Context, agentID string) {
	now := time.Now()
	if err := s.agentRepo.UpdateStatus(ctx, agentID, domain.AgentStatusActive, now); err != nil {
		logger.Warn("heartbeat write failed", "agent_id", agentID, "error", err)
	}
	if err := s.cache.MarkActive(ctx, agentID); err != nil {
		logger.Warn("presence cache refresh failed", "agent_id", agentID, "error", err)
	}
}

// Touch records liveness evidence from non-heartbeat traffic, e.g. a metric
// submission.
func (s *PresenceService) Touch(ctx context.Context, agentID string) {
	s.OnHeartbeat(ctx, agentID)
}

// RunSweeper periodically marks ACTIVE agents OFFLINE when no heartbeat or
// event arrived within the timeout, catching silent and half-open
// connections that never produced a transport close.
func (s *PresenceService) RunSweeper(ctx context.Context, interval time.Duration) {
	if s.timeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *PresenceService) sweep(ctx context.Context) {
	agents, err := s.agentRepo.ListByStatus(ctx, domain.AgentStatusActive)
	if err != nil {
		logger.Warn("presence sweep listing failed", "error", err)
		return
	}
	now := time.Now()
	for _, agent := range agents {
		if now.Sub(agent.LastSeen) <= s.timeout {
			continue
		}
		if s.broadcaster.AgentConnected(agent.ID) {
			// Connection is live but idle; leave it to the transport
			// keepalive to decide.
			continue
		}
		logger.Info("marking silent agent offline",
			"agent_id", agent.ID, "last_seen", agent.LastSeen)
		s.OnAgentDisconnect(ctx, agent.ID, agent.OrganizationID)
	}
}
