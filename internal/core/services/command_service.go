package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetbeam/relay/internal/core/domain"
	"github.com/fleetbeam/relay/internal/core/logger"
	"github.com/fleetbeam/relay/internal/core/ports"
)

// CommandService owns the command lifecycle:
//
//	PENDING -> SENT -> COMPLETED
//	PENDING -> SENT -> FAILED
//
// SENT is never skipped and terminal states are immutable. A per-agent mutex
// serializes creation, replay and expiry for one agent so that reconnect
// replay drains the PENDING backlog in creation order before any newer
// command goes out; different agents proceed concurrently.
type CommandService struct {
	cmdRepo     ports.CommandRepository
	agentRepo   ports.AgentRepository
	broadcaster ports.Broadcaster

	backlogLimit int64
	sentTimeout  time.Duration // 0 disables the expiry sweep

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCommandService(
	cmdRepo ports.CommandRepository,
	agentRepo ports.AgentRepository,
	broadcaster ports.Broadcaster,
	backlogLimit int,
	sentTimeout time.Duration,
) *CommandService {
	return &CommandService{
		cmdRepo:      cmdRepo,
		agentRepo:    agentRepo,
		broadcaster:  broadcaster,
		backlogLimit: int64(backlogLimit),
		sentTimeout:  sentTimeout,
		locks:        make(map[string]*sync.Mutex),
	}
}

func (s *CommandService) agentLock(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[agentID] = lock
	}
	return lock
}

// CreateAndSend validates the target, persists the command PENDING, and
// delivers it immediately when the agent is connected (flipping it to SENT).
// A disconnected agent leaves the command PENDING for replay on its next
// connect. Validation failures reach the caller only; nothing is persisted
// or broadcast for them.
func (s *CommandService) CreateAndSend(ctx context.Context, orgID, agentID, commandType string, commandData domain.JSONMap, createdBy string) (*domain.Command, error) {
	agent, err := s.agentRepo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown agent", domain.ErrValidation)
	}
	if agent.OrganizationID != orgID {
		return nil, fmt.Errorf("%w: agent not in organization", domain.ErrValidation)
	}

	lock := s.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	if !s.broadcaster.AgentConnected(agentID) && s.backlogLimit > 0 {
		pending, err := s.cmdRepo.CountPending(ctx, agentID)
		if err == nil && pending >= s.backlogLimit {
			return nil, fmt.Errorf("%w: %d commands queued for agent", domain.ErrBacklogFull, pending)
		}
	}

	cmd := &domain.Command{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		CreatedBy:   createdBy,
		CommandType: commandType,
		CommandData: commandData,
		Status:      domain.CommandStatusPending,
		CreatedAt:   time.Now(),
	}
	if err := s.cmdRepo.CreateCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("failed to persist command: %w", err)
	}

	if s.broadcaster.AgentConnected(agentID) {
		s.deliver(ctx, cmd)
	}

	return cmd, nil
}

// deliver unicasts one command and flips it to SENT. Callers hold the agent
// lock.
func (s *CommandService) deliver(ctx context.Context, cmd *domain.Command) {
	s.broadcaster.SendToAgent(cmd.AgentID, domain.EventCommand, map[string]any{
		"commandId":   cmd.ID,
		"commandType": cmd.CommandType,
		"commandData": cmd.CommandData,
	})

	now := time.Now()
	cmd.Status = domain.CommandStatusSent
	cmd.SentAt = &now
	if err := s.cmdRepo.UpdateCommand(ctx, cmd); err != nil {
		logger.Warn("command status write failed after delivery",
			"command_id", cmd.ID, "agent_id", cmd.AgentID, "error", err)
	}
}

// ReplayPending delivers the PENDING backlog for a reconnecting agent,
// oldest first. Holding the agent lock for the whole drain keeps any command
// created after the reconnect behind the replayed set: a single FIFO per
// agent across the PENDING set.
func (s *CommandService) ReplayPending(ctx context.Context, agentID string) error {
	lock := s.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	pending, err := s.cmdRepo.ListPending(ctx, agentID)
	if err != nil {
		return fmt.Errorf("failed to list pending commands: %w", err)
	}
	for _, cmd := range pending {
		s.deliver(ctx, cmd)
	}
	if len(pending) > 0 {
		logger.Info("replayed pending commands", "agent_id", agentID, "count", len(pending))
	}
	return nil
}

// RecordResult applies an agent-reported outcome. Only the SENT state
// accepts a result; anything else (terminal, unknown id) is a logged no-op
// because results race with connection churn and the agent already considers
// the command done. Duplicate terminal broadcasts are suppressed entirely.
func (s *CommandService) RecordResult(ctx context.Context, commandID string, result domain.JSONMap, errorText string) {
	cmd, err := s.cmdRepo.GetCommand(ctx, commandID)
	if err != nil {
		logger.Warn("result for unknown command", "command_id", commandID, "error", err)
		return
	}

	lock := s.agentLock(cmd.AgentID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; the expiry sweep or a duplicate submission may
	// have reached a terminal state meanwhile.
	cmd, err = s.cmdRepo.GetCommand(ctx, commandID)
	if err != nil {
		logger.Warn("result for unknown command", "command_id", commandID, "error", err)
		return
	}
	if cmd.Status != domain.CommandStatusSent {
		logger.Warn("result for command not in SENT state, ignoring",
			"command_id", commandID, "status", cmd.Status)
		return
	}

	now := time.Now()
	cmd.CompletedAt = &now
	if errorText != "" {
		cmd.Status = domain.CommandStatusFailed
		cmd.Error = errorText
	} else {
		cmd.Status = domain.CommandStatusCompleted
		cmd.Result = result
	}
	if err := s.cmdRepo.UpdateCommand(ctx, cmd); err != nil {
		logger.Warn("command result write failed", "command_id", commandID, "error", err)
	}

	agent, err := s.agentRepo.GetAgent(ctx, cmd.AgentID)
	if err != nil {
		logger.Warn("agent lookup failed for result broadcast",
			"command_id", commandID, "agent_id", cmd.AgentID, "error", err)
		return
	}
	payload := map[string]any{
		"agentId":   cmd.AgentID,
		"commandId": cmd.ID,
		"status":    cmd.Status,
	}
	if cmd.Status == domain.CommandStatusFailed {
		payload["error"] = cmd.Error
	} else {
		payload["result"] = cmd.Result
	}
	s.broadcaster.BroadcastToOrg(agent.OrganizationID, domain.EventAgentCommandResult, payload)
}

// GetCommand exposes a single command record for the REST layer.
func (s *CommandService) GetCommand(ctx context.Context, id string) (*domain.Command, error) {
	return s.cmdRepo.GetCommand(ctx, id)
}

// ListByAgent exposes command history for the REST layer.
func (s *CommandService) ListByAgent(ctx context.Context, agentID string, status domain.CommandStatus, limit int) ([]*domain.Command, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.cmdRepo.ListByAgent(ctx, agentID, status, limit)
}

// RunExpirySweeper fails SENT commands that never received a result within
// the configured bound. This closes the fire-and-forget gap deliberately:
// without it a stuck command stays SENT forever.
func (s *CommandService) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	if s.sentTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.expireStale(ctx)
		}
	}
}

func (s *CommandService) expireStale(ctx context.Context) {
	cutoff := time.Now().Add(-s.sentTimeout)
	stale, err := s.cmdRepo.ListSentBefore(ctx, cutoff)
	if err != nil {
		logger.Warn("command expiry listing failed", "error", err)
		return
	}
	for _, cmd := range stale {
		lock := s.agentLock(cmd.AgentID)
		lock.Lock()
		s.expireOne(ctx, cmd)
		lock.Unlock()
	}
}

func (s *CommandService) expireOne(ctx context.Context, cmd *domain.Command) {
	// Re-read under the lock; a result may have landed meanwhile.
	current, err := s.cmdRepo.GetCommand(ctx, cmd.ID)
	if err != nil || current.Status != domain.CommandStatusSent {
		return
	}
	now := time.Now()
	current.Status = domain.CommandStatusFailed
	current.Error = fmt.Sprintf("timed out after %s without a result", s.sentTimeout)
	current.CompletedAt = &now
	if err := s.cmdRepo.UpdateCommand(ctx, current); err != nil {
		logger.Warn("command expiry write failed", "command_id", current.ID, "error", err)
		return
	}
	logger.Info("expired stale command", "command_id", current.ID, "agent_id", current.AgentID)

	if agent, err := s.agentRepo.GetAgent(ctx, current.AgentID); err == nil {
		s.broadcaster.BroadcastToOrg(agent.OrganizationID, domain.EventAgentCommandResult, map[string]any{
			"agentId":   current.AgentID,
			"commandId": current.ID,
			"status":    current.Status,
			"error":     current.Error,
		})
	}
}
