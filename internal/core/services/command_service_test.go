package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleetbeam/relay/internal/core/domain"
)

func testAgent(id, orgID string) *domain.Agent {
	return &domain.Agent{
		ID:             id,
		OrganizationID: orgID,
		Hostname:       "host-" + id,
		APIKey:         "agent_key_" + id,
		Status:         domain.AgentStatusOffline,
		LastSeen:       time.Now(),
	}
}

func newCommandFixture(backlog int, timeout time.Duration) (*CommandService, *fakeCommandRepo, *fakeAgentRepo, *fakeBroadcaster) {
	agentRepo := newFakeAgentRepo(testAgent("agent-1", "org-1"))
	cmdRepo := newFakeCommandRepo()
	broadcaster := newFakeBroadcaster()
	svc := NewCommandService(cmdRepo, agentRepo, broadcaster, backlog, timeout)
	return svc, cmdRepo, agentRepo, broadcaster
}

func TestCreateAndSend_OfflineAgentStaysPending(t *testing.T) {
	svc, cmdRepo, _, broadcaster := newCommandFixture(10, 0)

	cmd, err := svc.CreateAndSend(context.Background(), "org-1", "agent-1", "ping", nil, "user-1")
	if err != nil {
		t.Fatalf("CreateAndSend failed: %v", err)
	}
	if cmd.Status != domain.CommandStatusPending {
		t.Errorf("expected PENDING, got %s", cmd.Status)
	}
	if cmd.SentAt != nil {
		t.Errorf("SentAt should be nil for a queued command")
	}
	if broadcaster.unicastCount() != 0 {
		t.Errorf("nothing should be delivered while the agent is offline")
	}
	stored, err := cmdRepo.GetCommand(context.Background(), cmd.ID)
	if err != nil {
		t.Fatalf("command not persisted: %v", err)
	}
	if stored.Status != domain.CommandStatusPending {
		t.Errorf("persisted status = %s, want PENDING", stored.Status)
	}
}

func TestCreateAndSend_ConnectedAgentGetsSent(t *testing.T) {
	svc, cmdRepo, _, broadcaster := newCommandFixture(10, 0)
	broadcaster.setConnected("agent-1", true)

	cmd, err := svc.CreateAndSend(context.Background(), "org-1", "agent-1", "shell",
		domain.JSONMap{"script": "uptime"}, "user-1")
	if err != nil {
		t.Fatalf("CreateAndSend failed: %v", err)
	}
	if cmd.Status != domain.CommandStatusSent {
		t.Errorf("expected SENT, got %s", cmd.Status)
	}
	if cmd.SentAt == nil {
		t.Errorf("SentAt should be set after delivery")
	}
	if broadcaster.unicastCount() != 1 {
		t.Fatalf("expected 1 unicast, got %d", broadcaster.unicastCount())
	}
	stored, _ := cmdRepo.GetCommand(context.Background(), cmd.ID)
	if stored.Status != domain.CommandStatusSent {
		t.Errorf("persisted status = %s, want SENT", stored.Status)
	}
}

func TestCreateAndSend_ForeignOrgRejected(t *testing.T) {
	svc, cmdRepo, _, broadcaster := newCommandFixture(10, 0)

	_, err := svc.CreateAndSend(context.Background(), "org-other", "agent-1", "ping", nil, "user-1")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(cmdRepo.order) != 0 {
		t.Errorf("validation failure must not persist anything")
	}
	if broadcaster.unicastCount() != 0 || len(broadcaster.orgEventNames()) != 0 {
		t.Errorf("validation failure must not broadcast anything")
	}
}

func TestCreateAndSend_UnknownAgentRejected(t *testing.T) {
	svc, _, _, _ := newCommandFixture(10, 0)

	_, err := svc.CreateAndSend(context.Background(), "org-1", "no-such-agent", "ping", nil, "user-1")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCreateAndSend_BacklogBound(t *testing.T) {
	svc, _, _, _ := newCommandFixture(2, 0)

	for i := 0; i < 2; i++ {
		if _, err := svc.CreateAndSend(context.Background(), "org-1", "agent-1", "ping", nil, "user-1"); err != nil {
			t.Fatalf("command %d should queue: %v", i, err)
		}
	}
	_, err := svc.CreateAndSend(context.Background(), "org-1", "agent-1", "ping", nil, "user-1")
	if !errors.Is(err, domain.ErrBacklogFull) {
		t.Fatalf("expected ErrBacklogFull, got %v", err)
	}
}

func TestCreateAndSend_BacklogIgnoredWhenConnected(t *testing.T) {
	svc, _, _, broadcaster := newCommandFixture(1, 0)
	broadcaster.setConnected("agent-1", true)

	// Delivery drains immediately so the bound never kicks in.
	for i := 0; i < 3; i++ {
		if _, err := svc.CreateAndSend(context.Background(), "org-1", "agent-1", "ping", nil, "user-1"); err != nil {
			t.Fatalf("command %d failed: %v", i, err)
		}
	}
}

func TestReplayPending_DeliversOldestFirst(t *testing.T) {
	svc, cmdRepo, _, broadcaster := newCommandFixture(10, 0)

	var ids []string
	for i := 0; i < 3; i++ {
		cmd, err := svc.CreateAndSend(context.Background(), "org-1", "agent-1", "ping", nil, "user-1")
		if err != nil {
			t.Fatalf("queue command %d: %v", i, err)
		}
		ids = append(ids, cmd.ID)
	}

	broadcaster.setConnected("agent-1", true)
	if err := svc.ReplayPending(context.Background(), "agent-1"); err != nil {
		t.Fatalf("ReplayPending failed: %v", err)
	}

	if broadcaster.unicastCount() != 3 {
		t.Fatalf("expected 3 deliveries, got %d", broadcaster.unicastCount())
	}
	for i, ev := range broadcaster.unicasts {
		payload := ev.Payload.(map[string]any)
		if payload["commandId"] != ids[i] {
			t.Errorf("delivery %d = %v, want %s (creation order)", i, payload["commandId"], ids[i])
		}
	}
	for _, id := range ids {
		stored, _ := cmdRepo.GetCommand(context.Background(), id)
		if stored.Status != domain.CommandStatusSent {
			t.Errorf("command %s = %s after replay, want SENT", id, stored.Status)
		}
	}
}

func TestRecordResult_Completed(t *testing.T) {
	svc, cmdRepo, _, broadcaster := newCommandFixture(10, 0)
	broadcaster.setConnected("agent-1", true)
	cmd, _ := svc.CreateAndSend(context.Background(), "org-1", "agent-1", "ping", nil, "user-1")

	svc.RecordResult(context.Background(), cmd.ID, domain.JSONMap{"pong": true}, "")

	stored, _ := cmdRepo.GetCommand(context.Background(), cmd.ID)
	if stored.Status != domain.CommandStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Errorf("CompletedAt should be set")
	}
	if broadcaster.orgEventCount(domain.EventAgentCommandResult) != 1 {
		t.Errorf("expected one result broadcast")
	}
}

func TestRecordResult_Failed(t *testing.T) {
	svc, cmdRepo, _, broadcaster := newCommandFixture(10, 0)
	broadcaster.setConnected("agent-1", true)
	cmd, _ := svc.CreateAndSend(context.Background(), "org-1", "agent-1", "shell", nil, "user-1")

	svc.RecordResult(context.Background(), cmd.ID, nil, "exit status 127")

	stored, _ := cmdRepo.GetCommand(context.Background(), cmd.ID)
	if stored.Status != domain.CommandStatusFailed {
		t.Errorf("status = %s, want FAILED", stored.Status)
	}
	if stored.Error != "exit status 127" {
		t.Errorf("error = %q", stored.Error)
	}
}

func TestRecordResult_DuplicateIgnored(t *testing.T) {
	svc, cmdRepo, _, broadcaster := newCommandFixture(10, 0)
	broadcaster.setConnected("agent-1", true)
	cmd, _ := svc.CreateAndSend(context.Background(), "org-1", "agent-1", "ping", nil, "user-1")

	svc.RecordResult(context.Background(), cmd.ID, domain.JSONMap{"pong": true}, "")
	svc.RecordResult(context.Background(), cmd.ID, nil, "late failure")

	stored, _ := cmdRepo.GetCommand(context.Background(), cmd.ID)
	if stored.Status != domain.CommandStatusCompleted {
		t.Errorf("terminal state mutated by duplicate result: %s", stored.Status)
	}
	if stored.Error != "" {
		t.Errorf("duplicate result leaked into record: %q", stored.Error)
	}
	if got := broadcaster.orgEventCount(domain.EventAgentCommandResult); got != 1 {
		t.Errorf("duplicate result broadcast %d times, want 1", got)
	}
}

func TestRecordResult_PendingIgnored(t *testing.T) {
	svc, cmdRepo, _, broadcaster := newCommandFixture(10, 0)
	cmd, _ := svc.CreateAndSend(context.Background(), "org-1", "agent-1", "ping", nil, "user-1")

	// A result can never legally arrive before delivery.
	svc.RecordResult(context.Background(), cmd.ID, domain.JSONMap{"pong": true}, "")

	stored, _ := cmdRepo.GetCommand(context.Background(), cmd.ID)
	if stored.Status != domain.CommandStatusPending {
		t.Errorf("status = %s, want PENDING untouched", stored.Status)
	}
	if broadcaster.orgEventCount(domain.EventAgentCommandResult) != 0 {
		t.Errorf("no broadcast expected for an ignored result")
	}
}

func TestRecordResult_UnknownCommandIsNoop(t *testing.T) {
	svc, _, _, broadcaster := newCommandFixture(10, 0)

	svc.RecordResult(context.Background(), "no-such-command", nil, "whatever")

	if broadcaster.orgEventCount(domain.EventAgentCommandResult) != 0 {
		t.Errorf("unknown command must not broadcast")
	}
}

func TestExpireStale_FailsSentCommands(t *testing.T) {
	svc, cmdRepo, _, broadcaster := newCommandFixture(10, time.Minute)
	broadcaster.setConnected("agent-1", true)
	cmd, _ := svc.CreateAndSend(context.Background(), "org-1", "agent-1", "ping", nil, "user-1")

	// Backdate the delivery past the timeout.
	stored, _ := cmdRepo.GetCommand(context.Background(), cmd.ID)
	old := time.Now().Add(-2 * time.Minute)
	stored.SentAt = &old
	cmdRepo.UpdateCommand(context.Background(), stored)

	svc.expireStale(context.Background())

	expired, _ := cmdRepo.GetCommand(context.Background(), cmd.ID)
	if expired.Status != domain.CommandStatusFailed {
		t.Fatalf("status = %s, want FAILED", expired.Status)
	}
	if expired.Error == "" {
		t.Errorf("expired command should carry a timeout error")
	}
	if broadcaster.orgEventCount(domain.EventAgentCommandResult) != 1 {
		t.Errorf("expiry should broadcast a result event")
	}
}

// gatedCommandRepo pauses the expiry sweep's FAILED write so a concurrent
// result submission can be interleaved at the worst possible point.
type gatedCommandRepo struct {
	*fakeCommandRepo
	expiryWriteStarted chan struct{}
	releaseExpiryWrite chan struct{}
	gateOnce           sync.Once
}

func (r *gatedCommandRepo) UpdateCommand(ctx context.Context, cmd *domain.Command) error {
	if cmd.Status == domain.CommandStatusFailed && strings.Contains(cmd.Error, "timed out") {
		r.gateOnce.Do(func() {
			close(r.expiryWriteStarted)
			<-r.releaseExpiryWrite
		})
	}
	return r.fakeCommandRepo.UpdateCommand(ctx, cmd)
}

func TestResultDuringExpirySweep_SingleTerminalTransition(t *testing.T) {
	agentRepo := newFakeAgentRepo(testAgent("agent-1", "org-1"))
	inner := newFakeCommandRepo()
	cmdRepo := &gatedCommandRepo{
		fakeCommandRepo:    inner,
		expiryWriteStarted: make(chan struct{}),
		releaseExpiryWrite: make(chan struct{}),
	}
	broadcaster := newFakeBroadcaster()
	svc := NewCommandService(cmdRepo, agentRepo, broadcaster, 10, time.Minute)
	broadcaster.setConnected("agent-1", true)

	cmd, err := svc.CreateAndSend(context.Background(), "org-1", "agent-1", "ping", nil, "user-1")
	if err != nil {
		t.Fatalf("CreateAndSend failed: %v", err)
	}
	stored, _ := inner.GetCommand(context.Background(), cmd.ID)
	old := time.Now().Add(-2 * time.Minute)
	stored.SentAt = &old
	inner.UpdateCommand(context.Background(), stored)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.expireStale(context.Background())
	}()

	// Sweeper has re-read the command and is about to fail it.
	<-cmdRepo.expiryWriteStarted

	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.RecordResult(context.Background(), cmd.ID, domain.JSONMap{"pong": true}, "")
	}()

	time.Sleep(20 * time.Millisecond)
	close(cmdRepo.releaseExpiryWrite)
	wg.Wait()

	final, _ := inner.GetCommand(context.Background(), cmd.ID)
	if final.Status != domain.CommandStatusFailed {
		t.Fatalf("final status = %s, want FAILED (expiry won, late result is a no-op)", final.Status)
	}
	if final.Result != nil {
		t.Errorf("result leaked into an expired command: %v", final.Result)
	}
	if got := broadcaster.orgEventCount(domain.EventAgentCommandResult); got != 1 {
		t.Errorf("terminal state broadcast %d times, want exactly 1", got)
	}
}

func TestExpireStale_FreshCommandsUntouched(t *testing.T) {
	svc, cmdRepo, _, broadcaster := newCommandFixture(10, time.Hour)
	broadcaster.setConnected("agent-1", true)
	cmd, _ := svc.CreateAndSend(context.Background(), "org-1", "agent-1", "ping", nil, "user-1")

	svc.expireStale(context.Background())

	stored, _ := cmdRepo.GetCommand(context.Background(), cmd.ID)
	if stored.Status != domain.CommandStatusSent {
		t.Errorf("fresh SENT command expired: %s", stored.Status)
	}
}
