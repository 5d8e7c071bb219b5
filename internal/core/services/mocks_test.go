package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fleetbeam/relay/internal/core/domain"
	"github.com/fleetbeam/relay/internal/core/ports"
)

// In-memory fakes for the repository and broadcaster ports.

type fakeAgentRepo struct {
	mu     sync.Mutex
	agents map[string]*domain.Agent
}

func newFakeAgentRepo(agents ...*domain.Agent) *fakeAgentRepo {
	repo := &fakeAgentRepo{agents: make(map[string]*domain.Agent)}
	for _, agent := range agents {
		repo.agents[agent.ID] = agent
	}
	return repo
}

func (r *fakeAgentRepo) Create(ctx context.Context, agent *domain.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.ID] = agent
	return nil
}

func (r *fakeAgentRepo) Update(ctx context.Context, agent *domain.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.ID] = agent
	return nil
}

func (r *fakeAgentRepo) UpdateStatus(ctx context.Context, id string, status domain.AgentStatus, lastSeen time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return domain.ErrAgentNotFound
	}
	agent.Status = status
	agent.LastSeen = lastSeen
	return nil
}

func (r *fakeAgentRepo) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, domain.ErrAgentNotFound
	}
	copied := *agent
	return &copied, nil
}

func (r *fakeAgentRepo) GetAgentByAPIKey(ctx context.Context, apiKey string) (*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, agent := range r.agents {
		if agent.APIKey == apiKey {
			copied := *agent
			return &copied, nil
		}
	}
	return nil, domain.ErrAgentNotFound
}

func (r *fakeAgentRepo) GetAgentByHostname(ctx context.Context, orgID, hostname string) (*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, agent := range r.agents {
		if agent.OrganizationID == orgID && agent.Hostname == hostname {
			copied := *agent
			return &copied, nil
		}
	}
	return nil, domain.ErrAgentNotFound
}

func (r *fakeAgentRepo) ListAgents(ctx context.Context, orgID string, status domain.AgentStatus, offset, limit int) ([]*domain.Agent, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Agent
	for _, agent := range r.agents {
		if agent.OrganizationID != orgID {
			continue
		}
		if status != "" && agent.Status != status {
			continue
		}
		copied := *agent
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, int64(len(out)), nil
}

func (r *fakeAgentRepo) ListByStatus(ctx context.Context, status domain.AgentStatus) ([]*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Agent
	for _, agent := range r.agents {
		if agent.Status == status {
			copied := *agent
			out = append(out, &copied)
		}
	}
	return out, nil
}

type fakeOrgRepo struct {
	orgs map[string]*domain.Organization // keyed by api key
}

func (r *fakeOrgRepo) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Organization, error) {
	org, ok := r.orgs[apiKey]
	if !ok {
		return nil, domain.ErrAuthentication
	}
	return org, nil
}

type fakeCommandRepo struct {
	mu       sync.Mutex
	commands map[string]*domain.Command
	order    []string
	failNext error
}

func newFakeCommandRepo() *fakeCommandRepo {
	return &fakeCommandRepo{commands: make(map[string]*domain.Command)}
}

func (r *fakeCommandRepo) CreateCommand(ctx context.Context, cmd *domain.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return err
	}
	copied := *cmd
	r.commands[cmd.ID] = &copied
	r.order = append(r.order, cmd.ID)
	return nil
}

func (r *fakeCommandRepo) UpdateCommand(ctx context.Context, cmd *domain.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commands[cmd.ID]; !ok {
		return domain.ErrCommandNotFound
	}
	copied := *cmd
	r.commands[cmd.ID] = &copied
	return nil
}

func (r *fakeCommandRepo) GetCommand(ctx context.Context, id string) (*domain.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[id]
	if !ok {
		return nil, domain.ErrCommandNotFound
	}
	copied := *cmd
	return &copied, nil
}

func (r *fakeCommandRepo) ListPending(ctx context.Context, agentID string) ([]*domain.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Command
	for _, id := range r.order {
		cmd := r.commands[id]
		if cmd.AgentID == agentID && cmd.Status == domain.CommandStatusPending {
			copied := *cmd
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeCommandRepo) CountPending(ctx context.Context, agentID string) (int64, error) {
	pending, _ := r.ListPending(ctx, agentID)
	return int64(len(pending)), nil
}

func (r *fakeCommandRepo) ListByAgent(ctx context.Context, agentID string, status domain.CommandStatus, limit int) ([]*domain.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Command
	for _, id := range r.order {
		cmd := r.commands[id]
		if cmd.AgentID != agentID {
			continue
		}
		if status != "" && cmd.Status != status {
			continue
		}
		copied := *cmd
		out = append(out, &copied)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *fakeCommandRepo) ListSentBefore(ctx context.Context, cutoff time.Time) ([]*domain.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Command
	for _, id := range r.order {
		cmd := r.commands[id]
		if cmd.Status == domain.CommandStatusSent && cmd.SentAt != nil && cmd.SentAt.Before(cutoff) {
			copied := *cmd
			out = append(out, &copied)
		}
	}
	return out, nil
}

type fakeTelemetryRepo struct {
	mu         sync.Mutex
	metrics    []*domain.MetricSample
	alerts     []*domain.Alert
	failWrites bool
}

func (r *fakeTelemetryRepo) CreateMetric(ctx context.Context, sample *domain.MetricSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites {
		return errors.New("store unavailable")
	}
	r.metrics = append(r.metrics, sample)
	return nil
}

func (r *fakeTelemetryRepo) ListMetrics(ctx context.Context, agentID string, filter ports.MetricFilter) ([]*domain.MetricSample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.MetricSample
	for _, sample := range r.metrics {
		if sample.AgentID == agentID {
			out = append(out, sample)
		}
	}
	return out, nil
}

func (r *fakeTelemetryRepo) CreateAlert(ctx context.Context, alert *domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites {
		return errors.New("store unavailable")
	}
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *fakeTelemetryRepo) ListAlerts(ctx context.Context, agentID string, filter ports.AlertFilter) ([]*domain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Alert
	for _, alert := range r.alerts {
		if alert.AgentID == agentID {
			out = append(out, alert)
		}
	}
	return out, nil
}

func (r *fakeTelemetryRepo) ResolveAlert(ctx context.Context, alertID, userID string) (*domain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, alert := range r.alerts {
		if alert.ID == alertID {
			now := time.Now()
			alert.Resolved = true
			alert.ResolvedAt = &now
			alert.ResolvedBy = userID
			return alert, nil
		}
	}
	return nil, errors.New("alert not found")
}

func (r *fakeTelemetryRepo) alertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func (r *fakeTelemetryRepo) lastAlert() *domain.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.alerts) == 0 {
		return nil
	}
	return r.alerts[len(r.alerts)-1]
}

// recordedEvent is one broadcast or unicast captured by the fake broadcaster.
type recordedEvent struct {
	Target  string // org or agent id
	Event   string
	Payload any
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	connected map[string]bool
	orgEvents []recordedEvent
	unicasts  []recordedEvent
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{connected: make(map[string]bool)}
}

func (b *fakeBroadcaster) BroadcastToOrg(orgID, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orgEvents = append(b.orgEvents, recordedEvent{Target: orgID, Event: event, Payload: payload})
}

func (b *fakeBroadcaster) SendToAgent(agentID, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unicasts = append(b.unicasts, recordedEvent{Target: agentID, Event: event, Payload: payload})
}

func (b *fakeBroadcaster) AgentConnected(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected[agentID]
}

func (b *fakeBroadcaster) setConnected(agentID string, up bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected[agentID] = up
}

func (b *fakeBroadcaster) orgEventNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, len(b.orgEvents))
	for i, ev := range b.orgEvents {
		names[i] = ev.Event
	}
	return names
}

func (b *fakeBroadcaster) unicastCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unicasts)
}

func (b *fakeBroadcaster) orgEventCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, ev := range b.orgEvents {
		if ev.Event == event {
			count++
		}
	}
	return count
}

// waitForOrgEvent polls until the event shows up or the deadline passes.
// Connect notifications are broadcast asynchronously.
func (b *fakeBroadcaster) waitForOrgEvent(event string, deadline time.Duration) bool {
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if b.orgEventCount(event) > 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

type fakePresenceCache struct {
	mu     sync.Mutex
	active map[string]bool
}

func newFakePresenceCache() *fakePresenceCache {
	return &fakePresenceCache{active: make(map[string]bool)}
}

func (c *fakePresenceCache) MarkActive(ctx context.Context, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[agentID] = true
	return nil
}

func (c *fakePresenceCache) MarkOffline(ctx context.Context, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, agentID)
	return nil
}

func (c *fakePresenceCache) ActiveAgents(ctx context.Context, agentIDs []string) (map[string]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		out[id] = c.active[id]
	}
	return out, nil
}

func (c *fakePresenceCache) isActive(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[agentID]
}

type noopReplayer struct {
	mu     sync.Mutex
	agents []string
}

func (r *noopReplayer) ReplayPending(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = append(r.agents, agentID)
	return nil
}

func (r *noopReplayer) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}
