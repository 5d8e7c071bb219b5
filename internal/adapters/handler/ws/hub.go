package ws

import (
	"sync"

	"github.com/fleetbeam/relay/internal/core/logger"
)

// Envelope is the wire frame for every event in either direction.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Hub owns the broadcast groups: ephemeral multicast scopes keyed
// "org:<id>" and "agent:<id>", derived purely from live connections and
// rebuilt from nothing on restart. Membership here is authoritative for
// routing but never durable state.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		groups: make(map[string]map[*Client]bool),
	}
}

func orgGroup(orgID string) string     { return "org:" + orgID }
func agentGroup(agentID string) string { return "agent:" + agentID }

// join adds the client to a group. Called synchronously during connect
// handling, before any event from the connection is processed, so a command
// sent immediately after connect can't race the membership.
func (h *Hub) join(c *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*Client]bool)
		h.groups[group] = members
	}
	members[c] = true
	c.groups = append(c.groups, group)
}

// drop removes the client from every group it joined.
func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, group := range c.groups {
		members, ok := h.groups[group]
		if !ok {
			continue
		}
		delete(members, c)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	c.groups = nil
}

func (h *Hub) publish(group, event string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.groups[group] {
		select {
		case client.send <- Envelope{Event: event, Data: payload}:
		default:
			// Slow consumer; shed it rather than block the fan-out.
			logger.Warn("dropping slow connection", "group", group)
			go client.Close()
		}
	}
	broadcastsTotal.WithLabelValues(event).Inc()
}

// BroadcastToOrg publishes to every live connection in the organization
// group. No listeners is a no-op.
func (h *Hub) BroadcastToOrg(orgID, event string, payload any) {
	h.publish(orgGroup(orgID), event, payload)
}

// SendToAgent unicasts to the agent's private group.
func (h *Hub) SendToAgent(agentID, event string, payload any) {
	h.publish(agentGroup(agentID), event, payload)
}

// AgentConnected reports whether the agent has a live connection.
func (h *Hub) AgentConnected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[agentGroup(agentID)]) > 0
}
