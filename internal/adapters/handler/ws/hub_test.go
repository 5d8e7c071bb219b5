package ws

import (
	"testing"

	"github.com/fleetbeam/relay/internal/core/domain"
)

func testClient() *Client {
	return &Client{send: make(chan Envelope, 8)}
}

func received(c *Client) []Envelope {
	var out []Envelope
	for {
		select {
		case env := <-c.send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestBroadcastToOrg(t *testing.T) {
	hub := NewHub()
	dash1 := testClient()
	dash2 := testClient()
	foreign := testClient()
	hub.join(dash1, orgGroup("org-1"))
	hub.join(dash2, orgGroup("org-1"))
	hub.join(foreign, orgGroup("org-2"))

	hub.BroadcastToOrg("org-1", domain.EventAgentMetrics, map[string]any{"cpu": 50})

	for i, c := range []*Client{dash1, dash2} {
		got := received(c)
		if len(got) != 1 {
			t.Fatalf("member %d received %d frames, want 1", i, len(got))
		}
		if got[0].Event != domain.EventAgentMetrics {
			t.Errorf("event = %s", got[0].Event)
		}
	}
	if len(received(foreign)) != 0 {
		t.Errorf("broadcast leaked across organizations")
	}
}

func TestBroadcastToEmptyGroupIsNoop(t *testing.T) {
	hub := NewHub()
	hub.BroadcastToOrg("org-none", domain.EventAgentAlert, nil)
}

func TestSendToAgent(t *testing.T) {
	hub := NewHub()
	agent := testClient()
	dashboard := testClient()
	hub.join(agent, agentGroup("agent-1"))
	hub.join(agent, orgGroup("org-1"))
	hub.join(dashboard, orgGroup("org-1"))

	hub.SendToAgent("agent-1", domain.EventCommand, map[string]any{"commandId": "c-1"})

	if got := received(agent); len(got) != 1 || got[0].Event != domain.EventCommand {
		t.Errorf("agent frames = %v", got)
	}
	if len(received(dashboard)) != 0 {
		t.Errorf("unicast reached the organization group")
	}
}

func TestAgentConnected(t *testing.T) {
	hub := NewHub()
	agent := testClient()

	if hub.AgentConnected("agent-1") {
		t.Errorf("no connection yet")
	}

	hub.join(agent, agentGroup("agent-1"))
	if !hub.AgentConnected("agent-1") {
		t.Errorf("agent should be connected after join")
	}

	hub.drop(agent)
	if hub.AgentConnected("agent-1") {
		t.Errorf("agent still connected after drop")
	}
}

func TestDropRemovesAllMemberships(t *testing.T) {
	hub := NewHub()
	agent := testClient()
	hub.join(agent, agentGroup("agent-1"))
	hub.join(agent, orgGroup("org-1"))

	hub.drop(agent)

	hub.BroadcastToOrg("org-1", domain.EventAgentAlert, nil)
	hub.SendToAgent("agent-1", domain.EventCommand, nil)
	if len(received(agent)) != 0 {
		t.Errorf("dropped client still receiving")
	}
	if len(agent.groups) != 0 {
		t.Errorf("client group list not cleared: %v", agent.groups)
	}
}
