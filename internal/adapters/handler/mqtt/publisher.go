package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fleetbeam/relay/internal/core/logger"
	"github.com/fleetbeam/relay/internal/core/ports"
)

// Mirror wraps a Broadcaster and republishes organization broadcasts onto an
// MQTT broker, one topic per organization and event. External consumers
// (alerting pipelines, recorders) subscribe there instead of holding a
// websocket open. Unicasts and connectivity checks pass through untouched.
type Mirror struct {
	inner  ports.Broadcaster
	client mqtt.Client
	prefix string
}

// NewMirror connects to the broker and returns the mirroring Broadcaster.
func NewMirror(inner ports.Broadcaster, brokerURL string) (*Mirror, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("agent-relay-%d", time.Now().UnixNano()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	logger.Info("connected to MQTT broker", "broker", brokerURL)
	return &Mirror{
		inner:  inner,
		client: client,
		prefix: "relay",
	}, nil
}

func (m *Mirror) BroadcastToOrg(orgID, event string, payload any) {
	m.inner.BroadcastToOrg(orgID, event, payload)

	data, err := json.Marshal(map[string]any{
		"event":   event,
		"payload": payload,
	})
	if err != nil {
		logger.Error("mqtt mirror marshal failed", "event", event, "error", err)
		return
	}
	// Topic: relay/org/{org_id}/{event}
	topic := fmt.Sprintf("%s/org/%s/%s", m.prefix, orgID, event)
	m.client.Publish(topic, 0, false, data)
}

func (m *Mirror) SendToAgent(agentID, event string, payload any) {
	m.inner.SendToAgent(agentID, event, payload)
}

func (m *Mirror) AgentConnected(agentID string) bool {
	return m.inner.AgentConnected(agentID)
}

func (m *Mirror) Close() {
	m.client.Disconnect(250)
}
