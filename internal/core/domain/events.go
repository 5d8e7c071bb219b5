package domain

// Event names on the wire. Inbound names are what agents and dashboards
// send; outbound names are what the relay publishes.
const (
	// Agent -> relay
	EventMetrics       = "metrics"
	EventAlert         = "alert"
	EventCommandResult = "command:result"
	EventHeartbeat     = "heartbeat"

	// Dashboard -> relay
	EventCommandSend = "command:send"

	// Relay -> agent
	EventCommand = "command"

	// Relay -> dashboards (organization-scoped)
	EventAgentMetrics       = "agent:metrics"
	EventAgentAlert         = "agent:alert"
	EventAgentCommandResult = "agent:command:result"
	EventAgentConnected     = "agent:connected"
	EventAgentDisconnected  = "agent:disconnected"
	EventAgentsStatus       = "agents:status"
	EventCommandSent        = "command:sent"
	EventError              = "error"
)
