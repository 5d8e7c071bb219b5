package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetbeam/relay/internal/core/domain"
	"github.com/fleetbeam/relay/internal/core/logger"
	"github.com/fleetbeam/relay/internal/core/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards connect cross-origin
	},
}

// Gateway is the front door: it authenticates the handshake, places the
// connection into its broadcast groups, and routes inbound events to the
// presence tracker, telemetry fan-out and command dispatcher by principal
// kind.
type Gateway struct {
	hub       *Hub
	auth      *services.AuthService
	presence  *services.PresenceService
	telemetry *services.TelemetryService
	commands  *services.CommandService
}

func NewGateway(
	hub *Hub,
	auth *services.AuthService,
	presence *services.PresenceService,
	telemetry *services.TelemetryService,
	commands *services.CommandService,
) *Gateway {
	return &Gateway{
		hub:       hub,
		auth:      auth,
		presence:  presence,
		telemetry: telemetry,
		commands:  commands,
	}
}

// credential pulls the handshake secret: agents send their api key, and
// dashboards their session token, either as a bearer header or a query
// parameter (browser websocket clients cannot set headers).
func credential(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if token := r.Header.Get("X-Session-Token"); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// ServeWS handles a new transport-level connection. Authentication happens
// before the upgrade; a bad credential is rejected with no state changes.
// Group joins complete before the read loop starts so no event from this
// connection can race its own membership.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	principal, err := g.auth.Authenticate(r.Context(), credential(r))
	if err != nil {
		http.Error(w, `{"error": "authentication failed"}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(g.hub, conn, *principal)
	go client.writePump()

	switch principal.Kind {
	case domain.PrincipalAgent:
		g.hub.join(client, agentGroup(principal.AgentID))
		g.hub.join(client, orgGroup(principal.OrganizationID))
		g.presence.OnAgentConnect(r.Context(), principal.AgentID, principal.OrganizationID)
	case domain.PrincipalDashboard:
		g.hub.join(client, orgGroup(principal.OrganizationID))
		if snapshot, err := g.presence.OnDashboardConnect(r.Context(), principal.OrganizationID); err == nil {
			client.unicast(domain.EventAgentsStatus, map[string]any{"agents": snapshot})
		} else {
			logger.Warn("agent snapshot failed", "org_id", principal.OrganizationID, "error", err)
		}
	}

	connectionsActive.WithLabelValues(string(principal.Kind)).Inc()
	logger.Info("connection established",
		"kind", principal.Kind, "org_id", principal.OrganizationID,
		"agent_id", principal.AgentID, "user_id", principal.UserID)

	go g.readPump(client)
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// readPump processes inbound events strictly in arrival order. On transport
// close, disconnect handling runs exactly once regardless of which side or
// error caused it.
func (g *Gateway) readPump(c *Client) {
	defer func() {
		g.hub.drop(c)
		c.Close()
		connectionsActive.WithLabelValues(string(c.principal.Kind)).Dec()
		if c.principal.Kind == domain.PrincipalAgent {
			g.presence.OnAgentDisconnect(context.Background(), c.principal.AgentID, c.principal.OrganizationID)
		}
		logger.Info("connection closed", "kind", c.principal.Kind, "agent_id", c.principal.AgentID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("read error", "error", err)
			}
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.Debug("malformed frame ignored", "error", err)
			continue
		}
		g.route(c, frame)
	}
}

// route dispatches one inbound event by principal kind. Unrecognized event
// names are ignored, not fatal.
func (g *Gateway) route(c *Client, frame inboundFrame) {
	eventsTotal.WithLabelValues(frame.Event).Inc()

	switch c.principal.Kind {
	case domain.PrincipalAgent:
		g.routeAgent(c, frame)
	case domain.PrincipalDashboard:
		g.routeDashboard(c, frame)
	}
}

type metricsPayload struct {
	MetricType string         `json:"metricType"`
	MetricData domain.JSONMap `json:"metricData"`
	Timestamp  *time.Time     `json:"timestamp,omitempty"`
}

type alertPayload struct {
	AlertType string         `json:"alertType"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   domain.JSONMap `json:"details,omitempty"`
}

type commandResultPayload struct {
	CommandID string         `json:"commandId"`
	Result    domain.JSONMap `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type commandSendPayload struct {
	AgentID     string         `json:"agentId"`
	CommandType string         `json:"commandType"`
	CommandData domain.JSONMap `json:"commandData"`
}

func (g *Gateway) routeAgent(c *Client, frame inboundFrame) {
	ctx := context.Background()
	agentID := c.principal.AgentID
	orgID := c.principal.OrganizationID

	switch frame.Event {
	case domain.EventMetrics:
		var p metricsPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			logger.Debug("bad metrics payload", "agent_id", agentID, "error", err)
			return
		}
		var ts time.Time
		if p.Timestamp != nil {
			ts = *p.Timestamp
		}
		g.telemetry.IngestMetric(ctx, agentID, orgID, p.MetricType, p.MetricData, ts)

	case domain.EventAlert:
		var p alertPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			logger.Debug("bad alert payload", "agent_id", agentID, "error", err)
			return
		}
		g.telemetry.IngestAlert(ctx, agentID, orgID, p.AlertType,
			domain.AlertSeverity(strings.ToUpper(p.Severity)), p.Message, p.Details)

	case domain.EventCommandResult:
		var p commandResultPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			logger.Debug("bad command result payload", "agent_id", agentID, "error", err)
			return
		}
		g.commands.RecordResult(ctx, p.CommandID, p.Result, p.Error)

	case domain.EventHeartbeat:
		g.presence.OnHeartbeat(ctx, agentID)

	default:
		logger.Debug("unknown agent event ignored", "event", frame.Event, "agent_id", agentID)
	}
}

func (g *Gateway) routeDashboard(c *Client, frame inboundFrame) {
	switch frame.Event {
	case domain.EventCommandSend:
		var p commandSendPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			c.unicast(domain.EventError, map[string]any{"message": "malformed command payload"})
			return
		}
		cmd, err := g.commands.CreateAndSend(context.Background(),
			c.principal.OrganizationID, p.AgentID, p.CommandType, p.CommandData, c.principal.UserID)
		if err != nil {
			// Validation failures reach the issuing dashboard only.
			if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrBacklogFull) {
				c.unicast(domain.EventError, map[string]any{"message": err.Error()})
			} else {
				logger.Error("command dispatch failed", "agent_id", p.AgentID, "error", err)
				c.unicast(domain.EventError, map[string]any{"message": "command dispatch failed"})
			}
			return
		}
		c.unicast(domain.EventCommandSent, map[string]any{
			"commandId": cmd.ID,
			"status":    cmd.Status,
		})

	default:
		logger.Debug("unknown dashboard event ignored",
			"event", frame.Event, "user_id", c.principal.UserID)
	}
}
