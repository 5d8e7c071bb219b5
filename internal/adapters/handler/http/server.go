package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/fleetbeam/relay/internal/adapters/handler/ws"
	"github.com/fleetbeam/relay/internal/core/domain"
	"github.com/fleetbeam/relay/internal/core/logger"
	"github.com/fleetbeam/relay/internal/core/ports"
	"github.com/fleetbeam/relay/internal/core/services"
)

type Server struct {
	router    *chi.Mux
	inner     *http.Server
	authSvc   *services.AuthService
	healthSvc *services.HealthService
	telemetry *services.TelemetryService
	commands  *services.CommandService
	agentRepo ports.AgentRepository
	presence  ports.PresenceCache
	gateway   *ws.Gateway
}

func NewServer(
	authSvc *services.AuthService,
	healthSvc *services.HealthService,
	telemetry *services.TelemetryService,
	commands *services.CommandService,
	agentRepo ports.AgentRepository,
	presence ports.PresenceCache,
	gateway *ws.Gateway,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		authSvc:   authSvc,
		healthSvc: healthSvc,
		telemetry: telemetry,
		commands:  commands,
		agentRepo: agentRepo,
		presence:  presence,
		gateway:   gateway,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(MetricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		MetricsHandler().ServeHTTP(w, r)
	})

	// Kubernetes probes
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/health/detailed", s.handleDetailedHealth)

	// Real-time gateway
	s.router.Get("/ws", s.gateway.ServeWS)

	s.router.Route("/api/agents", func(r chi.Router) {
		r.With(s.requireOrgKey).Post("/register", s.handleRegisterAgent)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Get("/", s.handleListAgents)
			r.Get("/{id}", s.handleGetAgent)
			r.Get("/{id}/metrics", s.handleListMetrics)
			r.Get("/{id}/alerts", s.handleListAlerts)
			r.Put("/{id}/alerts/{alertId}/resolve", s.handleResolveAlert)
			r.Post("/{id}/commands", s.handleCreateCommand)
			r.Get("/{id}/commands", s.handleListCommands)
		})
	})
}

func (s *Server) Run(addr string) error {
	s.inner = &http.Server{Addr: addr, Handler: s.router}
	return s.inner.ListenAndServe()
}

// Shutdown drains in-flight requests and stops accepting new ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.inner == nil {
		return nil
	}
	return s.inner.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Auth middlewares

type ctxKey int

const (
	ctxOrganization ctxKey = iota
	ctxPrincipal
)

func orgKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	header := r.Header.Get("Authorization")
	return strings.TrimPrefix(header, "Bearer ")
}

// requireOrgKey authenticates the provisioning endpoint with an
// organization api key.
func (s *Server) requireOrgKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org, err := s.authSvc.AuthenticateOrganization(r.Context(), orgKey(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		ctx := context.WithValue(r.Context(), ctxOrganization, org)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireSession authenticates dashboard endpoints with a session token.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		principal, err := s.authSvc.AuthenticateDashboard(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid session token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxPrincipal, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func orgFrom(r *http.Request) *domain.Organization {
	org, _ := r.Context().Value(ctxOrganization).(*domain.Organization)
	return org
}

func principalFrom(r *http.Request) *domain.Principal {
	p, _ := r.Context().Value(ctxPrincipal).(*domain.Principal)
	return p
}

// Agent provisioning

type registerAgentRequest struct {
	Hostname     string `json:"hostname"`
	IPAddress    string `json:"ipAddress,omitempty"`
	OSType       string `json:"osType"`
	OSVersion    string `json:"osVersion,omitempty"`
	AgentVersion string `json:"agentVersion"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Hostname == "" {
		writeError(w, http.StatusBadRequest, "hostname is required")
		return
	}
	org := orgFrom(r)

	existing, err := s.agentRepo.GetAgentByHostname(r.Context(), org.ID, req.Hostname)
	if err == nil {
		existing.IPAddress = req.IPAddress
		existing.OSType = req.OSType
		existing.OSVersion = req.OSVersion
		existing.AgentVersion = req.AgentVersion
		existing.LastSeen = time.Now()
		if err := s.agentRepo.Update(r.Context(), existing); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update agent")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":           existing.ID,
			"apiKey":       existing.APIKey,
			"websocketUrl": websocketURL(r),
			"status":       "updated",
		})
		return
	}
	if !errors.Is(err, domain.ErrAgentNotFound) {
		writeError(w, http.StatusInternalServerError, "failed to register agent")
		return
	}

	agent := &domain.Agent{
		ID:             uuid.New().String(),
		OrganizationID: org.ID,
		Hostname:       req.Hostname,
		IPAddress:      req.IPAddress,
		OSType:         req.OSType,
		OSVersion:      req.OSVersion,
		AgentVersion:   req.AgentVersion,
		APIKey:         services.NewAgentAPIKey(),
		Status:         domain.AgentStatusOffline,
		LastSeen:       time.Now(),
	}
	if err := s.agentRepo.Create(r.Context(), agent); err != nil {
		logger.Error("agent registration failed", "hostname", req.Hostname, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register agent")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           agent.ID,
		"apiKey":       agent.APIKey,
		"websocketUrl": websocketURL(r),
		"status":       "created",
	})
}

func websocketURL(r *http.Request) string {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + "/ws"
}

// Dashboard queries

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	status := domain.AgentStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	agents, total, err := s.agentRepo.ListAgents(r.Context(), principal.OrganizationID, status, offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	// Overlay live status from the presence cache; the durable record can
	// lag a crash.
	ids := make([]string, len(agents))
	for i, agent := range agents {
		ids[i] = agent.ID
	}
	if active, err := s.presence.ActiveAgents(r.Context(), ids); err == nil {
		for _, agent := range agents {
			if active[agent.ID] {
				agent.Status = domain.AgentStatusActive
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// agentForRequest loads the path agent and enforces the caller's
// organization boundary.
func (s *Server) agentForRequest(w http.ResponseWriter, r *http.Request) *domain.Agent {
	principal := principalFrom(r)
	agent, err := s.agentRepo.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil || agent.OrganizationID != principal.OrganizationID {
		writeError(w, http.StatusNotFound, "agent not found")
		return nil
	}
	return agent
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent := s.agentForRequest(w, r)
	if agent == nil {
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	agent := s.agentForRequest(w, r)
	if agent == nil {
		return
	}
	filter := ports.MetricFilter{
		MetricType: r.URL.Query().Get("metricType"),
		Limit:      queryInt(r, "limit", 100),
	}
	if from := r.URL.Query().Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			filter.From = t
		}
	}
	if to := r.URL.Query().Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = t
		}
	}
	metrics, err := s.telemetry.ListMetrics(r.Context(), agent.ID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list metrics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": metrics})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	agent := s.agentForRequest(w, r)
	if agent == nil {
		return
	}
	filter := ports.AlertFilter{
		Severity: domain.AlertSeverity(strings.ToUpper(r.URL.Query().Get("severity"))),
		Limit:    queryInt(r, "limit", 100),
	}
	if resolved := r.URL.Query().Get("resolved"); resolved != "" {
		value := resolved == "true"
		filter.Resolved = &value
	}
	alerts, err := s.telemetry.ListAlerts(r.Context(), agent.ID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	agent := s.agentForRequest(w, r)
	if agent == nil {
		return
	}
	principal := principalFrom(r)
	alert, err := s.telemetry.ResolveAlert(r.Context(), chi.URLParam(r, "alertId"), principal.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

type createCommandRequest struct {
	CommandType string         `json:"commandType"`
	CommandData domain.JSONMap `json:"commandData"`
}

func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	var req createCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.CommandType == "" {
		writeError(w, http.StatusBadRequest, "commandType is required")
		return
	}

	cmd, err := s.commands.CreateAndSend(r.Context(),
		principal.OrganizationID, chi.URLParam(r, "id"), req.CommandType, req.CommandData, principal.UserID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			writeError(w, http.StatusNotFound, "agent not found")
		case errors.Is(err, domain.ErrBacklogFull):
			writeError(w, http.StatusTooManyRequests, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to create command")
		}
		return
	}
	commandsTotal.WithLabelValues(string(cmd.Status)).Inc()
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	agent := s.agentForRequest(w, r)
	if agent == nil {
		return
	}
	status := domain.CommandStatus(strings.ToUpper(r.URL.Query().Get("status")))
	commands, err := s.commands.ListByAgent(r.Context(), agent.ID, status, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": commands})
}

// Health

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthSvc.CheckHealth(r.Context())

	statusCode := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, report)
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	if key == "limit" && (parsed == 0 || parsed > 1000) {
		return fallback
	}
	return parsed
}
