package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetbeam/relay/internal/core/circuitbreaker"
	"github.com/fleetbeam/relay/internal/core/domain"
	"github.com/fleetbeam/relay/internal/core/logger"
	"github.com/fleetbeam/relay/internal/core/ports"
)

// TelemetryService ingests metric samples and alerts from agents, persists
// them, and republishes them verbatim to the agent's organization group.
// Persistence is best effort behind a circuit breaker: a hiccuping store is
// logged and skipped while dashboards keep receiving real-time data.
type TelemetryService struct {
	telemetryRepo ports.TelemetryRepository
	presence      *PresenceService
	broadcaster   ports.Broadcaster
	breaker       *circuitbreaker.CircuitBreaker
}

func NewTelemetryService(
	telemetryRepo ports.TelemetryRepository,
	presence *PresenceService,
	broadcaster ports.Broadcaster,
) *TelemetryService {
	return &TelemetryService{
		telemetryRepo: telemetryRepo,
		presence:      presence,
		broadcaster:   broadcaster,
		breaker:       circuitbreaker.New("telemetry-store"),
	}
}

// IngestMetric persists one sample (timestamp defaults to now), counts as
// liveness evidence for the agent, then broadcasts the payload verbatim to
// the organization. Broadcast happens regardless of persistence outcome.
func (s *TelemetryService) IngestMetric(ctx context.Context, agentID, orgID, metricType string, metricData domain.JSONMap, timestamp time.Time) {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	sample := &domain.MetricSample{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		MetricType: metricType,
		MetricData: metricData,
		Timestamp:  timestamp,
		CreatedAt:  time.Now(),
	}

	err := s.breaker.Execute(ctx, func() error {
		return s.telemetryRepo.CreateMetric(ctx, sample)
	})
	if err != nil {
		logger.Warn("metric persistence failed, broadcasting anyway",
			"agent_id", agentID, "metric_type", metricType, "error", err)
	}

	s.presence.Touch(ctx, agentID)

	s.broadcaster.BroadcastToOrg(orgID, domain.EventAgentMetrics, map[string]any{
		"agentId":    agentID,
		"metricType": metricType,
		"metricData": metricData,
		"timestamp":  timestamp,
	})

	s.evaluateThresholds(ctx, agentID, orgID, metricType, metricData)
}

// IngestAlert persists an agent-raised alert and broadcasts it to the
// organization, tagged with the agent id.
func (s *TelemetryService) IngestAlert(ctx context.Context, agentID, orgID, alertType string, severity domain.AlertSeverity, message string, details domain.JSONMap) {
	alert := &domain.Alert{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		AlertType: alertType,
		Severity:  severity,
		Message:   message,
		Details:   details,
		CreatedAt: time.Now(),
	}

	err := s.breaker.Execute(ctx, func() error {
		return s.telemetryRepo.CreateAlert(ctx, alert)
	})
	if err != nil {
		logger.Warn("alert persistence failed, broadcasting anyway",
			"agent_id", agentID, "alert_type", alertType, "error", err)
	}

	s.broadcaster.BroadcastToOrg(orgID, domain.EventAgentAlert, map[string]any{
		"agentId":   agentID,
		"alertType": alertType,
		"severity":  severity,
		"message":   message,
		"details":   details,
	})
}

// ListMetrics exposes stored samples for the REST layer.
func (s *TelemetryService) ListMetrics(ctx context.Context, agentID string, filter ports.MetricFilter) ([]*domain.MetricSample, error) {
	return s.telemetryRepo.ListMetrics(ctx, agentID, filter)
}

// ListAlerts exposes stored alerts for the REST layer.
func (s *TelemetryService) ListAlerts(ctx context.Context, agentID string, filter ports.AlertFilter) ([]*domain.Alert, error) {
	return s.telemetryRepo.ListAlerts(ctx, agentID, filter)
}

// ResolveAlert marks an alert resolved on behalf of a dashboard user.
func (s *TelemetryService) ResolveAlert(ctx context.Context, alertID, userID string) (*domain.Alert, error) {
	return s.telemetryRepo.ResolveAlert(ctx, alertID, userID)
}

// Threshold rules for well-known metric types. Agents submit opaque
// payloads; these keys are the conventional ones the fleet agents emit.
const (
	cpuWarnPercent      = 80.0
	cpuCriticalPercent  = 90.0
	memWarnPercent      = 80.0
	memCriticalPercent  = 90.0
	diskWarnPercent     = 75.0
	diskCriticalPercent = 90.0
	updatesWarnCount    = 10.0
)

func (s *TelemetryService) evaluateThresholds(ctx context.Context, agentID, orgID, metricType string, data domain.JSONMap) {
	switch metricType {
	case "system":
		s.checkGauge(ctx, agentID, orgID, data, "cpu_percent", "cpu", "CPU usage", cpuWarnPercent, cpuCriticalPercent)
		s.checkGauge(ctx, agentID, orgID, data, "memory_percent", "memory", "Memory usage", memWarnPercent, memCriticalPercent)
		s.checkGauge(ctx, agentID, orgID, data, "disk_percent", "disk", "Disk usage", diskWarnPercent, diskCriticalPercent)
	case "security":
		if enabled, ok := boolField(data, "firewall_enabled"); ok && !enabled {
			s.IngestAlert(ctx, agentID, orgID, "security", domain.AlertSeverityError,
				"Firewall is disabled", domain.JSONMap{"firewall_enabled": false})
		}
		if enabled, ok := boolField(data, "antivirus_enabled"); ok && !enabled {
			s.IngestAlert(ctx, agentID, orgID, "security", domain.AlertSeverityError,
				"Antivirus is disabled", domain.JSONMap{"antivirus_enabled": false})
		}
		if count, ok := numberField(data, "updates_available"); ok && count > updatesWarnCount {
			s.IngestAlert(ctx, agentID, orgID, "updates", domain.AlertSeverityWarning,
				fmt.Sprintf("%d updates available", int(count)),
				domain.JSONMap{"updates_available": count})
		}
	}
}

func (s *TelemetryService) checkGauge(ctx context.Context, agentID, orgID string, data domain.JSONMap, field, alertType, label string, warn, critical float64) {
	value, ok := numberField(data, field)
	if !ok {
		return
	}
	switch {
	case value > critical:
		s.IngestAlert(ctx, agentID, orgID, alertType, domain.AlertSeverityCritical,
			fmt.Sprintf("%s critical: %.1f%%", label, value), domain.JSONMap{field: value})
	case value > warn:
		s.IngestAlert(ctx, agentID, orgID, alertType, domain.AlertSeverityWarning,
			fmt.Sprintf("%s high: %.1f%%", label, value), domain.JSONMap{field: value})
	}
}

func numberField(data domain.JSONMap, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func boolField(data domain.JSONMap, key string) (bool, bool) {
	v, ok := data[key].(bool)
	return v, ok
}
