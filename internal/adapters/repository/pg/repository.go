package pg

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fleetbeam/relay/internal/core/domain"
	"github.com/fleetbeam/relay/internal/core/ports"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(dsn string) (*Repository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	db.Exec("CREATE EXTENSION IF NOT EXISTS \"uuid-ossp\"")

	if err := db.AutoMigrate(
		&domain.Organization{},
		&domain.Agent{},
		&domain.Command{},
		&domain.MetricSample{},
		&domain.Alert{},
	); err != nil {
		return nil, err
	}

	return &Repository{db: db}, nil
}

// DB returns the underlying gorm DB instance, used by the health checker.
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// Agent methods

func (r *Repository) Create(ctx context.Context, agent *domain.Agent) error {
	return r.db.WithContext(ctx).Create(agent).Error
}

func (r *Repository) Update(ctx context.Context, agent *domain.Agent) error {
	return r.db.WithContext(ctx).Save(agent).Error
}

func (r *Repository) UpdateStatus(ctx context.Context, id string, status domain.AgentStatus, lastSeen time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.Agent{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":    status,
			"last_seen": lastSeen,
		}).Error
}

func (r *Repository) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var agent domain.Agent
	if err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAgentNotFound
		}
		return nil, err
	}
	return &agent, nil
}

func (r *Repository) GetAgentByAPIKey(ctx context.Context, apiKey string) (*domain.Agent, error) {
	var agent domain.Agent
	if err := r.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&agent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAgentNotFound
		}
		return nil, err
	}
	return &agent, nil
}

func (r *Repository) GetAgentByHostname(ctx context.Context, orgID, hostname string) (*domain.Agent, error) {
	var agent domain.Agent
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND hostname = ?", orgID, hostname).
		First(&agent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAgentNotFound
		}
		return nil, err
	}
	return &agent, nil
}

func (r *Repository) ListAgents(ctx context.Context, orgID string, status domain.AgentStatus, offset, limit int) ([]*domain.Agent, int64, error) {
	q := r.db.WithContext(ctx).Model(&domain.Agent{}).Where("organization_id = ?", orgID)
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var agents []*domain.Agent
	if err := q.Order("last_seen desc").Offset(offset).Limit(limit).Find(&agents).Error; err != nil {
		return nil, 0, err
	}
	return agents, total, nil
}

func (r *Repository) ListByStatus(ctx context.Context, status domain.AgentStatus) ([]*domain.Agent, error) {
	var agents []*domain.Agent
	if err := r.db.WithContext(ctx).Where("status = ?", status).Find(&agents).Error; err != nil {
		return nil, err
	}
	return agents, nil
}

// Organization methods

func (r *Repository) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Organization, error) {
	var org domain.Organization
	if err := r.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&org).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAuthentication
		}
		return nil, err
	}
	return &org, nil
}

// Command methods

func (r *Repository) CreateCommand(ctx context.Context, cmd *domain.Command) error {
	return r.db.WithContext(ctx).Create(cmd).Error
}

func (r *Repository) UpdateCommand(ctx context.Context, cmd *domain.Command) error {
	return r.db.WithContext(ctx).Save(cmd).Error
}

func (r *Repository) GetCommand(ctx context.Context, id string) (*domain.Command, error) {
	var cmd domain.Command
	if err := r.db.WithContext(ctx).First(&cmd, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCommandNotFound
		}
		return nil, err
	}
	return &cmd, nil
}

func (r *Repository) ListPending(ctx context.Context, agentID string) ([]*domain.Command, error) {
	var cmds []*domain.Command
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND status = ?", agentID, domain.CommandStatusPending).
		Order("created_at asc").
		Find(&cmds).Error
	if err != nil {
		return nil, err
	}
	return cmds, nil
}

func (r *Repository) CountPending(ctx context.Context, agentID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Command{}).
		Where("agent_id = ? AND status = ?", agentID, domain.CommandStatusPending).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Repository) ListByAgent(ctx context.Context, agentID string, status domain.CommandStatus, limit int) ([]*domain.Command, error) {
	q := r.db.WithContext(ctx).Where("agent_id = ?", agentID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var cmds []*domain.Command
	if err := q.Order("created_at desc").Limit(limit).Find(&cmds).Error; err != nil {
		return nil, err
	}
	return cmds, nil
}

func (r *Repository) ListSentBefore(ctx context.Context, cutoff time.Time) ([]*domain.Command, error) {
	var cmds []*domain.Command
	err := r.db.WithContext(ctx).
		Where("status = ? AND sent_at < ?", domain.CommandStatusSent, cutoff).
		Find(&cmds).Error
	if err != nil {
		return nil, err
	}
	return cmds, nil
}

// Telemetry methods

func (r *Repository) CreateMetric(ctx context.Context, sample *domain.MetricSample) error {
	return r.db.WithContext(ctx).Create(sample).Error
}

func (r *Repository) ListMetrics(ctx context.Context, agentID string, filter ports.MetricFilter) ([]*domain.MetricSample, error) {
	q := r.db.WithContext(ctx).Where("agent_id = ?", agentID)
	if filter.MetricType != "" {
		q = q.Where("metric_type = ?", filter.MetricType)
	}
	if !filter.From.IsZero() {
		q = q.Where("timestamp >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		q = q.Where("timestamp <= ?", filter.To)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var samples []*domain.MetricSample
	if err := q.Order("timestamp desc").Limit(limit).Find(&samples).Error; err != nil {
		return nil, err
	}
	return samples, nil
}

func (r *Repository) CreateAlert(ctx context.Context, alert *domain.Alert) error {
	return r.db.WithContext(ctx).Create(alert).Error
}

func (r *Repository) ListAlerts(ctx context.Context, agentID string, filter ports.AlertFilter) ([]*domain.Alert, error) {
	q := r.db.WithContext(ctx).Where("agent_id = ?", agentID)
	if filter.Resolved != nil {
		q = q.Where("resolved = ?", *filter.Resolved)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var alerts []*domain.Alert
	if err := q.Order("created_at desc").Limit(limit).Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r *Repository) ResolveAlert(ctx context.Context, alertID, userID string) (*domain.Alert, error) {
	var alert domain.Alert
	if err := r.db.WithContext(ctx).First(&alert, "id = ?", alertID).Error; err != nil {
		return nil, err
	}
	now := time.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	alert.ResolvedBy = userID
	if err := r.db.WithContext(ctx).Save(&alert).Error; err != nil {
		return nil, err
	}
	return &alert, nil
}
