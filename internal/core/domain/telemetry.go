package domain

import "time"

type MetricSample struct {
	ID         string    `json:"id" gorm:"primaryKey;type:uuid"`
	AgentID    string    `json:"agent_id" gorm:"type:uuid;index"`
	MetricType string    `json:"metric_type" gorm:"index"`
	MetricData JSONMap   `json:"metric_data"`
	Timestamp  time.Time `json:"timestamp" gorm:"index"`
	CreatedAt  time.Time `json:"created_at"`
}

func (MetricSample) TableName() string {
	return "agent_metrics"
}

type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "INFO"
	AlertSeverityWarning  AlertSeverity = "WARNING"
	AlertSeverityError    AlertSeverity = "ERROR"
	AlertSeverityCritical AlertSeverity = "CRITICAL"
)

type Alert struct {
	ID         string        `json:"id" gorm:"primaryKey;type:uuid"`
	AgentID    string        `json:"agent_id" gorm:"type:uuid;index"`
	AlertType  string        `json:"alert_type"`
	Severity   AlertSeverity `json:"severity" gorm:"index"`
	Message    string        `json:"message"`
	Details    JSONMap       `json:"details,omitempty"`
	Resolved   bool          `json:"resolved" gorm:"default:false;index"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
	ResolvedBy string        `json:"resolved_by,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

func (Alert) TableName() string {
	return "agent_alerts"
}
