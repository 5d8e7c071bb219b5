package domain

import "time"

type AgentStatus string

const (
	AgentStatusActive  AgentStatus = "ACTIVE"
	AgentStatusOffline AgentStatus = "OFFLINE"
)

type Agent struct {
	ID             string      `json:"id" gorm:"primaryKey;type:uuid"`
	OrganizationID string      `json:"organization_id" gorm:"type:uuid;index;uniqueIndex:idx_agents_org_hostname"`
	Hostname       string      `json:"hostname" gorm:"uniqueIndex:idx_agents_org_hostname"`
	IPAddress      string      `json:"ip_address,omitempty"`
	OSType         string      `json:"os_type"`
	OSVersion      string      `json:"os_version,omitempty"`
	AgentVersion   string      `json:"agent_version"`
	APIKey         string      `json:"-" gorm:"uniqueIndex"`
	Status         AgentStatus `json:"status"`
	LastSeen       time.Time   `json:"last_seen"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func (Agent) TableName() string {
	return "agents"
}

// AgentSummary is the dashboard-facing view of an agent, used in the
// agents:status snapshot sent on dashboard connect.
type AgentSummary struct {
	ID       string      `json:"agentId"`
	Hostname string      `json:"hostname"`
	Status   AgentStatus `json:"status"`
	LastSeen time.Time   `json:"lastSeen"`
}

func (a *Agent) Summary() AgentSummary {
	return AgentSummary{
		ID:       a.ID,
		Hostname: a.Hostname,
		Status:   a.Status,
		LastSeen: a.LastSeen,
	}
}
