package domain

import "time"

type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "PENDING"
	CommandStatusSent      CommandStatus = "SENT"
	CommandStatusCompleted CommandStatus = "COMPLETED"
	CommandStatusFailed    CommandStatus = "FAILED"
)

// Terminal reports whether no further transition is legal.
func (s CommandStatus) Terminal() bool {
	return s == CommandStatusCompleted || s == CommandStatusFailed
}

type Command struct {
	ID          string        `json:"id" gorm:"primaryKey;type:uuid"`
	AgentID     string        `json:"agent_id" gorm:"type:uuid;index"`
	CreatedBy   string        `json:"created_by"`
	CommandType string        `json:"command_type"`
	CommandData JSONMap       `json:"command_data"`
	Status      CommandStatus `json:"status" gorm:"index"`
	Result      JSONMap       `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at" gorm:"index"`
	SentAt      *time.Time    `json:"sent_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

func (Command) TableName() string {
	return "agent_commands"
}
