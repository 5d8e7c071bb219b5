package domain

import "time"

// Organization is the multi-tenancy boundary. The relay only reads it to
// resolve credentials and scope broadcasts; records are provisioned by the
// external CRUD API.
type Organization struct {
	ID        string    `json:"id" gorm:"primaryKey;type:uuid"`
	Name      string    `json:"name"`
	APIKey    string    `json:"-" gorm:"uniqueIndex"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Organization) TableName() string {
	return "organizations"
}
