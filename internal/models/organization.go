package models

import (
	"time"

	"gorm.io/gorm"
)

// Organization represents a company or community an individual can belong to.
type Organization struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	TenantID    string `gorm:"size:64;index;not null" json:"tenant_id"`
	DisplayName string `gorm:"size:255" json:"display_name"`
	Description string `gorm:"type:text" json:"description"`
	// MemberCount is a maintained aggregate, updated when memberships move.
	// The affiliation tie-break reads it instead of running a live join.
	MemberCount           int            `gorm:"default:0" json:"member_count"`
	ManuallyChangedFields string         `gorm:"type:text" json:"manually_changed_fields"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	DeletedAt             gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Organization) TableName() string { return "organizations" }
