package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Member represents a person aggregated from one or more data sources.
type Member struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	TenantID    string     `gorm:"size:64;index;not null" json:"tenant_id"`
	DisplayName string     `gorm:"size:255" json:"display_name"`
	JoinedAt    *time.Time `json:"joined_at"`
	Reach       int        `gorm:"default:0" json:"reach"`
	Score       float64    `gorm:"default:0" json:"score"`
	// Attributes holds platform-keyed enrichment data as a JSON object,
	// e.g. {"location": {"github": "Berlin", "custom": "DE"}}.
	Attributes string `gorm:"type:text" json:"attributes"`
	// ManuallyChangedFields is a JSON array of field names edited by a
	// user; merges never overwrite these with secondary values.
	ManuallyChangedFields string         `gorm:"type:text" json:"manually_changed_fields"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	DeletedAt             gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Member) TableName() string { return "members" }

// AttributesMap decodes the JSON attributes column. A missing or invalid
// column yields an empty map.
func (m *Member) AttributesMap() map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{})
	if m.Attributes == "" {
		return out
	}
	if err := json.Unmarshal([]byte(m.Attributes), &out); err != nil {
		return make(map[string]map[string]interface{})
	}
	return out
}

// SetAttributes encodes attrs back into the JSON column.
func (m *Member) SetAttributes(attrs map[string]map[string]interface{}) {
	data, err := json.Marshal(attrs)
	if err != nil {
		return
	}
	m.Attributes = string(data)
}

// ManualFields returns the list of manually edited field names.
func (m *Member) ManualFields() []string {
	if m.ManuallyChangedFields == "" {
		return nil
	}
	var fields []string
	if err := json.Unmarshal([]byte(m.ManuallyChangedFields), &fields); err != nil {
		return nil
	}
	return fields
}

// IsManuallyChanged reports whether field was edited by a user.
func (m *Member) IsManuallyChanged(field string) bool {
	for _, f := range m.ManualFields() {
		if f == field {
			return true
		}
	}
	return false
}
