package models

import "time"

// MergeExclusion marks a pair of entities a user declared "not the same",
// so candidate suggestion never proposes them again. When an entity is
// absorbed by a merge, its exclusions are re-parented onto the survivor.
type MergeExclusion struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   string    `gorm:"size:64;index;not null" json:"tenant_id"`
	EntityType string    `gorm:"size:20;uniqueIndex:idx_exclusion_pair;not null" json:"entity_type"`
	EntityID   uint      `gorm:"uniqueIndex:idx_exclusion_pair;not null" json:"entity_id"`
	ExcludedID uint      `gorm:"uniqueIndex:idx_exclusion_pair;not null" json:"excluded_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func (MergeExclusion) TableName() string { return "merge_exclusions" }
