package models

import "time"

// MergeLock pins an entity to one in-flight merge action. The unique index
// on (entity_type, entity_id) turns the ledger's read-then-write conflict
// check into a constraint the database enforces: a second merge touching
// either entity fails the insert instead of racing past the check.
type MergeLock struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	EntityType string    `gorm:"size:20;uniqueIndex:idx_merge_lock_entity;not null" json:"entity_type"`
	EntityID   uint      `gorm:"uniqueIndex:idx_merge_lock_entity;not null" json:"entity_id"`
	ActionID   string    `gorm:"size:36;index;not null" json:"action_id"`
	LockedAt   time.Time `json:"locked_at"`
}

func (MergeLock) TableName() string { return "merge_locks" }
