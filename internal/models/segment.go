package models

import "time"

// Segment is a sub-community (a project, a workspace) inside a tenant.
type Segment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TenantID  string    `gorm:"size:64;index;not null" json:"tenant_id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Segment) TableName() string { return "segments" }

// SegmentMembership records which segments a member is active in.
type SegmentMembership struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TenantID  string    `gorm:"size:64;index;not null" json:"tenant_id"`
	MemberID  uint      `gorm:"uniqueIndex:idx_member_segment;not null" json:"member_id"`
	SegmentID uint      `gorm:"uniqueIndex:idx_member_segment;not null" json:"segment_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (SegmentMembership) TableName() string { return "segment_memberships" }
