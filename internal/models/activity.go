package models

import "time"

// Activity is one unit of member activity ingested from a platform
// (a commit, a post, a reply). The table is append-mostly and high volume;
// merges only ever rewrite its foreign keys, in batches.
type Activity struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	TenantID       string    `gorm:"size:64;index;not null" json:"tenant_id"`
	MemberID       uint      `gorm:"index;not null" json:"member_id"`
	OrganizationID *uint     `gorm:"index" json:"organization_id"`
	SegmentID      uint      `gorm:"index;not null" json:"segment_id"`
	Platform       string    `gorm:"size:64;not null" json:"platform"`
	Type           string    `gorm:"size:64" json:"type"`
	Username       string    `gorm:"size:255" json:"username"`
	Timestamp      time.Time `gorm:"index;not null" json:"timestamp"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Activity) TableName() string { return "activities" }

// ActivityRelation is a narrow companion row keyed by organization, used by
// org-scoped listings without touching the wide activities table. It must
// stay consistent with the activity it mirrors when organizations merge.
type ActivityRelation struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	TenantID       string    `gorm:"size:64;index;not null" json:"tenant_id"`
	ActivityID     uint      `gorm:"uniqueIndex;not null" json:"activity_id"`
	MemberID       uint      `gorm:"index;not null" json:"member_id"`
	OrganizationID *uint     `gorm:"index" json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (ActivityRelation) TableName() string { return "activity_relations" }
