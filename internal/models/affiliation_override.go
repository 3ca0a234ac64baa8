package models

import "time"

// AffiliationOverride is a user-set affiliation for a member inside a
// segment. It takes precedence over derived memberships. A null
// OrganizationID means the member is explicitly unaffiliated in that window.
type AffiliationOverride struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	TenantID       string     `gorm:"size:64;index;not null" json:"tenant_id"`
	MemberID       uint       `gorm:"index;not null" json:"member_id"`
	SegmentID      uint       `gorm:"index;not null" json:"segment_id"`
	OrganizationID *uint      `json:"organization_id"`
	DateStart      *time.Time `json:"date_start"`
	DateEnd        *time.Time `json:"date_end"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (AffiliationOverride) TableName() string { return "affiliation_overrides" }

// AppliesAt reports whether the override is valid at ts. Open ends extend
// the window on that side.
func (a *AffiliationOverride) AppliesAt(ts time.Time) bool {
	if a.DateStart != nil && ts.Before(*a.DateStart) {
		return false
	}
	if a.DateEnd != nil && ts.After(*a.DateEnd) {
		return false
	}
	return true
}
