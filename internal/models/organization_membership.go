package models

import (
	"time"

	"gorm.io/gorm"
)

// OrganizationMembership ties a member to an organization over a date range.
// Both dates may be null, which represents unknown-dated employment.
// Overlapping memberships are legal (board seats, advisor roles).
type OrganizationMembership struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	TenantID       string     `gorm:"size:64;index;not null" json:"tenant_id"`
	MemberID       uint       `gorm:"index;not null" json:"member_id"`
	OrganizationID uint       `gorm:"index;not null" json:"organization_id"`
	Title          string     `gorm:"size:255" json:"title"`
	DateStart      *time.Time `json:"date_start"`
	DateEnd        *time.Time `json:"date_end"`
	Source         string     `gorm:"size:64" json:"source"`
	// PrimaryWorkspace marks the membership a user explicitly flagged as the
	// member's main organization; it short-circuits the affiliation tie-break.
	PrimaryWorkspace bool           `gorm:"default:false" json:"primary_workspace"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

func (OrganizationMembership) TableName() string { return "organization_memberships" }

// IsUnknownDated reports whether both ends of the range are open.
func (m *OrganizationMembership) IsUnknownDated() bool {
	return m.DateStart == nil && m.DateEnd == nil
}

// Covers reports whether ts falls inside the membership's date range.
// Open ends extend the range to infinity on that side; fully open ranges
// never "cover" a timestamp, they are handled by the unknown-dated fallback.
func (m *OrganizationMembership) Covers(ts time.Time) bool {
	if m.IsUnknownDated() {
		return false
	}
	if m.DateStart != nil && ts.Before(*m.DateStart) {
		return false
	}
	if m.DateEnd != nil && ts.After(*m.DateEnd) {
		return false
	}
	return true
}

// SpanSeconds returns the length of the date range for tie-breaking.
// Open-ended ranges count as longest.
func (m *OrganizationMembership) SpanSeconds() int64 {
	if m.DateStart == nil || m.DateEnd == nil {
		return 1<<62 - 1
	}
	return int64(m.DateEnd.Sub(*m.DateStart).Seconds())
}
