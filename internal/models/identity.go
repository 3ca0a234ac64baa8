package models

import "time"

// Entity types referenced by identities, merge actions and locks.
const (
	EntityTypeMember       = "member"
	EntityTypeOrganization = "organization"
)

// Identity value kinds.
const (
	IdentityTypeUsername = "username"
	IdentityTypeEmail    = "email"
)

// Identity is a platform handle or email attached to an entity. Usernames
// and emails are compared case-insensitively; verified identities win over
// unverified duplicates during reconciliation.
type Identity struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   string    `gorm:"size:64;index:idx_identity_lookup;not null" json:"tenant_id"`
	EntityType string    `gorm:"size:20;index;not null" json:"entity_type"`
	EntityID   uint      `gorm:"index;not null" json:"entity_id"`
	Platform   string    `gorm:"size:64;index:idx_identity_lookup;not null" json:"platform"`
	Type       string    `gorm:"size:20;index:idx_identity_lookup;not null" json:"type"`
	Value      string    `gorm:"size:255;index:idx_identity_lookup;not null" json:"value"`
	Verified   bool      `gorm:"default:false" json:"verified"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Identity) TableName() string { return "identities" }
