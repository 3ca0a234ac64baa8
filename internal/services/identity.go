package services

import (
	"fmt"
	"strings"

	"github.com/crowdkit/crowdkit/internal/models"
	"gorm.io/gorm"
)

// IdentityService reconciles identity sets when entities merge.
type IdentityService struct {
	db *gorm.DB
}

func NewIdentityService(db *gorm.DB) *IdentityService {
	return &IdentityService{db: db}
}

// IdentityKey is the case-insensitive dedup key for an identity. Platform
// usernames and emails are both compared lowercased.
func IdentityKey(platform, idType, value string) string {
	return strings.ToLower(platform) + ":" + strings.ToLower(idType) + ":" + strings.ToLower(value)
}

// IdentityPlan is the outcome of planning a merge of two identity sets.
type IdentityPlan struct {
	// Move are secondary identities with no duplicate on primary; their
	// entity_id is re-pointed.
	Move []models.Identity
	// Upgrade are primary identity ids whose unverified copy is upgraded
	// because the incoming duplicate is verified.
	Upgrade []uint
	// Drop are secondary identity ids that duplicate a primary identity and
	// are deleted.
	Drop []uint
}

// PlanIdentityMerge decides, for every secondary identity, whether it moves
// to the primary, upgrades an existing unverified duplicate, or is dropped.
// Verified status is never downgraded.
func PlanIdentityMerge(primary, secondary []models.Identity) IdentityPlan {
	existing := make(map[string]*models.Identity, len(primary))
	for i := range primary {
		id := &primary[i]
		existing[IdentityKey(id.Platform, id.Type, id.Value)] = id
	}

	var plan IdentityPlan
	for _, inc := range secondary {
		key := IdentityKey(inc.Platform, inc.Type, inc.Value)
		cur, ok := existing[key]
		if !ok {
			plan.Move = append(plan.Move, inc)
			// Later duplicates within the secondary set itself collapse too.
			moved := inc
			existing[key] = &moved
			continue
		}
		if !cur.Verified && inc.Verified {
			if cur.ID != 0 {
				plan.Upgrade = append(plan.Upgrade, cur.ID)
			}
			cur.Verified = true
		}
		if inc.ID != 0 {
			plan.Drop = append(plan.Drop, inc.ID)
		}
	}
	return plan
}

// ListForEntity loads all identities attached to an entity.
func (s *IdentityService) ListForEntity(db *gorm.DB, tenantID, entityType string, entityID uint) ([]models.Identity, error) {
	var identities []models.Identity
	err := db.Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", tenantID, entityType, entityID).
		Order("id ASC").
		Find(&identities).Error
	return identities, err
}

// ApplyMerge executes a plan inside the caller's transaction, re-pointing
// moved identities at newOwnerID.
func (s *IdentityService) ApplyMerge(tx *gorm.DB, plan IdentityPlan, newOwnerID uint) error {
	if len(plan.Move) > 0 {
		ids := make([]uint, 0, len(plan.Move))
		for _, id := range plan.Move {
			ids = append(ids, id.ID)
		}
		if err := tx.Model(&models.Identity{}).
			Where("id IN ?", ids).
			Update("entity_id", newOwnerID).Error; err != nil {
			return fmt.Errorf("move identities: %w", err)
		}
	}
	if len(plan.Upgrade) > 0 {
		if err := tx.Model(&models.Identity{}).
			Where("id IN ?", plan.Upgrade).
			Update("verified", true).Error; err != nil {
			return fmt.Errorf("upgrade identities: %w", err)
		}
	}
	if len(plan.Drop) > 0 {
		if err := tx.Where("id IN ?", plan.Drop).
			Delete(&models.Identity{}).Error; err != nil {
			return fmt.Errorf("drop duplicate identities: %w", err)
		}
	}
	return nil
}

// MoveBack re-points specific identities (matched by key) from the current
// owner to the restored entity during unmerge.
func (s *IdentityService) MoveBack(tx *gorm.DB, tenantID, entityType string, fromID, toID uint, keys map[string]bool) error {
	var current []models.Identity
	if err := tx.Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", tenantID, entityType, fromID).
		Find(&current).Error; err != nil {
		return err
	}

	var ids []uint
	for _, id := range current {
		if keys[IdentityKey(id.Platform, id.Type, id.Value)] {
			ids = append(ids, id.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return tx.Model(&models.Identity{}).
		Where("id IN ?", ids).
		Update("entity_id", toID).Error
}
