package services

import (
	"context"
	"fmt"

	"github.com/crowdkit/crowdkit/internal/models"
	"github.com/crowdkit/crowdkit/pkg/logger"
	"gorm.io/gorm"
)

// ActivityMutator rewrites one activity row during relocation. It returns
// true when it changed the row. Mutators must be idempotent: applying one
// to an already-relocated row is a no-op.
type ActivityMutator func(tx *gorm.DB, activity *models.Activity) (bool, error)

// ActivityRelocator rewrites activity foreign keys in batches. Each batch
// commits in its own transaction so partial progress survives a crash and
// re-running over already-moved rows changes nothing.
type ActivityRelocator struct {
	db           *gorm.DB
	affiliations *AffiliationService
	batchSize    int
}

func NewActivityRelocator(db *gorm.DB, affiliations *AffiliationService, batchSize int) *ActivityRelocator {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &ActivityRelocator{db: db, affiliations: affiliations, batchSize: batchSize}
}

// RelocateMemberActivities moves all activities owned by fromID to toID and
// recomputes their organization attribution for the new owner. When
// identityKeys is non-nil only activities whose (platform, username)
// identity is in the set move; unmerge uses this to pull back exactly the
// activities belonging to the restored identities.
func (r *ActivityRelocator) RelocateMemberActivities(ctx context.Context, tenantID string, fromID, toID uint, identityKeys map[string]bool) error {
	mutators := []ActivityMutator{
		r.reassignMember(fromID, toID),
		r.recomputeOrganization(tenantID),
	}

	var cursor uint
	moved := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var batch []models.Activity
		if err := r.db.Where("tenant_id = ? AND member_id = ? AND id > ?", tenantID, fromID, cursor).
			Order("id ASC").
			Limit(r.batchSize).
			Find(&batch).Error; err != nil {
			return fmt.Errorf("load activity batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		cursor = batch[len(batch)-1].ID

		err := r.db.Transaction(func(tx *gorm.DB) error {
			for i := range batch {
				a := &batch[i]
				if identityKeys != nil && !identityKeys[IdentityKey(a.Platform, models.IdentityTypeUsername, a.Username)] {
					continue
				}
				changed, err := applyMutators(tx, a, mutators)
				if err != nil {
					return err
				}
				if changed {
					moved++
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	logger.Info().
		Uint("from", fromID).
		Uint("to", toID).
		Int("moved", moved).
		Msg("member activities relocated")
	return nil
}

// RelocateOrganizationActivities re-points activity and activity-relation
// rows from one organization to another. Both tables move batch by batch;
// the relation table is swept separately afterwards so rows whose activity
// moved in an earlier crashed run still converge.
func (r *ActivityRelocator) RelocateOrganizationActivities(ctx context.Context, tenantID string, fromOrgID, toOrgID uint) error {
	var cursor uint
	moved := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var batch []models.Activity
		if err := r.db.Where("tenant_id = ? AND organization_id = ? AND id > ?", tenantID, fromOrgID, cursor).
			Order("id ASC").
			Limit(r.batchSize).
			Find(&batch).Error; err != nil {
			return fmt.Errorf("load activity batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		cursor = batch[len(batch)-1].ID

		ids := make([]uint, 0, len(batch))
		for _, a := range batch {
			ids = append(ids, a.ID)
		}

		err := r.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&models.Activity{}).
				Where("id IN ?", ids).
				Update("organization_id", toOrgID).Error; err != nil {
				return err
			}
			return tx.Model(&models.ActivityRelation{}).
				Where("activity_id IN ?", ids).
				Update("organization_id", toOrgID).Error
		})
		if err != nil {
			return err
		}
		moved += len(batch)
	}

	// Catch relation rows left behind by a previous partial run.
	if err := r.db.Model(&models.ActivityRelation{}).
		Where("tenant_id = ? AND organization_id = ?", tenantID, fromOrgID).
		Update("organization_id", toOrgID).Error; err != nil {
		return fmt.Errorf("sweep activity relations: %w", err)
	}

	logger.Info().
		Uint("from", fromOrgID).
		Uint("to", toOrgID).
		Int("moved", moved).
		Msg("organization activities relocated")
	return nil
}

// RecomputeOrganizationAttribution re-resolves the affiliation of every
// activity currently attributed to orgID. After an organization unmerge the
// membership rows have moved back, so activities whose member now resolves
// to the restored organization follow them.
func (r *ActivityRelocator) RecomputeOrganizationAttribution(ctx context.Context, tenantID string, orgID uint) error {
	mutators := []ActivityMutator{r.recomputeOrganization(tenantID)}

	var cursor uint
	changed := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var batch []models.Activity
		if err := r.db.Where("tenant_id = ? AND organization_id = ? AND id > ?", tenantID, orgID, cursor).
			Order("id ASC").
			Limit(r.batchSize).
			Find(&batch).Error; err != nil {
			return fmt.Errorf("load activity batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		cursor = batch[len(batch)-1].ID

		err := r.db.Transaction(func(tx *gorm.DB) error {
			for i := range batch {
				c, err := applyMutators(tx, &batch[i], mutators)
				if err != nil {
					return err
				}
				if c {
					changed++
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	logger.Info().
		Uint("org", orgID).
		Int("changed", changed).
		Msg("organization attribution recomputed")
	return nil
}

func applyMutators(tx *gorm.DB, activity *models.Activity, mutators []ActivityMutator) (bool, error) {
	changed := false
	for _, mutate := range mutators {
		c, err := mutate(tx, activity)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}
	return changed, nil
}

// reassignMember is the first relocation pass: rewrite the owner key and
// mirror it into the relation row.
func (r *ActivityRelocator) reassignMember(fromID, toID uint) ActivityMutator {
	return func(tx *gorm.DB, a *models.Activity) (bool, error) {
		if a.MemberID != fromID {
			return false, nil
		}
		a.MemberID = toID
		if err := tx.Model(&models.Activity{}).
			Where("id = ?", a.ID).
			Update("member_id", toID).Error; err != nil {
			return false, err
		}
		err := tx.Model(&models.ActivityRelation{}).
			Where("activity_id = ?", a.ID).
			Update("member_id", toID).Error
		return true, err
	}
}

// recomputeOrganization is the second pass: a changed owner can change
// which organization the activity should be attributed to, so resolve the
// affiliation against the current owner at the activity's own timestamp.
func (r *ActivityRelocator) recomputeOrganization(tenantID string) ActivityMutator {
	return func(tx *gorm.DB, a *models.Activity) (bool, error) {
		orgID, err := r.affiliations.FindAffiliation(tx, tenantID, a.MemberID, a.SegmentID, a.Timestamp)
		if err != nil {
			return false, err
		}
		if uintPtrEqual(a.OrganizationID, orgID) {
			return false, nil
		}
		a.OrganizationID = orgID
		if err := tx.Model(&models.Activity{}).
			Where("id = ?", a.ID).
			Update("organization_id", orgID).Error; err != nil {
			return false, err
		}
		err = tx.Model(&models.ActivityRelation{}).
			Where("activity_id = ?", a.ID).
			Update("organization_id", orgID).Error
		return true, err
	}
}

func uintPtrEqual(a, b *uint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
