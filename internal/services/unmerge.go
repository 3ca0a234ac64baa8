package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/crowdkit/crowdkit/internal/models"
	"gorm.io/gorm"
)

// IdentityRef names one identity in an unmerge request. An empty list means
// restore everything the snapshot recorded for the secondary.
type IdentityRef struct {
	Platform string `json:"platform" binding:"required"`
	Type     string `json:"type" binding:"required"`
	Value    string `json:"value" binding:"required"`
}

// UnmergeMembers reverses a completed member merge from its ledger snapshot:
// the secondary is recreated, its identities move back, its memberships and
// segment rows are restored, and the workflow relocates its activities.
func (s *MergeService) UnmergeMembers(ctx context.Context, tenantID string, primaryID, secondaryID uint, restore []IdentityRef, actorID string) (*MergeResult, error) {
	merged, err := s.audit.FindMerged(tenantID, models.EntityTypeMember, primaryID, secondaryID)
	if err != nil {
		return nil, err
	}
	if merged == nil {
		return nil, &NotFoundError{Message: "no completed merge found for this pair"}
	}
	if done, err := s.alreadyUnmerged(tenantID, models.EntityTypeMember, primaryID, secondaryID, merged.CreatedAt); err != nil {
		return nil, err
	} else if done {
		return &MergeResult{Status: http.StatusNonAuthoritativeInfo, MergedID: secondaryID}, nil
	}

	snap, err := merged.GetSnapshot()
	if err != nil {
		return nil, err
	}
	if snap.Secondary.Member == nil {
		return nil, fmt.Errorf("merge action %s snapshot has no member state", merged.ID)
	}

	keys, keyList := restoreKeySet(snap.Secondary.Identities, restore)
	if len(keys) == 0 {
		return nil, &NotFoundError{Message: "none of the requested identities are in the merge snapshot"}
	}

	action := &models.MergeAction{
		TenantID:    tenantID,
		EntityType:  models.EntityTypeMember,
		PrimaryID:   primaryID,
		SecondaryID: secondaryID,
		Step:        models.StepUnmergeStarted,
		ActionBy:    actorID,
		Snapshot:    merged.Snapshot,
	}

	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.audit.Begin(tx, action); err != nil {
			return err
		}

		if err := restoreMemberRow(tx, snap.Secondary.Member); err != nil {
			return err
		}
		if snap.Primary.Member != nil {
			if err := restoreMemberRow(tx, snap.Primary.Member); err != nil {
				return err
			}
		}

		if err := s.restoreIdentities(tx, tenantID, models.EntityTypeMember, primaryID, secondaryID, snap, keys); err != nil {
			return err
		}
		if err := restoreVerifiedFlags(tx, snap.Primary.Identities); err != nil {
			return err
		}

		if err := s.restoreMemberMemberships(tx, tenantID, snap, secondaryID); err != nil {
			return err
		}

		if err := s.restoreSegments(tx, tenantID, primaryID, snap.Primary.SegmentIDs); err != nil {
			return err
		}
		if err := s.restoreSegments(tx, tenantID, secondaryID, snap.Secondary.SegmentIDs); err != nil {
			return err
		}

		if err := s.restoreExclusions(tx, tenantID, models.EntityTypeMember, primaryID, snap.Primary.ExcludedIDs); err != nil {
			return err
		}
		if err := s.restoreExclusions(tx, tenantID, models.EntityTypeMember, secondaryID, snap.Secondary.ExcludedIDs); err != nil {
			return err
		}

		return s.audit.AdvanceStep(tx, action.ID, models.StepUnmergeSyncDone)
	})
	if txErr != nil {
		return nil, s.syncPhaseFailed(action, txErr)
	}

	return s.handOff(&WorkflowTask{
		Type:                 TaskTypeUnmergeFinalize,
		ActionID:             action.ID,
		TenantID:             tenantID,
		EntityType:           models.EntityTypeMember,
		PrimaryID:            primaryID,
		SecondaryID:          secondaryID,
		ActorID:              actorID,
		SyncStart:            time.Now(),
		RestoredIdentityKeys: keyList,
	})
}

// UnmergeOrganizations reverses a completed organization merge from its
// snapshot. Membership rows the merge re-pointed move back wholesale; member
// counts come straight from the snapshotted organization rows.
func (s *MergeService) UnmergeOrganizations(ctx context.Context, tenantID string, primaryID, secondaryID uint, actorID string) (*MergeResult, error) {
	merged, err := s.audit.FindMerged(tenantID, models.EntityTypeOrganization, primaryID, secondaryID)
	if err != nil {
		return nil, err
	}
	if merged == nil {
		return nil, &NotFoundError{Message: "no completed merge found for this pair"}
	}
	if done, err := s.alreadyUnmerged(tenantID, models.EntityTypeOrganization, primaryID, secondaryID, merged.CreatedAt); err != nil {
		return nil, err
	} else if done {
		return &MergeResult{Status: http.StatusNonAuthoritativeInfo, MergedID: secondaryID}, nil
	}

	snap, err := merged.GetSnapshot()
	if err != nil {
		return nil, err
	}
	if snap.Secondary.Organization == nil {
		return nil, fmt.Errorf("merge action %s snapshot has no organization state", merged.ID)
	}

	keys, keyList := restoreKeySet(snap.Secondary.Identities, nil)

	action := &models.MergeAction{
		TenantID:    tenantID,
		EntityType:  models.EntityTypeOrganization,
		PrimaryID:   primaryID,
		SecondaryID: secondaryID,
		Step:        models.StepUnmergeStarted,
		ActionBy:    actorID,
		Snapshot:    merged.Snapshot,
	}

	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.audit.Begin(tx, action); err != nil {
			return err
		}

		if err := restoreOrganizationRow(tx, snap.Secondary.Organization); err != nil {
			return err
		}
		if snap.Primary.Organization != nil {
			if err := restoreOrganizationRow(tx, snap.Primary.Organization); err != nil {
				return err
			}
		}

		if err := s.restoreIdentities(tx, tenantID, models.EntityTypeOrganization, primaryID, secondaryID, snap, keys); err != nil {
			return err
		}
		if err := restoreVerifiedFlags(tx, snap.Primary.Identities); err != nil {
			return err
		}

		// Every membership row the snapshot attributes to the secondary
		// points back at it. The merge only re-pointed these rows, so they
		// still exist under the primary.
		for _, m := range snap.Secondary.Memberships {
			if err := tx.Model(&models.OrganizationMembership{}).
				Where("id = ?", m.ID).
				Update("organization_id", secondaryID).Error; err != nil {
				return err
			}
		}

		if err := s.restoreExclusions(tx, tenantID, models.EntityTypeOrganization, primaryID, snap.Primary.ExcludedIDs); err != nil {
			return err
		}
		if err := s.restoreExclusions(tx, tenantID, models.EntityTypeOrganization, secondaryID, snap.Secondary.ExcludedIDs); err != nil {
			return err
		}

		return s.audit.AdvanceStep(tx, action.ID, models.StepUnmergeSyncDone)
	})
	if txErr != nil {
		return nil, s.syncPhaseFailed(action, txErr)
	}

	return s.handOff(&WorkflowTask{
		Type:                 TaskTypeUnmergeFinalize,
		ActionID:             action.ID,
		TenantID:             tenantID,
		EntityType:           models.EntityTypeOrganization,
		PrimaryID:            primaryID,
		SecondaryID:          secondaryID,
		ActorID:              actorID,
		SyncStart:            time.Now(),
		RestoredIdentityKeys: keyList,
	})
}

// alreadyUnmerged reports whether an UNMERGED action for the pair postdates
// the merge being reversed, making a repeat request a safe no-op.
func (s *MergeService) alreadyUnmerged(tenantID, entityType string, primaryID, secondaryID uint, mergedAt time.Time) (bool, error) {
	var count int64
	err := s.db.Model(&models.MergeAction{}).
		Where("tenant_id = ? AND entity_type = ? AND primary_id = ? AND secondary_id = ?",
			tenantID, entityType, primaryID, secondaryID).
		Where("state = ? AND created_at > ?", models.MergeStateUnmerged, mergedAt).
		Count(&count).Error
	return count > 0, err
}

// restoreKeySet intersects the snapshot's secondary identities with the
// requested refs (all of them when refs is empty) and returns both the set
// used for DB matching and the ordered list carried in the workflow task.
func restoreKeySet(snapshotIdentities []models.Identity, refs []IdentityRef) (map[string]bool, []string) {
	requested := make(map[string]bool, len(refs))
	for _, r := range refs {
		requested[IdentityKey(r.Platform, r.Type, r.Value)] = true
	}

	keys := make(map[string]bool, len(snapshotIdentities))
	var list []string
	for _, id := range snapshotIdentities {
		key := IdentityKey(id.Platform, id.Type, id.Value)
		if len(refs) > 0 && !requested[key] {
			continue
		}
		if !keys[key] {
			keys[key] = true
			list = append(list, key)
		}
	}
	return keys, list
}

// restoreIdentities gives the secondary its identities back. A key only the
// secondary held is moved back by re-pointing the primary's current row. A
// key both sides held pre-merge collapsed onto the primary's row during the
// merge, so the primary keeps its own row and the secondary's dropped copy is
// recreated from the snapshot.
func (s *MergeService) restoreIdentities(tx *gorm.DB, tenantID, entityType string, primaryID, secondaryID uint, snap *models.MergeSnapshot, keys map[string]bool) error {
	shared := make(map[string]bool, len(snap.Primary.Identities))
	for _, id := range snap.Primary.Identities {
		shared[IdentityKey(id.Platform, id.Type, id.Value)] = true
	}

	move := make(map[string]bool, len(keys))
	for key := range keys {
		if !shared[key] {
			move[key] = true
		}
	}
	if err := s.identities.MoveBack(tx, tenantID, entityType, primaryID, secondaryID, move); err != nil {
		return err
	}

	for _, id := range snap.Secondary.Identities {
		key := IdentityKey(id.Platform, id.Type, id.Value)
		if !keys[key] || !shared[key] {
			continue
		}
		row := id
		row.ID = 0
		row.EntityID = secondaryID
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

// restoreMemberRow writes the snapshotted member back, reviving the row when
// the merge soft-deleted it and recreating it when it is gone entirely.
func restoreMemberRow(tx *gorm.DB, snap *models.Member) error {
	restored := *snap
	restored.DeletedAt = gorm.DeletedAt{}

	var existing models.Member
	err := tx.Unscoped().First(&existing, snap.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&restored).Error
	}
	if err != nil {
		return err
	}
	return tx.Unscoped().Save(&restored).Error
}

func restoreOrganizationRow(tx *gorm.DB, snap *models.Organization) error {
	restored := *snap
	restored.DeletedAt = gorm.DeletedAt{}

	var existing models.Organization
	err := tx.Unscoped().First(&existing, snap.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&restored).Error
	}
	if err != nil {
		return err
	}
	return tx.Unscoped().Save(&restored).Error
}

// restoreVerifiedFlags undoes verified upgrades the merge applied to the
// surviving entity's identities.
func restoreVerifiedFlags(tx *gorm.DB, snapshotIdentities []models.Identity) error {
	for _, id := range snapshotIdentities {
		if id.Verified {
			continue
		}
		if err := tx.Model(&models.Identity{}).
			Where("id = ?", id.ID).
			Update("verified", false).Error; err != nil {
			return err
		}
	}
	return nil
}

// restoreMemberMemberships re-points the snapshot's secondary membership
// rows back at the secondary, recreating any row the merge collapsed as a
// duplicate. Collapsed rows also re-add a distinct member to their
// organization, so the maintained count goes back up.
func (s *MergeService) restoreMemberMemberships(tx *gorm.DB, tenantID string, snap *models.MergeSnapshot, secondaryID uint) error {
	primaryOrgs := make(map[uint]bool, len(snap.Primary.Memberships))
	for _, m := range snap.Primary.Memberships {
		primaryOrgs[m.OrganizationID] = true
	}

	incremented := make(map[uint]bool)
	for _, m := range snap.Secondary.Memberships {
		// The merge either re-pointed this row at the primary or, for a
		// duplicate, soft-deleted it. Look past the soft-delete scope so a
		// collapsed row is revived instead of colliding with a recreate on
		// its old primary key.
		var count int64
		if err := tx.Unscoped().Model(&models.OrganizationMembership{}).
			Where("id = ?", m.ID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			if err := tx.Unscoped().Model(&models.OrganizationMembership{}).
				Where("id = ?", m.ID).
				Updates(map[string]interface{}{"member_id": secondaryID, "deleted_at": nil}).Error; err != nil {
				return err
			}
		} else {
			row := m
			row.MemberID = secondaryID
			row.DeletedAt = gorm.DeletedAt{}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}

		if primaryOrgs[m.OrganizationID] && !incremented[m.OrganizationID] {
			incremented[m.OrganizationID] = true
			if err := tx.Model(&models.Organization{}).
				Where("id = ?", m.OrganizationID).
				Update("member_count", gorm.Expr("member_count + 1")).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

// restoreSegments resets a member's segment memberships to the snapshot.
func (s *MergeService) restoreSegments(tx *gorm.DB, tenantID string, memberID uint, segmentIDs []uint) error {
	if err := tx.Where("tenant_id = ? AND member_id = ?", tenantID, memberID).
		Delete(&models.SegmentMembership{}).Error; err != nil {
		return err
	}
	for _, segID := range segmentIDs {
		row := models.SegmentMembership{
			TenantID:  tenantID,
			MemberID:  memberID,
			SegmentID: segID,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

// restoreExclusions resets the rows an entity owns in the exclusion table to
// the snapshot. Rows where the entity is the excluded side belong to other
// entities and are left alone.
func (s *MergeService) restoreExclusions(tx *gorm.DB, tenantID, entityType string, entityID uint, excludedIDs []uint) error {
	if err := tx.Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", tenantID, entityType, entityID).
		Delete(&models.MergeExclusion{}).Error; err != nil {
		return err
	}
	for _, exID := range excludedIDs {
		row := models.MergeExclusion{
			TenantID:   tenantID,
			EntityType: entityType,
			EntityID:   entityID,
			ExcludedID: exID,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}
