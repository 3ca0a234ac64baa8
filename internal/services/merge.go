package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/crowdkit/crowdkit/internal/models"
	"github.com/crowdkit/crowdkit/pkg/logger"
	"gorm.io/gorm"
)

// MergeResult is returned to the API layer after the synchronous phase.
// Status follows the merge contract: 200 committed, 203 no-op (same id or
// already merged), 409 sync phase committed but the workflow hand-off found
// a continuation already running.
type MergeResult struct {
	Status   int    `json:"status"`
	MergedID uint   `json:"merged_id"`
	ActionID string `json:"action_id,omitempty"`
}

// MergeService orchestrates entity merges: the synchronous transactional
// phase here, the asynchronous phase through the workflow engine.
type MergeService struct {
	db         *gorm.DB
	audit      *MergeAuditService
	identities *IdentityService
	engine     WorkflowEngine
}

func NewMergeService(db *gorm.DB, audit *MergeAuditService, identities *IdentityService, engine WorkflowEngine) *MergeService {
	return &MergeService{
		db:         db,
		audit:      audit,
		identities: identities,
		engine:     engine,
	}
}

// MergeMembers merges secondary into primary. The relational mutation
// commits in one transaction; activity relocation and propagation continue
// in the durable workflow.
func (s *MergeService) MergeMembers(ctx context.Context, tenantID string, primaryID, secondaryID uint, actorID string) (*MergeResult, error) {
	if primaryID == secondaryID {
		return &MergeResult{Status: http.StatusNonAuthoritativeInfo, MergedID: primaryID}, nil
	}

	var primary models.Member
	if err := s.db.Where("tenant_id = ?", tenantID).First(&primary, primaryID).Error; err != nil {
		return nil, notFoundOr(err, "primary member not found")
	}

	var secondary models.Member
	if err := s.db.Where("tenant_id = ?", tenantID).First(&secondary, secondaryID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Retried call after a completed merge: the secondary is gone
			// and the ledger confirms why. Safe no-op.
			done, ferr := s.audit.FindMerged(tenantID, models.EntityTypeMember, primaryID, secondaryID)
			if ferr == nil && done != nil {
				return &MergeResult{Status: http.StatusNonAuthoritativeInfo, MergedID: primaryID}, nil
			}
			return nil, notFoundOr(err, "secondary member not found")
		}
		return nil, err
	}

	snapshot, err := s.buildMemberSnapshot(tenantID, &primary, &secondary)
	if err != nil {
		return nil, err
	}

	action := &models.MergeAction{
		TenantID:    tenantID,
		EntityType:  models.EntityTypeMember,
		PrimaryID:   primaryID,
		SecondaryID: secondaryID,
		Step:        models.StepMergeStarted,
		ActionBy:    actorID,
	}
	if err := action.SetSnapshot(snapshot); err != nil {
		return nil, err
	}

	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.audit.Begin(tx, action); err != nil {
			return err
		}

		plan := PlanIdentityMerge(snapshot.Primary.Identities, snapshot.Secondary.Identities)
		if err := s.identities.ApplyMerge(tx, plan, primaryID); err != nil {
			return err
		}

		MergeMemberFields(&primary, &secondary)
		if err := tx.Save(&primary).Error; err != nil {
			return fmt.Errorf("save merged member: %w", err)
		}

		if err := s.moveMemberships(tx, tenantID, secondaryID, primaryID); err != nil {
			return err
		}

		if err := s.mergeSegments(tx, tenantID, secondaryID, primaryID); err != nil {
			return err
		}

		if err := s.mergeExclusions(tx, tenantID, models.EntityTypeMember, secondaryID, primaryID); err != nil {
			return err
		}

		if err := tx.Delete(&secondary).Error; err != nil {
			return fmt.Errorf("retire secondary member: %w", err)
		}

		return s.audit.AdvanceStep(tx, action.ID, models.StepMergeSyncDone)
	})
	if txErr != nil {
		return nil, s.syncPhaseFailed(action, txErr)
	}

	return s.handOff(&WorkflowTask{
		Type:        TaskTypeMergeFinalize,
		ActionID:    action.ID,
		TenantID:    tenantID,
		EntityType:  models.EntityTypeMember,
		PrimaryID:   primaryID,
		SecondaryID: secondaryID,
		ActorID:     actorID,
		SyncStart:   time.Now(),
	})
}

// MergeOrganizations merges secondary into primary, re-pointing membership
// rows and collapsing members that belonged to both.
func (s *MergeService) MergeOrganizations(ctx context.Context, tenantID string, primaryID, secondaryID uint, actorID string) (*MergeResult, error) {
	if primaryID == secondaryID {
		return &MergeResult{Status: http.StatusNonAuthoritativeInfo, MergedID: primaryID}, nil
	}

	var primary models.Organization
	if err := s.db.Where("tenant_id = ?", tenantID).First(&primary, primaryID).Error; err != nil {
		return nil, notFoundOr(err, "primary organization not found")
	}

	var secondary models.Organization
	if err := s.db.Where("tenant_id = ?", tenantID).First(&secondary, secondaryID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			done, ferr := s.audit.FindMerged(tenantID, models.EntityTypeOrganization, primaryID, secondaryID)
			if ferr == nil && done != nil {
				return &MergeResult{Status: http.StatusNonAuthoritativeInfo, MergedID: primaryID}, nil
			}
			return nil, notFoundOr(err, "secondary organization not found")
		}
		return nil, err
	}

	snapshot, err := s.buildOrganizationSnapshot(tenantID, &primary, &secondary)
	if err != nil {
		return nil, err
	}

	action := &models.MergeAction{
		TenantID:    tenantID,
		EntityType:  models.EntityTypeOrganization,
		PrimaryID:   primaryID,
		SecondaryID: secondaryID,
		Step:        models.StepMergeStarted,
		ActionBy:    actorID,
	}
	if err := action.SetSnapshot(snapshot); err != nil {
		return nil, err
	}

	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.audit.Begin(tx, action); err != nil {
			return err
		}

		plan := PlanIdentityMerge(snapshot.Primary.Identities, snapshot.Secondary.Identities)
		if err := s.identities.ApplyMerge(tx, plan, primaryID); err != nil {
			return err
		}

		MergeOrganizationFields(&primary, &secondary)

		collapsed, err := s.moveOrgMemberships(tx, tenantID, secondaryID, primaryID)
		if err != nil {
			return err
		}
		// Members that belonged to both orgs count once after the merge.
		primary.MemberCount -= collapsed
		if primary.MemberCount < 0 {
			primary.MemberCount = 0
		}
		if err := tx.Save(&primary).Error; err != nil {
			return fmt.Errorf("save merged organization: %w", err)
		}

		if err := s.mergeExclusions(tx, tenantID, models.EntityTypeOrganization, secondaryID, primaryID); err != nil {
			return err
		}

		if err := tx.Delete(&secondary).Error; err != nil {
			return fmt.Errorf("retire secondary organization: %w", err)
		}

		return s.audit.AdvanceStep(tx, action.ID, models.StepMergeSyncDone)
	})
	if txErr != nil {
		return nil, s.syncPhaseFailed(action, txErr)
	}

	return s.handOff(&WorkflowTask{
		Type:        TaskTypeMergeFinalize,
		ActionID:    action.ID,
		TenantID:    tenantID,
		EntityType:  models.EntityTypeOrganization,
		PrimaryID:   primaryID,
		SecondaryID: secondaryID,
		ActorID:     actorID,
		SyncStart:   time.Now(),
	})
}

// handOff starts (or resumes) the durable workflow after the sync phase
// committed. An already-running continuation is reported as 409 without
// undoing the commit.
func (s *MergeService) handOff(task *WorkflowTask) (*MergeResult, error) {
	if err := s.engine.Start(task); err != nil {
		if errors.Is(err, ErrWorkflowRunning) {
			return &MergeResult{Status: http.StatusConflict, MergedID: task.PrimaryID, ActionID: task.ActionID}, nil
		}
		// Hand-off failure is not a merge failure: the sweeper re-drives
		// any action stuck past the sync step.
		logger.Error().Err(err).Str("action_id", task.ActionID).Msg("workflow start failed")
	}
	return &MergeResult{Status: http.StatusOK, MergedID: task.PrimaryID, ActionID: task.ActionID}, nil
}

// syncPhaseFailed maps the rolled-back transaction to the caller error and
// records the failure in the ledger. Conflicts pass through untouched.
func (s *MergeService) syncPhaseFailed(action *models.MergeAction, txErr error) error {
	var conflict *ConflictError
	if errors.As(txErr, &conflict) {
		return conflict
	}
	// The rollback removed the in-transaction ledger row; re-create it in
	// ERROR state so the failure stays observable.
	failed := *action
	failed.State = models.MergeStateError
	if err := s.db.Create(&failed).Error; err != nil {
		logger.Error().Err(err).Msg("failed to record merge error")
	}
	return fmt.Errorf("merge sync phase failed: %w", txErr)
}

// buildMemberSnapshot captures both members before any mutation.
func (s *MergeService) buildMemberSnapshot(tenantID string, primary, secondary *models.Member) (*models.MergeSnapshot, error) {
	snap := &models.MergeSnapshot{
		EntityType: models.EntityTypeMember,
		CapturedAt: time.Now(),
	}

	for _, side := range []struct {
		member *models.Member
		state  *models.EntityState
	}{
		{primary, &snap.Primary},
		{secondary, &snap.Secondary},
	} {
		m := *side.member
		side.state.Member = &m

		identities, err := s.identities.ListForEntity(s.db, tenantID, models.EntityTypeMember, m.ID)
		if err != nil {
			return nil, err
		}
		side.state.Identities = identities

		if err := s.db.Where("tenant_id = ? AND member_id = ?", tenantID, m.ID).
			Order("id ASC").
			Find(&side.state.Memberships).Error; err != nil {
			return nil, err
		}

		var segments []models.SegmentMembership
		if err := s.db.Where("tenant_id = ? AND member_id = ?", tenantID, m.ID).
			Find(&segments).Error; err != nil {
			return nil, err
		}
		for _, seg := range segments {
			side.state.SegmentIDs = append(side.state.SegmentIDs, seg.SegmentID)
		}

		var exclusions []models.MergeExclusion
		if err := s.db.Where("tenant_id = ? AND entity_type = ? AND entity_id = ?",
			tenantID, models.EntityTypeMember, m.ID).
			Find(&exclusions).Error; err != nil {
			return nil, err
		}
		for _, ex := range exclusions {
			side.state.ExcludedIDs = append(side.state.ExcludedIDs, ex.ExcludedID)
		}
	}

	return snap, nil
}

// buildOrganizationSnapshot captures both organizations before mutation.
// Memberships here are the rows pointing at each organization.
func (s *MergeService) buildOrganizationSnapshot(tenantID string, primary, secondary *models.Organization) (*models.MergeSnapshot, error) {
	snap := &models.MergeSnapshot{
		EntityType: models.EntityTypeOrganization,
		CapturedAt: time.Now(),
	}

	for _, side := range []struct {
		org   *models.Organization
		state *models.EntityState
	}{
		{primary, &snap.Primary},
		{secondary, &snap.Secondary},
	} {
		o := *side.org
		side.state.Organization = &o

		identities, err := s.identities.ListForEntity(s.db, tenantID, models.EntityTypeOrganization, o.ID)
		if err != nil {
			return nil, err
		}
		side.state.Identities = identities

		if err := s.db.Where("tenant_id = ? AND organization_id = ?", tenantID, o.ID).
			Order("id ASC").
			Find(&side.state.Memberships).Error; err != nil {
			return nil, err
		}

		var exclusions []models.MergeExclusion
		if err := s.db.Where("tenant_id = ? AND entity_type = ? AND entity_id = ?",
			tenantID, models.EntityTypeOrganization, o.ID).
			Find(&exclusions).Error; err != nil {
			return nil, err
		}
		for _, ex := range exclusions {
			side.state.ExcludedIDs = append(side.state.ExcludedIDs, ex.ExcludedID)
		}
	}

	return snap, nil
}

// moveMemberships re-points the secondary member's organization memberships
// at the primary. A membership duplicating one the primary already holds
// (same organization and date range) collapses, and the organization's
// maintained member count drops by one for the lost distinct member.
func (s *MergeService) moveMemberships(tx *gorm.DB, tenantID string, fromMemberID, toMemberID uint) error {
	var existing []models.OrganizationMembership
	if err := tx.Where("tenant_id = ? AND member_id = ?", tenantID, toMemberID).
		Find(&existing).Error; err != nil {
		return err
	}

	var moving []models.OrganizationMembership
	if err := tx.Where("tenant_id = ? AND member_id = ?", tenantID, fromMemberID).
		Find(&moving).Error; err != nil {
		return err
	}

	primaryOrgs := make(map[uint]bool, len(existing))
	for _, m := range existing {
		primaryOrgs[m.OrganizationID] = true
	}

	decremented := make(map[uint]bool)
	for _, m := range moving {
		if hasDuplicateMembership(existing, m) {
			if err := tx.Delete(&models.OrganizationMembership{}, m.ID).Error; err != nil {
				return err
			}
		} else {
			if err := tx.Model(&models.OrganizationMembership{}).
				Where("id = ?", m.ID).
				Update("member_id", toMemberID).Error; err != nil {
				return err
			}
		}
		// Either way the organization loses one distinct member when the
		// primary was already affiliated with it. Once per org, no matter
		// how many membership rows moved.
		if primaryOrgs[m.OrganizationID] && !decremented[m.OrganizationID] {
			decremented[m.OrganizationID] = true
			if err := tx.Model(&models.Organization{}).
				Where("id = ? AND member_count > 0", m.OrganizationID).
				Update("member_count", gorm.Expr("member_count - 1")).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

func hasDuplicateMembership(existing []models.OrganizationMembership, m models.OrganizationMembership) bool {
	for _, e := range existing {
		if e.OrganizationID == m.OrganizationID &&
			timePtrEqual(e.DateStart, m.DateStart) &&
			timePtrEqual(e.DateEnd, m.DateEnd) {
			return true
		}
	}
	return false
}

// moveOrgMemberships re-points membership rows from the absorbed
// organization and returns how many collapsed because the member already
// belonged to the surviving one.
func (s *MergeService) moveOrgMemberships(tx *gorm.DB, tenantID string, fromOrgID, toOrgID uint) (int, error) {
	var existing []models.OrganizationMembership
	if err := tx.Where("tenant_id = ? AND organization_id = ?", tenantID, toOrgID).
		Find(&existing).Error; err != nil {
		return 0, err
	}
	existingMembers := make(map[uint]bool, len(existing))
	for _, m := range existing {
		existingMembers[m.MemberID] = true
	}

	var moving []models.OrganizationMembership
	if err := tx.Where("tenant_id = ? AND organization_id = ?", tenantID, fromOrgID).
		Find(&moving).Error; err != nil {
		return 0, err
	}

	collapsed := 0
	seenMovers := make(map[uint]bool)
	for _, m := range moving {
		if existingMembers[m.MemberID] && !seenMovers[m.MemberID] {
			collapsed++
		}
		seenMovers[m.MemberID] = true
		if err := tx.Model(&models.OrganizationMembership{}).
			Where("id = ?", m.ID).
			Update("organization_id", toOrgID).Error; err != nil {
			return 0, err
		}
	}
	return collapsed, nil
}

// mergeSegments gives the primary the union of both members' segment
// memberships and removes the secondary's rows.
func (s *MergeService) mergeSegments(tx *gorm.DB, tenantID string, fromMemberID, toMemberID uint) error {
	var fromSegments []models.SegmentMembership
	if err := tx.Where("tenant_id = ? AND member_id = ?", tenantID, fromMemberID).
		Find(&fromSegments).Error; err != nil {
		return err
	}

	for _, seg := range fromSegments {
		var count int64
		if err := tx.Model(&models.SegmentMembership{}).
			Where("tenant_id = ? AND member_id = ? AND segment_id = ?", tenantID, toMemberID, seg.SegmentID).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			row := models.SegmentMembership{
				TenantID:  tenantID,
				MemberID:  toMemberID,
				SegmentID: seg.SegmentID,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
	}

	return tx.Where("tenant_id = ? AND member_id = ?", tenantID, fromMemberID).
		Delete(&models.SegmentMembership{}).Error
}

// mergeExclusions re-parents the secondary's "not the same entity" rows
// onto the primary and drops any row tying the pair to each other.
func (s *MergeService) mergeExclusions(tx *gorm.DB, tenantID, entityType string, fromID, toID uint) error {
	// The pair itself can no longer be excluded from anything.
	if err := tx.Where("tenant_id = ? AND entity_type = ?", tenantID, entityType).
		Where("(entity_id = ? AND excluded_id = ?) OR (entity_id = ? AND excluded_id = ?)", fromID, toID, toID, fromID).
		Delete(&models.MergeExclusion{}).Error; err != nil {
		return err
	}

	var rows []models.MergeExclusion
	if err := tx.Where("tenant_id = ? AND entity_type = ?", tenantID, entityType).
		Where("entity_id = ? OR excluded_id = ?", fromID, fromID).
		Find(&rows).Error; err != nil {
		return err
	}

	for _, row := range rows {
		newEntity, newExcluded := row.EntityID, row.ExcludedID
		if newEntity == fromID {
			newEntity = toID
		}
		if newExcluded == fromID {
			newExcluded = toID
		}

		var count int64
		if err := tx.Model(&models.MergeExclusion{}).
			Where("tenant_id = ? AND entity_type = ? AND entity_id = ? AND excluded_id = ?",
				tenantID, entityType, newEntity, newExcluded).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			if err := tx.Model(&models.MergeExclusion{}).
				Where("id = ?", row.ID).
				Updates(map[string]interface{}{"entity_id": newEntity, "excluded_id": newExcluded}).Error; err != nil {
				return err
			}
		} else {
			if err := tx.Delete(&models.MergeExclusion{}, row.ID).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func notFoundOr(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &NotFoundError{Message: msg}
	}
	return err
}

// NotFoundError lets handlers map missing entities to 404 without guessing
// from error strings.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }
