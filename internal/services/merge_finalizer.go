package services

import (
	"context"
	"fmt"

	"github.com/crowdkit/crowdkit/internal/models"
	"github.com/crowdkit/crowdkit/pkg/logger"
	"gorm.io/gorm"
)

// MergeFinalizer runs the asynchronous phase of a merge or unmerge: activity
// relocation, search resync, event publication, and the terminal ledger
// update. Every step is idempotent, so a retried task replays from the top
// without corrupting state.
type MergeFinalizer struct {
	db        *gorm.DB
	audit     *MergeAuditService
	relocator *ActivityRelocator
	gateway   *SyncGateway
}

func NewMergeFinalizer(db *gorm.DB, audit *MergeAuditService, relocator *ActivityRelocator, gateway *SyncGateway) *MergeFinalizer {
	return &MergeFinalizer{db: db, audit: audit, relocator: relocator, gateway: gateway}
}

// Process is the WorkflowProcessor wired into the engine.
func (f *MergeFinalizer) Process(ctx context.Context, task *WorkflowTask) error {
	action, err := f.audit.Get(f.db, task.ActionID)
	if err != nil {
		return fmt.Errorf("load merge action %s: %w", task.ActionID, err)
	}
	if action.State != models.MergeStateInProgress {
		// Replayed task for an action that already converged.
		logger.Info().
			Str("action_id", action.ID).
			Str("state", action.State).
			Msg("workflow task skipped, action already terminal")
		return nil
	}

	switch task.Type {
	case TaskTypeMergeFinalize:
		return f.finalizeMerge(ctx, task, action)
	case TaskTypeUnmergeFinalize:
		return f.finalizeUnmerge(ctx, task, action)
	default:
		return fmt.Errorf("unknown workflow task type %q", task.Type)
	}
}

func (f *MergeFinalizer) finalizeMerge(ctx context.Context, task *WorkflowTask, action *models.MergeAction) error {
	if err := f.audit.AdvanceStep(f.db, action.ID, models.StepMergeAsyncStarted); err != nil {
		return err
	}

	switch task.EntityType {
	case models.EntityTypeMember:
		if err := f.relocator.RelocateMemberActivities(ctx, task.TenantID, task.SecondaryID, task.PrimaryID, nil); err != nil {
			return fmt.Errorf("relocate member activities: %w", err)
		}
	case models.EntityTypeOrganization:
		if err := f.relocator.RelocateOrganizationActivities(ctx, task.TenantID, task.SecondaryID, task.PrimaryID); err != nil {
			return fmt.Errorf("relocate organization activities: %w", err)
		}
	default:
		return fmt.Errorf("unknown entity type %q", task.EntityType)
	}

	primaryName, secondaryName := f.displayNames(task, action)
	f.gateway.AfterMerge(ctx, task, primaryName, secondaryName)

	return f.audit.Finish(f.db, action.ID, models.MergeStateMerged, models.StepMergeDone)
}

func (f *MergeFinalizer) finalizeUnmerge(ctx context.Context, task *WorkflowTask, action *models.MergeAction) error {
	if err := f.audit.AdvanceStep(f.db, action.ID, models.StepUnmergeAsyncStarted); err != nil {
		return err
	}

	switch task.EntityType {
	case models.EntityTypeMember:
		keys := make(map[string]bool, len(task.RestoredIdentityKeys))
		for _, k := range task.RestoredIdentityKeys {
			keys[k] = true
		}
		if err := f.relocator.RelocateMemberActivities(ctx, task.TenantID, task.PrimaryID, task.SecondaryID, keys); err != nil {
			return fmt.Errorf("relocate member activities: %w", err)
		}
	case models.EntityTypeOrganization:
		if err := f.relocator.RecomputeOrganizationAttribution(ctx, task.TenantID, task.PrimaryID); err != nil {
			return fmt.Errorf("recompute organization attribution: %w", err)
		}
	default:
		return fmt.Errorf("unknown entity type %q", task.EntityType)
	}

	primaryName, secondaryName := f.displayNames(task, action)
	f.gateway.AfterUnmerge(ctx, task, primaryName, secondaryName)

	return f.audit.Finish(f.db, action.ID, models.MergeStateUnmerged, models.StepUnmergeDone)
}

// displayNames resolves the names carried in the published event. The
// surviving side reads from the database, the retired side from the
// snapshot; either falls back to the snapshot when a lookup fails.
func (f *MergeFinalizer) displayNames(task *WorkflowTask, action *models.MergeAction) (string, string) {
	var primaryName, secondaryName string

	snap, err := action.GetSnapshot()
	if err == nil {
		if snap.Primary.Member != nil {
			primaryName = snap.Primary.Member.DisplayName
		} else if snap.Primary.Organization != nil {
			primaryName = snap.Primary.Organization.DisplayName
		}
		if snap.Secondary.Member != nil {
			secondaryName = snap.Secondary.Member.DisplayName
		} else if snap.Secondary.Organization != nil {
			secondaryName = snap.Secondary.Organization.DisplayName
		}
	}

	switch task.EntityType {
	case models.EntityTypeMember:
		var m models.Member
		if err := f.db.First(&m, task.PrimaryID).Error; err == nil {
			primaryName = m.DisplayName
		}
	case models.EntityTypeOrganization:
		var o models.Organization
		if err := f.db.First(&o, task.PrimaryID).Error; err == nil {
			primaryName = o.DisplayName
		}
	}

	return primaryName, secondaryName
}
