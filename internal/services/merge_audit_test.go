package services

import (
	"errors"
	"testing"
	"time"

	"github.com/crowdkit/crowdkit/internal/models"
)

func newTestAction(primary, secondary uint) *models.MergeAction {
	return &models.MergeAction{
		TenantID:    testTenant,
		EntityType:  models.EntityTypeMember,
		PrimaryID:   primary,
		SecondaryID: secondary,
		Step:        models.StepMergeStarted,
		ActionBy:    "user-1",
	}
}

func TestMergeAudit_BeginCreatesActionAndLocks(t *testing.T) {
	db := openTestDB(t)
	audit := NewMergeAuditService(db)

	action := newTestAction(1, 2)
	if err := audit.Begin(db, action); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if action.ID == "" {
		t.Error("Begin should assign an action id")
	}
	if action.State != models.MergeStateInProgress {
		t.Errorf("state = %q, expected IN_PROGRESS", action.State)
	}

	var locks int64
	db.Model(&models.MergeLock{}).Where("action_id = ?", action.ID).Count(&locks)
	if locks != 2 {
		t.Errorf("expected 2 locks, got %d", locks)
	}
}

func TestMergeAudit_BeginConflictsOnOverlap(t *testing.T) {
	db := openTestDB(t)
	audit := NewMergeAuditService(db)

	first := newTestAction(1, 2)
	if err := audit.Begin(db, first); err != nil {
		t.Fatalf("Begin first: %v", err)
	}

	// Overlaps on entity 2.
	second := newTestAction(2, 3)
	err := audit.Begin(db, second)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Action == nil || conflict.Action.ID != first.ID {
		t.Errorf("conflict should carry the blocking action")
	}
}

func TestMergeAudit_FinishReleasesLocks(t *testing.T) {
	db := openTestDB(t)
	audit := NewMergeAuditService(db)

	action := newTestAction(1, 2)
	if err := audit.Begin(db, action); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := audit.Finish(db, action.ID, models.MergeStateMerged, models.StepMergeDone); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, err := audit.Get(db, action.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != models.MergeStateMerged || got.Step != models.StepMergeDone {
		t.Errorf("state/step = %q/%q, expected MERGED/MERGE_DONE", got.State, got.Step)
	}

	var locks int64
	db.Model(&models.MergeLock{}).Where("action_id = ?", action.ID).Count(&locks)
	if locks != 0 {
		t.Errorf("locks should be released, got %d", locks)
	}

	// The pair is free again.
	next := newTestAction(1, 2)
	if err := audit.Begin(db, next); err != nil {
		t.Errorf("Begin after Finish should succeed, got %v", err)
	}
}

func TestMergeAudit_MarkErrorReleasesLocks(t *testing.T) {
	db := openTestDB(t)
	audit := NewMergeAuditService(db)

	action := newTestAction(1, 2)
	if err := audit.Begin(db, action); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := audit.MarkError(db, action.ID); err != nil {
		t.Fatalf("MarkError: %v", err)
	}

	got, _ := audit.Get(db, action.ID)
	if got.State != models.MergeStateError {
		t.Errorf("state = %q, expected ERROR", got.State)
	}

	retry := newTestAction(1, 2)
	if err := audit.Begin(db, retry); err != nil {
		t.Errorf("pair should be retryable after error, got %v", err)
	}
}

func TestMergeAudit_FindMerged(t *testing.T) {
	db := openTestDB(t)
	audit := NewMergeAuditService(db)

	action := newTestAction(1, 2)
	if err := audit.Begin(db, action); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// Not merged yet.
	got, err := audit.FindMerged(testTenant, models.EntityTypeMember, 1, 2)
	if err != nil {
		t.Fatalf("FindMerged: %v", err)
	}
	if got != nil {
		t.Error("in-progress action should not count as merged")
	}

	if err := audit.Finish(db, action.ID, models.MergeStateMerged, models.StepMergeDone); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	got, err = audit.FindMerged(testTenant, models.EntityTypeMember, 1, 2)
	if err != nil {
		t.Fatalf("FindMerged: %v", err)
	}
	if got == nil || got.ID != action.ID {
		t.Errorf("expected merged action %s, got %+v", action.ID, got)
	}
}

func TestMergeAudit_FindStuck(t *testing.T) {
	db := openTestDB(t)
	audit := NewMergeAuditService(db)

	action := newTestAction(1, 2)
	if err := audit.Begin(db, action); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := audit.AdvanceStep(db, action.ID, models.StepMergeSyncDone); err != nil {
		t.Fatalf("AdvanceStep: %v", err)
	}

	// Fresh actions are not stuck.
	stuck, err := audit.FindStuck(time.Hour)
	if err != nil {
		t.Fatalf("FindStuck: %v", err)
	}
	if len(stuck) != 0 {
		t.Errorf("expected no stuck actions, got %d", len(stuck))
	}

	// Age the row past the threshold.
	old := time.Now().Add(-2 * time.Hour)
	db.Model(&models.MergeAction{}).Where("id = ?", action.ID).Update("updated_at", old)

	stuck, err = audit.FindStuck(time.Hour)
	if err != nil {
		t.Fatalf("FindStuck: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != action.ID {
		t.Errorf("expected action %s to be stuck, got %+v", action.ID, stuck)
	}
}

func TestMergeAudit_List(t *testing.T) {
	db := openTestDB(t)
	audit := NewMergeAuditService(db)

	a := newTestAction(1, 2)
	if err := audit.Begin(db, a); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := audit.Finish(db, a.ID, models.MergeStateMerged, models.StepMergeDone); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	b := newTestAction(3, 4)
	if err := audit.Begin(db, b); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	all, err := audit.List(testTenant, &MergeActionListRequest{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 actions, got %d", len(all))
	}

	merged, err := audit.List(testTenant, &MergeActionListRequest{State: models.MergeStateMerged})
	if err != nil {
		t.Fatalf("List by state: %v", err)
	}
	if len(merged) != 1 || merged[0].ID != a.ID {
		t.Errorf("expected only the merged action, got %+v", merged)
	}

	entityID := uint(3)
	byEntity, err := audit.List(testTenant, &MergeActionListRequest{EntityID: &entityID})
	if err != nil {
		t.Fatalf("List by entity: %v", err)
	}
	if len(byEntity) != 1 || byEntity[0].ID != b.ID {
		t.Errorf("expected only action touching entity 3, got %+v", byEntity)
	}
}
