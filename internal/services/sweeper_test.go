package services

import (
	"context"
	"testing"
	"time"

	"github.com/crowdkit/crowdkit/internal/models"
)

func TestSweeper_RedrivesStuckMerge(t *testing.T) {
	db := openTestDB(t)
	audit := NewMergeAuditService(db)
	identities := NewIdentityService(db)

	action := newTestAction(1, 2)
	if err := audit.Begin(db, action); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := audit.AdvanceStep(db, action.ID, models.StepMergeSyncDone); err != nil {
		t.Fatalf("AdvanceStep: %v", err)
	}
	db.Model(&models.MergeAction{}).Where("id = ?", action.ID).
		Update("updated_at", time.Now().Add(-time.Hour))

	engine := NewLocalEngine()
	engine.RunInline = true
	var redriven []*WorkflowTask
	engine.SetProcessor(func(ctx context.Context, task *WorkflowTask) error {
		redriven = append(redriven, task)
		return nil
	})

	sweeper := NewStuckActionSweeper(db, audit, identities, engine, 30*time.Minute)
	sweeper.Sweep()

	if len(redriven) != 1 {
		t.Fatalf("expected 1 re-driven task, got %d", len(redriven))
	}
	task := redriven[0]
	if task.Type != TaskTypeMergeFinalize {
		t.Errorf("type = %q, expected merge finalize", task.Type)
	}
	if task.ActionID != action.ID || task.PrimaryID != 1 || task.SecondaryID != 2 {
		t.Errorf("task does not match the stuck action: %+v", task)
	}
}

func TestSweeper_RedrivesStuckUnmergeWithIdentities(t *testing.T) {
	db := openTestDB(t)
	audit := NewMergeAuditService(db)
	identities := NewIdentityService(db)

	// The sync phase already moved this identity back to the secondary.
	mustCreate(t, db, &models.Identity{
		TenantID: testTenant, EntityType: models.EntityTypeMember, EntityID: 2,
		Platform: "github", Type: models.IdentityTypeUsername, Value: "bob",
	})

	action := newTestAction(1, 2)
	action.Step = models.StepUnmergeStarted
	if err := audit.Begin(db, action); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := audit.AdvanceStep(db, action.ID, models.StepUnmergeSyncDone); err != nil {
		t.Fatalf("AdvanceStep: %v", err)
	}
	db.Model(&models.MergeAction{}).Where("id = ?", action.ID).
		Update("updated_at", time.Now().Add(-time.Hour))

	engine := NewLocalEngine()
	engine.RunInline = true
	var redriven []*WorkflowTask
	engine.SetProcessor(func(ctx context.Context, task *WorkflowTask) error {
		redriven = append(redriven, task)
		return nil
	})

	sweeper := NewStuckActionSweeper(db, audit, identities, engine, 30*time.Minute)
	sweeper.Sweep()

	if len(redriven) != 1 {
		t.Fatalf("expected 1 re-driven task, got %d", len(redriven))
	}
	task := redriven[0]
	if task.Type != TaskTypeUnmergeFinalize {
		t.Errorf("type = %q, expected unmerge finalize", task.Type)
	}
	key := IdentityKey("github", models.IdentityTypeUsername, "bob")
	if len(task.RestoredIdentityKeys) != 1 || task.RestoredIdentityKeys[0] != key {
		t.Errorf("restored keys = %v, expected [%s]", task.RestoredIdentityKeys, key)
	}
}

func TestSweeper_IgnoresHealthyActions(t *testing.T) {
	db := openTestDB(t)
	audit := NewMergeAuditService(db)

	action := newTestAction(1, 2)
	if err := audit.Begin(db, action); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := audit.AdvanceStep(db, action.ID, models.StepMergeSyncDone); err != nil {
		t.Fatalf("AdvanceStep: %v", err)
	}

	engine := NewLocalEngine()
	engine.RunInline = true
	called := false
	engine.SetProcessor(func(ctx context.Context, task *WorkflowTask) error {
		called = true
		return nil
	})

	sweeper := NewStuckActionSweeper(db, audit, NewIdentityService(db), engine, 30*time.Minute)
	sweeper.Sweep()

	if called {
		t.Error("fresh action should not be re-driven")
	}
}
