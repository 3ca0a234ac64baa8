package services

import (
	"testing"

	"github.com/crowdkit/crowdkit/internal/models"
)

func TestIdentityKey_CaseInsensitive(t *testing.T) {
	a := IdentityKey("GitHub", "username", "Alice")
	b := IdentityKey("github", "USERNAME", "alice")
	if a != b {
		t.Errorf("keys differ: %q vs %q", a, b)
	}
}

func TestPlanIdentityMerge_MovesNonDuplicates(t *testing.T) {
	primary := []models.Identity{
		{ID: 1, Platform: "github", Type: "username", Value: "alice"},
	}
	secondary := []models.Identity{
		{ID: 2, Platform: "twitter", Type: "username", Value: "alice_t"},
		{ID: 3, Platform: "github", Type: "email", Value: "alice@example.com"},
	}

	plan := PlanIdentityMerge(primary, secondary)

	if len(plan.Move) != 2 {
		t.Fatalf("expected 2 moved identities, got %d", len(plan.Move))
	}
	if len(plan.Drop) != 0 {
		t.Errorf("expected no drops, got %d", len(plan.Drop))
	}
	if len(plan.Upgrade) != 0 {
		t.Errorf("expected no upgrades, got %d", len(plan.Upgrade))
	}
}

func TestPlanIdentityMerge_DropsDuplicates(t *testing.T) {
	primary := []models.Identity{
		{ID: 1, Platform: "github", Type: "username", Value: "alice", Verified: true},
	}
	secondary := []models.Identity{
		{ID: 2, Platform: "GitHub", Type: "username", Value: "Alice", Verified: false},
	}

	plan := PlanIdentityMerge(primary, secondary)

	if len(plan.Move) != 0 {
		t.Errorf("duplicate should not move, got %d moves", len(plan.Move))
	}
	if len(plan.Drop) != 1 || plan.Drop[0] != 2 {
		t.Errorf("expected drop of id 2, got %v", plan.Drop)
	}
	if len(plan.Upgrade) != 0 {
		t.Errorf("verified primary must not be touched, got upgrades %v", plan.Upgrade)
	}
}

func TestPlanIdentityMerge_VerifiedUpgradesUnverified(t *testing.T) {
	primary := []models.Identity{
		{ID: 1, Platform: "github", Type: "username", Value: "alice", Verified: false},
	}
	secondary := []models.Identity{
		{ID: 2, Platform: "github", Type: "username", Value: "alice", Verified: true},
	}

	plan := PlanIdentityMerge(primary, secondary)

	if len(plan.Upgrade) != 1 || plan.Upgrade[0] != 1 {
		t.Errorf("expected upgrade of id 1, got %v", plan.Upgrade)
	}
	if len(plan.Drop) != 1 || plan.Drop[0] != 2 {
		t.Errorf("expected drop of id 2, got %v", plan.Drop)
	}
}

func TestPlanIdentityMerge_NeverDowngradesVerified(t *testing.T) {
	primary := []models.Identity{
		{ID: 1, Platform: "github", Type: "username", Value: "alice", Verified: true},
	}
	secondary := []models.Identity{
		{ID: 2, Platform: "github", Type: "username", Value: "alice", Verified: false},
	}

	plan := PlanIdentityMerge(primary, secondary)

	if len(plan.Upgrade) != 0 {
		t.Errorf("no upgrade expected, got %v", plan.Upgrade)
	}
}

func TestPlanIdentityMerge_CollapsesIntraSecondaryDuplicates(t *testing.T) {
	secondary := []models.Identity{
		{ID: 2, Platform: "github", Type: "username", Value: "bob"},
		{ID: 3, Platform: "github", Type: "username", Value: "BOB"},
	}

	plan := PlanIdentityMerge(nil, secondary)

	if len(plan.Move) != 1 {
		t.Fatalf("expected 1 move, got %d", len(plan.Move))
	}
	if plan.Move[0].ID != 2 {
		t.Errorf("first occurrence should move, got id %d", plan.Move[0].ID)
	}
	if len(plan.Drop) != 1 || plan.Drop[0] != 3 {
		t.Errorf("later duplicate should drop, got %v", plan.Drop)
	}
}

func TestIdentityService_ApplyMerge(t *testing.T) {
	db := openTestDB(t)
	svc := NewIdentityService(db)

	ids := []models.Identity{
		{TenantID: testTenant, EntityType: models.EntityTypeMember, EntityID: 1, Platform: "github", Type: "username", Value: "alice", Verified: false},
		{TenantID: testTenant, EntityType: models.EntityTypeMember, EntityID: 2, Platform: "github", Type: "username", Value: "alice", Verified: true},
		{TenantID: testTenant, EntityType: models.EntityTypeMember, EntityID: 2, Platform: "twitter", Type: "username", Value: "alice_t"},
	}
	for i := range ids {
		mustCreate(t, db, &ids[i])
	}

	primary, _ := svc.ListForEntity(db, testTenant, models.EntityTypeMember, 1)
	secondary, _ := svc.ListForEntity(db, testTenant, models.EntityTypeMember, 2)
	plan := PlanIdentityMerge(primary, secondary)

	if err := svc.ApplyMerge(db, plan, 1); err != nil {
		t.Fatalf("ApplyMerge: %v", err)
	}

	after, err := svc.ListForEntity(db, testTenant, models.EntityTypeMember, 1)
	if err != nil {
		t.Fatalf("ListForEntity: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("expected 2 identities on primary, got %d", len(after))
	}
	for _, id := range after {
		if id.Platform == "github" && !id.Verified {
			t.Errorf("github identity should have been upgraded to verified")
		}
	}

	var remaining int64
	db.Model(&models.Identity{}).Where("entity_id = ?", 2).Count(&remaining)
	if remaining != 0 {
		t.Errorf("secondary should have no identities left, got %d", remaining)
	}
}

func TestIdentityService_MoveBack(t *testing.T) {
	db := openTestDB(t)
	svc := NewIdentityService(db)

	ids := []models.Identity{
		{TenantID: testTenant, EntityType: models.EntityTypeMember, EntityID: 1, Platform: "github", Type: "username", Value: "alice"},
		{TenantID: testTenant, EntityType: models.EntityTypeMember, EntityID: 1, Platform: "twitter", Type: "username", Value: "bob_t"},
	}
	for i := range ids {
		mustCreate(t, db, &ids[i])
	}

	keys := map[string]bool{IdentityKey("twitter", "username", "bob_t"): true}
	if err := svc.MoveBack(db, testTenant, models.EntityTypeMember, 1, 2, keys); err != nil {
		t.Fatalf("MoveBack: %v", err)
	}

	moved, _ := svc.ListForEntity(db, testTenant, models.EntityTypeMember, 2)
	if len(moved) != 1 || moved[0].Platform != "twitter" {
		t.Fatalf("expected twitter identity on entity 2, got %+v", moved)
	}
	kept, _ := svc.ListForEntity(db, testTenant, models.EntityTypeMember, 1)
	if len(kept) != 1 || kept[0].Platform != "github" {
		t.Fatalf("expected github identity to stay on entity 1, got %+v", kept)
	}
}
