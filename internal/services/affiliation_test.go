package services

import (
	"testing"
	"time"

	"github.com/crowdkit/crowdkit/internal/models"
)

func TestDecidePrimaryOrganization_PrimaryFlagWins(t *testing.T) {
	candidates := []models.OrganizationMembership{
		{OrganizationID: 1},
		{OrganizationID: 2, PrimaryWorkspace: true},
	}
	orgs := map[uint]models.Organization{
		1: {ID: 1, MemberCount: 100},
		2: {ID: 2, MemberCount: 1},
	}

	if got := DecidePrimaryOrganization(candidates, orgs); got != 2 {
		t.Errorf("primary_workspace flag should win, got org %d", got)
	}
}

func TestDecidePrimaryOrganization_MemberCountBreaksTie(t *testing.T) {
	candidates := []models.OrganizationMembership{
		{OrganizationID: 1},
		{OrganizationID: 2},
	}
	orgs := map[uint]models.Organization{
		1: {ID: 1, MemberCount: 3},
		2: {ID: 2, MemberCount: 9},
	}

	if got := DecidePrimaryOrganization(candidates, orgs); got != 2 {
		t.Errorf("larger member count should win, got org %d", got)
	}
}

func TestDecidePrimaryOrganization_SpanThenLowestID(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	candidates := []models.OrganizationMembership{
		{OrganizationID: 5, DateStart: timePtr(start), DateEnd: timePtr(start.AddDate(1, 0, 0))},
		{OrganizationID: 3, DateStart: timePtr(start), DateEnd: timePtr(start.AddDate(2, 0, 0))},
	}
	orgs := map[uint]models.Organization{5: {ID: 5}, 3: {ID: 3}}

	if got := DecidePrimaryOrganization(candidates, orgs); got != 3 {
		t.Errorf("longer span should win, got org %d", got)
	}

	// Identical spans fall through to the lowest id.
	candidates[1].DateEnd = timePtr(start.AddDate(1, 0, 0))
	if got := DecidePrimaryOrganization(candidates, orgs); got != 3 {
		t.Errorf("lowest org id should win the final tie, got org %d", got)
	}
}

func TestDecidePrimaryOrganization_OpenEndedCountsAsLongest(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	candidates := []models.OrganizationMembership{
		{OrganizationID: 1, DateStart: timePtr(start), DateEnd: timePtr(start.AddDate(5, 0, 0))},
		{OrganizationID: 2, DateStart: timePtr(start)},
	}
	orgs := map[uint]models.Organization{1: {ID: 1}, 2: {ID: 2}}

	if got := DecidePrimaryOrganization(candidates, orgs); got != 2 {
		t.Errorf("open-ended membership should count as longest, got org %d", got)
	}
}

func TestDecidePrimaryOrganization_Deterministic(t *testing.T) {
	candidates := []models.OrganizationMembership{
		{OrganizationID: 7},
		{OrganizationID: 4},
		{OrganizationID: 9},
	}
	orgs := map[uint]models.Organization{7: {ID: 7}, 4: {ID: 4}, 9: {ID: 9}}

	first := DecidePrimaryOrganization(candidates, orgs)
	for i := 0; i < 10; i++ {
		if got := DecidePrimaryOrganization(candidates, orgs); got != first {
			t.Fatalf("tie-break is not deterministic: %d then %d", first, got)
		}
	}
	if first != 4 {
		t.Errorf("expected lowest org id 4, got %d", first)
	}
}

func TestFindAffiliation_OverrideWins(t *testing.T) {
	db := openTestDB(t)
	svc := NewAffiliationService()
	ts := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	mustCreate(t, db, &models.OrganizationMembership{
		TenantID: testTenant, MemberID: 1, OrganizationID: 10,
		DateStart: timePtr(ts.AddDate(-1, 0, 0)), DateEnd: timePtr(ts.AddDate(1, 0, 0)),
	})
	mustCreate(t, db, &models.AffiliationOverride{
		TenantID: testTenant, MemberID: 1, SegmentID: 1, OrganizationID: uintPtr(20),
	})

	got, err := svc.FindAffiliation(db, testTenant, 1, 1, ts)
	if err != nil {
		t.Fatalf("FindAffiliation: %v", err)
	}
	if got == nil || *got != 20 {
		t.Errorf("override should win over memberships, got %v", got)
	}
}

func TestFindAffiliation_NullOverrideMeansUnaffiliated(t *testing.T) {
	db := openTestDB(t)
	svc := NewAffiliationService()
	ts := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	mustCreate(t, db, &models.OrganizationMembership{
		TenantID: testTenant, MemberID: 1, OrganizationID: 10,
		DateStart: timePtr(ts.AddDate(-1, 0, 0)), DateEnd: timePtr(ts.AddDate(1, 0, 0)),
	})
	mustCreate(t, db, &models.AffiliationOverride{
		TenantID: testTenant, MemberID: 1, SegmentID: 1, OrganizationID: nil,
	})

	got, err := svc.FindAffiliation(db, testTenant, 1, 1, ts)
	if err != nil {
		t.Fatalf("FindAffiliation: %v", err)
	}
	if got != nil {
		t.Errorf("null override should resolve to unaffiliated, got %v", *got)
	}
}

func TestFindAffiliation_CoveringMembership(t *testing.T) {
	db := openTestDB(t)
	svc := NewAffiliationService()
	ts := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	mustCreate(t, db, &models.Organization{ID: 10, TenantID: testTenant})
	mustCreate(t, db, &models.OrganizationMembership{
		TenantID: testTenant, MemberID: 1, OrganizationID: 10,
		DateStart: timePtr(ts.AddDate(-1, 0, 0)), DateEnd: timePtr(ts.AddDate(1, 0, 0)),
	})
	// Outside its range at ts.
	mustCreate(t, db, &models.OrganizationMembership{
		TenantID: testTenant, MemberID: 1, OrganizationID: 11,
		DateStart: timePtr(ts.AddDate(-3, 0, 0)), DateEnd: timePtr(ts.AddDate(-2, 0, 0)),
	})

	got, err := svc.FindAffiliation(db, testTenant, 1, 1, ts)
	if err != nil {
		t.Fatalf("FindAffiliation: %v", err)
	}
	if got == nil || *got != 10 {
		t.Errorf("covering membership should win, got %v", got)
	}
}

func TestFindAffiliation_UnknownDatedFallback(t *testing.T) {
	db := openTestDB(t)
	svc := NewAffiliationService()
	ts := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	mustCreate(t, db, &models.Organization{ID: 10, TenantID: testTenant})
	mustCreate(t, db, &models.OrganizationMembership{
		TenantID: testTenant, MemberID: 1, OrganizationID: 10,
	})

	got, err := svc.FindAffiliation(db, testTenant, 1, 1, ts)
	if err != nil {
		t.Fatalf("FindAffiliation: %v", err)
	}
	if got == nil || *got != 10 {
		t.Errorf("unknown-dated membership should be the fallback, got %v", got)
	}
}

func TestFindAffiliation_NoMemberships(t *testing.T) {
	db := openTestDB(t)
	svc := NewAffiliationService()

	got, err := svc.FindAffiliation(db, testTenant, 1, 1, time.Now())
	if err != nil {
		t.Fatalf("FindAffiliation: %v", err)
	}
	if got != nil {
		t.Errorf("member with no memberships should be unaffiliated, got %v", *got)
	}
}
