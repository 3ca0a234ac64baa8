package services

import (
	"time"

	"github.com/crowdkit/crowdkit/internal/models"
	"gorm.io/gorm"
)

// AffiliationService resolves which organization a member's activity should
// be attributed to at a point in time. It holds no handle of its own: every
// method takes the caller's, so resolution can run inside the relocator's
// batch transaction.
type AffiliationService struct{}

func NewAffiliationService() *AffiliationService {
	return &AffiliationService{}
}

// FindAffiliation returns the organization attributed to memberID at ts
// inside segmentID, or nil when the member is unaffiliated. Queries run on
// db so the relocator can resolve inside its batch transaction. Resolution
// order, first match wins:
//  1. a manual override valid at ts (its organization may itself be null,
//     meaning explicitly unaffiliated)
//  2. a membership whose date range covers ts
//  3. the most recent unknown-dated membership known as of ts
//  4. any unknown-dated membership
func (s *AffiliationService) FindAffiliation(db *gorm.DB, tenantID string, memberID, segmentID uint, ts time.Time) (*uint, error) {
	var overrides []models.AffiliationOverride
	if err := db.Where("tenant_id = ? AND member_id = ? AND segment_id = ?", tenantID, memberID, segmentID).
		Order("created_at DESC").
		Find(&overrides).Error; err != nil {
		return nil, err
	}
	for i := range overrides {
		if overrides[i].AppliesAt(ts) {
			return overrides[i].OrganizationID, nil
		}
	}

	var memberships []models.OrganizationMembership
	if err := db.Where("tenant_id = ? AND member_id = ?", tenantID, memberID).
		Order("id ASC").
		Find(&memberships).Error; err != nil {
		return nil, err
	}
	if len(memberships) == 0 {
		return nil, nil
	}

	var covering []models.OrganizationMembership
	for _, m := range memberships {
		if m.Covers(ts) {
			covering = append(covering, m)
		}
	}
	if len(covering) > 0 {
		orgID, err := s.DecidePrimaryOrganizationID(db, tenantID, covering)
		if err != nil {
			return nil, err
		}
		return &orgID, nil
	}

	var unknownDated []models.OrganizationMembership
	for _, m := range memberships {
		if m.IsUnknownDated() {
			unknownDated = append(unknownDated, m)
		}
	}
	if len(unknownDated) == 0 {
		return nil, nil
	}

	// Step 3: among unknown-dated rows already known at ts, the most
	// recently recorded ones are the best guess for the current employer.
	var knownAsOf []models.OrganizationMembership
	var latest time.Time
	for _, m := range unknownDated {
		if m.CreatedAt.After(ts) {
			continue
		}
		if m.CreatedAt.After(latest) {
			latest = m.CreatedAt
			knownAsOf = knownAsOf[:0]
		}
		if m.CreatedAt.Equal(latest) {
			knownAsOf = append(knownAsOf, m)
		}
	}

	candidates := knownAsOf
	if len(candidates) == 0 {
		candidates = unknownDated
	}
	orgID, err := s.DecidePrimaryOrganizationID(db, tenantID, candidates)
	if err != nil {
		return nil, err
	}
	return &orgID, nil
}

// DecidePrimaryOrganizationID loads the candidate organizations' maintained
// member counts and applies the deterministic tie-break.
func (s *AffiliationService) DecidePrimaryOrganizationID(db *gorm.DB, tenantID string, candidates []models.OrganizationMembership) (uint, error) {
	if len(candidates) == 1 {
		return candidates[0].OrganizationID, nil
	}

	orgIDs := make([]uint, 0, len(candidates))
	for _, c := range candidates {
		orgIDs = append(orgIDs, c.OrganizationID)
	}
	var orgs []models.Organization
	if err := db.Where("tenant_id = ? AND id IN ?", tenantID, orgIDs).Find(&orgs).Error; err != nil {
		return 0, err
	}
	byID := make(map[uint]models.Organization, len(orgs))
	for _, o := range orgs {
		byID[o.ID] = o
	}
	return DecidePrimaryOrganization(candidates, byID), nil
}

// DecidePrimaryOrganization is the pure tie-break: explicit primary flag,
// then strictly larger maintained member count, then longer date span
// (open-ended counts as longest), then lowest organization id. Given
// identical inputs it always returns the same organization, which is what
// makes the async affiliation recompute safely replayable.
func DecidePrimaryOrganization(candidates []models.OrganizationMembership, orgs map[uint]models.Organization) uint {
	if len(candidates) == 0 {
		return 0
	}
	if len(candidates) == 1 {
		return candidates[0].OrganizationID
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if beats(c, best, orgs) {
			best = c
		}
	}
	return best.OrganizationID
}

func beats(a, b models.OrganizationMembership, orgs map[uint]models.Organization) bool {
	if a.PrimaryWorkspace != b.PrimaryWorkspace {
		return a.PrimaryWorkspace
	}
	aCount := orgs[a.OrganizationID].MemberCount
	bCount := orgs[b.OrganizationID].MemberCount
	if aCount != bCount {
		return aCount > bCount
	}
	if a.SpanSeconds() != b.SpanSeconds() {
		return a.SpanSeconds() > b.SpanSeconds()
	}
	return a.OrganizationID < b.OrganizationID
}
