package services

import (
	"time"

	"github.com/crowdkit/crowdkit/internal/models"
)

// MergeStrategy is one of a small closed set of per-field merge behaviors.
// Keeping the set closed (instead of per-field callbacks) keeps the rules
// enumerable, serializable and testable one by one.
type MergeStrategy string

const (
	// StrategyKeepPrimary keeps the primary's value; an empty primary value
	// takes the secondary's.
	StrategyKeepPrimary MergeStrategy = "keepPrimary"
	// StrategyEarliest keeps the earliest non-zero timestamp.
	StrategyEarliest MergeStrategy = "earliest"
	// StrategyMax keeps the larger number.
	StrategyMax MergeStrategy = "max"
	// StrategySum adds both numbers.
	StrategySum MergeStrategy = "sum"
	// StrategyDeepMerge merges JSON objects key by key; primary wins on
	// conflicting leaves.
	StrategyDeepMerge MergeStrategy = "deepMergeObject"
)

// FieldMergeRule binds an entity field to its merge strategy.
type FieldMergeRule struct {
	Field    string
	Strategy MergeStrategy
}

// MemberMergeRules is the authoritative field-merge table for members.
var MemberMergeRules = []FieldMergeRule{
	{Field: "display_name", Strategy: StrategyKeepPrimary},
	{Field: "joined_at", Strategy: StrategyEarliest},
	{Field: "reach", Strategy: StrategySum},
	{Field: "score", Strategy: StrategyMax},
	{Field: "attributes", Strategy: StrategyDeepMerge},
}

// OrganizationMergeRules is the field-merge table for organizations.
var OrganizationMergeRules = []FieldMergeRule{
	{Field: "display_name", Strategy: StrategyKeepPrimary},
	{Field: "description", Strategy: StrategyKeepPrimary},
	{Field: "member_count", Strategy: StrategySum},
}

// MergeMemberFields folds secondary's scalar fields into primary according
// to MemberMergeRules. Fields the user edited by hand on the primary are
// never overwritten.
func MergeMemberFields(primary, secondary *models.Member) {
	for _, rule := range MemberMergeRules {
		if primary.IsManuallyChanged(rule.Field) {
			continue
		}
		switch rule.Field {
		case "display_name":
			primary.DisplayName = mergeString(rule.Strategy, primary.DisplayName, secondary.DisplayName)
		case "joined_at":
			primary.JoinedAt = mergeTime(rule.Strategy, primary.JoinedAt, secondary.JoinedAt)
		case "reach":
			primary.Reach = mergeInt(rule.Strategy, primary.Reach, secondary.Reach)
		case "score":
			primary.Score = mergeFloat(rule.Strategy, primary.Score, secondary.Score)
		case "attributes":
			merged := deepMergeAttributes(primary.AttributesMap(), secondary.AttributesMap())
			primary.SetAttributes(merged)
		}
	}
}

// MergeOrganizationFields folds secondary's fields into primary.
// member_count is handled here as a plain sum; the membership re-pointing
// later in the transaction corrects it for collapsed duplicates.
func MergeOrganizationFields(primary, secondary *models.Organization) {
	for _, rule := range OrganizationMergeRules {
		switch rule.Field {
		case "display_name":
			primary.DisplayName = mergeString(rule.Strategy, primary.DisplayName, secondary.DisplayName)
		case "description":
			primary.Description = mergeString(rule.Strategy, primary.Description, secondary.Description)
		case "member_count":
			primary.MemberCount = mergeInt(rule.Strategy, primary.MemberCount, secondary.MemberCount)
		}
	}
}

func mergeString(strategy MergeStrategy, primary, secondary string) string {
	switch strategy {
	case StrategyKeepPrimary:
		if primary == "" {
			return secondary
		}
		return primary
	default:
		return primary
	}
}

func mergeTime(strategy MergeStrategy, primary, secondary *time.Time) *time.Time {
	switch strategy {
	case StrategyEarliest:
		if primary == nil || primary.IsZero() {
			return secondary
		}
		if secondary == nil || secondary.IsZero() {
			return primary
		}
		if secondary.Before(*primary) {
			return secondary
		}
		return primary
	default:
		return primary
	}
}

func mergeInt(strategy MergeStrategy, primary, secondary int) int {
	switch strategy {
	case StrategySum:
		return primary + secondary
	case StrategyMax:
		if secondary > primary {
			return secondary
		}
		return primary
	default:
		return primary
	}
}

func mergeFloat(strategy MergeStrategy, primary, secondary float64) float64 {
	switch strategy {
	case StrategySum:
		return primary + secondary
	case StrategyMax:
		if secondary > primary {
			return secondary
		}
		return primary
	default:
		return primary
	}
}

// deepMergeAttributes merges the platform-keyed attribute maps. Secondary
// fills gaps; the primary's value wins when both sides set the same
// platform under the same attribute.
func deepMergeAttributes(primary, secondary map[string]map[string]interface{}) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(primary)+len(secondary))
	for attr, byPlatform := range secondary {
		merged := make(map[string]interface{}, len(byPlatform))
		for platform, v := range byPlatform {
			merged[platform] = v
		}
		out[attr] = merged
	}
	for attr, byPlatform := range primary {
		merged, ok := out[attr]
		if !ok {
			merged = make(map[string]interface{}, len(byPlatform))
			out[attr] = merged
		}
		for platform, v := range byPlatform {
			merged[platform] = v
		}
	}
	return out
}
