package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Merge action states.
const (
	MergeStateInProgress = "IN_PROGRESS"
	MergeStateMerged     = "MERGED"
	MergeStateUnmerged   = "UNMERGED"
	MergeStateError      = "ERROR"
)

// Merge action steps, in order. The state leaves IN_PROGRESS only at a
// terminal step, so the conflict guard holds across the whole async phase.
const (
	StepMergeStarted        = "MERGE_STARTED"
	StepMergeSyncDone       = "MERGE_SYNC_DONE"
	StepMergeAsyncStarted   = "MERGE_ASYNC_STARTED"
	StepMergeDone           = "MERGE_DONE"
	StepUnmergeStarted      = "UNMERGE_STARTED"
	StepUnmergeSyncDone     = "UNMERGE_SYNC_DONE"
	StepUnmergeAsyncStarted = "UNMERGE_ASYNC_STARTED"
	StepUnmergeDone         = "UNMERGE_DONE"
)

// MergeAction is the audit ledger entry for one merge or unmerge operation.
// It is the only durable state owned by the orchestrator itself.
type MergeAction struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	TenantID    string    `gorm:"size:64;index;not null" json:"tenant_id"`
	EntityType  string    `gorm:"size:20;index:idx_action_entity;not null" json:"entity_type"`
	PrimaryID   uint      `gorm:"index:idx_action_entity;not null" json:"primary_id"`
	SecondaryID uint      `gorm:"index;not null" json:"secondary_id"`
	State       string    `gorm:"size:20;index;not null" json:"state"`
	Step        string    `gorm:"size:30;not null" json:"step"`
	Snapshot    string    `gorm:"type:text" json:"-"`
	ActionBy    string    `gorm:"size:64" json:"action_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (MergeAction) TableName() string { return "merge_actions" }

// MergeSnapshot captures the pre-merge state of both entities. It is the
// sole source of truth for unmerge, so it is a concrete schema rather than
// a free-form blob: a field that stops round-tripping breaks compilation,
// not a production restore.
type MergeSnapshot struct {
	EntityType string      `json:"entity_type"`
	CapturedAt time.Time   `json:"captured_at"`
	Primary    EntityState `json:"primary"`
	Secondary  EntityState `json:"secondary"`
}

// EntityState is one side of a snapshot. Exactly one of Member or
// Organization is set, matching the snapshot's EntityType.
type EntityState struct {
	Member       *Member                  `json:"member,omitempty"`
	Organization *Organization            `json:"organization,omitempty"`
	Identities   []Identity               `json:"identities"`
	Memberships  []OrganizationMembership `json:"memberships"`
	SegmentIDs   []uint                   `json:"segment_ids"`
	ExcludedIDs  []uint                   `json:"excluded_ids"`
}

// SetSnapshot serializes snap into the ledger row.
func (a *MergeAction) SetSnapshot(snap *MergeSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal merge snapshot: %w", err)
	}
	a.Snapshot = string(data)
	return nil
}

// GetSnapshot decodes the stored snapshot. Returns an error when the row
// has no snapshot or it no longer parses, both of which block unmerge.
func (a *MergeAction) GetSnapshot() (*MergeSnapshot, error) {
	if a.Snapshot == "" {
		return nil, fmt.Errorf("merge action %s has no snapshot", a.ID)
	}
	var snap MergeSnapshot
	if err := json.Unmarshal([]byte(a.Snapshot), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal merge snapshot: %w", err)
	}
	return &snap, nil
}
