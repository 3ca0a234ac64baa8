package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crowdkit/crowdkit/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConflictError signals that another merge or unmerge is already in flight
// for one of the entities. It carries the blocking ledger row so callers
// can report its state to the user.
type ConflictError struct {
	Action *models.MergeAction
}

func (e *ConflictError) Error() string {
	if e.Action == nil {
		return "another merge is already in progress for this entity"
	}
	return fmt.Sprintf("merge %s already in progress (state=%s, step=%s)",
		e.Action.ID, e.Action.State, e.Action.Step)
}

// MergeAuditService owns the merge action ledger and the per-entity locks
// that serialize overlapping merges.
type MergeAuditService struct {
	db *gorm.DB
}

func NewMergeAuditService(db *gorm.DB) *MergeAuditService {
	return &MergeAuditService{db: db}
}

// FindInProgress returns any IN_PROGRESS action referencing one of ids as
// primary or secondary, or nil.
func (s *MergeAuditService) FindInProgress(db *gorm.DB, tenantID, entityType string, ids ...uint) (*models.MergeAction, error) {
	var action models.MergeAction
	err := db.Where("tenant_id = ? AND entity_type = ? AND state = ?", tenantID, entityType, models.MergeStateInProgress).
		Where("primary_id IN ? OR secondary_id IN ?", ids, ids).
		Order("created_at DESC").
		First(&action).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &action, nil
}

// Begin creates the ledger row and acquires locks on both entities inside
// tx. The unique index on merge_locks closes the window between the
// in-progress query and the insert: whichever transaction commits its lock
// rows first wins, the other gets a ConflictError.
func (s *MergeAuditService) Begin(tx *gorm.DB, action *models.MergeAction) error {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	action.State = models.MergeStateInProgress

	blocker, err := s.FindInProgress(tx, action.TenantID, action.EntityType, action.PrimaryID, action.SecondaryID)
	if err != nil {
		return err
	}
	if blocker != nil {
		return &ConflictError{Action: blocker}
	}

	if err := tx.Create(action).Error; err != nil {
		return err
	}

	now := time.Now()
	locks := []models.MergeLock{
		{EntityType: action.EntityType, EntityID: action.PrimaryID, ActionID: action.ID, LockedAt: now},
		{EntityType: action.EntityType, EntityID: action.SecondaryID, ActionID: action.ID, LockedAt: now},
	}
	if err := tx.Create(&locks).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return &ConflictError{Action: blocker}
		}
		return err
	}
	return nil
}

// AdvanceStep moves the action to the next sub-state.
func (s *MergeAuditService) AdvanceStep(db *gorm.DB, actionID, step string) error {
	return db.Model(&models.MergeAction{}).
		Where("id = ?", actionID).
		Update("step", step).Error
}

// Finish records the terminal state and step and releases both entity locks.
func (s *MergeAuditService) Finish(db *gorm.DB, actionID, state, step string) error {
	if err := db.Model(&models.MergeAction{}).
		Where("id = ?", actionID).
		Updates(map[string]interface{}{"state": state, "step": step}).Error; err != nil {
		return err
	}
	return s.releaseLocks(db, actionID)
}

// MarkError flags the action as failed and releases its locks so the pair
// can be retried.
func (s *MergeAuditService) MarkError(db *gorm.DB, actionID string) error {
	if err := db.Model(&models.MergeAction{}).
		Where("id = ?", actionID).
		Update("state", models.MergeStateError).Error; err != nil {
		return err
	}
	return s.releaseLocks(db, actionID)
}

func (s *MergeAuditService) releaseLocks(db *gorm.DB, actionID string) error {
	return db.Where("action_id = ?", actionID).Delete(&models.MergeLock{}).Error
}

// Get loads one ledger row.
func (s *MergeAuditService) Get(db *gorm.DB, actionID string) (*models.MergeAction, error) {
	var action models.MergeAction
	if err := db.First(&action, "id = ?", actionID).Error; err != nil {
		return nil, err
	}
	return &action, nil
}

// FindMerged returns the most recent MERGED action for the pair, which is
// what unmerge replays from.
func (s *MergeAuditService) FindMerged(tenantID, entityType string, primaryID, secondaryID uint) (*models.MergeAction, error) {
	var action models.MergeAction
	err := s.db.Where("tenant_id = ? AND entity_type = ? AND primary_id = ? AND secondary_id = ? AND state = ?",
		tenantID, entityType, primaryID, secondaryID, models.MergeStateMerged).
		Order("created_at DESC").
		First(&action).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &action, nil
}

type MergeActionListRequest struct {
	EntityID   *uint  `form:"entity_id"`
	EntityType string `form:"entity_type"`
	State      string `form:"state"`
	Limit      int    `form:"limit"`
}

// List queries the ledger for audit and operational visibility.
func (s *MergeAuditService) List(tenantID string, req *MergeActionListRequest) ([]models.MergeAction, error) {
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := s.db.Where("tenant_id = ?", tenantID)
	if req.EntityType != "" {
		query = query.Where("entity_type = ?", req.EntityType)
	}
	if req.State != "" {
		query = query.Where("state = ?", req.State)
	}
	if req.EntityID != nil {
		query = query.Where("primary_id = ? OR secondary_id = ?", *req.EntityID, *req.EntityID)
	}

	var actions []models.MergeAction
	err := query.Order("created_at DESC").Limit(limit).Find(&actions).Error
	return actions, err
}

// FindStuck returns IN_PROGRESS actions whose sync phase committed but that
// have not advanced for olderThan. The sweeper re-enqueues their workflows.
func (s *MergeAuditService) FindStuck(olderThan time.Duration) ([]models.MergeAction, error) {
	cutoff := time.Now().Add(-olderThan)
	resumable := []string{
		models.StepMergeSyncDone, models.StepMergeAsyncStarted,
		models.StepUnmergeSyncDone, models.StepUnmergeAsyncStarted,
	}
	var actions []models.MergeAction
	err := s.db.Where("state = ? AND step IN ? AND updated_at < ?",
		models.MergeStateInProgress, resumable, cutoff).
		Find(&actions).Error
	return actions, err
}

// isDuplicateKeyErr detects unique constraint violations across the three
// supported drivers.
func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "duplicate key")
}
