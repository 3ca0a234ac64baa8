package services

import (
	"errors"
	"strings"
	"time"

	"github.com/crowdkit/crowdkit/internal/models"
	"github.com/crowdkit/crowdkit/pkg/logger"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// StuckActionSweeper periodically re-enqueues workflows for actions whose
// sync phase committed but whose async phase never converged, typically
// after a crash between commit and hand-off or a lost in-process workflow.
type StuckActionSweeper struct {
	db         *gorm.DB
	audit      *MergeAuditService
	identities *IdentityService
	engine     WorkflowEngine
	stuckAfter time.Duration
	cron       *cron.Cron
}

func NewStuckActionSweeper(db *gorm.DB, audit *MergeAuditService, identities *IdentityService, engine WorkflowEngine, stuckAfter time.Duration) *StuckActionSweeper {
	if stuckAfter <= 0 {
		stuckAfter = 5 * time.Minute
	}
	return &StuckActionSweeper{
		db:         db,
		audit:      audit,
		identities: identities,
		engine:     engine,
		stuckAfter: stuckAfter,
	}
}

// Start schedules the sweep. interval is a cron spec, e.g. "@every 1m".
func (s *StuckActionSweeper) Start(interval string) error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(interval, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	logger.Info().Str("interval", interval).Msg("stuck action sweeper started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *StuckActionSweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep re-enqueues every stuck action once. An ErrWorkflowRunning answer
// means the workflow recovered on its own and needs no help.
func (s *StuckActionSweeper) Sweep() {
	actions, err := s.audit.FindStuck(s.stuckAfter)
	if err != nil {
		logger.Error().Err(err).Msg("stuck action scan failed")
		return
	}

	for i := range actions {
		action := &actions[i]
		task, err := s.taskFor(action)
		if err != nil {
			logger.Error().Err(err).Str("action_id", action.ID).Msg("cannot rebuild workflow task")
			continue
		}

		if err := s.engine.Start(task); err != nil {
			if errors.Is(err, ErrWorkflowRunning) {
				continue
			}
			logger.Error().Err(err).Str("action_id", action.ID).Msg("re-enqueue failed")
			continue
		}
		logger.Info().
			Str("action_id", action.ID).
			Str("step", action.Step).
			Msg("stuck action re-enqueued")
	}
}

// taskFor rebuilds the workflow payload from the ledger row. For unmerge
// actions the restored identity set is whatever the secondary owns now: the
// sync phase already moved those identities back before the action stalled.
func (s *StuckActionSweeper) taskFor(action *models.MergeAction) (*WorkflowTask, error) {
	task := &WorkflowTask{
		ActionID:    action.ID,
		TenantID:    action.TenantID,
		EntityType:  action.EntityType,
		PrimaryID:   action.PrimaryID,
		SecondaryID: action.SecondaryID,
		ActorID:     action.ActionBy,
		SyncStart:   action.CreatedAt,
	}

	if strings.HasPrefix(action.Step, "UNMERGE") {
		task.Type = TaskTypeUnmergeFinalize
		if action.EntityType == models.EntityTypeMember {
			identities, err := s.identities.ListForEntity(s.db, action.TenantID, action.EntityType, action.SecondaryID)
			if err != nil {
				return nil, err
			}
			for _, id := range identities {
				task.RestoredIdentityKeys = append(task.RestoredIdentityKeys, IdentityKey(id.Platform, id.Type, id.Value))
			}
		}
	} else {
		task.Type = TaskTypeMergeFinalize
	}
	return task, nil
}
