package main

import (
	"fmt"

	"github.com/crowdkit/crowdkit/internal/config"
	"github.com/crowdkit/crowdkit/internal/handlers"
	"github.com/crowdkit/crowdkit/internal/middleware"
	"github.com/crowdkit/crowdkit/internal/models"
	"github.com/crowdkit/crowdkit/internal/services"
	"github.com/crowdkit/crowdkit/pkg/logger"
)

// appServices holds the initialized services and handlers.
type appServices struct {
	engine    services.WorkflowEngine
	worker    *services.WorkflowWorker
	sweeper   *services.StuckActionSweeper
	hub       *services.EventHub
	publisher services.EventPublisher
	relay     *services.RedisEventRelay

	mergeHandler  *handlers.MergeHandler
	actionHandler *handlers.MergeActionHandler
	eventsHandler *handlers.EventsHandler
	healthHandler *handlers.HealthHandler
}

// bootstrap initializes database, services, workflow engine, and schedulers.
func bootstrap(cfg *config.Config) *appServices {
	middleware.SetJWTSecret(cfg.JWT.Secret)

	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	db := models.GetDB()

	audit := services.NewMergeAuditService(db)
	identities := services.NewIdentityService(db)
	affiliations := services.NewAffiliationService()
	relocator := services.NewActivityRelocator(db, affiliations, cfg.Workflow.BatchSize)

	// Search sync is optional; without an indexer endpoint the triggers
	// become no-ops.
	var search services.SearchSyncer = services.NoopSearchSyncer{}
	if cfg.SearchSync.BaseURL != "" {
		search = services.NewHTTPSearchSyncer(&cfg.SearchSync)
	}

	// Events go over Redis pub/sub when available so every replica's SSE
	// clients see them; otherwise the in-process hub serves this instance.
	hub := services.NewEventHub()
	var publisher services.EventPublisher = hub
	var relay *services.RedisEventRelay
	if cfg.Redis.Enabled {
		publisher = services.NewRedisEventPublisher(&cfg.Redis)
		relay = services.NewRedisEventRelay(&cfg.Redis, hub)
		relay.Start()
	}
	gateway := services.NewSyncGateway(search, publisher)

	finalizer := services.NewMergeFinalizer(db, audit, relocator, gateway)

	// Durable engine when Redis is up, in-process fallback otherwise.
	var engine services.WorkflowEngine
	var worker *services.WorkflowWorker
	if cfg.Redis.Enabled {
		asynqEngine, err := services.NewAsynqEngine(cfg)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, falling back to in-process workflows")
		} else {
			engine = asynqEngine
			worker = services.NewWorkflowWorker(cfg)
			worker.SetProcessor(finalizer.Process)
			worker.SetFailureHandler(func(actionID string) {
				if err := audit.MarkError(db, actionID); err != nil {
					logger.Error().Err(err).Str("action_id", actionID).Msg("failed to mark action as error")
				}
			})
			if err := worker.Start(); err != nil {
				logger.Fatalf("Failed to start workflow worker: %v", err)
			}
		}
	}
	if engine == nil {
		local := services.NewLocalEngine()
		local.SetProcessor(finalizer.Process)
		engine = local
	}

	merges := services.NewMergeService(db, audit, identities, engine)

	sweeper := services.NewStuckActionSweeper(db, audit, identities, engine, cfg.Workflow.StuckAfter)
	if err := sweeper.Start(fmt.Sprintf("@every %s", cfg.Workflow.SweepInterval)); err != nil {
		logger.Fatalf("Failed to start sweeper: %v", err)
	}

	return &appServices{
		engine:        engine,
		worker:        worker,
		sweeper:       sweeper,
		hub:           hub,
		publisher:     publisher,
		relay:         relay,
		mergeHandler:  handlers.NewMergeHandler(merges),
		actionHandler: handlers.NewMergeActionHandler(db, audit),
		eventsHandler: handlers.NewEventsHandler(hub),
		healthHandler: handlers.NewHealthHandler(engine, hub),
	}
}

// shutdown gracefully stops all background services.
func (s *appServices) shutdown() {
	s.sweeper.Stop()
	if s.worker != nil {
		s.worker.Stop()
	}
	if err := s.engine.Close(); err != nil {
		logger.Warn().Err(err).Msg("workflow engine close failed")
	}
	if s.relay != nil {
		s.relay.Stop()
	}
	if closer, ok := s.publisher.(interface{ Close() error }); ok {
		closer.Close()
	}
	logger.Info().Msg("All background services stopped")
}
