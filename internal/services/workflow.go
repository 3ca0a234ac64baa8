package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crowdkit/crowdkit/internal/config"
	"github.com/crowdkit/crowdkit/pkg/logger"
	"github.com/hibiken/asynq"
)

// Workflow task types. One durable task drives the whole async phase of a
// merge or unmerge; its internal steps are individually idempotent so the
// engine can retry the task from the top.
const (
	TaskTypeMergeFinalize   = "merge:finalize"
	TaskTypeUnmergeFinalize = "unmerge:finalize"
)

const workflowQueue = "merge"

// ErrWorkflowRunning means a workflow for the same pair is already enqueued
// or executing. The sync phase has still committed; callers report the
// hand-off separately instead of failing the merge.
var ErrWorkflowRunning = errors.New("workflow already running for this entity pair")

// WorkflowTask is the payload handed to the durable engine after the sync
// phase commits.
type WorkflowTask struct {
	Type        string `json:"type"`
	ActionID    string `json:"action_id"`
	TenantID    string `json:"tenant_id"`
	EntityType  string `json:"entity_type"`
	PrimaryID   uint   `json:"primary_id"`
	SecondaryID uint   `json:"secondary_id"`
	ActorID     string `json:"actor_id"`
	// SyncStart scopes related-entity search resyncs so an org merge does
	// not re-index unrelated historical member changes.
	SyncStart time.Time `json:"sync_start"`
	// RestoredIdentityKeys limits unmerge activity relocation to activities
	// whose identity moved back to the restored entity.
	RestoredIdentityKeys []string `json:"restored_identity_keys,omitempty"`
}

// DedupeKey is the exactly-once start key: starting the same workflow for
// the same pair twice must not run it twice.
func (t *WorkflowTask) DedupeKey() string {
	return fmt.Sprintf("%s:%s:%d:%d", t.Type, t.EntityType, t.PrimaryID, t.SecondaryID)
}

// WorkflowProcessor executes the async phase of one task.
type WorkflowProcessor func(ctx context.Context, task *WorkflowTask) error

// WorkflowEngine starts durable workflows. Implementations must guarantee
// idempotent start per DedupeKey.
type WorkflowEngine interface {
	Start(task *WorkflowTask) error
	IsDurable() bool
	Close() error
}

// --- asynq-backed engine ---

// AsynqEngine enqueues workflow tasks on Redis via asynq. The asynq task id
// is the dedupe key, so a second Start for an in-flight pair returns
// ErrWorkflowRunning instead of a duplicate run.
type AsynqEngine struct {
	client   *asynq.Client
	maxRetry int
	timeout  time.Duration
}

func NewAsynqEngine(cfg *config.Config) (*AsynqEngine, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	client := asynq.NewClient(redisOpt)

	// Verify the connection up front rather than on first merge.
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}

	return &AsynqEngine{
		client:   client,
		maxRetry: cfg.Workflow.MaxRetry,
		timeout:  cfg.Workflow.TaskTimeout,
	}, nil
}

func (e *AsynqEngine) Start(task *WorkflowTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}

	info, err := e.client.Enqueue(asynq.NewTask(task.Type, payload),
		asynq.Queue(workflowQueue),
		asynq.TaskID(task.DedupeKey()),
		asynq.MaxRetry(e.maxRetry),
		asynq.Timeout(e.timeout),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return ErrWorkflowRunning
		}
		return err
	}

	logger.Info().
		Str("task_id", info.ID).
		Str("type", task.Type).
		Str("action_id", task.ActionID).
		Msg("workflow enqueued")
	return nil
}

func (e *AsynqEngine) IsDurable() bool { return true }

func (e *AsynqEngine) Close() error { return e.client.Close() }

// --- in-process engine ---

// LocalEngine runs workflows in-process when Redis is disabled. It keeps
// the same idempotent-start contract but loses durability across restarts;
// the cron sweeper re-drives anything lost that way.
type LocalEngine struct {
	processor WorkflowProcessor
	mu        sync.Mutex
	inFlight  map[string]bool
	wg        sync.WaitGroup
	// RunInline executes tasks on the calling goroutine, used by tests.
	RunInline bool
}

func NewLocalEngine() *LocalEngine {
	return &LocalEngine{inFlight: make(map[string]bool)}
}

// SetProcessor sets the function that executes workflow tasks.
func (e *LocalEngine) SetProcessor(processor WorkflowProcessor) {
	e.processor = processor
}

func (e *LocalEngine) Start(task *WorkflowTask) error {
	if e.processor == nil {
		logger.Warn().Str("type", task.Type).Msg("no workflow processor set, task dropped")
		return nil
	}

	key := task.DedupeKey()
	e.mu.Lock()
	if e.inFlight[key] {
		e.mu.Unlock()
		return ErrWorkflowRunning
	}
	e.inFlight[key] = true
	e.mu.Unlock()

	run := func() {
		defer func() {
			e.mu.Lock()
			delete(e.inFlight, key)
			e.mu.Unlock()
		}()
		if err := e.processor(context.Background(), task); err != nil {
			logger.Error().Err(err).
				Str("action_id", task.ActionID).
				Msg("workflow failed, awaiting sweeper re-drive")
		}
	}

	if e.RunInline {
		run()
		return nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		run()
	}()
	return nil
}

func (e *LocalEngine) IsDurable() bool { return false }

func (e *LocalEngine) Close() error {
	e.wg.Wait()
	return nil
}

// --- worker (asynq server side) ---

// WorkflowWorker consumes workflow tasks from Redis.
type WorkflowWorker struct {
	server      *asynq.Server
	mux         *asynq.ServeMux
	processor   WorkflowProcessor
	onExhausted func(actionID string)
	mu          sync.Mutex
	running     bool
}

func NewWorkflowWorker(cfg *config.Config) *WorkflowWorker {
	if !cfg.Redis.Enabled {
		return nil
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	w := &WorkflowWorker{mux: asynq.NewServeMux()}
	w.server = asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				workflowQueue: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error().Err(err).
					Str("type", task.Type()).
					Int("retried", retried).
					Msg("workflow task error")
				if retried >= maxRetry {
					w.taskExhausted(task.Payload())
				}
			}),
		},
	)
	return w
}

// SetProcessor sets the function that executes workflow tasks.
func (w *WorkflowWorker) SetProcessor(processor WorkflowProcessor) {
	w.processor = processor
}

// SetFailureHandler sets the callback invoked once a task has exhausted its
// retries. The server wiring marks the ledger action ERROR there, releasing
// the pair for a manual retry.
func (w *WorkflowWorker) SetFailureHandler(handler func(actionID string)) {
	w.onExhausted = handler
}

// taskExhausted reports a task whose final retry failed.
func (w *WorkflowWorker) taskExhausted(payload []byte) {
	if w.onExhausted == nil {
		return
	}
	var task WorkflowTask
	if err := json.Unmarshal(payload, &task); err != nil {
		logger.Error().Err(err).Msg("unmarshal exhausted workflow task")
		return
	}
	logger.Error().Str("action_id", task.ActionID).Msg("workflow retries exhausted")
	w.onExhausted(task.ActionID)
}

// Start begins consuming workflow tasks.
func (w *WorkflowWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.mux.HandleFunc(TaskTypeMergeFinalize, w.handleTask)
	w.mux.HandleFunc(TaskTypeUnmergeFinalize, w.handleTask)
	w.running = true

	go func() {
		logger.Info().Msg("workflow worker starting")
		if err := w.server.Run(w.mux); err != nil {
			logger.Error().Err(err).Msg("workflow worker stopped")
		}
	}()
	return nil
}

// Stop gracefully shuts down the worker.
func (w *WorkflowWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.server.Shutdown()
	w.running = false
}

func (w *WorkflowWorker) handleTask(ctx context.Context, t *asynq.Task) error {
	var task WorkflowTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("unmarshal workflow task: %w", err)
	}

	if w.processor == nil {
		logger.Warn().Msg("no workflow processor set")
		return nil
	}

	logger.Info().
		Str("type", task.Type).
		Str("action_id", task.ActionID).
		Uint("primary_id", task.PrimaryID).
		Uint("secondary_id", task.SecondaryID).
		Msg("processing workflow task")

	return w.processor(ctx, &task)
}
