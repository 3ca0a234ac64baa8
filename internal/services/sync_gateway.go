package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/crowdkit/crowdkit/internal/config"
	"github.com/crowdkit/crowdkit/internal/models"
	"github.com/crowdkit/crowdkit/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// MergeEvent is the payload published to live clients when a merge or
// unmerge converges.
type MergeEvent struct {
	Event                string `json:"event"`
	Success              bool   `json:"success"`
	TenantID             string `json:"tenantId"`
	UserID               string `json:"userId"`
	PrimaryID            uint   `json:"primaryId"`
	SecondaryID          uint   `json:"secondaryId"`
	PrimaryDisplayName   string `json:"primaryDisplayName"`
	SecondaryDisplayName string `json:"secondaryDisplayName"`
}

// SearchSyncer asks the search-indexing subsystem to refresh documents.
// All triggers are best-effort: failures are logged, never propagated.
type SearchSyncer interface {
	TriggerEntitySync(ctx context.Context, entityType string, entityID uint)
	TriggerRelatedEntitiesSync(ctx context.Context, parentID, scopeID uint, since time.Time)
}

// HTTPSearchSyncer posts sync requests to the indexer endpoint.
type HTTPSearchSyncer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSearchSyncer(cfg *config.SearchSyncConfig) *HTTPSearchSyncer {
	return &HTTPSearchSyncer{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (s *HTTPSearchSyncer) TriggerEntitySync(ctx context.Context, entityType string, entityID uint) {
	s.post(ctx, "/sync/entity", map[string]interface{}{
		"entityType": entityType,
		"entityId":   entityID,
	})
}

func (s *HTTPSearchSyncer) TriggerRelatedEntitiesSync(ctx context.Context, parentID, scopeID uint, since time.Time) {
	s.post(ctx, "/sync/related", map[string]interface{}{
		"parentId": parentID,
		"scopeId":  scopeID,
		"since":    since.Format(time.RFC3339),
	})
}

func (s *HTTPSearchSyncer) post(ctx context.Context, path string, body map[string]interface{}) {
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("search sync request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("search sync trigger failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("search sync trigger rejected")
	}
}

// NoopSearchSyncer is used when no indexer endpoint is configured.
type NoopSearchSyncer struct{}

func (NoopSearchSyncer) TriggerEntitySync(context.Context, string, uint) {}

func (NoopSearchSyncer) TriggerRelatedEntitiesSync(context.Context, uint, uint, time.Time) {}

// EventPublisher delivers merge events to live clients.
type EventPublisher interface {
	Publish(ctx context.Context, event *MergeEvent)
}

// RedisEventPublisher publishes on a tenant-scoped pub/sub channel.
type RedisEventPublisher struct {
	rdb *redis.Client
}

func NewRedisEventPublisher(cfg *config.RedisConfig) *RedisEventPublisher {
	return &RedisEventPublisher{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

// TenantChannel names the pub/sub channel for a tenant.
func TenantChannel(tenantID string) string {
	return fmt.Sprintf("tenant:%s:events", tenantID)
}

func (p *RedisEventPublisher) Publish(ctx context.Context, event *MergeEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := p.rdb.Publish(ctx, TenantChannel(event.TenantID), payload).Err(); err != nil {
		logger.Warn().Err(err).Str("event", event.Event).Msg("event publish failed")
	}
}

func (p *RedisEventPublisher) Close() error { return p.rdb.Close() }

// RedisEventRelay subscribes to every tenant channel and forwards events
// into the local hub, so SSE clients on any replica see merges committed on
// another.
type RedisEventRelay struct {
	rdb    *redis.Client
	hub    *EventHub
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisEventRelay(cfg *config.RedisConfig, hub *EventHub) *RedisEventRelay {
	return &RedisEventRelay{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		hub:  hub,
		done: make(chan struct{}),
	}
}

// Start begins forwarding. go-redis reconnects the subscription itself, so
// the loop only ends on Stop.
func (r *RedisEventRelay) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	sub := r.rdb.PSubscribe(ctx, "tenant:*:events")
	go func() {
		defer close(r.done)
		defer sub.Close()
		for msg := range sub.Channel() {
			var event MergeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn().Err(err).Str("channel", msg.Channel).Msg("bad event payload")
				continue
			}
			r.hub.Publish(ctx, &event)
		}
	}()
	logger.Info().Msg("redis event relay started")
}

// Stop ends the subscription and waits for the forwarding loop.
func (r *RedisEventRelay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
	r.rdb.Close()
}

// --- in-process hub (SSE backing when Redis is disabled) ---

type hubClient struct {
	tenantID string
	ch       chan MergeEvent
}

// EventHub fans merge events out to connected SSE clients, filtered per
// tenant.
type EventHub struct {
	mu      sync.RWMutex
	clients map[string]hubClient
}

func NewEventHub() *EventHub {
	return &EventHub{clients: make(map[string]hubClient)}
}

// Subscribe registers a client and returns its event channel.
func (h *EventHub) Subscribe(clientID, tenantID string) <-chan MergeEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan MergeEvent, 64)
	h.clients[clientID] = hubClient{tenantID: tenantID, ch: ch}
	return ch
}

// Unsubscribe removes a client from the hub.
func (h *EventHub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[clientID]; ok {
		close(c.ch)
		delete(h.clients, clientID)
	}
}

// Publish delivers the event to every client of the event's tenant.
// Slow clients drop events rather than block the workflow.
func (h *EventHub) Publish(_ context.Context, event *MergeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		if c.tenantID != event.TenantID {
			continue
		}
		select {
		case c.ch <- *event:
		default:
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// --- gateway ---

// SyncGateway runs the post-mutation propagation: search reindex triggers
// and the pub/sub event. Nothing here can fail the workflow; the mutation
// is already committed and notification failure only delays convergence.
type SyncGateway struct {
	search    SearchSyncer
	publisher EventPublisher
}

func NewSyncGateway(search SearchSyncer, publisher EventPublisher) *SyncGateway {
	return &SyncGateway{search: search, publisher: publisher}
}

// AfterMerge resyncs the surviving entity and announces the merge. For
// organization merges the member-side documents touched by the ownership
// change are resynced too, scoped to syncStart so unrelated history stays
// untouched.
func (g *SyncGateway) AfterMerge(ctx context.Context, task *WorkflowTask, primaryName, secondaryName string) {
	g.search.TriggerEntitySync(ctx, task.EntityType, task.PrimaryID)
	if task.EntityType == models.EntityTypeOrganization {
		g.search.TriggerRelatedEntitiesSync(ctx, task.PrimaryID, 0, task.SyncStart)
	}

	g.publisher.Publish(ctx, &MergeEvent{
		Event:                task.EntityType + "-merge",
		Success:              true,
		TenantID:             task.TenantID,
		UserID:               task.ActorID,
		PrimaryID:            task.PrimaryID,
		SecondaryID:          task.SecondaryID,
		PrimaryDisplayName:   primaryName,
		SecondaryDisplayName: secondaryName,
	})
}

// AfterUnmerge resyncs both entities and announces the unmerge.
func (g *SyncGateway) AfterUnmerge(ctx context.Context, task *WorkflowTask, primaryName, secondaryName string) {
	g.search.TriggerEntitySync(ctx, task.EntityType, task.PrimaryID)
	g.search.TriggerEntitySync(ctx, task.EntityType, task.SecondaryID)
	if task.EntityType == models.EntityTypeOrganization {
		g.search.TriggerRelatedEntitiesSync(ctx, task.PrimaryID, 0, task.SyncStart)
		g.search.TriggerRelatedEntitiesSync(ctx, task.SecondaryID, 0, task.SyncStart)
	}

	g.publisher.Publish(ctx, &MergeEvent{
		Event:                task.EntityType + "-unmerge",
		Success:              true,
		TenantID:             task.TenantID,
		UserID:               task.ActorID,
		PrimaryID:            task.PrimaryID,
		SecondaryID:          task.SecondaryID,
		PrimaryDisplayName:   primaryName,
		SecondaryDisplayName: secondaryName,
	})
}
