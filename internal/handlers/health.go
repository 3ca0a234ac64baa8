package handlers

import (
	"github.com/crowdkit/crowdkit/internal/models"
	"github.com/crowdkit/crowdkit/internal/services"
	"github.com/gin-gonic/gin"
)

// HealthHandler reports the status of the orchestrator's subsystems.
type HealthHandler struct {
	engine services.WorkflowEngine
	hub    *services.EventHub
}

func NewHealthHandler(engine services.WorkflowEngine, hub *services.EventHub) *HealthHandler {
	return &HealthHandler{engine: engine, hub: hub}
}

// CheckHealth returns the health status of all subsystems.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"

	dbStatus := "ok"
	sqlDB, err := models.GetDB().DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	} else if err := sqlDB.Ping(); err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	}

	workflowMode := "local"
	if h.engine != nil && h.engine.IsDurable() {
		workflowMode = "durable (Redis)"
	}

	var inProgress int64
	models.GetDB().Model(&models.MergeAction{}).
		Where("state = ?", models.MergeStateInProgress).
		Count(&inProgress)

	c.JSON(200, gin.H{
		"status":  overall,
		"service": "crowdkit",
		"components": gin.H{
			"database":           dbStatus,
			"workflow_mode":      workflowMode,
			"sse_clients":        h.hub.ClientCount(),
			"merges_in_progress": inProgress,
		},
	})
}
