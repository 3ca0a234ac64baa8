package handlers

import (
	"errors"

	"github.com/crowdkit/crowdkit/internal/middleware"
	"github.com/crowdkit/crowdkit/internal/services"
	"github.com/crowdkit/crowdkit/pkg/response"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// MergeActionHandler exposes the audit ledger.
type MergeActionHandler struct {
	db    *gorm.DB
	audit *services.MergeAuditService
}

func NewMergeActionHandler(db *gorm.DB, audit *services.MergeAuditService) *MergeActionHandler {
	return &MergeActionHandler{db: db, audit: audit}
}

// List returns ledger rows filtered by entity, type, or state.
func (h *MergeActionHandler) List(c *gin.Context) {
	var req services.MergeActionListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	actions, err := h.audit.List(middleware.GetTenantID(c), &req)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, actions)
}

// Get returns one ledger row by action id.
func (h *MergeActionHandler) Get(c *gin.Context) {
	action, err := h.audit.Get(h.db, c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.NotFound(c, "merge action not found")
			return
		}
		response.ServerError(c, err.Error())
		return
	}
	if action.TenantID != middleware.GetTenantID(c) {
		response.NotFound(c, "merge action not found")
		return
	}

	response.Success(c, action)
}
