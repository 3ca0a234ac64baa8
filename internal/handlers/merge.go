package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/crowdkit/crowdkit/internal/middleware"
	"github.com/crowdkit/crowdkit/internal/services"
	"github.com/crowdkit/crowdkit/pkg/response"
	"github.com/gin-gonic/gin"
)

// MergeHandler exposes the merge and unmerge endpoints for both entity
// types.
type MergeHandler struct {
	merges *services.MergeService
}

func NewMergeHandler(merges *services.MergeService) *MergeHandler {
	return &MergeHandler{merges: merges}
}

// MergeRequest is the body for merge endpoints. The primary comes from the
// URL, the entity being absorbed from the body.
type MergeRequest struct {
	SecondaryID uint `json:"secondary_id" binding:"required"`
}

// UnmergeRequest is the body for unmerge endpoints. Identities limits the
// restore to the named identities; empty restores everything the snapshot
// recorded for the secondary.
type UnmergeRequest struct {
	SecondaryID uint                   `json:"secondary_id" binding:"required"`
	Identities  []services.IdentityRef `json:"identities"`
}

func (h *MergeHandler) MergeMembers(c *gin.Context) {
	primaryID, ok := pathID(c)
	if !ok {
		return
	}
	var req MergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.merges.MergeMembers(c.Request.Context(),
		middleware.GetTenantID(c), primaryID, req.SecondaryID, middleware.GetUserID(c))
	h.respond(c, result, err)
}

func (h *MergeHandler) UnmergeMembers(c *gin.Context) {
	primaryID, ok := pathID(c)
	if !ok {
		return
	}
	var req UnmergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.merges.UnmergeMembers(c.Request.Context(),
		middleware.GetTenantID(c), primaryID, req.SecondaryID, req.Identities, middleware.GetUserID(c))
	h.respond(c, result, err)
}

func (h *MergeHandler) MergeOrganizations(c *gin.Context) {
	primaryID, ok := pathID(c)
	if !ok {
		return
	}
	var req MergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.merges.MergeOrganizations(c.Request.Context(),
		middleware.GetTenantID(c), primaryID, req.SecondaryID, middleware.GetUserID(c))
	h.respond(c, result, err)
}

func (h *MergeHandler) UnmergeOrganizations(c *gin.Context) {
	primaryID, ok := pathID(c)
	if !ok {
		return
	}
	var req UnmergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.merges.UnmergeOrganizations(c.Request.Context(),
		middleware.GetTenantID(c), primaryID, req.SecondaryID, middleware.GetUserID(c))
	h.respond(c, result, err)
}

// respond maps service outcomes onto the merge contract: 200 committed,
// 203 no-op, 409 conflicting operation or already-running continuation.
func (h *MergeHandler) respond(c *gin.Context, result *services.MergeResult, err error) {
	if err != nil {
		var conflict *services.ConflictError
		if errors.As(err, &conflict) {
			response.Error(c, response.NewConflict(conflict.Error()).WithDetails(conflict.Action))
			return
		}
		var notFound *services.NotFoundError
		if errors.As(err, &notFound) {
			response.NotFound(c, notFound.Message)
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	switch result.Status {
	case http.StatusNonAuthoritativeInfo:
		response.NonAuthoritative(c, result)
	case http.StatusConflict:
		response.Error(c, response.NewConflict("a continuation for this pair is already running").WithDetails(result))
	default:
		response.Success(c, result)
	}
}

func pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid entity id")
		return 0, false
	}
	return uint(id), true
}
