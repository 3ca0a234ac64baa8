package main

import (
	"github.com/crowdkit/crowdkit/internal/middleware"
	"github.com/crowdkit/crowdkit/pkg/logger"
	"github.com/gin-gonic/gin"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS())

	// Merges are expensive; a burst of retries should queue behind the
	// conflict guard, not hammer the database.
	mergeLimiter := middleware.NewRateLimiter(10, 20)

	r.GET("/health", svc.healthHandler.CheckHealth)

	api := r.Group("/api")
	{
		// SSE events (public route with internal token validation, since
		// EventSource cannot set headers)
		api.GET("/events/merges", svc.eventsHandler.Stream)

		protected := api.Group("")
		protected.Use(middleware.AuthRequired())
		{
			merge := protected.Group("", mergeLimiter.Middleware())
			{
				merge.POST("/members/:id/merge", svc.mergeHandler.MergeMembers)
				merge.POST("/members/:id/unmerge", svc.mergeHandler.UnmergeMembers)
				merge.POST("/organizations/:id/merge", svc.mergeHandler.MergeOrganizations)
				merge.POST("/organizations/:id/unmerge", svc.mergeHandler.UnmergeOrganizations)
			}

			protected.GET("/merge-actions", svc.actionHandler.List)
			protected.GET("/merge-actions/:id", svc.actionHandler.Get)
		}
	}
}
