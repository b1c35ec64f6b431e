package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
)

// SetupRoutes sets up the API routes
func SetupRoutes(handler *Handler, logger *slog.Logger) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(Recovery())
	router.Use(CORS())
	router.Use(Logger(logger))

	// Health check
	router.GET("/health", handler.HealthCheck)

	// API v1
	v1 := router.Group("/api/v1")
	{
		v1.GET("/stats", handler.GetStats)
		v1.GET("/runs", handler.ListRuns)

		repos := v1.Group("/repos")
		{
			repos.GET("", handler.ListRepos)
			repos.GET("/:id", handler.GetRepo)
			repos.GET("/:id/units", handler.GetRepoUnits)
		}
	}

	return router
}
