// Package api exposes the orchestrator contract over HTTP: job
// submission and polling, tenant settings, usage, and health.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/papergraph/papergraph/pkg/queue"
	"github.com/papergraph/papergraph/pkg/services"
)

// HealthSource reports worker pool health for the health endpoint.
type HealthSource interface {
	Health() *queue.PoolHealth
}

// Server holds the handler dependencies.
type Server struct {
	jobs     *services.JobService
	settings *services.SettingsService
	health   HealthSource
}

// NewServer creates the API server. health may be nil (e.g. API-only
// replicas without a worker pool).
func NewServer(jobs *services.JobService, settings *services.SettingsService, health HealthSource) *Server {
	if jobs == nil {
		panic("job service is required")
	}
	if settings == nil {
		panic("settings service is required")
	}
	return &Server{jobs: jobs, settings: settings, health: health}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), securityHeaders())

	router.GET("/healthz", s.healthz)

	v1 := router.Group("/api/v1", requireTenant())
	{
		v1.POST("/jobs", s.submitJob)
		v1.GET("/jobs", s.listJobs)
		v1.GET("/jobs/:id", s.getJob)
		v1.GET("/settings", s.getSettings)
		v1.PUT("/settings", s.updateSettings)
		v1.GET("/usage", s.getUsage)
	}

	return router
}
