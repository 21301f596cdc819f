package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetupRoutes registers the control plane routes on router
func SetupRoutes(router *gin.Engine, s *ControlPlane) {
	router.GET("/healthz", s.health)
	if s.deps.Obs != nil {
		router.GET("/metrics", gin.WrapH(s.deps.Obs.Handler()))
	}

	pipelines := router.Group("/pipelines")
	{
		pipelines.GET("", s.listPipelines)
		pipelines.POST("", s.createPipeline)
		pipelines.GET("/:id", s.getPipeline)
		pipelines.PUT("/:id", s.updatePipeline)
		pipelines.DELETE("/:id", s.deletePipeline)

		pipelines.POST("/:id/deploy", s.deployPipeline)
		pipelines.POST("/:id/start", s.startPipeline)
		pipelines.POST("/:id/pause", s.pausePipeline)
		pipelines.POST("/:id/restore", s.restorePipeline)
		pipelines.DELETE("/:id/connectors", s.deletePipelineConnectors)

		pipelines.GET("/:id/status", s.pipelineStatus)
		pipelines.GET("/:id/progress", s.pipelineProgress)
		pipelines.GET("/:id/activity", s.pipelineActivity)
		pipelines.GET("/:id/monitoring", s.pipelineMonitoring)
		pipelines.GET("/:id/logs", s.pipelineLogs)
		pipelines.GET("/:id/state-changes", s.pipelineStateChanges)

		pipelines.GET("/:id/alerts", s.listPipelineAlerts)
		pipelines.POST("/:id/alerts/resolve-all", s.resolveAllAlerts)
	}

	alerts := router.Group("/alerts")
	{
		alerts.GET("/:id", s.getAlert)
		alerts.POST("/:id/resolve", s.resolveAlert)
		alerts.DELETE("/:id", s.deleteAlert)
	}

	// Action routes take the Kafka Connect name, pending routes the connector record ID
	connectors := router.Group("/connectors")
	{
		connectors.POST("/:connector/pause", s.connectorAction("pause"))
		connectors.POST("/:connector/resume", s.connectorAction("resume"))
		connectors.POST("/:connector/restart", s.connectorAction("restart"))
		connectors.DELETE("/:connector", s.connectorAction("delete"))
		connectors.PUT("/:connector/pending", s.stagePending)
		connectors.POST("/:connector/deploy-pending", s.deployPending)
	}

	monitoring := router.Group("/monitoring")
	{
		monitoring.GET("/thresholds", s.getThresholds)
		monitoring.PUT("/thresholds", s.putThresholds)
	}
}

func (s *ControlPlane) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
