package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/withobsrvr/connectctl/internal/config"
	"github.com/withobsrvr/connectctl/internal/model"
	"github.com/withobsrvr/connectctl/internal/storage"
	"go.uber.org/zap"
)

func (s *ControlPlane) listPipelineAlerts(c *gin.Context) {
	filter := storage.AlertFilter{PipelineID: c.Param("id")}
	if raw := c.Query("resolved"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, fmt.Errorf("invalid resolved %q", raw))
			return
		}
		filter.Resolved = &v
	}

	ctx := c.Request.Context()
	if _, err := s.deps.Store.GetPipeline(ctx, filter.PipelineID); err != nil {
		writeError(c, err)
		return
	}
	alerts, err := s.deps.Store.ListAlerts(ctx, filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *ControlPlane) resolveAllAlerts(c *gin.Context) {
	n, err := s.deps.Monitor.ResolveAll(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": n})
}

func (s *ControlPlane) getAlert(c *gin.Context) {
	a, err := s.deps.Store.GetAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *ControlPlane) resolveAlert(c *gin.Context) {
	a, err := s.deps.Monitor.ResolveAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *ControlPlane) deleteAlert(c *gin.Context) {
	if err := s.deps.Store.DeleteAlert(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *ControlPlane) getThresholds(c *gin.Context) {
	th, err := s.deps.Store.GetThresholds(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, th)
}

// putThresholds replaces the thresholds. They apply from the next sweep.
func (s *ControlPlane) putThresholds(c *gin.Context) {
	var th model.MonitoringThresholds
	if err := c.ShouldBindJSON(&th); err != nil {
		badRequest(c, err)
		return
	}
	if err := config.ValidateThresholds(th); err != nil {
		unprocessable(c, err.Error())
		return
	}
	if err := s.deps.Store.SaveThresholds(c.Request.Context(), th); err != nil {
		writeError(c, err)
		return
	}
	s.logger.Info("Monitoring thresholds updated",
		zap.Float64("lag_ms", th.LagMs),
		zap.Float64("throughput_drop_percent", th.ThroughputDropPercent),
		zap.Float64("error_rate_percent", th.ErrorRatePercent),
		zap.Int64("check_interval_ms", th.CheckIntervalMs),
		zap.Int64("pause_duration_seconds", th.PauseDurationSeconds))
	c.JSON(http.StatusOK, th)
}
