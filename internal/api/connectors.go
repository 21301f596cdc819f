package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// connectorAction acts on a connector in Kafka Connect by name
func (s *ControlPlane) connectorAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("connector")
		var fn func(context.Context, string) error
		switch action {
		case "pause":
			fn = s.deps.Connectors.Pause
		case "resume":
			fn = s.deps.Connectors.Resume
		case "restart":
			fn = s.deps.Connectors.Restart
		default:
			fn = s.deps.Connectors.Delete
		}

		if err := fn(c.Request.Context(), name); err != nil {
			s.deps.Obs.RecordConnectError(action)
			writeError(c, err)
			return
		}
		s.logger.Info("Connector action applied", zap.String("connector", name), zap.String("action", action))
		c.JSON(http.StatusOK, gin.H{"connector": name, "action": action})
	}
}

func (s *ControlPlane) stagePending(c *gin.Context) {
	var body struct {
		Config map[string]any `json:"config"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	rec, err := s.deps.Deployer.StagePending(c.Request.Context(), c.Param("connector"), body.Config)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *ControlPlane) deployPending(c *gin.Context) {
	rec, err := s.deps.Deployer.DeployPending(c.Request.Context(), c.Param("connector"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
