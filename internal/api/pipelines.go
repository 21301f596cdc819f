package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/withobsrvr/connectctl/internal/model"
	"go.uber.org/zap"
)

// pipelineRequest is the body of pipeline create and update calls. On
// update, omitted fields keep their stored value.
type pipelineRequest struct {
	Name   string               `json:"name"`
	Source *model.ConnectorSpec `json:"source"`
	Sink   *model.ConnectorSpec `json:"sink"`
	// Retention is a Go duration such as "72h"
	Retention string `json:"retention"`
}

func hasConfig(spec *model.ConnectorSpec) bool {
	return spec != nil && len(spec.Config) > 0
}

// readiness returns ready once both sides carry a config, draft otherwise
func readiness(p *model.Pipeline) model.PipelineStatus {
	if hasConfig(p.Source) && hasConfig(p.Sink) {
		return model.PipelineReady
	}
	return model.PipelineDraft
}

func (r *pipelineRequest) retention() (time.Duration, error) {
	if r.Retention == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.Retention)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid retention %q", r.Retention)
	}
	return d, nil
}

func (s *ControlPlane) recordTransition(ctx context.Context, pipelineID string, from, to model.PipelineStatus, reason string) {
	if from == to {
		return
	}
	err := s.deps.Store.AppendStateChange(ctx, &model.StateChange{
		ID:         uuid.NewString(),
		PipelineID: pipelineID,
		From:       from,
		To:         to,
		Reason:     reason,
		At:         s.deps.Clock.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("Failed to record state change", zap.String("pipeline", pipelineID), zap.Error(err))
	}
}

func (s *ControlPlane) listPipelines(c *gin.Context) {
	var statuses []model.PipelineStatus
	if raw := c.Query("status"); raw != "" {
		for _, v := range strings.Split(raw, ",") {
			st := model.PipelineStatus(strings.TrimSpace(v))
			if !st.Valid() {
				badRequest(c, fmt.Errorf("unknown status %q", v))
				return
			}
			statuses = append(statuses, st)
		}
	}

	pipelines, err := s.deps.Store.ListPipelinesByStatus(c.Request.Context(), statuses...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": pipelines})
}

func (s *ControlPlane) createPipeline(c *gin.Context) {
	var req pipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		unprocessable(c, "name is required")
		return
	}
	retention, err := req.retention()
	if err != nil {
		unprocessable(c, err.Error())
		return
	}

	now := s.deps.Clock.Now().UTC()
	p := &model.Pipeline{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Source:    req.Source,
		Sink:      req.Sink,
		Retention: retention,
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.Status = readiness(p)

	ctx := c.Request.Context()
	if err := s.deps.Store.CreatePipeline(ctx, p); err != nil {
		writeError(c, err)
		return
	}
	s.recordTransition(ctx, p.ID, model.PipelineDraft, p.Status, "created")
	s.logger.Info("Pipeline created", zap.String("pipeline", p.ID), zap.String("status", string(p.Status)))
	c.JSON(http.StatusCreated, p)
}

func (s *ControlPlane) getPipeline(c *gin.Context) {
	p, err := s.deps.Store.GetPipeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	connectors, err := s.deps.Store.ListConnectors(c.Request.Context(), p.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipeline": p, "connectors": connectors})
}

var errDeletedPipeline = errors.New("deleted pipelines cannot be edited")

func (s *ControlPlane) updatePipeline(c *gin.Context) {
	var req pipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	retention, err := req.retention()
	if err != nil {
		unprocessable(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	var from model.PipelineStatus
	p, err := s.deps.Store.UpdatePipeline(ctx, c.Param("id"), func(p *model.Pipeline) error {
		if p.Status == model.PipelineDeleted {
			return errDeletedPipeline
		}
		from = p.Status
		if req.Name != "" {
			p.Name = req.Name
		}
		if req.Source != nil {
			p.Source = req.Source
		}
		if req.Sink != nil {
			p.Sink = req.Sink
		}
		if retention > 0 {
			p.Retention = retention
		}
		if p.Status == model.PipelineDraft || p.Status == model.PipelineReady {
			p.Status = readiness(p)
		}
		p.UpdatedAt = s.deps.Clock.Now().UTC()
		return nil
	})
	if errors.Is(err, errDeletedPipeline) {
		unprocessable(c, err.Error())
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	s.recordTransition(ctx, p.ID, from, p.Status, "updated")
	c.JSON(http.StatusOK, p)
}

func (s *ControlPlane) deletePipeline(c *gin.Context) {
	p, err := s.deps.Deployer.SoftDelete(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *ControlPlane) deployPipeline(c *gin.Context) {
	result, err := s.deps.Deployer.Deploy(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	code := http.StatusOK
	if !result.OK() {
		code = http.StatusBadGateway
	}
	c.JSON(code, result)
}

func (s *ControlPlane) startPipeline(c *gin.Context) {
	p, err := s.deps.Deployer.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *ControlPlane) pausePipeline(c *gin.Context) {
	p, err := s.deps.Deployer.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *ControlPlane) restorePipeline(c *gin.Context) {
	result, err := s.deps.Deployer.Restore(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	code := http.StatusOK
	if !result.OK() {
		code = http.StatusBadGateway
	}
	c.JSON(code, result)
}

func (s *ControlPlane) deletePipelineConnectors(c *gin.Context) {
	deleteTopics := false
	if raw := c.Query("deleteTopics"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, fmt.Errorf("invalid deleteTopics %q", raw))
			return
		}
		deleteTopics = v
	}

	teardown, err := s.deps.Deployer.DeleteConnectors(c.Request.Context(), c.Param("id"), deleteTopics)
	if err != nil {
		writeError(c, err)
		return
	}
	code := http.StatusOK
	if len(teardown.Errors) > 0 {
		code = http.StatusBadGateway
	}
	c.JSON(code, teardown)
}
