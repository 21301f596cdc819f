package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/withobsrvr/connectctl/internal/model"
	"github.com/withobsrvr/connectctl/internal/promquery"
	"github.com/withobsrvr/connectctl/internal/status"
	"github.com/withobsrvr/connectctl/internal/storage"
)

// activityEntry is one item of the pipeline activity feed
type activityEntry struct {
	Kind     string         `json:"kind"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"at"`
}

// logEntry is an error trace reported by Kafka Connect
type logEntry struct {
	ConnectorType model.ConnectorType `json:"connector_type"`
	Connector     string              `json:"connector"`
	TaskID        *int                `json:"task_id,omitempty"`
	State         string              `json:"state"`
	WorkerID      string              `json:"worker_id,omitempty"`
	Trace         string              `json:"trace"`
}

func (s *ControlPlane) loadPipeline(c *gin.Context) (*model.Pipeline, bool) {
	p, err := s.deps.Store.GetPipeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return p, true
}

func (s *ControlPlane) pipelineStatus(c *gin.Context) {
	p, ok := s.loadPipeline(c)
	if !ok {
		return
	}
	report := s.deps.Status.Poll(c.Request.Context(), p)
	c.JSON(http.StatusOK, gin.H{
		"pipeline_id": p.ID,
		"status":      p.Status,
		"source":      report.Source,
		"sink":        report.Sink,
		"checked_at":  report.CheckedAt,
	})
}

func (s *ControlPlane) pipelineProgress(c *gin.Context) {
	p, ok := s.loadPipeline(c)
	if !ok {
		return
	}
	report := s.deps.Status.Poll(c.Request.Context(), p)
	events, err := s.deps.Store.ListProgressEvents(c.Request.Context(), p.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pipeline_id": p.ID,
		"stages":      report.Stages,
		"events":      events,
		"checked_at":  report.CheckedAt,
	})
}

// pipelineActivity merges the progress and state-change logs, newest first
func (s *ControlPlane) pipelineActivity(c *gin.Context) {
	p, ok := s.loadPipeline(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	events, err := s.deps.Store.ListProgressEvents(ctx, p.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	changes, err := s.deps.Store.ListStateChanges(ctx, p.ID)
	if err != nil {
		writeError(c, err)
		return
	}

	activity := make([]activityEntry, 0, len(events)+len(changes))
	for _, e := range events {
		activity = append(activity, activityEntry{
			Kind:     "progress",
			Message:  string(e.Stage) + " " + string(e.Status),
			Metadata: e.Metadata,
			At:       e.CreatedAt,
		})
	}
	for _, sc := range changes {
		activity = append(activity, activityEntry{
			Kind:     "state_change",
			Message:  string(sc.From) + " -> " + string(sc.To),
			Metadata: map[string]any{"reason": sc.Reason},
			At:       sc.At,
		})
	}
	sort.SliceStable(activity, func(i, j int) bool {
		return activity[i].At.After(activity[j].At)
	})
	c.JSON(http.StatusOK, gin.H{"pipeline_id": p.ID, "activity": activity})
}

func (s *ControlPlane) pipelineMonitoring(c *gin.Context) {
	p, ok := s.loadPipeline(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	thresholds, err := s.deps.Store.GetThresholds(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	unresolved := false
	alerts, err := s.deps.Store.ListAlerts(ctx, storage.AlertFilter{PipelineID: p.ID, Resolved: &unresolved})
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{
		"pipeline_id": p.ID,
		"status":      p.Status,
		"thresholds":  thresholds,
		"open_alerts": alerts,
	}
	if s.deps.Metrics != nil {
		resp["metrics"] = s.deps.Metrics.Snapshot(ctx,
			s.deployedName(ctx, p, model.ConnectorSource),
			s.deployedName(ctx, p, model.ConnectorSink))
	} else {
		resp["metrics"] = promquery.Snapshot{}
		resp["metrics_available"] = false
	}
	c.JSON(http.StatusOK, resp)
}

// deployedName is the name the connector of type t is registered under, which
// differs from the derived name after a rename until the next deploy
func (s *ControlPlane) deployedName(ctx context.Context, p *model.Pipeline, t model.ConnectorType) string {
	if c, err := s.deps.Store.GetConnectorByType(ctx, p.ID, t); err == nil && c.Name != "" {
		return c.Name
	}
	return p.ConnectorName(t)
}

// pipelineLogs returns the error traces Kafka Connect reports for the connectors and their tasks
func (s *ControlPlane) pipelineLogs(c *gin.Context) {
	p, ok := s.loadPipeline(c)
	if !ok {
		return
	}
	report := s.deps.Status.Poll(c.Request.Context(), p)

	logs := []logEntry{}
	for _, cr := range []*status.ConnectorReport{report.Source, report.Sink} {
		if !cr.Reachable() {
			continue
		}
		st := cr.Status
		if st.Connector.Trace != "" {
			logs = append(logs, logEntry{
				ConnectorType: cr.Type,
				Connector:     cr.Name,
				State:         st.Connector.State,
				WorkerID:      st.Connector.WorkerID,
				Trace:         st.Connector.Trace,
			})
		}
		for _, task := range st.Tasks {
			if task.Trace == "" {
				continue
			}
			id := task.ID
			logs = append(logs, logEntry{
				ConnectorType: cr.Type,
				Connector:     cr.Name,
				TaskID:        &id,
				State:         task.State,
				WorkerID:      task.WorkerID,
				Trace:         task.Trace,
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"pipeline_id": p.ID, "logs": logs, "checked_at": report.CheckedAt})
}

func (s *ControlPlane) pipelineStateChanges(c *gin.Context) {
	p, ok := s.loadPipeline(c)
	if !ok {
		return
	}
	changes, err := s.deps.Store.ListStateChanges(c.Request.Context(), p.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipeline_id": p.ID, "state_changes": changes})
}
