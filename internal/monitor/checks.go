package monitor

import (
	"context"
	"fmt"
	"math"

	"github.com/withobsrvr/connectctl/internal/connect"
	"github.com/withobsrvr/connectctl/internal/model"
	"github.com/withobsrvr/connectctl/internal/promquery"
	"github.com/withobsrvr/connectctl/internal/status"
	"go.uber.org/zap"
)

// errorRateBaseline is the record count the error total is compared against
const errorRateBaseline = 100

func (e *Engine) checkPipeline(ctx context.Context, p *model.Pipeline, th model.MonitoringThresholds) {
	report := e.status.Fetch(ctx, p)

	for _, t := range model.ConnectorTypes {
		cr := report.Connector(t)
		e.checkFailed(ctx, p, cr)
		e.checkPaused(ctx, p, cr, th)
	}

	snap := e.snapshot(ctx, report)
	e.checkLag(ctx, p, report, snap, th)
	e.checkThroughput(ctx, p, snap, th)
	e.checkErrorRate(ctx, p, snap, th)
}

func (e *Engine) snapshot(ctx context.Context, report *status.Report) promquery.Snapshot {
	if e.metrics == nil {
		return promquery.Snapshot{Missing: []string{
			promquery.MetricPollRate,
			promquery.MetricWriteRate,
			promquery.MetricSendRate,
			promquery.MetricCommitSuccess,
			promquery.MetricErrors,
		}}
	}
	var source, sink string
	if report.Source != nil {
		source = report.Source.Name
	}
	if report.Sink != nil {
		sink = report.Sink.Name
	}
	return e.metrics.Snapshot(ctx, source, sink)
}

func (e *Engine) checkFailed(ctx context.Context, p *model.Pipeline, cr *status.ConnectorReport) {
	if !cr.Reachable() {
		return
	}
	st := cr.Status

	if st.State() == connect.StateFailed {
		e.raise(ctx, &model.AlertEvent{
			PipelineID:    p.ID,
			AlertType:     model.AlertConnectorFailed,
			Severity:      model.SeverityCritical,
			ConnectorType: cr.Type,
			Message:       fmt.Sprintf("%s connector %s is FAILED", cr.Type, cr.Name),
			Metadata: map[string]any{
				"connector": cr.Name,
				"worker_id": st.Connector.WorkerID,
				"trace":     st.Connector.Trace,
			},
		})
	}

	failed := st.FailedTasks()
	if len(failed) == 0 {
		return
	}
	ids := make([]int, 0, len(failed))
	traces := make(map[string]string, len(failed))
	for _, task := range failed {
		ids = append(ids, task.ID)
		traces[fmt.Sprint(task.ID)] = task.Trace
	}
	e.raise(ctx, &model.AlertEvent{
		PipelineID:    p.ID,
		AlertType:     model.AlertTaskFailed,
		Severity:      model.SeverityCritical,
		ConnectorType: cr.Type,
		Message:       fmt.Sprintf("%d task(s) of %s connector %s failed", len(failed), cr.Type, cr.Name),
		Metadata: map[string]any{
			"connector": cr.Name,
			"task_ids":  ids,
			"traces":    traces,
		},
	})
}

func (e *Engine) checkPaused(ctx context.Context, p *model.Pipeline, cr *status.ConnectorReport, th model.MonitoringThresholds) {
	if !cr.Reachable() {
		return
	}
	key := pauseKey{pipelineID: p.ID, connectorType: cr.Type}
	if cr.Status.State() != connect.StatePaused {
		e.state.clearPause(key)
		return
	}

	elapsed := e.state.pausedFor(key, e.clock.Now())
	if elapsed == 0 || elapsed < th.PauseDuration() {
		return
	}
	e.raise(ctx, &model.AlertEvent{
		PipelineID:    p.ID,
		AlertType:     model.AlertConnectorPaused,
		Severity:      model.SeverityWarning,
		ConnectorType: cr.Type,
		Message:       fmt.Sprintf("%s connector %s has been paused for %ds", cr.Type, cr.Name, int64(elapsed.Seconds())),
		Metadata: map[string]any{
			"connector":         cr.Name,
			"paused_seconds":    int64(elapsed.Seconds()),
			"threshold_seconds": th.PauseDurationSeconds,
		},
	})
}

// checkLag estimates source lag from the gap between poll and write rates
func (e *Engine) checkLag(ctx context.Context, p *model.Pipeline, report *status.Report, snap promquery.Snapshot, th model.MonitoringThresholds) {
	if p.Status != model.PipelineRunning || report.Source == nil {
		return
	}
	if !snap.Has(promquery.MetricPollRate) || !snap.Has(promquery.MetricWriteRate) {
		return
	}
	lagMs := math.Abs(snap.PollRate-snap.WriteRate) * 100
	if lagMs <= th.LagMs {
		return
	}
	e.raise(ctx, &model.AlertEvent{
		PipelineID:    p.ID,
		AlertType:     model.AlertHighLag,
		Severity:      model.SeverityWarning,
		ConnectorType: model.ConnectorSource,
		Message:       fmt.Sprintf("estimated lag %.0fms exceeds %.0fms", lagMs, th.LagMs),
		Metadata: map[string]any{
			"lag_ms":     lagMs,
			"poll_rate":  snap.PollRate,
			"write_rate": snap.WriteRate,
		},
	})
}

// checkThroughput compares records per minute with the previous sweep
func (e *Engine) checkThroughput(ctx context.Context, p *model.Pipeline, snap promquery.Snapshot, th model.MonitoringThresholds) {
	if !snap.Has(promquery.MetricPollRate) {
		return
	}
	current := snap.PollRate * 60
	prev, ok := e.state.swapThroughput(p.ID, current)
	if !ok || prev <= 0 {
		return
	}
	drop := (prev - current) / prev * 100
	if drop <= th.ThroughputDropPercent {
		return
	}
	e.raise(ctx, &model.AlertEvent{
		PipelineID:    p.ID,
		AlertType:     model.AlertThroughputDrop,
		Severity:      model.SeverityWarning,
		ConnectorType: model.ConnectorSource,
		Message:       fmt.Sprintf("throughput dropped %.1f%% (%.0f to %.0f records/min)", drop, prev, current),
		Metadata: map[string]any{
			"previous_per_minute": prev,
			"current_per_minute":  current,
			"drop_percent":        drop,
		},
	})
}

func (e *Engine) checkErrorRate(ctx context.Context, p *model.Pipeline, snap promquery.Snapshot, th model.MonitoringThresholds) {
	if !snap.Has(promquery.MetricErrors) || snap.Errors <= 0 {
		return
	}
	rate := snap.Errors / (snap.Errors + errorRateBaseline) * 100
	if rate <= th.ErrorRatePercent {
		return
	}
	e.raise(ctx, &model.AlertEvent{
		PipelineID: p.ID,
		AlertType:  model.AlertHighErrorRate,
		Severity:   model.SeverityWarning,
		Message:    fmt.Sprintf("error rate %.1f%% exceeds %.1f%%", rate, th.ErrorRatePercent),
		Metadata: map[string]any{
			"errors":       snap.Errors,
			"rate_percent": rate,
		},
	})
}

func (e *Engine) raise(ctx context.Context, a *model.AlertEvent) {
	stored, created, err := e.store.UpsertAlert(ctx, a)
	if err != nil {
		e.logger.Error("Failed to store alert",
			zap.String("pipeline", a.PipelineID),
			zap.String("alert_type", string(a.AlertType)),
			zap.Error(err))
		return
	}
	e.obs.RecordAlert(string(a.AlertType), created)
	if created {
		e.logger.Warn("Alert raised",
			zap.String("pipeline", stored.PipelineID),
			zap.String("alert_type", string(stored.AlertType)),
			zap.String("severity", string(stored.Severity)),
			zap.String("message", stored.Message))
	}
}
