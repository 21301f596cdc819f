// Package status polls a pipeline's connectors and derives its progress stages.
package status

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/withobsrvr/connectctl/internal/connect"
	"github.com/withobsrvr/connectctl/internal/model"
	"github.com/withobsrvr/connectctl/internal/storage"
	"github.com/withobsrvr/connectctl/internal/utils/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultTimeout = 3 * time.Second

// Source reports the live state of a connector
type Source interface {
	Status(ctx context.Context, name string) (*connect.ConnectorStatus, error)
}

// ConnectorReport is the polled state of one connector. Status is nil when
// the connector could not be reached in time.
type ConnectorReport struct {
	Type   model.ConnectorType      `json:"type"`
	Name   string                   `json:"name"`
	Status *connect.ConnectorStatus `json:"status,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

// Reachable reports whether the connector answered
func (r *ConnectorReport) Reachable() bool {
	return r != nil && r.Status != nil
}

// InState reports whether the connector answered with the given connector-level state
func (r *ConnectorReport) InState(state string) bool {
	return r.Reachable() && r.Status.State() == state
}

// Report is the status of a pipeline at CheckedAt
type Report struct {
	PipelineID string           `json:"pipeline_id"`
	Source     *ConnectorReport `json:"source,omitempty"`
	Sink       *ConnectorReport `json:"sink,omitempty"`
	Stages     []Stage          `json:"stages"`
	CheckedAt  time.Time        `json:"checked_at"`
}

// Connector returns the report for connector type t
func (r *Report) Connector(t model.ConnectorType) *ConnectorReport {
	if t == model.ConnectorSource {
		return r.Source
	}
	return r.Sink
}

// AnyPaused reports whether either connector is PAUSED
func (r *Report) AnyPaused() bool {
	return r.Source.InState(connect.StatePaused) || r.Sink.InState(connect.StatePaused)
}

// Aggregator polls connector status
type Aggregator struct {
	source  Source
	store   storage.Store
	timeout time.Duration
	clock   clockwork.Clock
	logger  *zap.Logger
}

// NewAggregator creates an Aggregator. store may be nil, in which case
// connector names come from the pipeline and progress is not recorded.
func NewAggregator(source Source, store storage.Store, timeout time.Duration, clock clockwork.Clock) *Aggregator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Aggregator{
		source:  source,
		store:   store,
		timeout: timeout,
		clock:   clock,
		logger:  logger.Named("status"),
	}
}

// connectorName prefers the deployed record's name over the pipeline's derived one
func (a *Aggregator) connectorName(ctx context.Context, p *model.Pipeline, t model.ConnectorType) string {
	if a.store != nil {
		if c, err := a.store.GetConnectorByType(ctx, p.ID, t); err == nil && c.Name != "" {
			return c.Name
		}
	}
	if p.Spec(t) == nil {
		return ""
	}
	return p.ConnectorName(t)
}

// Fetch polls the source and sink status in parallel. A slow or failing
// connector only affects its own report.
func (a *Aggregator) Fetch(ctx context.Context, p *model.Pipeline) *Report {
	report := &Report{PipelineID: p.ID}

	var g errgroup.Group
	for _, t := range model.ConnectorTypes {
		name := a.connectorName(ctx, p, t)
		if name == "" {
			continue
		}
		cr := &ConnectorReport{Type: t, Name: name}
		if t == model.ConnectorSource {
			report.Source = cr
		} else {
			report.Sink = cr
		}

		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()

			status, err := a.source.Status(callCtx, cr.Name)
			if err != nil {
				cr.Error = err.Error()
				a.logger.Debug("Connector status unavailable",
					zap.String("pipeline", p.ID),
					zap.String("connector", cr.Name),
					zap.Error(err))
				return nil
			}
			cr.Status = status
			return nil
		})
	}
	_ = g.Wait()

	report.Stages = Progress(report.Source, report.Sink)
	report.CheckedAt = a.clock.Now().UTC()
	return report
}

// Poll fetches the pipeline status and records newly completed stages
func (a *Aggregator) Poll(ctx context.Context, p *model.Pipeline) *Report {
	report := a.Fetch(ctx, p)
	if a.store == nil {
		return report
	}

	for _, stage := range report.Stages {
		if stage.Status != model.StageCompleted {
			continue
		}
		stored, err := a.store.AppendProgressEvent(ctx, &model.ProgressEvent{
			PipelineID: p.ID,
			Stage:      stage.Stage,
			Status:     stage.Status,
			Metadata:   stage.Metadata,
			CreatedAt:  report.CheckedAt,
		})
		if err != nil {
			a.logger.Warn("Failed to record progress event",
				zap.String("pipeline", p.ID),
				zap.String("stage", string(stage.Stage)),
				zap.Error(err))
			continue
		}
		if stored {
			a.logger.Info("Pipeline reached stage",
				zap.String("pipeline", p.ID),
				zap.String("stage", string(stage.Stage)))
		}
	}
	return report
}
