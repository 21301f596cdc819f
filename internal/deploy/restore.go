package deploy

import (
	"context"
	"errors"
	"time"

	"github.com/withobsrvr/connectctl/internal/connect"
	"github.com/withobsrvr/connectctl/internal/model"
	"github.com/withobsrvr/connectctl/internal/normalize"
	"go.uber.org/zap"
)

// Restore redeploys a soft-deleted pipeline under fresh identities. Any
// connector still registered under the same name is deleted first together
// with its committed offsets. CDC sources get a new replication slot, a dated
// server name and a snapshot mode that re-captures existing rows. The sink is
// pointed at the topics of the restored source, or at its new prefix when none
// were discovered in time.
func (d *Deployer) Restore(ctx context.Context, pipelineID string) (*Result, error) {
	p, err := d.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	now := d.clock.Now()
	if p.Status != model.PipelineDeleted {
		return nil, &ValidationError{PipelineID: p.ID, Reason: "only deleted pipelines can be restored"}
	}
	if !p.Restorable(now) {
		return nil, &ValidationError{PipelineID: p.ID, Reason: "retention window has elapsed"}
	}

	restoreCount := p.RestoreCount + 1
	legs, err := d.prepare(p, restoreCount)
	if err != nil {
		return nil, err
	}
	source, sink := legs[model.ConnectorSource], legs[model.ConnectorSink]
	if normalize.IsCDCSource(source.Class) {
		source.Config = normalize.RestoreIdentity(source.Config, now)
	}
	log := d.logger.With(zap.String("pipeline", p.ID))

	result := &Result{PipelineID: p.ID, Phase: PhaseDeployingSource}
	var topics []string
	result.Source, err = d.recreate(ctx, p.ID, source, result)
	if err != nil {
		return nil, err
	}
	if result.Source.Created {
		topics, err = d.waitReady(ctx, source)
		switch {
		case errors.Is(err, ErrSourceFailed):
			result.fail(result.Source, err)
			log.Error("Restored source connector failed", zap.String("connector", source.Name), zap.Error(err))
		case err != nil:
			result.warn("source readiness: %v", err)
			log.Warn("Restored source not ready, sink follows its prefix", zap.Error(err))
		}
		result.Topics = topics
	}
	pointSink(sink, source, topics, true)

	result.Phase = PhaseDeployingSink
	result.Sink, err = d.recreate(ctx, p.ID, sink, result)
	if err != nil {
		return nil, err
	}

	if result.Sink.Created && len(topics) > 0 && d.topics != nil {
		result.Phase = PhaseTuning
		if err := d.topics.EnableCompaction(ctx, topics, d.opts.TombstoneRetention); err != nil {
			result.warn("topic tuning: %v", err)
			log.Warn("Failed to tune topics", zap.Strings("topics", topics), zap.Error(err))
		}
	}

	status := model.PipelineRunning
	result.Phase = PhaseCommitted
	if !result.OK() {
		status = model.PipelineError
		result.Phase = PhaseFailed
	}
	result.Status = status

	var opErr error
	if !result.OK() {
		opErr = errors.New("restore incomplete")
	}
	d.metrics.RecordDeploy("restore", opErr)

	_, err = d.setStatus(ctx, p.ID, status, "restore", func(p *model.Pipeline) {
		p.RestoreCount = restoreCount
		p.DeletedAt = nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// recreate clears stale connectors of the leg and creates it under its new
// identity. Connector failures are recorded in result; the returned error is
// reserved for storage failures.
func (d *Deployer) recreate(ctx context.Context, pipelineID string, leg *deployable, result *Result) (*LegResult, error) {
	lr := &LegResult{Type: leg.Type, Name: leg.Name}
	if err := d.clearStale(ctx, pipelineID, leg); err != nil {
		result.fail(lr, err)
		return lr, nil
	}
	if err := d.connect.Create(ctx, leg.Name, leg.Config); err != nil {
		d.metrics.RecordConnectError("create")
		result.fail(lr, err)
		return lr, nil
	}
	lr.Created = true
	if err := d.saveConnector(ctx, pipelineID, leg); err != nil {
		return nil, err
	}
	return lr, nil
}

// clearStale deletes connectors registered under the leg's name or the name
// of its previous record, and asks Connect to drop their offsets.
func (d *Deployer) clearStale(ctx context.Context, pipelineID string, leg *deployable) error {
	names := []string{leg.Name}
	if prev, err := d.store.GetConnectorByType(ctx, pipelineID, leg.Type); err == nil && prev.Name != leg.Name {
		names = append(names, prev.Name)
	}

	for _, name := range names {
		exists, err := d.connect.Exists(ctx, name)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		if err := d.connect.Delete(ctx, name); err != nil && !connect.IsNotFound(err) {
			return err
		}
		if err := d.connect.ResetOffsets(ctx, name); err != nil {
			d.logger.Warn("Could not reset connector offsets",
				zap.String("connector", name),
				zap.Error(err))
		}
	}
	return nil
}

// Purge permanently removes soft-deleted pipelines whose retention window
// elapsed before now, and returns how many were removed.
func (d *Deployer) Purge(ctx context.Context, now time.Time) (int, error) {
	deleted, err := d.store.ListPipelinesByStatus(ctx, model.PipelineDeleted)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, p := range deleted {
		if p.DeletedAt == nil || p.Restorable(now) {
			continue
		}
		if err := d.store.DeletePipeline(ctx, p.ID); err != nil {
			return purged, err
		}
		purged++
		d.logger.Info("Purged expired pipeline",
			zap.String("pipeline", p.ID),
			zap.Time("deleted_at", *p.DeletedAt))
	}
	return purged, nil
}
