package deploy

import (
	"context"
	"fmt"

	"github.com/withobsrvr/connectctl/internal/model"
	"github.com/withobsrvr/connectctl/internal/normalize"
	"go.uber.org/zap"
)

// StagePending stores an edit for a connector without deploying it
func (d *Deployer) StagePending(ctx context.Context, connectorID string, config map[string]any) (*model.PipelineConnector, error) {
	if len(config) == 0 {
		return nil, &ValidationError{PipelineID: connectorID, Reason: "pending configuration is empty"}
	}
	return d.store.UpdateConnector(ctx, connectorID, func(c *model.PipelineConnector) error {
		c.PendingConfig = config
		c.HasPendingChanges = true
		return nil
	})
}

// DeployPending deploys a connector's staged edit. On success the edit
// becomes the pipeline's stored config for that side and is cleared from the
// connector record.
func (d *Deployer) DeployPending(ctx context.Context, connectorID string) (*model.PipelineConnector, error) {
	c, err := d.store.GetConnector(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	if !c.HasPendingChanges || len(c.PendingConfig) == 0 {
		return nil, &ValidationError{PipelineID: c.PipelineID, Reason: fmt.Sprintf("connector %s has no pending changes", c.Name)}
	}
	p, err := d.store.GetPipeline(ctx, c.PipelineID)
	if err != nil {
		return nil, err
	}
	if p.Status == model.PipelineDeleted {
		return nil, &ValidationError{PipelineID: p.ID, Reason: "pipeline is deleted"}
	}

	cfg, err := d.normalizer.Normalize(normalize.Request{
		Raw:           c.PendingConfig,
		ConnectorName: c.Name,
		PipelineName:  p.Name,
		Kind:          c.Type,
		RestoreCount:  p.RestoreCount,
	})
	if err != nil {
		return nil, &ValidationError{PipelineID: p.ID, Reason: err.Error(), Err: err}
	}
	if c.Type == model.ConnectorSource && p.RestoreCount > 0 {
		cfg = normalize.CarryRestoredIdentity(cfg, c.Config)
	}
	// Keep the topic list discovered at deploy time
	if c.Type == model.ConnectorSink {
		if topics, ok := c.Config[normalize.KeyTopics]; ok {
			if _, explicit := cfg[normalize.KeyTopics]; !explicit {
				cfg[normalize.KeyTopics] = topics
				delete(cfg, normalize.KeyTopicsRegex)
			}
		}
	}

	if _, err := d.connect.Upsert(ctx, c.Name, cfg); err != nil {
		d.metrics.RecordConnectError("upsert")
		d.metrics.RecordDeploy("deploy_pending", err)
		return nil, fmt.Errorf("failed to deploy pending changes of %s: %w", c.Name, err)
	}
	d.metrics.RecordDeploy("deploy_pending", nil)

	pending := c.PendingConfig
	updated, err := d.store.UpdateConnector(ctx, c.ID, func(c *model.PipelineConnector) error {
		c.Config = cfg
		c.ConnectorClass = cfg[normalize.KeyConnectorClass]
		c.Status = model.ConnectorStatusRunning
		c.PendingConfig = nil
		c.HasPendingChanges = false
		return nil
	})
	if err != nil {
		return nil, err
	}

	_, err = d.store.UpdatePipeline(ctx, p.ID, func(p *model.Pipeline) error {
		spec := p.Spec(c.Type)
		if spec == nil {
			spec = &model.ConnectorSpec{Name: c.Name}
			if c.Type == model.ConnectorSource {
				p.Source = spec
			} else {
				p.Sink = spec
			}
		}
		spec.Config = pending
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info("Deployed pending changes", zap.String("pipeline", p.ID), zap.String("connector", c.Name))
	return updated, nil
}
