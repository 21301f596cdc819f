package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/withobsrvr/connectctl/internal/connect"
	"github.com/withobsrvr/connectctl/internal/model"
	"github.com/withobsrvr/connectctl/internal/normalize"
	"go.uber.org/zap"
)

// deployedConnectors returns the pipeline's connector records that are still deployed
func (d *Deployer) deployedConnectors(ctx context.Context, pipelineID string) ([]*model.PipelineConnector, error) {
	all, err := d.store.ListConnectors(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	var out []*model.PipelineConnector
	for _, c := range all {
		if c.Status != model.ConnectorStatusDeleted {
			out = append(out, c)
		}
	}
	return out, nil
}

// Start resumes both connectors and marks the pipeline running
func (d *Deployer) Start(ctx context.Context, pipelineID string) (*model.Pipeline, error) {
	return d.toggle(ctx, pipelineID, model.PipelineRunning, d.connect.Resume)
}

// Pause suspends both connectors and marks the pipeline paused
func (d *Deployer) Pause(ctx context.Context, pipelineID string) (*model.Pipeline, error) {
	return d.toggle(ctx, pipelineID, model.PipelinePaused, d.connect.Pause)
}

func (d *Deployer) toggle(ctx context.Context, pipelineID string, target model.PipelineStatus, action func(context.Context, string) error) (*model.Pipeline, error) {
	p, err := d.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if p.Status == model.PipelineDeleted {
		return nil, &ValidationError{PipelineID: p.ID, Reason: "pipeline is deleted"}
	}
	connectors, err := d.deployedConnectors(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if len(connectors) == 0 {
		return nil, &ValidationError{PipelineID: p.ID, Reason: "pipeline has no deployed connectors"}
	}

	var errs []error
	for _, c := range connectors {
		if err := action(ctx, c.Name); err != nil {
			d.metrics.RecordConnectError(string(target))
			errs = append(errs, fmt.Errorf("%s %s: %w", c.Type, c.Name, err))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return d.setStatus(ctx, p.ID, target, "operator", nil)
}

// Teardown is the outcome of removing a pipeline's connectors
type Teardown struct {
	Connectors []string `json:"connectors"`
	Topics     []string `json:"topics,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// DeleteConnectors removes the pipeline's connectors from Kafka Connect and
// marks their records deleted. With deleteTopics the source topics and the
// dead-letter topics are deleted from the broker as well. The pipeline goes
// back to ready.
func (d *Deployer) DeleteConnectors(ctx context.Context, pipelineID string, deleteTopics bool) (*Teardown, error) {
	p, err := d.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if deleteTopics && d.topics == nil {
		return nil, &ValidationError{PipelineID: p.ID, Reason: "topic deletion requires a broker connection"}
	}
	td, err := d.teardown(ctx, p, deleteTopics)
	if err != nil {
		return nil, err
	}
	if len(td.Errors) == 0 && p.Status != model.PipelineDeleted {
		if _, err := d.setStatus(ctx, p.ID, model.PipelineReady, "connectors deleted", nil); err != nil {
			return nil, err
		}
	}
	return td, nil
}

func (d *Deployer) teardown(ctx context.Context, p *model.Pipeline, deleteTopics bool) (*Teardown, error) {
	connectors, err := d.deployedConnectors(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	td := &Teardown{Connectors: []string{}}
	var topics []string

	for _, c := range connectors {
		if err := d.connect.Delete(ctx, c.Name); err != nil && !connect.IsNotFound(err) {
			d.metrics.RecordConnectError("delete")
			td.Errors = append(td.Errors, fmt.Sprintf("%s %s: %v", c.Type, c.Name, err))
			continue
		}
		td.Connectors = append(td.Connectors, c.Name)
		if _, err := d.store.UpdateConnector(ctx, c.ID, func(c *model.PipelineConnector) error {
			c.Status = model.ConnectorStatusDeleted
			return nil
		}); err != nil {
			return nil, err
		}

		if !deleteTopics {
			continue
		}
		if dlq := c.Config[normalize.KeyDLQTopic]; dlq != "" {
			topics = append(topics, dlq)
		}
		if c.Type == model.ConnectorSource {
			prefix := c.Config[normalize.KeyTopicPrefix]
			if prefix == "" {
				prefix = c.Config[normalize.KeyServerName]
			}
			if prefix == "" {
				continue
			}
			found, err := d.topics.DiscoverTopics(ctx, prefix)
			if err != nil {
				td.Errors = append(td.Errors, fmt.Sprintf("discover topics: %v", err))
				continue
			}
			topics = append(topics, found...)
		}
	}

	if len(topics) > 0 {
		if err := d.topics.DeleteTopics(ctx, topics...); err != nil {
			td.Errors = append(td.Errors, fmt.Sprintf("delete topics: %v", err))
		} else {
			td.Topics = topics
		}
	}

	d.logger.Info("Removed pipeline connectors",
		zap.String("pipeline", p.ID),
		zap.Strings("connectors", td.Connectors),
		zap.Strings("topics", td.Topics),
		zap.Int("errors", len(td.Errors)))
	return td, nil
}

// SoftDelete removes the connectors and marks the pipeline deleted. The
// pipeline can be restored until its retention window elapses.
func (d *Deployer) SoftDelete(ctx context.Context, pipelineID string) (*model.Pipeline, error) {
	p, err := d.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if p.Status == model.PipelineDeleted {
		return p, nil
	}
	td, err := d.teardown(ctx, p, false)
	if err != nil {
		return nil, err
	}
	if len(td.Errors) > 0 {
		return nil, fmt.Errorf("failed to remove connectors: %v", td.Errors)
	}

	now := d.clock.Now().UTC()
	return d.setStatus(ctx, p.ID, model.PipelineDeleted, "soft delete", func(p *model.Pipeline) {
		p.DeletedAt = &now
		if p.Retention <= 0 {
			p.Retention = model.DefaultRetention
		}
	})
}
