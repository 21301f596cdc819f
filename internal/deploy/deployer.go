// Package deploy runs the connector lifecycle of a pipeline against Kafka
// Connect: deploy, pause and resume, teardown, soft delete and restore.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/withobsrvr/connectctl/internal/broker"
	"github.com/withobsrvr/connectctl/internal/connect"
	"github.com/withobsrvr/connectctl/internal/model"
	"github.com/withobsrvr/connectctl/internal/normalize"
	"github.com/withobsrvr/connectctl/internal/observability"
	"github.com/withobsrvr/connectctl/internal/storage"
	"github.com/withobsrvr/connectctl/internal/utils/logger"
	"go.uber.org/zap"
)

// ConnectAPI is the subset of the Kafka Connect client the deployer uses
type ConnectAPI interface {
	Exists(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, name string, config map[string]string) error
	Upsert(ctx context.Context, name string, config map[string]string) (bool, error)
	Delete(ctx context.Context, name string) error
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (*connect.ConnectorStatus, error)
	Topics(ctx context.Context, name string) ([]string, error)
	ResetOffsets(ctx context.Context, name string) error
}

// TopicAdmin manages broker topics
type TopicAdmin interface {
	DiscoverTopics(ctx context.Context, prefix string) ([]string, error)
	EnableCompaction(ctx context.Context, topics []string, tombstoneRetention time.Duration) error
	DeleteTopics(ctx context.Context, topics ...string) error
}

// Phase is a step of the deploy state machine
type Phase string

const (
	PhaseValidating        Phase = "validating"
	PhaseDeployingSource   Phase = "deploying_source"
	PhaseDeployingSink     Phase = "deploying_sink"
	PhaseRollingBackSource Phase = "rolling_back_source"
	PhaseTuning            Phase = "tuning"
	PhaseCommitted         Phase = "committed"
	PhaseFailed            Phase = "failed"
)

// Options tune deploy behavior
type Options struct {
	// Readiness polling after the source is deployed
	ReadinessInitialInterval time.Duration
	ReadinessMaxInterval     time.Duration
	ReadinessMaxAttempts     uint64
	// TombstoneRetention is applied as delete.retention.ms to compacted topics
	TombstoneRetention time.Duration
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		ReadinessInitialInterval: 500 * time.Millisecond,
		ReadinessMaxInterval:     5 * time.Second,
		ReadinessMaxAttempts:     10,
		TombstoneRetention:       5 * time.Minute,
	}
}

// Deps are the collaborators of a Deployer. Topics and Metrics may be nil.
type Deps struct {
	Store      storage.Store
	Connect    ConnectAPI
	Topics     TopicAdmin
	Normalizer *normalize.Normalizer
	Metrics    *observability.Metrics
	Clock      clockwork.Clock
}

// Deployer drives pipelines through their connector lifecycle
type Deployer struct {
	store      storage.Store
	connect    ConnectAPI
	topics     TopicAdmin
	normalizer *normalize.Normalizer
	metrics    *observability.Metrics
	clock      clockwork.Clock
	opts       Options
	logger     *zap.Logger
}

// NewDeployer creates a Deployer. Zero options fall back to DefaultOptions.
func NewDeployer(deps Deps, opts Options) *Deployer {
	def := DefaultOptions()
	if opts.ReadinessInitialInterval <= 0 {
		opts.ReadinessInitialInterval = def.ReadinessInitialInterval
	}
	if opts.ReadinessMaxInterval <= 0 {
		opts.ReadinessMaxInterval = def.ReadinessMaxInterval
	}
	if opts.ReadinessMaxAttempts == 0 {
		opts.ReadinessMaxAttempts = def.ReadinessMaxAttempts
	}
	if opts.TombstoneRetention <= 0 {
		opts.TombstoneRetention = def.TombstoneRetention
	}
	if deps.Normalizer == nil {
		deps.Normalizer = normalize.New(normalize.DefaultOptions())
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Deployer{
		store:      deps.Store,
		connect:    deps.Connect,
		topics:     deps.Topics,
		normalizer: deps.Normalizer,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
		opts:       opts,
		logger:     logger.Named("deploy"),
	}
}

// LegResult is the outcome of deploying one connector
type LegResult struct {
	Type    model.ConnectorType `json:"type"`
	Name    string              `json:"name"`
	Created bool                `json:"created"`
	Error   string              `json:"error,omitempty"`
}

// Result is the outcome of a deploy or restore
type Result struct {
	PipelineID string               `json:"pipeline_id"`
	Status     model.PipelineStatus `json:"status"`
	Phase      Phase                `json:"phase"`
	Source     *LegResult           `json:"source,omitempty"`
	Sink       *LegResult           `json:"sink,omitempty"`
	Topics     []string             `json:"topics,omitempty"`
	RolledBack bool                 `json:"rolled_back"`
	Errors     []string             `json:"errors,omitempty"`
	Warnings   []string             `json:"warnings,omitempty"`
}

// OK reports whether every leg succeeded
func (r *Result) OK() bool {
	return len(r.Errors) == 0
}

func (r *Result) fail(leg *LegResult, err error) {
	msg := fmt.Sprintf("%s %s: %v", leg.Type, leg.Name, err)
	leg.Error = err.Error()
	r.Errors = append(r.Errors, msg)
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// deployable is a normalized connector ready to send
type deployable struct {
	Type    model.ConnectorType
	Name    string
	Class   string
	Version string
	Config  map[string]string
}

// prepare validates p and normalizes both connector configs without side effects
func (d *Deployer) prepare(p *model.Pipeline, restoreCount int) (map[model.ConnectorType]*deployable, error) {
	out := make(map[model.ConnectorType]*deployable, len(model.ConnectorTypes))
	for _, t := range model.ConnectorTypes {
		spec := p.Spec(t)
		if spec == nil || len(spec.Config) == 0 {
			return nil, &ValidationError{PipelineID: p.ID, Reason: fmt.Sprintf("%s configuration is missing", t)}
		}
		name := p.ConnectorName(t)
		cfg, err := d.normalizer.Normalize(normalize.Request{
			Raw:           spec.Config,
			ConnectorName: name,
			PipelineName:  p.Name,
			Kind:          t,
			RestoreCount:  restoreCount,
		})
		if err != nil {
			return nil, &ValidationError{PipelineID: p.ID, Reason: err.Error(), Err: err}
		}
		out[t] = &deployable{
			Type:    t,
			Name:    name,
			Class:   cfg[normalize.KeyConnectorClass],
			Version: spec.ConfigVersion,
			Config:  cfg,
		}
	}
	return out, nil
}

// Deploy deploys the pipeline's source, waits for it to become ready, points
// the sink at the discovered topics and deploys the sink. A failed sink
// deploy rolls back the source connector in Kafka Connect while keeping its
// persisted record.
//
// The returned error is reserved for validation and storage failures;
// connector failures are reported in the Result.
func (d *Deployer) Deploy(ctx context.Context, pipelineID string) (*Result, error) {
	p, err := d.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	result := &Result{PipelineID: p.ID, Phase: PhaseValidating}
	switch p.Status {
	case model.PipelineDraft:
		return nil, &ValidationError{PipelineID: p.ID, Reason: "draft pipelines cannot be deployed"}
	case model.PipelineDeleted:
		return nil, &ValidationError{PipelineID: p.ID, Reason: "deleted pipelines must be restored"}
	}
	legs, err := d.prepare(p, p.RestoreCount)
	if err != nil {
		return nil, err
	}
	source, sink := legs[model.ConnectorSource], legs[model.ConnectorSink]
	log := d.logger.With(zap.String("pipeline", p.ID))

	// Source
	result.Phase = PhaseDeployingSource
	result.Source = &LegResult{Type: model.ConnectorSource, Name: source.Name}
	for _, leg := range []*deployable{source, sink} {
		prev, err := d.previous(ctx, p.ID, leg.Type)
		if err != nil {
			return nil, err
		}
		if leg.Type == model.ConnectorSource && p.RestoreCount > 0 && prev != nil {
			leg.Config = normalize.CarryRestoredIdentity(leg.Config, prev.Config)
		}
		if err := d.retireRenamed(ctx, prev, leg); err != nil {
			lr := result.Source
			if leg.Type == model.ConnectorSink {
				result.Sink = &LegResult{Type: leg.Type, Name: leg.Name}
				lr = result.Sink
			}
			result.fail(lr, err)
			return d.finish(ctx, p, result, "deploy")
		}
	}

	created, err := d.connect.Upsert(ctx, source.Name, source.Config)
	if err != nil {
		d.metrics.RecordConnectError("upsert")
		result.fail(result.Source, err)
		return d.finish(ctx, p, result, "deploy")
	}
	result.Source.Created = created
	if err := d.saveConnector(ctx, p.ID, source); err != nil {
		return nil, err
	}
	log.Info("Source connector deployed", zap.String("connector", source.Name), zap.Bool("created", created))

	topics, err := d.waitReady(ctx, source)
	switch {
	case errors.Is(err, ErrSourceFailed):
		result.fail(result.Source, err)
		log.Error("Source connector failed, sink not deployed", zap.String("connector", source.Name), zap.Error(err))
		return d.finish(ctx, p, result, "deploy")
	case err != nil:
		result.warn("source readiness: %v", err)
		log.Warn("Source not ready, sink keeps its topic pattern", zap.Error(err))
	}
	result.Topics = topics
	pointSink(sink, source, topics, p.RestoreCount > 0)

	// Sink
	result.Phase = PhaseDeployingSink
	result.Sink = &LegResult{Type: model.ConnectorSink, Name: sink.Name}
	created, err = d.connect.Upsert(ctx, sink.Name, sink.Config)
	if err != nil {
		d.metrics.RecordConnectError("upsert")
		result.fail(result.Sink, err)

		result.Phase = PhaseRollingBackSource
		if derr := d.connect.Delete(ctx, source.Name); derr != nil && !connect.IsNotFound(derr) {
			result.warn("rollback of %s: %v", source.Name, derr)
			log.Error("Failed to roll back source connector", zap.String("connector", source.Name), zap.Error(derr))
		} else {
			result.RolledBack = true
			log.Warn("Rolled back source connector after sink failure", zap.String("connector", source.Name))
		}
		return d.finish(ctx, p, result, "deploy")
	}
	result.Sink.Created = created
	if err := d.saveConnector(ctx, p.ID, sink); err != nil {
		return nil, err
	}

	// Topic tuning is best effort
	result.Phase = PhaseTuning
	if len(topics) > 0 && d.topics != nil {
		if err := d.topics.EnableCompaction(ctx, topics, d.opts.TombstoneRetention); err != nil {
			result.warn("topic tuning: %v", err)
			log.Warn("Failed to tune topics", zap.Strings("topics", topics), zap.Error(err))
		}
	}

	return d.finish(ctx, p, result, "deploy")
}

// finish sets the final pipeline status from the result
func (d *Deployer) finish(ctx context.Context, p *model.Pipeline, result *Result, operation string) (*Result, error) {
	status := model.PipelineRunning
	result.Phase = PhaseCommitted
	var opErr error
	if !result.OK() {
		status = model.PipelineError
		result.Phase = PhaseFailed
		opErr = errors.New(strings.Join(result.Errors, "; "))
	}
	result.Status = status
	d.metrics.RecordDeploy(operation, opErr)

	reason := operation
	if opErr != nil {
		reason = fmt.Sprintf("%s failed: %v", operation, opErr)
	}
	if _, err := d.setStatus(ctx, p.ID, status, reason, nil); err != nil {
		return nil, err
	}
	return result, nil
}

// waitReady polls until the source reports RUNNING and, when it has a topic
// prefix, until its topics exist. It returns the discovered topics.
func (d *Deployer) waitReady(ctx context.Context, source *deployable) ([]string, error) {
	prefix := normalize.SourcePrefix(source.Config)

	var topics []string
	operation := func() error {
		status, err := d.connect.Status(ctx, source.Name)
		if err != nil {
			return err
		}
		switch status.State() {
		case connect.StateRunning:
		case connect.StateFailed:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrSourceFailed, status.Connector.Trace))
		default:
			return fmt.Errorf("source connector is %s", status.State())
		}
		if prefix == "" {
			return nil
		}

		found, err := d.discoverTopics(ctx, source.Name, prefix)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return fmt.Errorf("no topics with prefix %q yet", prefix)
		}
		topics = found
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.ReadinessInitialInterval
	b.MaxInterval = d.opts.ReadinessMaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, d.opts.ReadinessMaxAttempts), ctx)

	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		d.logger.Debug("Waiting for source connector",
			zap.String("connector", source.Name),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	})
	return topics, err
}

// discoverTopics lists topics on the broker, or asks Kafka Connect when no
// broker admin is configured.
func (d *Deployer) discoverTopics(ctx context.Context, connector, prefix string) ([]string, error) {
	if d.topics != nil {
		return d.topics.DiscoverTopics(ctx, prefix)
	}
	used, err := d.connect.Topics(ctx, connector)
	if err != nil {
		return nil, err
	}
	return broker.FilterByPrefix(prefix, used), nil
}

// pointSink makes the sink consume the discovered topics. When none were
// found and retarget is set, the sink's pattern is rewritten to the source's
// current prefix, which a restore renames.
func pointSink(sink, source *deployable, topics []string, retarget bool) {
	if len(topics) > 0 {
		sink.Config[normalize.KeyTopics] = strings.Join(topics, ",")
		delete(sink.Config, normalize.KeyTopicsRegex)
		return
	}
	prefix := normalize.SourcePrefix(source.Config)
	if !retarget || prefix == "" {
		return
	}
	sink.Config[normalize.KeyTopicsRegex] = regexp.QuoteMeta(prefix) + `\..*`
	delete(sink.Config, normalize.KeyTopics)
}

// previous returns the stored connector record of type t, or nil
func (d *Deployer) previous(ctx context.Context, pipelineID string, t model.ConnectorType) (*model.PipelineConnector, error) {
	prev, err := d.store.GetConnectorByType(ctx, pipelineID, t)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s connector: %w", t, err)
	}
	return prev, nil
}

// retireRenamed deletes the connector registered under the record's old name
// when the pipeline was renamed since it was deployed
func (d *Deployer) retireRenamed(ctx context.Context, prev *model.PipelineConnector, leg *deployable) error {
	if prev == nil || prev.Name == "" || prev.Name == leg.Name {
		return nil
	}
	if err := d.connect.Delete(ctx, prev.Name); err != nil && !connect.IsNotFound(err) {
		d.metrics.RecordConnectError("delete")
		return fmt.Errorf("failed to delete renamed connector %s: %w", prev.Name, err)
	}
	d.logger.Info("Deleted connector registered under the previous name",
		zap.String("connector", prev.Name),
		zap.String("renamed_to", leg.Name))
	return nil
}

// saveConnector persists the deployed config. Staged edits survive a regular deploy.
func (d *Deployer) saveConnector(ctx context.Context, pipelineID string, c *deployable) error {
	record := &model.PipelineConnector{
		PipelineID:          pipelineID,
		Type:                c.Type,
		Name:                c.Name,
		ConnectorClass:      c.Class,
		Status:              model.ConnectorStatusRunning,
		Config:              c.Config,
		LastDeployedVersion: c.Version,
	}
	if existing, err := d.store.GetConnectorByType(ctx, pipelineID, c.Type); err == nil {
		record.PendingConfig = existing.PendingConfig
		record.HasPendingChanges = existing.HasPendingChanges
	}
	_, err := d.store.UpsertConnector(ctx, record)
	if err != nil {
		return fmt.Errorf("failed to persist %s connector: %w", c.Type, err)
	}
	return nil
}

// setStatus moves the pipeline to status and records the transition.
// mutate, when set, is applied in the same update.
func (d *Deployer) setStatus(ctx context.Context, pipelineID string, status model.PipelineStatus, reason string, mutate func(*model.Pipeline)) (*model.Pipeline, error) {
	var from model.PipelineStatus
	p, err := d.store.UpdatePipeline(ctx, pipelineID, func(p *model.Pipeline) error {
		from = p.Status
		p.Status = status
		if mutate != nil {
			mutate(p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update pipeline status: %w", err)
	}
	if from == status {
		return p, nil
	}

	err = d.store.AppendStateChange(ctx, &model.StateChange{
		PipelineID: pipelineID,
		From:       from,
		To:         status,
		Reason:     reason,
		At:         d.clock.Now().UTC(),
	})
	if err != nil {
		d.logger.Warn("Failed to record state change", zap.String("pipeline", pipelineID), zap.Error(err))
	}
	d.logger.Info("Pipeline status changed",
		zap.String("pipeline", pipelineID),
		zap.String("from", string(from)),
		zap.String("to", string(status)))
	return p, nil
}
